package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/auth"
	"github.com/concord-im/concord/internal/v1/bus"
	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/metrics"
	"github.com/concord-im/concord/internal/v1/ratelimit"
	"github.com/concord-im/concord/internal/v1/store"
	"github.com/concord-im/concord/internal/v1/types"
)

const (
	// typingTTL bounds how long a typing marker survives a crashed client.
	typingTTL = 8 * time.Second

	// messageCacheTTL keeps recently fanned-out messages available for
	// reconnect backfill.
	messageCacheTTL = time.Hour
)

// Hub terminates client WebSocket connections, routes their frames, and fans
// bus deliveries out to the sessions watching each topic.
type Hub struct {
	validator types.TokenValidator
	presence  types.PresenceReporter
	chat      types.ChatService
	publisher types.EventPublisher
	st        *store.Store
	limiter   *ratelimit.RateLimiter

	sub *bus.Subscriber
	mux *mux

	sessions sync.Map // types.SessionID -> *Session

	umu    sync.Mutex
	byUser map[types.UserID]map[types.SessionID]*Session

	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewHub wires the gateway. busClient carries the fan-in subscription; nil
// runs the hub without cross-instance delivery (tests, degraded mode).
func NewHub(validator types.TokenValidator, presence types.PresenceReporter,
	chat types.ChatService, publisher types.EventPublisher, st *store.Store,
	limiter *ratelimit.RateLimiter, busClient *redis.Client, allowedOrigins []string) *Hub {

	h := &Hub{
		validator:      validator,
		presence:       presence,
		chat:           chat,
		publisher:      publisher,
		st:             st,
		limiter:        limiter,
		byUser:         make(map[types.UserID]map[types.SessionID]*Session),
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return auth.OriginAllowed(r.Header.Get("Origin"), h.allowedOrigins)
		},
	}

	if busClient != nil {
		h.sub = bus.NewSubscriber(busClient, h.dispatch)
	}
	h.mux = newMux(h.sub)
	return h
}

// Start launches the bus subscription loop.
func (h *Hub) Start(ctx context.Context) {
	if h.sub != nil {
		h.sub.Start(ctx)
	}
}

// ServeWs authenticates the request and upgrades it to a session.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.limiter.CheckConnectIP(c) {
		return
	}

	token, err := auth.BearerFromRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided", "code": "missing_token"})
		return
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": errs.CodeOf(err)})
		return
	}

	if err := h.limiter.CheckConnectUser(c.Request.Context(), claims.Subject); err != nil {
		errs.AbortWith(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake error response.
		return
	}

	h.HandleConnection(conn, claims, parseGuilds(c.Query("guilds")))
}

// HandleConnection registers an established socket and starts its pumps.
func (h *Hub) HandleConnection(conn wsConn, claims *auth.Claims, guilds []types.GuildID) {
	sessionID := types.SessionID(ulid.Make().String())
	s := newSession(sessionID, types.UserID(claims.Subject), claims.Name, guilds, conn, h)

	h.sessions.Store(s.ID, s)
	sessions := h.addUserIndex(s)
	metrics.IncSession()

	ctx := context.WithValue(context.Background(), logging.UserIDKey, string(s.UserID))
	ctx = context.WithValue(ctx, logging.SessionIDKey, string(s.ID))

	if err := h.presence.HandleConnect(ctx, s.UserID, guilds); err != nil {
		// Presence is best effort on the connect path: the sweeper repairs
		// records the store missed.
		logging.Warn(ctx, "Presence connect failed", zap.Error(err))
	}

	topics := make([]types.Topic, 0, len(guilds)+1)
	topics = append(topics, types.UserTopic(s.UserID))
	for _, g := range guilds {
		topics = append(topics, types.GuildTopic(g))
	}
	h.mux.add(s, topics...)

	s.EnqueuePriority(marshalFrame(readyFrame{
		Type:        FrameReady,
		SessionID:   s.ID,
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Guilds:      guilds,
		Sessions:    sessions,
	}))

	logging.Info(ctx, "Session connected", zap.Int("user_sessions", sessions))

	go s.writePump()
	go s.readPump()
}

// unregister tears a session down exactly once and informs presence.
func (h *Hub) unregister(s *Session) {
	s.Close()
	if _, loaded := h.sessions.LoadAndDelete(s.ID); !loaded {
		return
	}

	h.mux.dropSession(s)
	remaining := h.removeUserIndex(s)
	metrics.DecSession()

	ctx := context.WithValue(context.Background(), logging.UserIDKey, string(s.UserID))
	if err := h.presence.HandleDisconnect(ctx, s.UserID, remaining); err != nil {
		logging.Warn(ctx, "Presence disconnect failed", zap.Error(err))
	}
	logging.Info(ctx, "Session disconnected",
		zap.String("session_id", string(s.ID)), zap.Int("remaining", remaining))
}

func (h *Hub) addUserIndex(s *Session) int {
	h.umu.Lock()
	defer h.umu.Unlock()
	sessions, ok := h.byUser[s.UserID]
	if !ok {
		sessions = make(map[types.SessionID]*Session)
		h.byUser[s.UserID] = sessions
	}
	sessions[s.ID] = s
	return len(sessions)
}

func (h *Hub) removeUserIndex(s *Session) int {
	h.umu.Lock()
	defer h.umu.Unlock()
	sessions, ok := h.byUser[s.UserID]
	if !ok {
		return 0
	}
	delete(sessions, s.ID)
	if len(sessions) == 0 {
		delete(h.byUser, s.UserID)
		return 0
	}
	return len(sessions)
}

// SessionCount returns the number of live sessions on this instance.
func (h *Hub) SessionCount() int {
	n := 0
	h.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// --- frame routing ---

func (h *Hub) handleFrame(ctx context.Context, s *Session, f *Frame) {
	start := time.Now()
	defer func() {
		metrics.FrameProcessingDuration.WithLabelValues(f.Type).Observe(time.Since(start).Seconds())
	}()

	// Pings stay local and are exempt from the frame budget.
	if f.Type == FramePing {
		s.EnqueuePriority(pongFrame(f.Nonce))
		metrics.GatewayFrames.WithLabelValues(FramePing, "ok").Inc()
		return
	}

	if err := h.limiter.AllowFrame(ctx, string(s.UserID)); err != nil {
		s.EnqueuePriority(frameError(err, f.Nonce))
		metrics.GatewayFrames.WithLabelValues(f.Type, "rate_limited").Inc()
		return
	}

	var err error
	switch f.Type {
	case FrameJoinChannel:
		err = h.joinChannel(ctx, s, f)
	case FrameLeaveChannel:
		err = h.leaveChannel(ctx, s, f)
	case FrameJoinGuild:
		err = h.joinGuild(ctx, s, f)
	case FrameLeaveGuild:
		err = h.leaveGuild(ctx, s, f)
	case FrameSendMessage:
		err = h.sendMessage(ctx, s, f)
	case FrameTypingStart:
		err = h.typing(ctx, s, f, true)
	case FrameTypingStop:
		err = h.typing(ctx, s, f, false)
	case FramePresenceUpdate:
		err = h.presenceUpdate(ctx, s, f)
	default:
		s.EnqueuePriority(errorFrame("unknown_frame", "unrecognized frame type", f.Nonce))
		metrics.GatewayFrames.WithLabelValues(f.Type, "unknown").Inc()
		return
	}

	if err != nil {
		s.EnqueuePriority(frameError(err, f.Nonce))
		metrics.GatewayFrames.WithLabelValues(f.Type, "error").Inc()
		return
	}
	metrics.GatewayFrames.WithLabelValues(f.Type, "ok").Inc()
}

// frameError maps an error to a client-facing error frame without leaking
// internals: only taxonomy messages pass through.
func frameError(err error, nonce string) []byte {
	message := "internal error"
	var e *errs.Error
	if errs.As(err, &e) {
		message = e.Message
	}
	return errorFrame(errs.CodeOf(err), message, nonce)
}

func (h *Hub) joinChannel(ctx context.Context, s *Session, f *Frame) error {
	if f.ChannelID == "" {
		return errs.Validation("missing_channel", "channel_id is required")
	}
	topic := types.ChannelTopic(f.ChannelID)
	h.mux.add(s, topic)
	return h.publish(ctx, topic, FrameUserJoin, map[string]any{
		"user_id":      s.UserID,
		"display_name": s.DisplayName,
		"channel_id":   f.ChannelID,
	}, s.UserID)
}

func (h *Hub) leaveChannel(ctx context.Context, s *Session, f *Frame) error {
	if f.ChannelID == "" {
		return errs.Validation("missing_channel", "channel_id is required")
	}
	topic := types.ChannelTopic(f.ChannelID)
	h.mux.remove(s, topic)
	return h.publish(ctx, topic, FrameUserLeave, map[string]any{
		"user_id":    s.UserID,
		"channel_id": f.ChannelID,
	}, s.UserID)
}

func (h *Hub) joinGuild(ctx context.Context, s *Session, f *Frame) error {
	if f.GuildID == "" {
		return errs.Validation("missing_guild", "guild_id is required")
	}
	topic := types.GuildTopic(f.GuildID)
	h.mux.add(s, topic)
	return h.publish(ctx, topic, FrameUserJoin, map[string]any{
		"user_id":      s.UserID,
		"display_name": s.DisplayName,
		"guild_id":     f.GuildID,
	}, s.UserID)
}

func (h *Hub) leaveGuild(ctx context.Context, s *Session, f *Frame) error {
	if f.GuildID == "" {
		return errs.Validation("missing_guild", "guild_id is required")
	}
	topic := types.GuildTopic(f.GuildID)
	h.mux.remove(s, topic)
	return h.publish(ctx, topic, FrameUserLeave, map[string]any{
		"user_id":  s.UserID,
		"guild_id": f.GuildID,
	}, s.UserID)
}

// sendMessage forwards to the Chat collaborator. The created message comes
// back through the bus tagged with the client nonce, which is the client's
// confirmation.
func (h *Hub) sendMessage(ctx context.Context, s *Session, f *Frame) error {
	if f.ChannelID == "" || f.Content == "" {
		return errs.Validation("missing_fields", "channel_id and content are required")
	}
	if err := h.limiter.AllowMessage(ctx, string(s.UserID)); err != nil {
		return err
	}
	if h.chat == nil {
		return errs.Upstream("chat_unavailable", nil)
	}
	return h.chat.SendMessage(ctx, f.ChannelID, s.UserID, f.Content, f.Nonce)
}

type typingMarker struct {
	At time.Time `json:"at"`
}

func (h *Hub) typing(ctx context.Context, s *Session, f *Frame, active bool) error {
	if f.ChannelID == "" {
		return errs.Validation("missing_channel", "channel_id is required")
	}

	key := store.TypingKey(f.ChannelID, s.UserID)
	var err error
	if active {
		err = h.st.SetJSON(ctx, key, typingMarker{At: time.Now()}, typingTTL)
	} else {
		err = h.st.Delete(ctx, key)
	}
	if err != nil {
		// The marker is advisory; the typing event still goes out.
		logging.Warn(ctx, "Typing marker write failed", zap.Error(err))
	}

	return h.publish(ctx, types.ChannelTopic(f.ChannelID), FrameTyping, map[string]any{
		"user_id":      s.UserID,
		"display_name": s.DisplayName,
		"channel_id":   f.ChannelID,
		"typing":       active,
	}, s.UserID)
}

func (h *Hub) presenceUpdate(ctx context.Context, s *Session, f *Frame) error {
	return h.presence.SetStatus(ctx, s.UserID, f.Status, f.Activity)
}

func (h *Hub) publish(ctx context.Context, topic types.Topic, eventType string, data any, sender types.UserID) error {
	if h.publisher == nil {
		return nil
	}
	return h.publisher.Publish(ctx, topic, eventType, data, string(sender))
}

// --- bus fan-out ---

// dispatch runs on the subscriber goroutine and must not block: session
// writes are buffered drops, the message cache write is detached.
func (h *Hub) dispatch(ev bus.Event) {
	if ev.Type == "message_created" {
		go h.cacheMessage(ev)
	}

	frame := eventFrame(ev.Type, ev.EventID, ev.Data)

	// The client nonce is the author's idempotence receipt; every other
	// subscriber receives the payload without it.
	others := frame
	if ev.SenderID != "" {
		if stripped, ok := withoutNonce(ev.Data); ok {
			others = eventFrame(ev.Type, ev.EventID, stripped)
		}
	}

	for _, s := range h.mux.sessionsFor(ev.Topic) {
		if string(s.UserID) == ev.SenderID {
			s.Enqueue(frame)
		} else {
			s.Enqueue(others)
		}
	}
}

// cacheMessage stores created messages under msg:{id} so reconnecting
// clients can backfill without a Chat round trip.
func (h *Hub) cacheMessage(ev bus.Event) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.ID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.st.SetJSON(ctx, store.MessageKey(payload.ID), ev.Data, messageCacheTTL); err != nil {
		logging.Warn(ctx, "Message cache write failed",
			zap.String("message_id", payload.ID), zap.Error(err))
	}
}

// Shutdown closes every session and stops the bus subscription, waiting for
// pumps to drain up to the context deadline.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down gateway", zap.Int("sessions", h.SessionCount()))

	h.sessions.Range(func(_, value any) bool {
		value.(*Session).Close()
		return true
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for h.SessionCount() > 0 {
		select {
		case <-ctx.Done():
			if h.sub != nil {
				h.sub.Close()
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if h.sub != nil {
		h.sub.Close()
	}
	return nil
}

func parseGuilds(raw string) []types.GuildID {
	if raw == "" {
		return nil
	}
	var out []types.GuildID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, types.GuildID(part))
		}
	}
	return out
}
