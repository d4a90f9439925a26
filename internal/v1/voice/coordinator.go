package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/backoff"
	"github.com/concord-im/concord/internal/v1/config"
	"github.com/concord-im/concord/internal/v1/errs"
	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/metrics"
	"github.com/concord-im/concord/internal/v1/store"
	"github.com/concord-im/concord/internal/v1/types"
)

// docTTL is the coordination-store TTL for room and participant documents.
// Every mutation refreshes it, so only abandoned state expires.
const docTTL = time.Hour

// joinLimit caps join attempts per user per minute.
const joinLimit = 10

// Coordinator owns voice-room state in the coordination store and mediates
// between clients and the SFU.
type Coordinator struct {
	store *store.Store
	pub   types.EventPublisher
	sfu   Provider
	turn  *config.TURNConfig

	emptyTimeout  time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration
	tokenTTL      time.Duration
	defaultMax    int

	mu       sync.Mutex
	teardown map[types.RoomKey]*time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator wires the coordinator. Zero durations fall back to the
// config defaults.
func NewCoordinator(st *store.Store, pub types.EventPublisher, sfu Provider, voiceCfg *config.VoiceConfig, turnCfg *config.TURNConfig) *Coordinator {
	c := &Coordinator{
		store:         st,
		pub:           pub,
		sfu:           sfu,
		turn:          turnCfg,
		emptyTimeout:  voiceCfg.EmptyTimeout.Std(),
		idleTimeout:   voiceCfg.RoomIdleTimeout.Std(),
		sweepInterval: voiceCfg.SweepInterval.Std(),
		tokenTTL:      voiceCfg.TokenTTL.Std(),
		defaultMax:    voiceCfg.DefaultMaxUsers,
		teardown:      make(map[types.RoomKey]*time.Timer),
	}
	if c.emptyTimeout <= 0 {
		c.emptyTimeout = 2 * time.Minute
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = time.Hour
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = 5 * time.Minute
	}
	if c.tokenTTL <= 0 || c.tokenTTL > 12*time.Hour {
		c.tokenTTL = 12 * time.Hour
	}
	if c.defaultMax <= 0 {
		c.defaultMax = 50
	}
	return c
}

// Start launches the idle-room sweeper.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweeper and pending teardown timers.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, t := range c.teardown {
		t.Stop()
		delete(c.teardown, key)
	}
}

// CreateRoomRequest is the create_room input.
type CreateRoomRequest struct {
	GuildID         types.GuildID   `json:"guild_id"`
	ChannelID       types.ChannelID `json:"channel_id" binding:"required"`
	Name            string          `json:"name"`
	MaxParticipants int             `json:"max_participants"`
}

// sfuRoomName derives the deterministic external room name for a key.
func sfuRoomName(key types.RoomKey) string {
	return "voice-" + strings.ReplaceAll(string(key), ":", "-")
}

// CreateRoom is idempotent by (guild, channel): an existing active room is
// returned unchanged.
func (c *Coordinator) CreateRoom(ctx context.Context, req CreateRoomRequest) (Room, error) {
	key := types.NewRoomKey(req.GuildID, req.ChannelID)

	var existing Room
	found, err := c.store.GetJSON(ctx, store.RoomKey(key), &existing)
	if err != nil {
		return Room{}, err
	}
	if found && existing.Active {
		return existing, nil
	}

	maxP := req.MaxParticipants
	if maxP <= 0 {
		maxP = c.defaultMax
	}
	name := req.Name
	if name == "" {
		name = string(req.ChannelID)
	}

	room := Room{
		Key:             key,
		GuildID:         req.GuildID,
		ChannelID:       req.ChannelID,
		Name:            name,
		SFURoom:         sfuRoomName(key),
		MaxParticipants: maxP,
		Participants:    []types.UserID{},
		Active:          true,
		CreatedAt:       time.Now(),
		LastActivity:    time.Now(),
		Version:         1,
	}

	err = backoff.Retry(ctx, backoff.SFU, func() error {
		return c.sfu.CreateRoom(ctx, room.SFURoom, maxP, c.emptyTimeout)
	})
	if err != nil {
		return Room{}, err
	}

	if err := c.store.SetJSON(ctx, store.RoomKey(key), room, docTTL); err != nil {
		return Room{}, err
	}
	if err := c.store.SetAdd(ctx, store.ActiveRoomsKey, string(key)); err != nil {
		return Room{}, err
	}

	metrics.ActiveVoiceRooms.Inc()
	c.publish(ctx, key, "voice_room_created", room)
	logging.Info(ctx, "Voice room created",
		zap.String("room_key", string(key)), zap.Int("max_participants", maxP))
	return room, nil
}

// GetRoom returns a room document by key.
func (c *Coordinator) GetRoom(ctx context.Context, key types.RoomKey) (Room, error) {
	var room Room
	found, err := c.store.GetJSON(ctx, store.RoomKey(key), &room)
	if err != nil {
		return Room{}, err
	}
	if !found {
		return Room{}, errs.NotFound("room_not_found", "voice room does not exist")
	}
	return room, nil
}

// ListRooms lists rooms, optionally filtered by guild and active flag.
func (c *Coordinator) ListRooms(ctx context.Context, guild types.GuildID, activeOnly bool, limit int) ([]Room, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var keys []string
	var err error
	if activeOnly {
		keys, err = c.store.SetMembers(ctx, store.ActiveRoomsKey)
		if err != nil {
			return nil, err
		}
		for i, k := range keys {
			keys[i] = store.RoomKey(types.RoomKey(k))
		}
	} else {
		keys, err = c.store.ScanKeys(ctx, "room:*")
		if err != nil {
			return nil, err
		}
	}

	rooms := make([]Room, 0, len(keys))
	for _, k := range keys {
		var room Room
		found, err := c.store.GetJSON(ctx, k, &room)
		if err != nil || !found {
			continue
		}
		if activeOnly && !room.Active {
			continue
		}
		if guild != "" && room.GuildID != guild {
			continue
		}
		rooms = append(rooms, room)
		if len(rooms) >= limit {
			break
		}
	}
	return rooms, nil
}

// DeleteRoom tears a room down immediately, removing all participants.
func (c *Coordinator) DeleteRoom(ctx context.Context, key types.RoomKey) error {
	room, err := c.GetRoom(ctx, key)
	if err != nil {
		return err
	}

	for _, uid := range room.Participants {
		c.store.Delete(ctx, store.ParticipantKey(key, uid), store.SessionKey(uid))
	}
	c.closeRoom(ctx, key, true)
	return nil
}

// Join admits a user to a room, enforcing capacity atomically, and returns
// the SFU token plus ICE configuration.
func (c *Coordinator) Join(ctx context.Context, key types.RoomKey, userID types.UserID, username string, isAdmin bool, roles []string) (JoinResult, error) {
	count, err := c.store.IncrWithTTL(ctx, store.RateKey(userID, "voice_join"), time.Minute)
	if err == nil && count > joinLimit {
		return JoinResult{}, errs.RateLimited(60)
	}

	// Joining a new room implies leaving the previous one.
	var sess UserSession
	if found, err := c.store.GetJSON(ctx, store.SessionKey(userID), &sess); err == nil && found && sess.RoomKey != key {
		if err := c.Leave(ctx, sess.RoomKey, userID); err != nil {
			logging.Warn(ctx, "Implicit leave of previous room failed",
				zap.String("room_key", string(sess.RoomKey)), zap.Error(err))
		}
	}

	var room Room
	rejoin := false
	err = c.store.UpdateJSON(ctx, store.RoomKey(key), docTTL, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errs.NotFound("room_not_found", "voice room does not exist")
		}
		if err := json.Unmarshal(current, &room); err != nil {
			return nil, err
		}
		if !room.Active {
			return nil, errs.NotFound("room_not_found", "voice room is closed")
		}

		rejoin = false
		for _, p := range room.Participants {
			if p == userID {
				rejoin = true
				break
			}
		}
		if !rejoin {
			if len(room.Participants) >= room.MaxParticipants {
				return nil, errs.Conflict("room_full", "voice room is at capacity")
			}
			room.Participants = append(room.Participants, userID)
		}
		room.LastActivity = time.Now()
		room.Version++
		return json.Marshal(room)
	})
	if err != nil {
		return JoinResult{}, err
	}

	identity := fmt.Sprintf("%s-%d", userID, time.Now().Unix())
	perms := PermissionsFor(isAdmin, roles)

	token, err := c.sfu.AccessToken(room.SFURoom, identity, username, perms, c.tokenTTL)
	if err != nil {
		return JoinResult{}, err
	}

	now := time.Now()
	participant := Participant{
		RoomKey:      key,
		UserID:       userID,
		Identity:     identity,
		JoinedAt:     now,
		LastActivity: now,
	}
	if err := c.store.SetJSON(ctx, store.ParticipantKey(key, userID), participant, docTTL); err != nil {
		return JoinResult{}, err
	}

	session := UserSession{
		UserID:    userID,
		RoomKey:   key,
		Identity:  identity,
		JoinedAt:  now,
		ExpiresAt: now.Add(c.tokenTTL),
	}
	if err := c.store.SetJSON(ctx, store.SessionKey(userID), session, c.tokenTTL); err != nil {
		return JoinResult{}, err
	}

	c.cancelTeardown(key)
	metrics.VoiceParticipants.WithLabelValues(string(key)).Set(float64(len(room.Participants)))
	if !rejoin {
		c.publish(ctx, key, "participant_joined", participant)
	}

	stun, turn := ICEServers(c.turn, userID)
	return JoinResult{
		AccessToken: token,
		ServerURL:   c.sfu.ServerURL(),
		RoomName:    room.SFURoom,
		Identity:    identity,
		ICEServers:  stun,
		TURNServers: turn,
	}, nil
}

// Leave removes a user from a room. Idempotent: leaving a room the user is
// not in succeeds without publishing anything.
func (c *Coordinator) Leave(ctx context.Context, key types.RoomKey, userID types.UserID) error {
	var room Room
	wasPresent := false
	err := c.store.UpdateJSON(ctx, store.RoomKey(key), docTTL, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil // room already gone, nothing to rewrite
		}
		if err := json.Unmarshal(current, &room); err != nil {
			return nil, err
		}

		wasPresent = false
		remaining := room.Participants[:0]
		for _, p := range room.Participants {
			if p == userID {
				wasPresent = true
				continue
			}
			remaining = append(remaining, p)
		}
		room.Participants = remaining
		room.LastActivity = time.Now()
		room.Version++
		return json.Marshal(room)
	})
	if err != nil {
		return err
	}

	var participant Participant
	found, _ := c.store.GetJSON(ctx, store.ParticipantKey(key, userID), &participant)
	c.store.Delete(ctx, store.ParticipantKey(key, userID))

	var sess UserSession
	if ok, _ := c.store.GetJSON(ctx, store.SessionKey(userID), &sess); ok && sess.RoomKey == key {
		c.store.Delete(ctx, store.SessionKey(userID))
	}

	if !wasPresent && !found {
		return nil
	}

	metrics.VoiceParticipants.WithLabelValues(string(key)).Set(float64(len(room.Participants)))
	c.publish(ctx, key, "participant_left", map[string]any{
		"room_key": key,
		"user_id":  userID,
	})

	if room.Active && len(room.Participants) == 0 {
		c.scheduleTeardown(key)
	}
	return nil
}

// ParticipantPatch is a partial participant mutation.
type ParticipantPatch struct {
	IsMuted     *bool `json:"is_muted"`
	IsDeafened  *bool `json:"is_deafened"`
	IsStreaming *bool `json:"is_streaming"`
}

// UpdateParticipant applies a mute/deafen/streaming mutation. Deafening
// forces mute; unmuting lifts deafen so the two flags never contradict.
func (c *Coordinator) UpdateParticipant(ctx context.Context, key types.RoomKey, userID types.UserID, patch ParticipantPatch) (Participant, error) {
	var p Participant
	found, err := c.store.GetJSON(ctx, store.ParticipantKey(key, userID), &p)
	if err != nil {
		return Participant{}, err
	}
	if !found {
		return Participant{}, errs.NotFound("participant_not_found", "user is not in the room")
	}

	if patch.IsMuted != nil {
		p.Muted = *patch.IsMuted
		if !p.Muted {
			p.Deafened = false
		}
	}
	if patch.IsDeafened != nil {
		p.Deafened = *patch.IsDeafened
		if p.Deafened {
			p.Muted = true
		}
	}
	if patch.IsStreaming != nil {
		p.Streaming = *patch.IsStreaming
	}
	p.LastActivity = time.Now()

	if err := c.store.SetJSON(ctx, store.ParticipantKey(key, userID), p, docTTL); err != nil {
		return Participant{}, err
	}

	c.publish(ctx, key, "participant_updated", p)
	return p, nil
}

// Participants lists the room's participant documents.
func (c *Coordinator) Participants(ctx context.Context, key types.RoomKey) ([]Participant, error) {
	room, err := c.GetRoom(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(room.Participants))
	for _, uid := range room.Participants {
		var p Participant
		found, err := c.store.GetJSON(ctx, store.ParticipantKey(key, uid), &p)
		if err != nil || !found {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Kick removes a participant through the SFU and the local model. Requires
// the room-admin grant, enforced by the HTTP layer.
func (c *Coordinator) Kick(ctx context.Context, key types.RoomKey, target types.UserID) error {
	var p Participant
	found, err := c.store.GetJSON(ctx, store.ParticipantKey(key, target), &p)
	if err != nil {
		return err
	}
	if !found {
		return errs.NotFound("participant_not_found", "user is not in the room")
	}

	room, err := c.GetRoom(ctx, key)
	if err != nil {
		return err
	}
	if err := c.sfu.RemoveParticipant(ctx, room.SFURoom, p.Identity); err != nil {
		logging.Warn(ctx, "SFU participant removal failed",
			zap.String("identity", p.Identity), zap.Error(err))
	}
	return c.Leave(ctx, key, target)
}

// Sweep marks rooms idle past the idle timeout inactive and best-effort
// deletes their SFU counterparts.
func (c *Coordinator) Sweep(ctx context.Context) {
	keys, err := c.store.SetMembers(ctx, store.ActiveRoomsKey)
	if err != nil {
		logging.Warn(ctx, "Voice sweep failed to list active rooms", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-c.idleTimeout)
	for _, k := range keys {
		key := types.RoomKey(k)
		var room Room
		found, err := c.store.GetJSON(ctx, store.RoomKey(key), &room)
		if err != nil {
			continue
		}
		if !found {
			// Document expired out from under the index.
			c.store.SetRem(ctx, store.ActiveRoomsKey, k)
			continue
		}
		if room.LastActivity.After(cutoff) {
			continue
		}
		logging.Info(ctx, "Voice sweeper closing idle room", zap.String("room_key", k))
		c.closeRoom(ctx, key, true)
	}
}

// scheduleTeardown arms the empty-timeout timer for a room.
func (c *Coordinator) scheduleTeardown(key types.RoomKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.teardown[key]; ok {
		t.Stop()
	}
	c.teardown[key] = time.AfterFunc(c.emptyTimeout, func() {
		c.mu.Lock()
		delete(c.teardown, key)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		room, err := c.GetRoom(ctx, key)
		if err != nil || len(room.Participants) > 0 {
			return // repopulated during the timeout
		}
		c.closeRoom(ctx, key, true)
	})
}

func (c *Coordinator) cancelTeardown(key types.RoomKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.teardown[key]; ok {
		t.Stop()
		delete(c.teardown, key)
	}
}

// closeRoom marks a room inactive, clears the index and deletes the SFU room.
func (c *Coordinator) closeRoom(ctx context.Context, key types.RoomKey, deleteSFU bool) {
	var room Room
	closed := false
	err := c.store.UpdateJSON(ctx, store.RoomKey(key), docTTL, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		if err := json.Unmarshal(current, &room); err != nil {
			return nil, err
		}
		if !room.Active {
			closed = false
			return current, nil
		}
		closed = true
		room.Active = false
		room.Version++
		return json.Marshal(room)
	})
	if err != nil {
		logging.Warn(ctx, "Voice room close failed", zap.String("room_key", string(key)), zap.Error(err))
		return
	}
	if !closed {
		return
	}

	c.store.SetRem(ctx, store.ActiveRoomsKey, string(key))
	metrics.ActiveVoiceRooms.Dec()
	metrics.VoiceParticipants.DeleteLabelValues(string(key))

	if deleteSFU && room.SFURoom != "" {
		err := backoff.Retry(ctx, backoff.SFUDelete, func() error {
			return c.sfu.DeleteRoom(ctx, room.SFURoom)
		})
		if err != nil {
			logging.Warn(ctx, "SFU room deletion failed",
				zap.String("sfu_room", room.SFURoom), zap.Error(err))
		}
	}

	c.publish(ctx, key, "voice_room_closed", map[string]any{"room_key": key})
}

func (c *Coordinator) publish(ctx context.Context, key types.RoomKey, eventType string, data any) {
	if c.pub == nil {
		return
	}
	if err := c.pub.Publish(ctx, types.VoiceRoomTopic(key), eventType, data, ""); err != nil {
		logging.Warn(ctx, "Voice event publish failed",
			zap.String("event", eventType), zap.Error(err))
	}
}
