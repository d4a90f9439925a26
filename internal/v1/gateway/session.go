package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/concord-im/concord/internal/v1/logging"
	"github.com/concord-im/concord/internal/v1/metrics"
	"github.com/concord-im/concord/internal/v1/types"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second

	// Two missed pongs close the connection.
	pongWait = 2*pingInterval + 5*time.Second

	maxFrameBytes = 64 * 1024

	sendBuffer     = 256
	priorityBuffer = 16

	// Consecutive dropped frames before a slow consumer is disconnected.
	maxConsecutiveDrops = 8
)

// wsConn is the slice of *websocket.Conn the session uses.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Session is one authenticated WebSocket connection. The reader parses
// inbound frames and hands them to the hub; the writer drains the two
// outbound buffers. All other goroutines talk to the session only through
// Enqueue and Close.
type Session struct {
	ID          types.SessionID
	UserID      types.UserID
	DisplayName string
	Guilds      []types.GuildID

	conn wsConn
	hub  *Hub

	send         chan []byte
	prioritySend chan []byte

	mu        sync.Mutex
	closed    bool
	drops     int
	closeOnce sync.Once
}

func newSession(id types.SessionID, userID types.UserID, displayName string, guilds []types.GuildID, conn wsConn, hub *Hub) *Session {
	return &Session{
		ID:           id,
		UserID:       userID,
		DisplayName:  displayName,
		Guilds:       guilds,
		conn:         conn,
		hub:          hub,
		send:         make(chan []byte, sendBuffer),
		prioritySend: make(chan []byte, priorityBuffer),
	}
}

// Enqueue places a serialized frame on the outbound buffer without blocking.
// A full buffer drops the frame; sustained saturation closes the session.
func (s *Session) Enqueue(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	select {
	case s.send <- data:
		s.drops = 0
		s.mu.Unlock()
		return
	default:
	}

	s.drops++
	drops := s.drops
	s.mu.Unlock()

	metrics.DroppedFrames.Inc()
	logging.Warn(context.Background(), "Dropping frame for slow consumer",
		zap.String("session_id", string(s.ID)), zap.Int("consecutive", drops))

	s.EnqueuePriority(errorFrame("slow_consumer", "outbound buffer full, frame dropped", ""))

	if drops >= maxConsecutiveDrops {
		metrics.SlowConsumerCloses.Inc()
		logging.Warn(context.Background(), "Closing slow consumer session",
			zap.String("session_id", string(s.ID)), zap.String("user_id", string(s.UserID)))
		s.Close()
	}
}

// EnqueuePriority bypasses the normal buffer for pongs, errors and the ready
// frame. Best effort: a full priority buffer drops silently.
func (s *Session) EnqueuePriority(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.prioritySend <- data:
	default:
		metrics.DroppedFrames.Inc()
	}
}

// Close marks the session closed and signals the writer to flush and shut
// the socket. Safe to call from any goroutine, any number of times. Channel
// sends happen only under mu with the closed flag checked, so closing under
// the same lock cannot race a send.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.send)
		close(s.prioritySend)
		s.mu.Unlock()
	})
}

// readPump owns the socket's read side. It exits on any read error, which
// includes a missed pong deadline, and always deregisters the session.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.EnqueuePriority(errorFrame("invalid_frame", "malformed JSON frame", ""))
			continue
		}

		ctx := context.WithValue(context.Background(), logging.UserIDKey, string(s.UserID))
		ctx = context.WithValue(ctx, logging.SessionIDKey, string(s.ID))
		s.hub.handleFrame(ctx, s, &frame)
	}
}

// writePump owns the socket's write side: priority frames first, then the
// normal buffer, with a ping on every tick. Exits when both channels close
// or a write fails.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.prioritySend:
			if !ok {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if !s.write(data) {
				return
			}
		case data, ok := <-s.send:
			if !ok {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if !s.write(data) {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) write(data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.Warn(context.Background(), "Session write failed",
			zap.String("session_id", string(s.ID)), zap.Error(err))
		return false
	}
	return true
}
