package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConn satisfies wsConn without any I/O; the write side is never started
// so the buffers fill deterministically.
type stubConn struct{}

func (stubConn) ReadMessage() (int, []byte, error) { select {} }
func (stubConn) WriteMessage(int, []byte) error    { return nil }
func (stubConn) Close() error                      { return nil }
func (stubConn) SetWriteDeadline(time.Time) error  { return nil }
func (stubConn) SetReadDeadline(time.Time) error   { return nil }
func (stubConn) SetReadLimit(int64)                {}
func (stubConn) SetPongHandler(func(string) error) {}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	s := newSession("s1", "u1", "Alice", nil, stubConn{}, nil)

	payload := []byte(`{"type":"message_created"}`)
	for i := 0; i < sendBuffer; i++ {
		s.Enqueue(payload)
	}

	// Buffer is full: the next frame drops and queues a slow_consumer error.
	s.Enqueue(payload)

	select {
	case data := <-s.prioritySend:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, FrameError, frame["type"])
		assert.Equal(t, "slow_consumer", frame["code"])
	default:
		t.Fatal("expected slow_consumer error frame on priority buffer")
	}
}

func TestEnqueue_ClosesAfterPersistentSaturation(t *testing.T) {
	s := newSession("s1", "u1", "Alice", nil, stubConn{}, nil)

	for i := 0; i < sendBuffer; i++ {
		s.Enqueue([]byte("x"))
	}
	for i := 0; i < maxConsecutiveDrops; i++ {
		s.Enqueue([]byte("x"))
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	assert.True(t, closed)

	// Closed sessions silently discard further frames.
	s.Enqueue([]byte("x"))
	s.EnqueuePriority([]byte("x"))
}

func TestEnqueue_SuccessResetsDropCounter(t *testing.T) {
	s := newSession("s1", "u1", "Alice", nil, stubConn{}, nil)

	for i := 0; i < sendBuffer; i++ {
		s.Enqueue([]byte("x"))
	}
	for i := 0; i < maxConsecutiveDrops-1; i++ {
		s.Enqueue([]byte("x"))
	}

	// Drain one slot: the consumer caught up, so the streak resets.
	<-s.send
	s.Enqueue([]byte("x"))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.False(t, s.closed)
	assert.Equal(t, 0, s.drops)
}

func TestClose_Idempotent(t *testing.T) {
	s := newSession("s1", "u1", "Alice", nil, stubConn{}, nil)
	s.Close()
	s.Close()

	_, ok := <-s.send
	assert.False(t, ok)
}
