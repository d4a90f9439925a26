package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/concord-im/concord/internal/v1/types"
)

// mockSFU records control calls and mints fake tokens.
type mockSFU struct {
	mu         sync.Mutex
	created    []string
	deleted    []string
	removed    []string
	failCreate error
}

func (m *mockSFU) CreateRoom(ctx context.Context, name string, maxParticipants int, emptyTimeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	m.created = append(m.created, name)
	return nil
}

func (m *mockSFU) DeleteRoom(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, name)
	return nil
}

func (m *mockSFU) RemoveParticipant(ctx context.Context, room, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, identity)
	return nil
}

func (m *mockSFU) AccessToken(room, identity, name string, perms Permissions, ttl time.Duration) (string, error) {
	return fmt.Sprintf("token-%s-%s", room, identity), nil
}

func (m *mockSFU) ServerURL() string { return "ws://sfu.test" }

func (m *mockSFU) Ping(ctx context.Context) error { return nil }

func (m *mockSFU) createdRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.created))
	copy(out, m.created)
	return out
}

func (m *mockSFU) deletedRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}

// fakeBus mirrors the bus publisher for assertions.
type publishedEvent struct {
	Topic types.Topic
	Type  string
	Data  any
}

type fakeBus struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeBus) Publish(ctx context.Context, topic types.Topic, eventType string, data any, senderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{Topic: topic, Type: eventType, Data: data})
	return nil
}

func (f *fakeBus) countOf(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}
