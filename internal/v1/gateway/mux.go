package gateway

import (
	"sync"

	"github.com/concord-im/concord/internal/v1/bus"
	"github.com/concord-im/concord/internal/v1/types"
)

// mux maps bus topics to the local sessions watching them. The instance holds
// one bus subscriber for the union of all topics; a topic is subscribed while
// at least one session references it and dropped when the last one leaves.
type mux struct {
	sub *bus.Subscriber

	mu     sync.RWMutex
	topics map[types.Topic]map[types.SessionID]*Session
}

func newMux(sub *bus.Subscriber) *mux {
	return &mux{
		sub:    sub,
		topics: make(map[types.Topic]map[types.SessionID]*Session),
	}
}

func (m *mux) add(s *Session, topics ...types.Topic) {
	if len(topics) == 0 {
		return
	}

	m.mu.Lock()
	var fresh []types.Topic
	for _, t := range topics {
		sessions, ok := m.topics[t]
		if !ok {
			sessions = make(map[types.SessionID]*Session)
			m.topics[t] = sessions
			fresh = append(fresh, t)
		}
		sessions[s.ID] = s
	}
	m.mu.Unlock()

	if m.sub != nil && len(fresh) > 0 {
		m.sub.Subscribe(fresh...)
	}
}

func (m *mux) remove(s *Session, topics ...types.Topic) {
	if len(topics) == 0 {
		return
	}

	m.mu.Lock()
	var drained []types.Topic
	for _, t := range topics {
		sessions, ok := m.topics[t]
		if !ok {
			continue
		}
		delete(sessions, s.ID)
		if len(sessions) == 0 {
			delete(m.topics, t)
			drained = append(drained, t)
		}
	}
	m.mu.Unlock()

	if m.sub != nil && len(drained) > 0 {
		m.sub.Unsubscribe(drained...)
	}
}

// dropSession removes the session from every topic it references.
func (m *mux) dropSession(s *Session) {
	m.mu.Lock()
	var drained []types.Topic
	for t, sessions := range m.topics {
		if _, ok := sessions[s.ID]; !ok {
			continue
		}
		delete(sessions, s.ID)
		if len(sessions) == 0 {
			delete(m.topics, t)
			drained = append(drained, t)
		}
	}
	m.mu.Unlock()

	if m.sub != nil && len(drained) > 0 {
		m.sub.Unsubscribe(drained...)
	}
}

// sessionsFor snapshots the sessions watching a topic.
func (m *mux) sessionsFor(topic types.Topic) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions, ok := m.topics[topic]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// watches reports whether the session references the topic.
func (m *mux) watches(s *Session, topic types.Topic) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions, ok := m.topics[topic]
	if !ok {
		return false
	}
	_, ok = sessions[s.ID]
	return ok
}
