// Package connectivity tracks whether the remote backend is reachable and
// publishes edge events when that changes.
package connectivity

import (
	"sync"

	"github.com/kimhsiao/posync/backend/internal/logging"
)

// Event is a connectivity transition.
type Event string

const (
	EventBecameOnline  Event = "becameOnline"
	EventBecameOffline Event = "becameOffline"
)

const subscriberBuffer = 16

// Monitor holds the current reachability state. It emits an event only when
// the state flips; repeated reports of the same state are ignored.
type Monitor struct {
	mu          sync.RWMutex
	online      bool
	subscribers map[int]chan Event
	nextID      int
}

// NewMonitor creates a Monitor with the given initial state. No event is
// emitted for the initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:      online,
		subscribers: make(map[int]chan Event),
	}
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records the host reachability signal.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	event := EventBecameOffline
	if online {
		event = EventBecameOnline
	}

	logging.Info("Connectivity changed", map[string]interface{}{
		"event":     string(event),
		"is_online": online,
	})

	for id, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			logging.Warn("Connectivity subscriber is full, dropping event", map[string]interface{}{
				"subscriber": id,
				"event":      string(event),
			})
		}
	}
}

// Subscribe returns a channel of edge events and a function that unsubscribes
// and closes the channel.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, subscriberBuffer)
	m.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			close(ch)
			m.mu.Unlock()
		})
	}
}
