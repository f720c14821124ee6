package channel

import (
	"fmt"
	"sync"

	"github.com/opsloop/opsloop/internal/models"
)

// MessageQueue owns one History per channel name, creating channels
// lazily on first use. It is the top-level handle the rest of the hub
// (broadcast, pending-prompt registry, HTTP surface) shares — passed
// explicitly rather than held as an ambient global, so multi-server tests
// stay independent.
type MessageQueue struct {
	mu       sync.RWMutex
	capacity int
	channels map[string]*History
}

// NewMessageQueue creates an empty registry of per-channel histories, each
// bounded at capacity (DefaultHistoryCapacity if <= 0).
func NewMessageQueue(capacity int) *MessageQueue {
	return &MessageQueue{
		capacity: capacity,
		channels: make(map[string]*History),
	}
}

// Channel returns (creating if necessary) the History for name. name is
// assumed already validated via models.ValidChannelName by the caller.
func (q *MessageQueue) Channel(name string) *History {
	q.mu.RLock()
	h, ok := q.channels[name]
	q.mu.RUnlock()
	if ok {
		return h
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if h, ok := q.channels[name]; ok {
		return h
	}
	h = NewHistory(name, q.capacity)
	q.channels[name] = h
	return h
}

// Append validates the channel name, appends m to that channel's history,
// and returns the History it landed in.
func (q *MessageQueue) Append(m models.Message) (*History, error) {
	if !models.ValidChannelName(m.Channel) {
		return nil, fmt.Errorf("channel: invalid channel name %q", m.Channel)
	}
	h := q.Channel(m.Channel)
	h.Append(m)
	return h, nil
}

// Lookup finds a message by id across all known channels.
func (q *MessageQueue) Lookup(id string) (models.Message, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, h := range q.channels {
		if m, ok := h.ByID(id); ok {
			return m, true
		}
	}
	return models.Message{}, false
}

// Names returns the currently known channel names.
func (q *MessageQueue) Names() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	names := make([]string, 0, len(q.channels))
	for n := range q.channels {
		names = append(names, n)
	}
	return names
}
