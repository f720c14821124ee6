// Package channel implements the per-channel message log: an append-only
// FIFO history with a default cap, plus the cross-channel registry shared
// by the broadcast manager and the HTTP surface.
package channel

import (
	"sync"

	"github.com/opsloop/opsloop/internal/models"
)

// DefaultHistoryCapacity is the default bound on a single channel's
// retained history.
const DefaultHistoryCapacity = 1000

// History is a bounded, append-only FIFO log of Messages for one channel.
// Reads and writes are protected by a reader-preferring lock so history
// queries never block each other.
type History struct {
	mu       sync.RWMutex
	name     string
	capacity int
	messages []models.Message
	byID     map[string]int // message id -> index in messages
}

// NewHistory creates a channel history bounded at capacity messages. A
// non-positive capacity falls back to DefaultHistoryCapacity.
func NewHistory(name string, capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		name:     name,
		capacity: capacity,
		messages: make([]models.Message, 0, capacity),
		byID:     make(map[string]int, capacity),
	}
}

// Name returns the channel name this history belongs to.
func (h *History) Name() string { return h.name }

// Append adds m to the end of the log, evicting the oldest entry if the
// history is already at capacity.
func (h *History) Append(m models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.messages) >= h.capacity {
		h.messages = h.messages[1:]
		for id, idx := range h.byID {
			if idx == 0 {
				delete(h.byID, id)
			} else {
				h.byID[id] = idx - 1
			}
		}
	}
	h.messages = append(h.messages, m)
	h.byID[m.ID.String()] = len(h.messages) - 1
}

// Snapshot returns up to limit of the most recent messages in chronological
// order (oldest first, newest last). limit <= 0 returns the full history.
func (h *History) Snapshot(limit int) []models.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(h.messages) {
		start = len(h.messages) - limit
	}
	out := make([]models.Message, len(h.messages)-start)
	copy(out, h.messages[start:])
	return out
}

// ByID looks up a message by its string id within this channel.
func (h *History) ByID(id string) (models.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx, ok := h.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return h.messages[idx], true
}

// Len reports the number of messages currently retained.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
