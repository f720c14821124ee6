// Package broadcast implements the hub's channel-scoped fan-out: every
// broadcast message is appended to channel history, pushed to subscribed
// WebSocket peers, and sent to every registered notification sink — with
// per-sink circuit breaking so a persistently failing sink stops being
// hammered without affecting delivery to the others.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/opsloop/opsloop/internal/channel"
	"github.com/opsloop/opsloop/internal/metrics"
	"github.com/opsloop/opsloop/internal/models"
	"github.com/opsloop/opsloop/internal/providers"
)

// Subscriber receives serialized Messages pushed by the broadcast manager.
// A *websocket.Conn wrapper (internal/server) implements this by writing
// JSON frames; tests can substitute a channel-backed fake.
type Subscriber interface {
	// Channel returns the channel name subscribed to, or "" to receive
	// broadcasts from every channel.
	Channel() string
	Deliver(m models.Message) error
}

type sinkEntry struct {
	sink    providers.NotificationSink
	breaker *gobreaker.CircuitBreaker
}

// Manager is the channel/message hub's broadcast fan-out. It owns the
// MessageQueue (per-channel history), the WebSocket subscriber set, and
// the notification sink list, each guarded by its own lock so readers
// (history queries, subscriber lookups) don't block each other.
//
// A process constructs exactly one Manager and passes it explicitly to
// every component that needs to broadcast — never held as an ambient
// global, which keeps multi-server tests independent.
type Manager struct {
	queue   *channel.MessageQueue
	log     *logrus.Entry
	metrics *metrics.Metrics

	subMu sync.RWMutex
	subs  []Subscriber

	sinkMu sync.RWMutex
	sinks  []sinkEntry
}

// NewManager creates a broadcast manager backed by queue.
func NewManager(queue *channel.MessageQueue, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{queue: queue, log: log}
}

// WithMetrics attaches instrumentation; call before serving traffic.
func (m *Manager) WithMetrics(mm *metrics.Metrics) *Manager {
	m.metrics = mm
	return m
}

// Subscribe registers sub to receive future broadcasts.
func (m *Manager) Subscribe(sub Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, sub)
}

// Unsubscribe removes sub from the subscriber set.
func (m *Manager) Unsubscribe(sub Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// RegisterSink adds sink to the fan-out list, wrapped in its own circuit
// breaker so repeated failures trip it open instead of retrying on every
// broadcast.
func (m *Manager) RegisterSink(sink providers.NotificationSink) {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        sink.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.WithFields(logrus.Fields{"sink": name, "from": from, "to": to}).Warn("broadcast: sink circuit breaker state change")
		},
	})
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sinks = append(m.sinks, sinkEntry{sink: sink, breaker: breaker})
}

// Queue exposes the underlying MessageQueue for components (pending-prompt
// registration, the HTTP surface) that need channel history directly.
func (m *Manager) Queue() *channel.MessageQueue { return m.queue }

// BroadcastMessage appends m to its channel history, pushes it to every
// subscriber scoped to that channel (or to all channels), and invokes
// every registered sink concurrently. A sink failure — including a
// tripped breaker — is logged and never aborts the broadcast or affects
// other sinks.
func (m *Manager) BroadcastMessage(ctx context.Context, msg models.Message) error {
	if _, err := m.queue.Append(msg); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.MessagesBroadcast.WithLabelValues(msg.Channel).Inc()
	}

	m.subMu.RLock()
	subs := make([]Subscriber, len(m.subs))
	copy(subs, m.subs)
	m.subMu.RUnlock()

	for _, sub := range subs {
		if sub.Channel() != "" && sub.Channel() != msg.Channel {
			continue
		}
		if err := sub.Deliver(msg); err != nil {
			m.log.WithError(err).WithField("channel", msg.Channel).Warn("broadcast: subscriber delivery failed")
		}
	}

	m.sinkMu.RLock()
	sinks := make([]sinkEntry, len(m.sinks))
	copy(sinks, m.sinks)
	m.sinkMu.RUnlock()

	var wg sync.WaitGroup
	for _, se := range sinks {
		wg.Add(1)
		go func(se sinkEntry) {
			defer wg.Done()
			_, err := se.breaker.Execute(func() (any, error) {
				return nil, se.sink.Send(ctx, &msg)
			})
			if err != nil {
				if m.metrics != nil {
					m.metrics.SinkFailures.WithLabelValues(se.sink.Name()).Inc()
				}
				m.log.WithError(err).WithField("sink", se.sink.Name()).Warn("broadcast: sink delivery failed")
			}
		}(se)
	}
	wg.Wait()

	return nil
}
