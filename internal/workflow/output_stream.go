package workflow

import (
	"sync"

	"github.com/opsloop/opsloop/internal/models"
)

// DefaultOutputBufferCapacity is the per-execution chunk-count bound.
// Chunks in practice are line-sized, so a 4096-chunk ring comfortably
// holds over a MiB of typical line-buffered output while keeping the
// ring's memory bound fixed regardless of individual chunk size.
const DefaultOutputBufferCapacity = 4096

// FlushThresholdChunks and FlushThresholdBytes gate batched persistence:
// a flush happens at 100 chunks or 1 MiB, whichever comes first. Closing
// the stream when the execution ends flushes the remainder; a state
// finishing does not by itself trigger a flush.
const (
	FlushThresholdChunks = 100
	FlushThresholdBytes  = 1024 * 1024
)

// follower is a single live subscriber to one execution's output stream.
// Chunks land in an unbounded queue under the mutex and a pump goroutine
// drains them into out at the consumer's pace, so a slow consumer neither
// stalls Append nor loses chunks — every follower sees every chunk
// appended after it subscribed, in order, until it unsubscribes or the
// stream closes.
type follower struct {
	mu     sync.Mutex
	queue  []models.OutputChunk
	closed bool
	wake   chan struct{}
	done   chan struct{}
	out    chan models.OutputChunk
}

func newFollower(bufferSize int) *follower {
	f := &follower{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan models.OutputChunk, bufferSize),
	}
	go f.pump()
	return f
}

// enqueue adds chunk to the follower's queue and nudges the pump. Never
// blocks.
func (f *follower) enqueue(chunk models.OutputChunk) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, chunk)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// close stops the follower once the queued backlog has drained; used when
// the stream itself closes, so an attached reader still sees the tail.
func (f *follower) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// abort stops the follower immediately, discarding any backlog; used when
// the consumer unsubscribes and will not read again.
func (f *follower) abort() {
	f.mu.Lock()
	f.closed = true
	f.queue = nil
	f.mu.Unlock()
	close(f.done)
}

// pump moves queued chunks into out. The send blocks at the consumer's
// pace; only this goroutine waits on it, and an abort unblocks it.
func (f *follower) pump() {
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			if f.closed {
				f.mu.Unlock()
				close(f.out)
				return
			}
			f.mu.Unlock()
			select {
			case <-f.wake:
			case <-f.done:
			}
			continue
		}
		chunk := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- chunk:
		case <-f.done:
			close(f.out)
			return
		}
	}
}

// OutputStream holds one execution's captured output: a bounded
// CircularBuffer of chunks (the buffered tail available to late
// subscribers) plus the set of live followers that receive every
// subsequent chunk until they unsubscribe or the execution terminates.
//
// Sequences are assigned monotonically per execution, unified across
// stdout and stderr.
type OutputStream struct {
	mu          sync.Mutex
	executionID string
	buffer      *CircularBuffer[models.OutputChunk]
	nextSeq     uint64
	followers   map[*follower]struct{}
	closed      bool

	pendingFlush []models.OutputChunk
	pendingBytes int
	onFlush      func(executionID string, chunks []models.OutputChunk)
}

// NewOutputStream creates a stream for executionID. onFlush, if non-nil,
// is invoked (synchronously, under no lock) whenever the flush threshold
// is reached or the stream is closed, handing off the chunks to persist.
func NewOutputStream(executionID string, onFlush func(string, []models.OutputChunk)) *OutputStream {
	return &OutputStream{
		executionID: executionID,
		buffer:      NewCircularBuffer[models.OutputChunk](DefaultOutputBufferCapacity),
		followers:   make(map[*follower]struct{}),
		onFlush:     onFlush,
	}
}

// Append assigns chunk the next sequence number, stores it in the ring
// buffer, fans it out to live followers, and flushes to persistence once
// the chunk-count or byte-size threshold is crossed.
func (s *OutputStream) Append(stateName string, chunkType models.ChunkType, data []byte, timestampMS int64) models.OutputChunk {
	s.mu.Lock()

	chunk := models.OutputChunk{
		ExecutionID: s.executionID,
		StateName:   stateName,
		ChunkType:   chunkType,
		Sequence:    s.nextSeq,
		Data:        data,
		TimestampMS: timestampMS,
	}
	s.nextSeq++

	s.buffer.Push(chunk)
	s.pendingFlush = append(s.pendingFlush, chunk)
	s.pendingBytes += len(data)

	var toFlush []models.OutputChunk
	if len(s.pendingFlush) >= FlushThresholdChunks || s.pendingBytes >= FlushThresholdBytes {
		toFlush = s.pendingFlush
		s.pendingFlush = nil
		s.pendingBytes = 0
	}

	followers := make([]*follower, 0, len(s.followers))
	for f := range s.followers {
		followers = append(followers, f)
	}
	s.mu.Unlock()

	// enqueue never blocks; each follower's pump delivers at the
	// consumer's own pace without losing chunks.
	for _, f := range followers {
		f.enqueue(chunk)
	}

	if toFlush != nil && s.onFlush != nil {
		s.onFlush(s.executionID, toFlush)
	}
	return chunk
}

// Subscribe registers a new follower and returns the buffered tail plus a
// channel delivering every subsequent chunk, in order and without loss.
// Call the returned cancel func to unsubscribe.
func (s *OutputStream) Subscribe(bufferSize int) (tail []models.OutputChunk, ch <-chan models.OutputChunk, cancel func()) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	f := newFollower(bufferSize)

	s.mu.Lock()
	tail = s.buffer.Snapshot()
	if !s.closed {
		s.followers[f] = struct{}{}
	} else {
		f.close()
	}
	s.mu.Unlock()

	return tail, f.out, func() {
		s.mu.Lock()
		_, ok := s.followers[f]
		if ok {
			delete(s.followers, f)
		}
		s.mu.Unlock()
		if ok {
			f.abort()
		}
	}
}

// Close flushes any remaining pending chunks and winds down every live
// follower; each follower's channel closes once its queued backlog has
// drained, so a reader attached at execution end still sees the tail.
func (s *OutputStream) Close() {
	s.mu.Lock()
	toFlush := s.pendingFlush
	s.pendingFlush = nil
	s.pendingBytes = 0
	s.closed = true
	followers := make([]*follower, 0, len(s.followers))
	for f := range s.followers {
		followers = append(followers, f)
	}
	s.followers = make(map[*follower]struct{})
	s.mu.Unlock()

	if len(toFlush) > 0 && s.onFlush != nil {
		s.onFlush(s.executionID, toFlush)
	}
	for _, f := range followers {
		f.close()
	}
}

// Snapshot returns the buffered tail without consuming it.
func (s *OutputStream) Snapshot() []models.OutputChunk {
	return s.buffer.Snapshot()
}

// EvictionCount reports how many chunks have fallen out of the ring buffer.
func (s *OutputStream) EvictionCount() uint64 {
	return s.buffer.EvictionCount()
}

// OutputStreamManager owns one OutputStream per running execution.
type OutputStreamManager struct {
	mu      sync.Mutex
	streams map[string]*OutputStream
	onFlush func(executionID string, chunks []models.OutputChunk)
}

// NewOutputStreamManager creates a manager whose streams flush through
// onFlush (typically WorkflowPersistence.AppendOutputChunks).
func NewOutputStreamManager(onFlush func(string, []models.OutputChunk)) *OutputStreamManager {
	return &OutputStreamManager{streams: make(map[string]*OutputStream), onFlush: onFlush}
}

// Open creates (or returns the existing) stream for executionID.
func (m *OutputStreamManager) Open(executionID string) *OutputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[executionID]; ok {
		return s
	}
	s := NewOutputStream(executionID, m.onFlush)
	m.streams[executionID] = s
	return s
}

// Get returns the stream for executionID, if one is open.
func (m *OutputStreamManager) Get(executionID string) (*OutputStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[executionID]
	return s, ok
}

// CloseExecution flushes and tears down executionID's stream, e.g. when
// the execution reaches a terminal status.
func (m *OutputStreamManager) CloseExecution(executionID string) {
	m.mu.Lock()
	s, ok := m.streams[executionID]
	delete(m.streams, executionID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}
