package supervisor

import (
	"context"
	"sync"

	"github.com/jelmore/jelmore/internal/protocol"
)

// eventBuffer is a bounded ring of decoded output events with one shared
// consumption cursor. Writers never block; when the ring is full the oldest
// unread events are dropped. Offsets are absolute so a restarted stream
// resumes after the last consumed event instead of re-delivering history.
type eventBuffer struct {
	mu     sync.Mutex
	ring   []protocol.DecodedEvent
	start  uint64 // absolute offset of the oldest retained event
	next   uint64 // absolute offset the next append receives
	read   uint64 // absolute offset of the next unconsumed event
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newEventBuffer(capacity int) *eventBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &eventBuffer{
		ring:   make([]protocol.DecodedEvent, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Append adds one event, evicting the oldest if the ring is full. A reader
// that fell behind the eviction horizon is advanced to the oldest survivor.
func (b *eventBuffer) Append(ev protocol.DecodedEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	capacity := uint64(len(b.ring))
	if b.next-b.start == capacity {
		b.start++
		if b.read < b.start {
			b.read = b.start
		}
	}
	b.ring[b.next%capacity] = ev
	b.next++
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an unconsumed event is available, the buffer is closed
// and drained, or the context ends. The second return is false when the
// stream is exhausted.
func (b *eventBuffer) Next(ctx context.Context) (protocol.DecodedEvent, bool) {
	for {
		b.mu.Lock()
		if b.read < b.next {
			ev := b.ring[b.read%uint64(len(b.ring))]
			b.read++
			b.mu.Unlock()
			return ev, true
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return protocol.DecodedEvent{}, false
		}
		select {
		case <-b.notify:
		case <-b.done:
		case <-ctx.Done():
			return protocol.DecodedEvent{}, false
		}
	}
}

// Snapshot returns the retained events in order, oldest first.
func (b *eventBuffer) Snapshot() []protocol.DecodedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.DecodedEvent, 0, b.next-b.start)
	for off := b.start; off < b.next; off++ {
		out = append(out, b.ring[off%uint64(len(b.ring))])
	}
	return out
}

// Restore replaces the buffer contents. Restored history counts as already
// consumed so a resumed session does not replay it to live readers.
func (b *eventBuffer) Restore(events []protocol.DecodedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	capacity := len(b.ring)
	if len(events) > capacity {
		events = events[len(events)-capacity:]
	}
	b.start = 0
	b.next = 0
	for _, ev := range events {
		b.ring[b.next%uint64(capacity)] = ev
		b.next++
	}
	b.read = b.next
}

// Close ends the stream. Buffered unconsumed events remain readable.
func (b *eventBuffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}
