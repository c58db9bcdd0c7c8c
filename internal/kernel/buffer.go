package kernel

import (
	"github.com/leonletto/panebus/internal/envelope"
)

type bufferedEvent struct {
	env        envelope.Envelope
	recordedAt int64
}

// ringBuffer is the telemetry lane. It is soft-capped: entries are evicted
// oldest-first only while the buffer is over capacity and the oldest entry
// has aged out of the window. A burst inside the window may exceed the cap.
type ringBuffer struct {
	entries  []bufferedEvent
	head     int
	capacity int
	windowMs int64
}

func newRingBuffer(capacity int, windowMs int64) *ringBuffer {
	return &ringBuffer{capacity: capacity, windowMs: windowMs}
}

func (b *ringBuffer) append(env envelope.Envelope, now int64) {
	b.entries = append(b.entries, bufferedEvent{env: env, recordedAt: now})
	b.evict(now)
}

func (b *ringBuffer) evict(now int64) {
	for b.len() > b.capacity {
		oldest := b.entries[b.head]
		if now-oldest.recordedAt <= b.windowMs {
			break
		}
		b.entries[b.head] = bufferedEvent{}
		b.head++
	}
	// Compact once the dead prefix dominates the backing array.
	if b.head > 0 && b.head >= len(b.entries)/2 {
		live := copy(b.entries, b.entries[b.head:])
		for i := live; i < len(b.entries); i++ {
			b.entries[i] = bufferedEvent{}
		}
		b.entries = b.entries[:live]
		b.head = 0
	}
}

func (b *ringBuffer) len() int {
	return len(b.entries) - b.head
}

// each visits live entries oldest-first until fn returns false.
func (b *ringBuffer) each(fn func(envelope.Envelope) bool) {
	for i := b.head; i < len(b.entries); i++ {
		if !fn(b.entries[i].env) {
			return
		}
	}
}

func (b *ringBuffer) reset() {
	b.entries = nil
	b.head = 0
}
