// Package buffer implements the bounded drop-oldest byte buffer used to hold
// outbound data while an upstream connection is not ready.
//
// Every buffer has a declared byte budget. When a push would exceed the
// budget, the oldest items are discarded first and counted, never the new
// item — unless the new item alone exceeds the whole budget, in which case
// it is dropped and counted. Items are drained strictly in insertion order.
package buffer

import "sync"

// ByteRing is a bounded FIFO of byte chunks with a total byte budget.
// All methods are safe for concurrent use.
type ByteRing struct {
	mu     sync.Mutex
	budget int
	items  [][]byte
	bytes  int

	droppedItems int
	droppedBytes int
}

// NewByteRing creates a ring holding at most budget bytes across all items.
// A non-positive budget yields a ring that drops everything.
func NewByteRing(budget int) *ByteRing {
	return &ByteRing{budget: budget}
}

// Push appends chunk, evicting oldest items as needed to stay within the
// byte budget. The chunk is copied so callers may reuse their slice.
func (r *ByteRing) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(chunk) > r.budget {
		r.droppedItems++
		r.droppedBytes += len(chunk)
		return
	}

	for r.bytes+len(chunk) > r.budget && len(r.items) > 0 {
		oldest := r.items[0]
		r.items = r.items[1:]
		r.bytes -= len(oldest)
		r.droppedItems++
		r.droppedBytes += len(oldest)
	}

	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	r.items = append(r.items, cp)
	r.bytes += len(cp)
}

// Drain removes and returns all buffered items in insertion order.
func (r *ByteRing) Drain() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.items
	r.items = nil
	r.bytes = 0
	return out
}

// Discard empties the ring, counting everything held as dropped.
func (r *ByteRing) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.droppedItems += len(r.items)
	r.droppedBytes += r.bytes
	r.items = nil
	r.bytes = 0
}

// Len returns the number of buffered items.
func (r *ByteRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Bytes returns the total buffered byte count.
func (r *ByteRing) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Dropped returns the cumulative count of dropped items and bytes.
func (r *ByteRing) Dropped() (items, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.droppedItems, r.droppedBytes
}
