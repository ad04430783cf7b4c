// Package mock provides in-memory stt.Provider and stt.StreamHandle
// implementations for tests. The handle records every call and exposes its
// event channel so tests can script upstream behaviour.
package mock

import (
	"context"
	"sync"

	"github.com/Jatin5120/vantum-backend/pkg/provider/stt"
)

// Handle is a scripted stt.StreamHandle.
type Handle struct {
	mu sync.Mutex

	// SentChunks records every SendAudio payload in order.
	SentChunks [][]byte

	// CloseStreamCalls counts CloseStream invocations.
	CloseStreamCalls int

	// KeepAliveCalls counts KeepAlive invocations.
	KeepAliveCalls int

	// CloseCalls counts Close invocations.
	CloseCalls int

	// SendErr, when non-nil, is returned from SendAudio.
	SendErr error

	// CloseStreamErr, when non-nil, is returned from CloseStream.
	CloseStreamErr error

	// EventsCh is the channel returned by Events. Tests push events into it
	// and close it to simulate stream end.
	EventsCh chan stt.Event

	// OnCloseStream, when set, runs on every CloseStream call (e.g. to emit
	// a metadata event).
	OnCloseStream func()

	eventsOnce sync.Once
}

// NewHandle returns a Handle with a buffered event channel.
func NewHandle() *Handle {
	return &Handle{EventsCh: make(chan stt.Event, 16)}
}

// CloseEvents closes the event channel, simulating stream end. Idempotent.
func (h *Handle) CloseEvents() {
	h.eventsOnce.Do(func() { close(h.EventsCh) })
}

// KeepAlives returns the KeepAlive call count.
func (h *Handle) KeepAlives() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.KeepAliveCalls
}

// SendAudio implements stt.StreamHandle.
func (h *Handle) SendAudio(chunk []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SendErr != nil {
		return h.SendErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	h.SentChunks = append(h.SentChunks, cp)
	return nil
}

// CloseStream implements stt.StreamHandle.
func (h *Handle) CloseStream() error {
	h.mu.Lock()
	h.CloseStreamCalls++
	cb := h.OnCloseStream
	err := h.CloseStreamErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if cb != nil {
		cb()
	}
	return nil
}

// KeepAlive implements stt.StreamHandle.
func (h *Handle) KeepAlive() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.KeepAliveCalls++
	return nil
}

// Events implements stt.StreamHandle.
func (h *Handle) Events() <-chan stt.Event { return h.EventsCh }

// Close implements stt.StreamHandle. The event channel closes with the
// handle, as a real provider's does when its connection ends.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.CloseCalls++
	h.mu.Unlock()
	h.CloseEvents()
	return nil
}

// Sent returns a snapshot of recorded audio chunks.
func (h *Handle) Sent() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.SentChunks))
	copy(out, h.SentChunks)
	return out
}

// Provider is a scripted stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Handles are returned from successive StartStream calls. When
	// exhausted, a fresh Handle is returned.
	Handles []*Handle

	// StartErr, when non-nil, is returned from StartStream.
	StartErr error

	// StartCalls records the configs of every StartStream call.
	StartCalls []stt.StreamConfig

	next int
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	if p.next < len(p.Handles) {
		h := p.Handles[p.next]
		p.next++
		return h, nil
	}
	h := NewHandle()
	p.Handles = append(p.Handles, h)
	p.next = len(p.Handles)
	return h, nil
}

// StartCount returns the number of StartStream calls.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartCalls)
}

// SetStartErr atomically scripts the StartStream error.
func (p *Provider) SetStartErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartErr = err
}

// Compile-time interface assertions.
var (
	_ stt.Provider     = (*Provider)(nil)
	_ stt.StreamHandle = (*Handle)(nil)
)
