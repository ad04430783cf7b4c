// Package mock provides an in-memory tts.Provider for tests. Each
// Synthesize call returns a fresh BufferSource the test drives directly,
// and every call is recorded for later inspection.
package mock

import (
	"context"
	"sync"

	"github.com/Jatin5120/vantum-backend/pkg/provider/tts"
)

// Handle is a scripted tts.StreamHandle.
type Handle struct {
	mu sync.Mutex

	// Texts records every Synthesize argument in order.
	Texts []string

	// Sources holds the BufferSource returned by each Synthesize call,
	// in call order. Tests drive them via Append/CloseSource/Fail.
	Sources []*tts.BufferSource

	// SynthErr, when non-nil, is returned from Synthesize.
	SynthErr error

	// SynthErrs, when non-empty, overrides SynthErr per call; nil entries
	// mean success for that call.
	SynthErrs []error

	// OnSynthesize, when non-nil, runs after each successful Synthesize
	// with the new source. Lets tests feed audio synchronously.
	OnSynthesize func(src *tts.BufferSource)

	// KeepAliveCalls counts KeepAlive invocations.
	KeepAliveCalls int

	// KeepAliveErr, when non-nil, is returned from KeepAlive.
	KeepAliveErr error

	closedCh  chan struct{}
	closeOnce sync.Once
	closeErr  error
	calls     int
}

// NewHandle returns an open handle.
func NewHandle() *Handle {
	return &Handle{closedCh: make(chan struct{})}
}

// Synthesize implements tts.StreamHandle.
func (h *Handle) Synthesize(ctx context.Context, text string) (tts.AudioSource, error) {
	h.mu.Lock()
	n := h.calls
	h.calls++
	h.Texts = append(h.Texts, text)

	if len(h.SynthErrs) > 0 {
		idx := min(n, len(h.SynthErrs)-1)
		if err := h.SynthErrs[idx]; err != nil {
			h.mu.Unlock()
			return nil, err
		}
	} else if h.SynthErr != nil {
		err := h.SynthErr
		h.mu.Unlock()
		return nil, err
	}

	src := tts.NewBufferSource()
	h.Sources = append(h.Sources, src)
	fn := h.OnSynthesize
	h.mu.Unlock()

	if fn != nil {
		fn(src)
	}
	return src, nil
}

// KeepAlive implements tts.StreamHandle.
func (h *Handle) KeepAlive() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.KeepAliveCalls++
	return h.KeepAliveErr
}

// Closed implements tts.StreamHandle.
func (h *Handle) Closed() <-chan struct{} { return h.closedCh }

// Err implements tts.StreamHandle.
func (h *Handle) Err() error {
	select {
	case <-h.closedCh:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.closeErr
	default:
		return nil
	}
}

// Close implements tts.StreamHandle.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() { close(h.closedCh) })
	return nil
}

// FailConnection simulates an upstream connection loss: Closed fires with
// the given error as the close reason.
func (h *Handle) FailConnection(err error) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closeErr = err
		h.mu.Unlock()
		close(h.closedCh)
	})
}

// CallCount returns the number of Synthesize invocations.
func (h *Handle) CallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// LastSource returns the source from the most recent Synthesize call, or
// nil if none succeeded yet.
func (h *Handle) LastSource() *tts.BufferSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.Sources) == 0 {
		return nil
	}
	return h.Sources[len(h.Sources)-1]
}

// Provider is a scripted tts.Provider. Each Connect returns the next handle
// from Handles, creating one on demand when the script runs out.
type Provider struct {
	mu sync.Mutex

	// Handles holds every handle this provider returned, in call order.
	// Pre-populate to script handle behaviour before Connect runs.
	Handles []*Handle

	// ConnectErr, when non-nil, is returned from Connect.
	ConnectErr error

	// ConnectErrs, when non-empty, overrides ConnectErr per call.
	ConnectErrs []error

	// Configs records every Connect config in order.
	Configs []tts.SynthesisConfig

	calls int
}

// Connect implements tts.Provider.
func (p *Provider) Connect(ctx context.Context, cfg tts.SynthesisConfig) (tts.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.calls
	p.calls++
	p.Configs = append(p.Configs, cfg)

	if len(p.ConnectErrs) > 0 {
		idx := min(n, len(p.ConnectErrs)-1)
		if err := p.ConnectErrs[idx]; err != nil {
			return nil, err
		}
	} else if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}

	if n < len(p.Handles) {
		return p.Handles[n], nil
	}
	h := NewHandle()
	p.Handles = append(p.Handles, h)
	return h, nil
}

// ConnectCount returns the number of Connect invocations.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Compile-time interface assertions.
var (
	_ tts.StreamHandle = (*Handle)(nil)
	_ tts.Provider     = (*Provider)(nil)
)
