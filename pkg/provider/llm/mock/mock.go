// Package mock provides an in-memory llm.Provider for tests. Each
// StreamCompletion call replays a scripted delta sequence and records the
// request for later inspection.
package mock

import (
	"context"
	"sync"

	"github.com/Jatin5120/vantum-backend/pkg/provider/llm"
)

// Provider is a scripted llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Deltas is the sequence replayed on every StreamCompletion call.
	Deltas []llm.Delta

	// Script, when non-empty, overrides Deltas per call: call N replays
	// Script[N] (the last entry repeats once exhausted).
	Script [][]llm.Delta

	// StartErr, when non-nil, is returned from StreamCompletion.
	StartErr error

	// StartErrs, when non-empty, overrides StartErr per call; nil entries
	// mean success for that call.
	StartErrs []error

	// Calls records every request in order.
	Calls []llm.Request

	calls int
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.Calls = append(p.Calls, req)

	if len(p.StartErrs) > 0 {
		idx := min(n, len(p.StartErrs)-1)
		if err := p.StartErrs[idx]; err != nil {
			p.mu.Unlock()
			return nil, err
		}
	} else if p.StartErr != nil {
		p.mu.Unlock()
		return nil, p.StartErr
	}

	deltas := p.Deltas
	if len(p.Script) > 0 {
		idx := min(n, len(p.Script)-1)
		deltas = p.Script[idx]
	}
	p.mu.Unlock()

	ch := make(chan llm.Delta, len(deltas)+1)
	go func() {
		defer close(ch)
		for _, d := range deltas {
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CallCount returns the number of StreamCompletion invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)
