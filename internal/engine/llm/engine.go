// Package llm maintains one conversation per session: it keeps the ordered
// history, runs at most one upstream completion at a time with a bounded
// request queue, and hands every response to the semantic streamer for
// chunked synthesis.
//
// Upstream failures degrade through canned fallback tiers chosen by the
// per-session consecutive-failure count; fallbacks are spoken and appended
// to the history like real responses so later turns stay coherent. A
// circuit breaker in front of the upstream fails fast into the same path
// while the backend is down.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Jatin5120/vantum-backend/internal/observe"
	"github.com/Jatin5120/vantum-backend/internal/resilience"
	"github.com/Jatin5120/vantum-backend/internal/stream"
	"github.com/Jatin5120/vantum-backend/pkg/provider/llm"
)

// ErrQueueFull is returned by [Engine.Submit] when the bounded request
// queue is at capacity.
var ErrQueueFull = resilience.WithClass(resilience.ClassResource, errors.New("llm: request queue is full"))

// ErrEngineClosed is returned by operations on a terminated engine.
var ErrEngineClosed = errors.New("llm: engine is closed")

// fallbackTiers holds the canned responses by consecutive-failure count.
// The third tier repeats for every failure past the second.
var fallbackTiers = []string{
	"Sorry, could you say that again?",
	"I'm having trouble responding right now. Please give me a moment.",
	"I'm unable to continue this call. Someone will call you back shortly.",
}

// Config tunes the engine. Zero fields take defaults.
type Config struct {
	// Model is the completion model.
	Model string

	// SystemPrompt is the first history entry. It should instruct the model
	// to emit the break marker between speech pauses.
	SystemPrompt string

	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	MaxTokens        int

	// QueueBound caps pending requests. Default: 3.
	QueueBound int

	// RequestTimeout bounds the upstream token stream for one turn. Chunk
	// synthesis and playback pacing are not counted against it. Default: 30s.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueBound <= 0 {
		c.QueueBound = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.met = m }
}

// WithBreaker overrides the circuit breaker. Tests use short cooldowns.
func WithBreaker(b *resilience.Breaker) Option {
	return func(e *Engine) { e.breaker = b }
}

// WithOnResponse registers a callback invoked after every completed turn
// with the spoken text and whether it was a canned fallback. Runs on the
// worker goroutine.
func WithOnResponse(fn func(text string, fallback bool)) Option {
	return func(e *Engine) { e.onResponse = fn }
}

// WithOnTurnStart registers a callback invoked on the worker goroutine just
// before a turn starts processing, with the event id of the request that
// triggered it. The session uses it to stamp the event id onto the synthesis
// output only once that turn's audio is about to begin, so a queued turn
// never lends its id to a response still playing out.
func WithOnTurnStart(fn func(eventID string)) Option {
	return func(e *Engine) { e.onTurnStart = fn }
}

// turn is one queued user request.
type turn struct {
	text    string
	eventID string
}

// Engine is one session's conversation pipeline.
type Engine struct {
	provider    llm.Provider
	streamer    *stream.Streamer
	breaker     *resilience.Breaker
	cfg         Config
	met         *observe.Metrics
	onResponse  func(string, bool)
	onTurnStart func(string)
	log         *slog.Logger

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu         sync.Mutex
	history    []llm.Message
	queue      []turn
	processing bool
	failures   int
	closed     bool
	wg         sync.WaitGroup
}

// New creates an engine for one session. The system prompt becomes the
// first history entry.
func New(provider llm.Provider, streamer *stream.Streamer, sessionID string, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		provider: provider,
		streamer: streamer,
		breaker:  resilience.NewBreaker(resilience.BreakerConfig{Name: "llm:" + sessionID}),
		cfg:      cfg,
		met:      observe.DefaultMetrics(),
		log:      slog.With("session_id", sessionID, "engine", "llm"),
	}
	e.lifeCtx, e.lifeCancel = context.WithCancel(context.Background())
	if cfg.SystemPrompt != "" {
		e.history = []llm.Message{{Role: llm.RoleSystem, Content: cfg.SystemPrompt, Timestamp: time.Now()}}
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// History returns a snapshot of the conversation so far.
func (e *Engine) History() []llm.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]llm.Message(nil), e.history...)
}

// Failures returns the consecutive upstream failure count.
func (e *Engine) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Submit enqueues one user turn tagged with the event id of the request that
// produced it. The turn is processed immediately when the engine is idle;
// otherwise it queues behind the in-flight request. A full queue rejects
// with [ErrQueueFull].
func (e *Engine) Submit(text, eventID string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.processing {
		if len(e.queue) >= e.cfg.QueueBound {
			e.mu.Unlock()
			return ErrQueueFull
		}
		e.queue = append(e.queue, turn{text: text, eventID: eventID})
		e.mu.Unlock()
		return nil
	}
	e.processing = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.worker(turn{text: text, eventID: eventID})
	return nil
}

// Close terminates the engine. Queued turns are discarded and the in-flight
// turn's dispatch is cancelled rather than awaited.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.queue = nil
	e.mu.Unlock()

	e.lifeCancel()
	e.wg.Wait()
	return nil
}

// worker processes cur, then drains the queue until it is empty.
func (e *Engine) worker(cur turn) {
	defer e.wg.Done()

	for {
		e.processTurn(cur)

		e.mu.Lock()
		if e.closed || len(e.queue) == 0 {
			e.processing = false
			e.mu.Unlock()
			return
		}
		cur = e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
	}
}

// processTurn runs one conversation turn: history append, upstream stream
// through the breaker, fallback on failure. The turn-start callback fires
// first so the turn's event id is in place before any audio is produced,
// including fallback audio.
func (e *Engine) processTurn(cur turn) {
	if e.onTurnStart != nil {
		e.onTurnStart(cur.eventID)
	}

	text := cur.text
	e.mu.Lock()
	e.history = append(e.history, llm.Message{Role: llm.RoleUser, Content: text, Timestamp: time.Now()})
	req := llm.Request{
		Model:            e.cfg.Model,
		Messages:         append([]llm.Message(nil), e.history...),
		Temperature:      e.cfg.Temperature,
		TopP:             e.cfg.TopP,
		FrequencyPenalty: e.cfg.FrequencyPenalty,
		PresencePenalty:  e.cfg.PresencePenalty,
		MaxTokens:        e.cfg.MaxTokens,
	}
	e.mu.Unlock()

	var response string
	var turnErr error
	err := e.breaker.Do(func() error {
		response, turnErr = e.streamOnce(req)
		if errors.Is(turnErr, stream.ErrCancelled) {
			// A user interrupt is not an upstream failure.
			return nil
		}
		return turnErr
	})
	if err == nil {
		err = turnErr
	}

	if err != nil {
		if errors.Is(err, stream.ErrCancelled) {
			// User interrupt: keep what was said, no fallback, no failure.
			e.log.Info("turn cancelled by user", "partial_len", len(response))
			e.mu.Lock()
			if response != "" {
				e.history = append(e.history, llm.Message{Role: llm.RoleAssistant, Content: response, Timestamp: time.Now()})
			}
			e.mu.Unlock()
			return
		}
		class := resilience.Classify(err)
		e.met.RecordPipelineError(context.Background(), "llm", class.String())
		e.log.Warn("completion failed, using fallback", "error", err, "class", class.String())
		e.deliverFallback()
		return
	}

	e.mu.Lock()
	e.history = append(e.history, llm.Message{Role: llm.RoleAssistant, Content: response, Timestamp: time.Now()})
	e.failures = 0
	e.mu.Unlock()

	if e.onResponse != nil {
		e.onResponse(response, false)
	}
}

// streamOnce runs one upstream completion, feeding tokens to the semantic
// streamer as they arrive and returning the accumulated response.
//
// The request timeout bounds only the upstream token stream. Dispatch and
// playback pacing run under the engine lifetime, so a long answer is never
// cut off mid-playback.
func (e *Engine) streamOnce(req llm.Request) (string, error) {
	ctx, cancel := context.WithTimeout(e.lifeCtx, e.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	deltas, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: start completion: %w", err)
	}

	r := e.streamer.Begin()
	var full strings.Builder
	first := true

	for d := range deltas {
		if d.Err != nil {
			// The token stream itself broke: speak what we have, then
			// surface the error.
			if ferr := r.FlushRemainder(e.lifeCtx); ferr != nil {
				e.log.Warn("partial response flush failed", "error", ferr)
			}
			return full.String(), fmt.Errorf("llm: stream: %w", d.Err)
		}
		if d.Text == "" {
			continue
		}
		if first {
			e.met.LLMDuration.Record(ctx, time.Since(start).Seconds())
			first = false
		}
		full.WriteString(d.Text)
		if err := r.Feed(e.lifeCtx, d.Text); err != nil {
			return full.String(), err
		}
	}

	if err := r.Finish(e.lifeCtx); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}

// deliverFallback speaks the canned response for the current failure tier
// and appends it to the history as an assistant turn.
func (e *Engine) deliverFallback() {
	e.mu.Lock()
	e.failures++
	tier := min(e.failures, len(fallbackTiers))
	e.mu.Unlock()

	text := fallbackTiers[tier-1]
	e.met.RecordFallback(context.Background(), tier)

	r := e.streamer.Begin()
	if err := r.Feed(e.lifeCtx, text); err == nil {
		if err := r.Finish(e.lifeCtx); err != nil {
			e.log.Warn("fallback synthesis failed", "tier", tier, "error", err)
		}
	} else {
		e.log.Warn("fallback synthesis failed", "tier", tier, "error", err)
	}

	e.mu.Lock()
	e.history = append(e.history, llm.Message{Role: llm.RoleAssistant, Content: text, Timestamp: time.Now()})
	e.mu.Unlock()

	if e.onResponse != nil {
		e.onResponse(text, true)
	}
}
