// Package stt drives one persistent streaming-recognition connection per
// session: it forwards resampled audio upstream, accumulates transcript
// segments, and runs the finalization handshake that turns an utterance
// into a final transcript.
//
// The connection survives repeated finalization cycles so the second and
// later utterances on a session see no connection-setup latency. Unexpected
// closes reconnect with exponential backoff while audio is retained in a
// bounded drop-oldest buffer.
package stt

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
	"github.com/Jatin5120/vantum-backend/pkg/audio"
	"github.com/Jatin5120/vantum-backend/pkg/buffer"
	"github.com/Jatin5120/vantum-backend/pkg/ident"
	"github.com/Jatin5120/vantum-backend/pkg/protocol"
	"github.com/Jatin5120/vantum-backend/pkg/provider/stt"
)

// ErrEngineClosed is returned by operations on a terminated engine.
var ErrEngineClosed = errors.New("stt: engine is closed")

// ConnState is the upstream connection state.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	StateClosed
)

// String returns the state label used in logs.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameWriter delivers frames to the client connection.
type FrameWriter interface {
	WriteFrame(f protocol.Frame) error
}

// Config tunes the engine. Zero fields take defaults.
type Config struct {
	// ClientRate is the inbound PCM sample rate in Hz. Default: 48000.
	ClientRate int

	// UpstreamRate is the rate the recognition upstream expects.
	// Default: 16000.
	UpstreamRate int

	// Language is the recognition language.
	Language string

	// Model selects the recognition model.
	Model string

	// BufferBytes bounds the reconnection audio buffer. Default: 64 KiB.
	BufferBytes int

	// KeepAlive is the heartbeat interval while connected. Default: 8s.
	KeepAlive time.Duration

	// FinalizeTimeout bounds the wait for the upstream flush
	// acknowledgement. Default: 3s.
	FinalizeTimeout time.Duration

	// ClearDelay is how long the finalizing flag stays set after the
	// handshake so an in-flight close event does not trigger reconnection.
	// Default: 250ms.
	ClearDelay time.Duration

	// Backoff is the reconnect schedule.
	Backoff resilience.Backoff
}

func (c Config) withDefaults() Config {
	if c.ClientRate <= 0 {
		c.ClientRate = 48000
	}
	if c.UpstreamRate <= 0 {
		c.UpstreamRate = 16000
	}
	if c.BufferBytes <= 0 {
		c.BufferBytes = 64 * 1024
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 8 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 3 * time.Second
	}
	if c.ClearDelay <= 0 {
		c.ClearDelay = 250 * time.Millisecond
	}
	if c.Backoff.Attempts == 0 {
		c.Backoff = resilience.DefaultBackoff()
	}
	return c
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithMetrics overrides the metrics instance. Tests use a ManualReader.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.met = m }
}

// WithOnFatal registers the callback invoked when the engine hits an
// unrecoverable error (exhausted retries, upstream auth failure). The
// session uses it to tear itself down.
func WithOnFatal(fn func(error)) Option {
	return func(e *Engine) { e.onFatal = fn }
}

// Engine is one session's recognition pipeline.
type Engine struct {
	provider  stt.Provider
	out       FrameWriter
	sessionID string
	cfg       Config
	met       *observe.Metrics
	onFatal   func(error)
	log       *slog.Logger

	mu         sync.Mutex
	state      ConnState
	handle     stt.StreamHandle
	segments   []string
	interim    string
	finalizing bool
	metadataCh chan struct{}
	ring       *buffer.ByteRing
	closed     bool
	reconnects int

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine for one session. Call [Engine.Start] before
// forwarding audio.
func New(provider stt.Provider, out FrameWriter, sessionID string, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		provider:  provider,
		out:       out,
		sessionID: sessionID,
		cfg:       cfg,
		met:       observe.DefaultMetrics(),
		state:     StateConnecting,
		ring:      buffer.NewByteRing(cfg.BufferBytes),
		done:      make(chan struct{}),
		log:       slog.With("session_id", sessionID, "engine", "stt"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start dials the upstream and begins the event and keep-alive loops.
func (e *Engine) Start(ctx context.Context) error {
	handle, err := e.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: e.cfg.UpstreamRate,
		Language:   e.cfg.Language,
		Model:      e.cfg.Model,
	})
	if err != nil {
		return fmt.Errorf("stt: start stream: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = handle.Close()
		return ErrEngineClosed
	}
	e.handle = handle
	e.state = StateConnected
	e.mu.Unlock()

	e.wg.Add(2)
	go e.eventLoop(handle)
	go e.keepAliveLoop()
	return nil
}

// State returns the current connection state.
func (e *Engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Transcript returns the accumulated final segments joined by spaces.
func (e *Engine) Transcript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.segments, " ")
}

// ProcessAudio resamples one client chunk to the upstream rate and forwards
// it. While the connection is not ready the chunk is retained in the
// drop-oldest reconnection buffer.
func (e *Engine) ProcessAudio(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	pcm := audio.Resample(chunk, e.cfg.ClientRate, e.cfg.UpstreamRate)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.state != StateConnected || e.handle == nil {
		e.bufferLocked(pcm)
		e.mu.Unlock()
		return nil
	}
	h := e.handle
	e.mu.Unlock()

	if err := h.SendAudio(pcm); err != nil {
		e.log.Warn("audio send failed, buffering", "error", err)
		e.mu.Lock()
		e.bufferLocked(pcm)
		e.mu.Unlock()
		return nil
	}
	return nil
}

// bufferLocked pushes pcm into the reconnection buffer and counts drops.
// Must be called with e.mu held.
func (e *Engine) bufferLocked(pcm []byte) {
	_, before := e.ring.Dropped()
	e.ring.Push(pcm)
	if _, after := e.ring.Dropped(); after > before {
		e.met.DroppedBytes.Add(context.Background(), int64(after-before), observe.AttrSet("stage", "stt"))
	}
}

// Finalize runs the finalization handshake for the current utterance and
// returns the final transcript. The upstream connection stays open for the
// next utterance.
func (e *Engine) Finalize(ctx context.Context) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	e.finalizing = true
	e.metadataCh = make(chan struct{}, 1)
	mdCh := e.metadataCh
	h := e.handle
	connected := e.state == StateConnected
	e.mu.Unlock()

	start := time.Now()
	if connected && h != nil {
		if err := h.CloseStream(); err != nil {
			e.log.Warn("close-stream message failed", "error", err)
		}
	}

	method := "event"
	timer := time.NewTimer(e.cfg.FinalizeTimeout)
	defer timer.Stop()
	select {
	case <-mdCh:
	case <-timer.C:
		method = "timeout"
	case <-ctx.Done():
		method = "timeout"
	}

	elapsed := time.Since(start).Seconds()
	e.met.FinalizeDuration.Record(ctx, elapsed)
	e.met.STTDuration.Record(ctx, elapsed)
	e.met.RecordFinalization(ctx, method)

	e.mu.Lock()
	text := strings.Join(e.segments, " ")
	if e.interim != "" {
		// Trailing speech that never got a final segment.
		if text != "" {
			text += " "
		}
		text += e.interim
	}
	e.segments = nil
	e.interim = ""
	e.mu.Unlock()

	time.AfterFunc(e.cfg.ClearDelay, e.clearFinalizing)

	e.log.Info("finalized utterance",
		"method", method,
		"transcript_len", len(text))
	return text, nil
}

// clearFinalizing lifts reconnect suppression once any in-flight close
// event from the handshake has fired.
func (e *Engine) clearFinalizing() {
	e.mu.Lock()
	e.finalizing = false
	needsReconnect := !e.closed && e.state != StateConnected && e.state != StateReconnecting
	if needsReconnect {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if needsReconnect {
		go func() {
			defer e.wg.Done()
			e.reconnect()
		}()
	}
}

// Close terminates the engine and its upstream connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.state = StateClosed
	h := e.handle
	e.handle = nil
	e.ring.Discard()
	close(e.done)
	e.mu.Unlock()

	if h != nil {
		_ = h.Close()
	}
	e.wg.Wait()
	return nil
}

// ─── loops ────────────────────────────────────────────────────────────────────

// eventLoop consumes upstream events until the handle's channel closes.
func (e *Engine) eventLoop(h stt.StreamHandle) {
	defer e.wg.Done()

	for ev := range h.Events() {
		switch ev.Type {
		case stt.EventTranscript:
			e.onTranscript(ev.Transcript)
		case stt.EventMetadata:
			e.onMetadata()
		case stt.EventError:
			e.onUpstreamError(ev.Err)
		case stt.EventClosed:
			e.onClosed(ev.Err)
			return
		}
	}
}

// onTranscript accumulates one transcript event and forwards interims to
// the client.
func (e *Engine) onTranscript(tr stt.Transcript) {
	if strings.TrimSpace(tr.Text) == "" {
		return
	}

	e.mu.Lock()
	if tr.IsFinal {
		e.segments = append(e.segments, tr.Text)
		e.interim = ""
	} else {
		e.interim = tr.Text
	}
	closed := e.closed
	e.mu.Unlock()

	if closed || tr.IsFinal {
		return
	}

	frame := protocol.NewFrame(protocol.EventTranscriptInterim, ident.NewEventID(), e.sessionID,
		protocol.TranscriptPayload{Text: tr.Text, IsFinal: false, Confidence: tr.Confidence})
	if err := e.out.WriteFrame(frame); err != nil {
		e.log.Warn("interim transcript delivery failed", "error", err)
	}
}

// onMetadata signals a waiting Finalize that the upstream flushed.
func (e *Engine) onMetadata() {
	e.mu.Lock()
	ch := e.metadataCh
	e.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// onUpstreamError classifies an upstream error event. Fatal errors end the
// engine; transient ones ride the close-triggered reconnect path.
func (e *Engine) onUpstreamError(err error) {
	class := resilience.Classify(err)
	e.met.RecordPipelineError(context.Background(), "stt", class.String())
	if class == resilience.ClassFatal {
		e.log.Error("fatal upstream error", "error", err)
		e.fail(err)
		return
	}
	e.log.Warn("transient upstream error", "error", err)
}

// onClosed handles the upstream connection ending. Reconnection is
// suppressed while a finalization handshake is in flight; clearFinalizing
// picks it up afterwards.
func (e *Engine) onClosed(err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	e.handle = nil
	suppressed := e.finalizing
	if !suppressed {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if suppressed {
		e.log.Debug("upstream closed during finalization, reconnect deferred")
		return
	}
	if err != nil {
		e.log.Warn("upstream connection lost", "error", err)
	}
	go func() {
		defer e.wg.Done()
		e.reconnect()
	}()
}

// reconnect re-dials the upstream with backoff, then drains the buffered
// audio in order. Exhausted retries end the engine. Callers track the
// goroutine in e.wg so Close waits for it; the backoff wait aborts on
// shutdown.
func (e *Engine) reconnect() {
	e.mu.Lock()
	if e.closed || e.state == StateReconnecting || e.state == StateConnected {
		e.mu.Unlock()
		return
	}
	e.state = StateReconnecting
	e.mu.Unlock()

	for attempt := 0; ; attempt++ {
		delay := e.cfg.Backoff.Delay(attempt)
		if delay < 0 {
			e.log.Error("reconnect attempts exhausted")
			e.mu.Lock()
			e.ring.Discard()
			e.mu.Unlock()
			e.fail(resilience.WithClass(resilience.ClassFatal, errors.New("stt: reconnect attempts exhausted")))
			return
		}
		select {
		case <-time.After(delay):
		case <-e.done:
			return
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		e.met.Reconnects.Add(context.Background(), 1, observe.AttrSet("stage", "stt"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		handle, err := e.provider.StartStream(ctx, stt.StreamConfig{
			SampleRate: e.cfg.UpstreamRate,
			Language:   e.cfg.Language,
			Model:      e.cfg.Model,
		})
		cancel()
		if err != nil {
			e.log.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			_ = handle.Close()
			return
		}
		e.handle = handle
		e.state = StateConnected
		e.reconnects++
		pending := e.ring.Drain()
		e.mu.Unlock()

		for _, chunk := range pending {
			if err := handle.SendAudio(chunk); err != nil {
				e.log.Warn("buffered audio replay failed", "error", err)
				break
			}
		}

		e.wg.Add(1)
		go e.eventLoop(handle)
		e.log.Info("upstream reconnected", "attempt", attempt+1, "replayed_chunks", len(pending))
		return
	}
}

// keepAliveLoop heartbeats the upstream while connected and not finalizing.
func (e *Engine) keepAliveLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		h := e.handle
		ok := !e.closed && e.state == StateConnected && !e.finalizing
		e.mu.Unlock()

		if !ok || h == nil {
			continue
		}
		if err := h.KeepAlive(); err != nil {
			e.log.Debug("keep-alive failed", "error", err)
		}
	}
}

// fail reports an unrecoverable error to the session and marks the engine
// disconnected.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.state = StateDisconnected
	fn := e.onFatal
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
