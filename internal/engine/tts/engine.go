// Package tts drives one persistent upstream synthesis connection per
// session. Each semantic chunk runs one generation cycle: the text goes
// upstream, PCM streams back, gets resampled to the client rate, and is
// delivered as an ordered series of audio.output frames under a single
// utterance id. The measured playback duration is returned so the semantic
// streamer can pace the next chunk.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Jatin5120/vantum-backend/internal/observe"
	"github.com/Jatin5120/vantum-backend/internal/resilience"
	"github.com/Jatin5120/vantum-backend/internal/stream"
	"github.com/Jatin5120/vantum-backend/pkg/audio"
	"github.com/Jatin5120/vantum-backend/pkg/ident"
	"github.com/Jatin5120/vantum-backend/pkg/protocol"
	"github.com/Jatin5120/vantum-backend/pkg/provider/tts"
)

var (
	// ErrEngineClosed is returned by operations on a terminated engine.
	ErrEngineClosed = errors.New("tts: engine is closed")

	// ErrBusy is returned when a synthesize call arrives while another is
	// in flight. The semantic streamer already serialises, so hitting this
	// means a caller bypassed it; the request is dropped.
	ErrBusy = errors.New("tts: synthesis already in progress")
)

// SynthState is the per-utterance synthesis state.
type SynthState int

const (
	SynthIdle SynthState = iota
	SynthGenerating
	SynthStreaming
	SynthCompleted
	SynthCancelled
	SynthError
)

// String returns the state label used in logs.
func (s SynthState) String() string {
	switch s {
	case SynthIdle:
		return "idle"
	case SynthGenerating:
		return "generating"
	case SynthStreaming:
		return "streaming"
	case SynthCompleted:
		return "completed"
	case SynthCancelled:
		return "cancelled"
	case SynthError:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions is the allowed synthesis state machine. Terminal states
// return to idle so the next chunk can start immediately.
var validTransitions = map[SynthState][]SynthState{
	SynthIdle:       {SynthGenerating},
	SynthGenerating: {SynthStreaming, SynthCancelled, SynthError, SynthCompleted},
	SynthStreaming:  {SynthCompleted, SynthCancelled, SynthError},
	SynthCompleted:  {SynthIdle},
	SynthCancelled:  {SynthIdle},
	SynthError:      {SynthIdle},
}

// ConnState is the upstream connection state.
type ConnState int

const (
	ConnConnected ConnState = iota
	ConnReconnecting
	ConnDisconnected
	ConnClosed
)

// String returns the state label used in logs.
func (s ConnState) String() string {
	switch s {
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnDisconnected:
		return "disconnected"
	case ConnClosed:
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
	// UpstreamRate is the PCM rate the synthesis upstream emits.
	// Default: 16000.
	UpstreamRate int

	// ClientRate is the PCM rate delivered to clients. Default: 48000.
	ClientRate int

	// VoiceID is the upstream voice identifier.
	VoiceID string

	// Model selects the synthesis model.
	Model string

	// Language is the synthesis language.
	Language string

	// TextBufferBytes bounds the reconnection text buffer. Default: 8 KiB.
	TextBufferBytes int

	// MaxTextBytes truncates longer synthesis texts. Default: 4096.
	MaxTextBytes int

	// KeepAlive is the heartbeat interval while idle. Default: 8s.
	KeepAlive time.Duration

	// ConnectTimeout bounds each connection attempt. Default: 10s.
	ConnectTimeout time.Duration

	// Backoff is the reconnect schedule.
	Backoff resilience.Backoff
}

func (c Config) withDefaults() Config {
	if c.UpstreamRate <= 0 {
		c.UpstreamRate = 16000
	}
	if c.ClientRate <= 0 {
		c.ClientRate = 48000
	}
	if c.TextBufferBytes <= 0 {
		c.TextBufferBytes = 8 * 1024
	}
	if c.MaxTextBytes <= 0 {
		c.MaxTextBytes = 4096
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 8 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.Backoff.Attempts == 0 {
		c.Backoff = resilience.DefaultBackoff()
	}
	return c
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.met = m }
}

// WithOnFatal registers the callback invoked on unrecoverable failure.
func WithOnFatal(fn func(error)) Option {
	return func(e *Engine) { e.onFatal = fn }
}

// pendingText is one entry in the reconnection text buffer.
type pendingText struct {
	text string
}

// Engine is one session's synthesis pipeline. It implements
// [stream.Synthesizer].
type Engine struct {
	provider  tts.Provider
	out       FrameWriter
	sessionID string
	cfg       Config
	met       *observe.Metrics
	onFatal   func(error)
	log       *slog.Logger

	// synthMu guards the whole synthesize operation; TryLock drops
	// concurrent calls instead of queueing them.
	synthMu sync.Mutex

	mu           sync.Mutex
	handle       tts.StreamHandle
	connState    ConnState
	synthState   SynthState
	utteranceID  string
	respEventID  string
	byteCount    int
	textBuf      []pendingText
	textBufBytes int
	cancelCh     chan struct{}
	closed       bool
	reconnecting bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine for one session. Call [Engine.Start] before
// synthesizing.
func New(provider tts.Provider, out FrameWriter, sessionID string, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		provider:  provider,
		out:       out,
		sessionID: sessionID,
		cfg:       cfg,
		met:       observe.DefaultMetrics(),
		connState: ConnDisconnected,
		done:      make(chan struct{}),
		log:       slog.With("session_id", sessionID, "engine", "tts"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start dials the upstream synthesis connection.
func (e *Engine) Start(ctx context.Context) error {
	handle, err := e.connect(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = handle.Close()
		return ErrEngineClosed
	}
	e.handle = handle
	e.connState = ConnConnected
	e.mu.Unlock()

	e.wg.Add(2)
	go e.watchHandle(handle)
	go e.keepAliveLoop()
	return nil
}

// connect dials one synthesis connection.
func (e *Engine) connect(ctx context.Context) (tts.StreamHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()
	handle, err := e.provider.Connect(ctx, tts.SynthesisConfig{
		VoiceID:    e.cfg.VoiceID,
		ModelID:    e.cfg.Model,
		Language:   e.cfg.Language,
		SampleRate: e.cfg.UpstreamRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tts: connect: %w", err)
	}
	return handle, nil
}

// SynthesisState returns the current per-utterance state.
func (e *Engine) SynthesisState() SynthState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synthState
}

// ConnectionState returns the upstream connection state.
func (e *Engine) ConnectionState() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState
}

// SetResponseEventID sets the outer event id stamped on every audio.output
// frame of subsequent utterances, correlating them with the request that
// triggered the response. The conversation worker sets it as each turn
// starts processing, so a response already playing keeps its own id.
func (e *Engine) SetResponseEventID(id string) {
	e.mu.Lock()
	e.respEventID = id
	e.mu.Unlock()
}

// Synthesize implements [stream.Synthesizer]: one generation cycle for
// text, returning the playback duration of the delivered audio. Empty text
// resolves immediately with zero duration and no frames.
func (e *Engine) Synthesize(ctx context.Context, text string) (time.Duration, error) {
	if text == "" {
		return 0, nil
	}
	if len(text) > e.cfg.MaxTextBytes {
		text = text[:e.cfg.MaxTextBytes]
		e.met.TruncatedTexts.Add(ctx, 1)
		e.log.Warn("synthesis text truncated", "max_bytes", e.cfg.MaxTextBytes)
	}

	if !e.synthMu.TryLock() {
		e.log.Warn("synthesize dropped, already in progress")
		return 0, ErrBusy
	}
	defer e.synthMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrEngineClosed
	}
	if e.connState != ConnConnected || e.handle == nil {
		// Buffer for replay after reconnect; the audio plays late but in
		// order.
		e.bufferTextLocked(text)
		e.mu.Unlock()
		return 0, nil
	}
	h := e.handle
	e.mu.Unlock()

	return e.synthesizeOn(ctx, h, text)
}

// bufferTextLocked appends text to the bounded reconnection buffer,
// dropping oldest entries over budget. Must be called with e.mu held.
func (e *Engine) bufferTextLocked(text string) {
	if len(text) > e.cfg.TextBufferBytes {
		e.met.DroppedBytes.Add(context.Background(), int64(len(text)), observe.AttrSet("stage", "tts"))
		return
	}
	e.textBuf = append(e.textBuf, pendingText{text: text})
	e.textBufBytes += len(text)
	for e.textBufBytes > e.cfg.TextBufferBytes && len(e.textBuf) > 0 {
		dropped := e.textBuf[0]
		e.textBuf = e.textBuf[1:]
		e.textBufBytes -= len(dropped.text)
		e.met.DroppedBytes.Add(context.Background(), int64(len(dropped.text)), observe.AttrSet("stage", "tts"))
	}
}

// synthesizeOn runs one generation cycle on handle h. Caller holds synthMu.
func (e *Engine) synthesizeOn(ctx context.Context, h tts.StreamHandle, text string) (time.Duration, error) {
	start := time.Now()

	e.mu.Lock()
	if !e.transitionLocked(SynthGenerating) {
		e.mu.Unlock()
		return 0, ErrBusy
	}
	e.utteranceID = ident.NewUtteranceID()
	e.byteCount = 0
	e.cancelCh = make(chan struct{})
	uttID := e.utteranceID
	eventID := e.respEventID
	cancelCh := e.cancelCh
	e.mu.Unlock()
	if eventID == "" {
		eventID = ident.NewEventID()
	}

	src, err := h.Synthesize(ctx, text)
	if err != nil {
		e.finishUtterance(SynthError)
		e.writeError(eventID, fmt.Errorf("tts: synthesize: %w", err))
		return 0, fmt.Errorf("tts: synthesize: %w", err)
	}

	type outcome struct {
		err error
	}
	doneCh := make(chan outcome, 1)
	settle := func(o outcome) {
		select {
		case doneCh <- o:
		default:
		}
	}

	cursor := 0
	seq := 0
	var consumeMu sync.Mutex
	consume := func() {
		consumeMu.Lock()
		defer consumeMu.Unlock()
		data := src.ReadFrom(cursor)
		if len(data) == 0 {
			return
		}
		cursor += len(data)
		e.deliverChunk(uttID, eventID, data, &seq)
	}

	src.OnData(consume)
	src.OnClose(func() {
		consume()
		settle(outcome{})
	})
	src.OnError(func(err error) {
		settle(outcome{err: err})
	})
	defer src.RemoveListeners()

	// Pre-registration race: bytes appended before the listeners attached.
	consume()

	select {
	case o := <-doneCh:
		if o.err != nil {
			e.finishUtterance(SynthError)
			e.met.RecordPipelineError(ctx, "tts", resilience.Classify(o.err).String())
			e.writeError(eventID, o.err)
			return 0, fmt.Errorf("tts: stream: %w", o.err)
		}
	case <-cancelCh:
		// Cancel frame already sent by Cancel; just stop.
		e.finishUtterance(SynthCancelled)
		return 0, stream.ErrCancelled
	case <-ctx.Done():
		e.finishUtterance(SynthError)
		return 0, fmt.Errorf("tts: synthesize: %w", ctx.Err())
	case <-e.done:
		return 0, ErrEngineClosed
	}

	e.mu.Lock()
	bytes := e.byteCount
	streamed := e.synthState == SynthStreaming
	e.mu.Unlock()

	duration := audio.PlaybackDuration(bytes, e.cfg.ClientRate)
	if streamed {
		frame := protocol.NewFrame(protocol.EventAudioOutputComplete, eventID, e.sessionID,
			protocol.OutputCompletePayload{UtteranceID: uttID, DurationMs: protocol.DurationMs(duration)})
		if err := e.out.WriteFrame(frame); err != nil {
			e.log.Warn("complete frame delivery failed", "error", err)
		}
	}
	e.finishUtterance(SynthCompleted)
	e.met.TTSDuration.Record(ctx, time.Since(start).Seconds())
	return duration, nil
}

// deliverChunk resamples one tail of upstream audio and sends it. The first
// chunk of an utterance transitions to Streaming and emits
// audio.output.start.
func (e *Engine) deliverChunk(uttID, eventID string, data []byte, seq *int) {
	pcm := audio.Resample(data, e.cfg.UpstreamRate, e.cfg.ClientRate)
	if len(pcm) == 0 {
		return
	}

	e.mu.Lock()
	if e.synthState == SynthCancelled || e.closed {
		e.mu.Unlock()
		return
	}
	first := e.synthState == SynthGenerating
	if first && !e.transitionLocked(SynthStreaming) {
		e.mu.Unlock()
		return
	}
	e.byteCount += len(pcm)
	e.mu.Unlock()

	if first {
		startFrame := protocol.NewFrame(protocol.EventAudioOutputStart, eventID, e.sessionID,
			protocol.OutputStartPayload{UtteranceID: uttID, SampleRate: e.cfg.ClientRate})
		if err := e.out.WriteFrame(startFrame); err != nil {
			e.log.Warn("start frame delivery failed", "error", err)
		}
	}

	chunkFrame := protocol.NewFrame(protocol.EventAudioOutputChunk, eventID, e.sessionID,
		protocol.AudioChunkPayload{
			Data:         pcm,
			UtteranceID:  uttID,
			ChunkEventID: ident.NewEventID(),
			Seq:          *seq,
		})
	*seq++
	if err := e.out.WriteFrame(chunkFrame); err != nil {
		e.log.Warn("chunk frame delivery failed", "error", err)
	}
	e.met.FramesOut.Add(context.Background(), 1, observe.AttrSet("event", protocol.EventAudioOutputChunk))
}

// Cancel aborts the in-flight utterance, if any, and notifies the client.
func (e *Engine) Cancel() {
	e.mu.Lock()
	if e.synthState != SynthGenerating && e.synthState != SynthStreaming {
		e.mu.Unlock()
		return
	}
	e.transitionLocked(SynthCancelled)
	uttID := e.utteranceID
	eventID := e.respEventID
	ch := e.cancelCh
	e.mu.Unlock()
	if eventID == "" {
		eventID = ident.NewEventID()
	}

	if ch != nil {
		close(ch)
	}
	frame := protocol.NewFrame(protocol.EventAudioOutputCancel, eventID, e.sessionID,
		protocol.OutputCancelPayload{UtteranceID: uttID})
	if err := e.out.WriteFrame(frame); err != nil {
		e.log.Warn("cancel frame delivery failed", "error", err)
	}
	e.log.Info("utterance cancelled", "utterance_id", uttID)
}

// finishUtterance moves through the terminal state back to idle.
func (e *Engine) finishUtterance(terminal SynthState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.synthState != terminal {
		e.transitionLocked(terminal)
	}
	e.transitionLocked(SynthIdle)
	e.utteranceID = ""
	e.cancelCh = nil
}

// transitionLocked validates and applies one synthesis state transition.
// Invalid transitions are refused and logged. Must be called with e.mu held.
func (e *Engine) transitionLocked(to SynthState) bool {
	for _, ok := range validTransitions[e.synthState] {
		if ok == to {
			e.synthState = to
			return true
		}
	}
	e.log.Warn("invalid synthesis transition refused",
		"from", e.synthState.String(),
		"to", to.String())
	return false
}

// writeError delivers a synthesis error frame to the client.
func (e *Engine) writeError(eventID string, err error) {
	req := protocol.Frame{EventType: protocol.EventAudioOutputChunk, EventID: eventID, SessionID: e.sessionID}
	if werr := e.out.WriteFrame(protocol.NewErrorFrame(req, err.Error())); werr != nil {
		e.log.Warn("error frame delivery failed", "error", werr)
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
	e.connState = ConnClosed
	h := e.handle
	e.handle = nil
	e.textBuf = nil
	e.textBufBytes = 0
	close(e.done)
	e.mu.Unlock()

	if h != nil {
		_ = h.Close()
	}
	e.wg.Wait()
	return nil
}

// ─── connection maintenance ───────────────────────────────────────────────────

// watchHandle waits for the connection to end and starts reconnection when
// the close was not requested.
func (e *Engine) watchHandle(h tts.StreamHandle) {
	defer e.wg.Done()

	select {
	case <-h.Closed():
	case <-e.done:
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.connState = ConnDisconnected
	e.handle = nil
	e.mu.Unlock()

	if err := h.Err(); err != nil {
		e.log.Warn("synthesis connection lost", "error", err)
	}
	e.reconnect()
}

// reconnect re-dials with backoff and replays buffered texts in order.
// Exhausted retries discard the buffer and report fatal.
func (e *Engine) reconnect() {
	e.mu.Lock()
	if e.closed || e.reconnecting {
		e.mu.Unlock()
		return
	}
	e.reconnecting = true
	e.connState = ConnReconnecting
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.reconnecting = false
		e.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		delay := e.cfg.Backoff.Delay(attempt)
		if delay < 0 {
			e.log.Error("reconnect attempts exhausted")
			e.mu.Lock()
			e.textBuf = nil
			e.textBufBytes = 0
			e.connState = ConnDisconnected
			fn := e.onFatal
			e.mu.Unlock()
			if fn != nil {
				fn(resilience.WithClass(resilience.ClassFatal, errors.New("tts: reconnect attempts exhausted")))
			}
			return
		}
		time.Sleep(delay)

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		e.met.Reconnects.Add(context.Background(), 1, observe.AttrSet("stage", "tts"))
		handle, err := e.connect(context.Background())
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
		e.connState = ConnConnected
		pending := e.textBuf
		e.textBuf = nil
		e.textBufBytes = 0
		e.mu.Unlock()

		e.wg.Add(1)
		go e.watchHandle(handle)
		e.log.Info("synthesis connection restored", "attempt", attempt+1, "replayed_texts", len(pending))

		e.replay(pending)
		return
	}
}

// replay synthesises buffered texts in order, pacing by playback duration.
func (e *Engine) replay(pending []pendingText) {
	for _, p := range pending {
		d, err := e.Synthesize(context.Background(), p.text)
		if err != nil {
			e.log.Warn("buffered text replay failed", "error", err)
			return
		}
		select {
		case <-time.After(d):
		case <-e.done:
			return
		}
	}
}

// keepAliveLoop heartbeats the upstream while connected and idle.
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
		ok := !e.closed && e.connState == ConnConnected && e.synthState == SynthIdle
		e.mu.Unlock()

		if !ok || h == nil {
			continue
		}
		if err := h.KeepAlive(); err != nil {
			e.log.Debug("keep-alive failed", "error", err)
		}
	}
}

// Compile-time interface assertion.
var _ stream.Synthesizer = (*Engine)(nil)
