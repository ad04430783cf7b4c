package stt

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Jatin5120/vantum-backend/internal/resilience"
	"github.com/Jatin5120/vantum-backend/pkg/protocol"
	"github.com/Jatin5120/vantum-backend/pkg/provider/stt"
	"github.com/Jatin5120/vantum-backend/pkg/provider/stt/mock"
)

// frameSink records frames the engine writes to the client.
type frameSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (s *frameSink) WriteFrame(f protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *frameSink) byType(eventType string) []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Frame
	for _, f := range s.frames {
		if f.EventType == eventType {
			out = append(out, f)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testConfig() Config {
	return Config{
		ClientRate:      48000,
		UpstreamRate:    16000,
		KeepAlive:       time.Hour,
		FinalizeTimeout: 100 * time.Millisecond,
		ClearDelay:      5 * time.Millisecond,
		Backoff:         resilience.NewBackoff(time.Millisecond, 2*time.Millisecond, 3),
	}
}

func startEngine(t *testing.T, provider *mock.Provider, cfg Config, opts ...Option) (*Engine, *frameSink) {
	t.Helper()
	sink := &frameSink{}
	e := New(provider, sink, "sess_test", cfg, opts...)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e, sink
}

func closeEngine(t *testing.T, e *Engine, p *mock.Provider) {
	t.Helper()
	// Release any scripted handles the engine never dialled.
	for _, h := range p.Handles {
		h.CloseEvents()
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEngine_TranscriptAccumulation(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	e, sink := startEngine(t, p, testConfig())
	h := p.Handles[0]

	h.EventsCh <- stt.Event{Type: stt.EventTranscript, Transcript: stt.Transcript{Text: "hello", IsFinal: false, Confidence: 0.4}}
	h.EventsCh <- stt.Event{Type: stt.EventTranscript, Transcript: stt.Transcript{Text: "hello world", IsFinal: true, Confidence: 0.9}}
	h.EventsCh <- stt.Event{Type: stt.EventTranscript, Transcript: stt.Transcript{Text: "how are", IsFinal: false}}
	h.EventsCh <- stt.Event{Type: stt.EventTranscript, Transcript: stt.Transcript{Text: "how are you", IsFinal: true}}

	waitFor(t, func() bool { return e.Transcript() == "hello world how are you" })

	// Interims were forwarded to the client; finals were not.
	waitFor(t, func() bool { return len(sink.byType(protocol.EventTranscriptInterim)) == 2 })
	if got := sink.byType(protocol.EventTranscriptFinal); len(got) != 0 {
		t.Errorf("final frames = %d, want 0 (session emits those)", len(got))
	}

	closeEngine(t, e, p)
}

func TestEngine_FinalizeViaMetadataEvent(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	h := mock.NewHandle()
	h.OnCloseStream = func() {
		h.EventsCh <- stt.Event{Type: stt.EventTranscript, Transcript: stt.Transcript{Text: "final words", IsFinal: true}}
		h.EventsCh <- stt.Event{Type: stt.EventMetadata}
	}
	p.Handles = []*mock.Handle{h}

	cfg := testConfig()
	cfg.FinalizeTimeout = 2 * time.Second
	e, _ := startEngine(t, p, cfg)

	start := time.Now()
	text, err := e.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Finalize took %v; metadata event should beat the timeout", elapsed)
	}
	if text != "final words" {
		t.Errorf("transcript = %q, want %q", text, "final words")
	}
	if h.CloseStreamCalls != 1 {
		t.Errorf("CloseStreamCalls = %d, want 1", h.CloseStreamCalls)
	}

	closeEngine(t, e, p)
}

func TestEngine_FinalizeTimeoutFallback(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	cfg := testConfig()
	cfg.FinalizeTimeout = 30 * time.Millisecond
	e, _ := startEngine(t, p, cfg)
	h := p.Handles[0]

	h.EventsCh <- stt.Event{Type: stt.EventTranscript, Transcript: stt.Transcript{Text: "stranded", IsFinal: true}}
	waitFor(t, func() bool { return e.Transcript() == "stranded" })

	start := time.Now()
	text, err := e.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("Finalize returned in %v, should have waited for the timeout", elapsed)
	}
	if text != "stranded" {
		t.Errorf("transcript = %q, want %q", text, "stranded")
	}

	closeEngine(t, e, p)
}

func TestEngine_FinalizeTrailingInterim(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	cfg := testConfig()
	cfg.FinalizeTimeout = 10 * time.Millisecond
	e, _ := startEngine(t, p, cfg)
	h := p.Handles[0]

	h.EventsCh <- stt.Event{Type: stt.EventTranscript, Transcript: stt.Transcript{Text: "first part", IsFinal: true}}
	h.EventsCh <- stt.Event{Type: stt.EventTranscript, Transcript: stt.Transcript{Text: "and a tail", IsFinal: false}}
	waitFor(t, func() bool { return e.Transcript() == "first part" })

	text, err := e.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if text != "first part and a tail" {
		t.Errorf("transcript = %q, want trailing interim appended", text)
	}

	// Second utterance starts clean.
	if e.Transcript() != "" {
		t.Errorf("segments not reset after finalize: %q", e.Transcript())
	}

	closeEngine(t, e, p)
}

func TestEngine_ProcessAudioResamples(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	e, _ := startEngine(t, p, testConfig())
	h := p.Handles[0]

	// 48 samples at 48kHz downsample to 16 samples at 16kHz.
	chunk := make([]byte, 96)
	if err := e.ProcessAudio(context.Background(), chunk); err != nil {
		t.Fatalf("ProcessAudio: %v", err)
	}
	sent := h.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(sent))
	}
	if len(sent[0]) != 32 {
		t.Errorf("forwarded chunk = %d bytes, want 32 after 48k->16k", len(sent[0]))
	}

	closeEngine(t, e, p)
}

func TestEngine_ReconnectBuffersAndReplays(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	h1 := mock.NewHandle()
	h2 := mock.NewHandle()
	p.Handles = []*mock.Handle{h1, h2}

	e, _ := startEngine(t, p, testConfig())

	// Drop the connection. The engine starts reconnecting with a
	// millisecond backoff and lands on h2.
	h1.EventsCh <- stt.Event{Type: stt.EventClosed, Err: errors.New("network reset")}
	waitFor(t, func() bool {
		s := e.State()
		return s == StateReconnecting || s == StateConnected
	})

	// Audio sent while down is buffered, then replayed in order.
	a := make([]byte, 6)
	b := make([]byte, 12)
	_ = e.ProcessAudio(context.Background(), a)
	_ = e.ProcessAudio(context.Background(), b)

	waitFor(t, func() bool { return e.State() == StateConnected })
	waitFor(t, func() bool { return len(h2.Sent()) >= 2 })

	sent := h2.Sent()
	if len(sent) != 2 {
		t.Fatalf("replayed %d chunks, want 2", len(sent))
	}
	if len(sent[0]) != 2 || len(sent[1]) != 4 {
		t.Errorf("replay sizes = %d,%d want 2,4 (resampled order preserved)", len(sent[0]), len(sent[1]))
	}

	closeEngine(t, e, p)
}

func TestEngine_ReconnectBufferDropsOldest(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	h1 := mock.NewHandle()
	h2 := mock.NewHandle()
	p.Handles = []*mock.Handle{h1, h2}

	cfg := testConfig()
	cfg.Backoff = resilience.NewBackoff(30*time.Millisecond, 60*time.Millisecond, 5)
	cfg.BufferBytes = 8
	e, _ := startEngine(t, p, cfg)

	h1.EventsCh <- stt.Event{Type: stt.EventClosed, Err: errors.New("network reset")}
	waitFor(t, func() bool { return e.State() == StateReconnecting })

	// Each 12-byte client chunk lands as 4 buffered bytes after 48k->16k,
	// so the 8-byte budget holds only the newest two.
	for i := 0; i < 4; i++ {
		_ = e.ProcessAudio(context.Background(), make([]byte, 12))
	}

	waitFor(t, func() bool { return e.State() == StateConnected })
	waitFor(t, func() bool { return len(h2.Sent()) >= 2 })

	sent := h2.Sent()
	if len(sent) != 2 {
		t.Fatalf("replayed %d chunks, want 2 (oldest dropped)", len(sent))
	}
	for i, c := range sent {
		if len(c) != 4 {
			t.Errorf("replay chunk %d = %d bytes, want 4", i, len(c))
		}
	}

	closeEngine(t, e, p)
}

func TestEngine_CloseAbortsReconnectBackoff(t *testing.T) {
	// Not parallel: compares goroutine counts before and after.
	before := runtime.NumGoroutine()

	p := &mock.Provider{}
	h1 := mock.NewHandle()
	p.Handles = []*mock.Handle{h1}

	cfg := testConfig()
	cfg.Backoff = resilience.NewBackoff(5*time.Second, 10*time.Second, 5)
	e, _ := startEngine(t, p, cfg)

	h1.EventsCh <- stt.Event{Type: stt.EventClosed, Err: errors.New("network reset")}
	waitFor(t, func() bool { return e.State() == StateReconnecting })

	start := time.Now()
	closeEngine(t, e, p)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close took %v; the backoff wait must abort on shutdown", elapsed)
	}

	// The reconnect goroutine must be gone, not parked in its backoff.
	waitFor(t, func() bool { return runtime.NumGoroutine() <= before })
}

func TestEngine_ReconnectSuppressedWhileFinalizing(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	h1 := mock.NewHandle()
	h2 := mock.NewHandle()
	// Deepgram-style: the close-stream handshake ends with the upstream
	// dropping the connection.
	h1.OnCloseStream = func() {
		h1.EventsCh <- stt.Event{Type: stt.EventMetadata}
		h1.EventsCh <- stt.Event{Type: stt.EventClosed}
	}
	p.Handles = []*mock.Handle{h1, h2}

	cfg := testConfig()
	cfg.ClearDelay = 20 * time.Millisecond
	e, _ := startEngine(t, p, cfg)

	if _, err := e.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// The close that arrived during finalization must not reconnect
	// immediately, but the deferred path brings the connection back.
	waitFor(t, func() bool { return e.State() == StateConnected && p.StartCount() == 2 })

	closeEngine(t, e, p)
}

func TestEngine_ExhaustedRetriesReportsFatal(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	h1 := mock.NewHandle()
	p.Handles = []*mock.Handle{h1}

	var fatalErr error
	var mu sync.Mutex
	cfg := testConfig()
	e, _ := startEngine(t, p, cfg, WithOnFatal(func(err error) {
		mu.Lock()
		fatalErr = err
		mu.Unlock()
	}))

	// Every reconnect attempt fails.
	p.SetStartErr(errors.New("upstream down"))
	h1.EventsCh <- stt.Event{Type: stt.EventClosed, Err: errors.New("network reset")}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fatalErr != nil
	})
	mu.Lock()
	if resilience.Classify(fatalErr) != resilience.ClassFatal {
		t.Errorf("fatal callback error class = %v, want fatal", resilience.Classify(fatalErr))
	}
	mu.Unlock()
	if e.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", e.State())
	}

	closeEngine(t, e, p)
}

func TestEngine_KeepAliveHeartbeats(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	cfg := testConfig()
	cfg.KeepAlive = 5 * time.Millisecond
	e, _ := startEngine(t, p, cfg)
	h := p.Handles[0]

	waitFor(t, func() bool { return h.KeepAlives() >= 2 })

	closeEngine(t, e, p)
}

func TestEngine_ClosedRejectsWork(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	e, _ := startEngine(t, p, testConfig())
	closeEngine(t, e, p)

	if err := e.ProcessAudio(context.Background(), []byte{1, 2}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("ProcessAudio after close = %v, want ErrEngineClosed", err)
	}
	if _, err := e.Finalize(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Finalize after close = %v, want ErrEngineClosed", err)
	}
	if got := e.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if !strings.Contains(StateClosed.String(), "closed") {
		t.Errorf("state string = %q", StateClosed.String())
	}
}
