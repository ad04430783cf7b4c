package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingSynth records every synthesised chunk and returns a fixed
// playback duration per chunk.
type recordingSynth struct {
	mu        sync.Mutex
	chunks    []string
	durations []time.Duration
	errs      []error
	calls     int
}

func (r *recordingSynth) Synthesize(_ context.Context, text string) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.calls
	r.calls++
	if len(r.errs) > 0 {
		idx := min(n, len(r.errs)-1)
		if err := r.errs[idx]; err != nil {
			return 0, err
		}
	}
	r.chunks = append(r.chunks, text)
	if len(r.durations) > 0 {
		return r.durations[min(n, len(r.durations)-1)], nil
	}
	return 0, nil
}

func (r *recordingSynth) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...)
}

func newTestStreamer(synth Synthesizer, cfg Config) (*Streamer, *[]time.Duration) {
	var slept []time.Duration
	s := New(synth, cfg, WithSleep(func(_ context.Context, d time.Duration) {
		slept = append(slept, d)
	}))
	return s, &slept
}

func TestResponse_MarkerChunking(t *testing.T) {
	t.Parallel()

	synth := &recordingSynth{}
	s, _ := newTestStreamer(synth, Config{})
	r := s.Begin()

	ctx := context.Background()
	for _, tok := range []string{"Hello there.", "||BR", "EAK||", "How are ", "you?||BREAK||Good."} {
		if err := r.Feed(ctx, tok); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	if err := r.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	want := []string{"Hello there.", "How are you?", "Good."}
	got := synth.got()
	if len(got) != len(want) {
		t.Fatalf("chunks = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !r.MarkerSeen() {
		t.Error("MarkerSeen should be true")
	}
}

func TestResponse_MultipleMarkersInOneToken(t *testing.T) {
	t.Parallel()

	synth := &recordingSynth{}
	s, _ := newTestStreamer(synth, Config{})
	r := s.Begin()

	ctx := context.Background()
	if err := r.Feed(ctx, "One.||BREAK||Two.||BREAK||Three.||BREAK||tail"); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := r.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	want := []string{"One.", "Two.", "Three.", "tail"}
	got := synth.got()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("chunks = %q, want %q", got, want)
	}
}

func TestResponse_EmptyPiecesDropped(t *testing.T) {
	t.Parallel()

	synth := &recordingSynth{}
	s, _ := newTestStreamer(synth, Config{})
	r := s.Begin()

	ctx := context.Background()
	if err := r.Feed(ctx, "||BREAK||  ||BREAK||Real text.||BREAK||   "); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := r.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got := synth.got()
	if len(got) != 1 || got[0] != "Real text." {
		t.Errorf("chunks = %q, want just [Real text.]", got)
	}
}

func TestResponse_SafetyBound(t *testing.T) {
	t.Parallel()

	synth := &recordingSynth{}
	s, _ := newTestStreamer(synth, Config{SafetyBytes: 20})
	r := s.Begin()

	ctx := context.Background()
	long := strings.Repeat("word ", 10) // 50 bytes, no marker
	if err := r.Feed(ctx, long); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if got := synth.got(); len(got) != 1 {
		t.Fatalf("expected forced chunk, got %q", got)
	}
	if r.ChunksEmitted() != 1 {
		t.Errorf("ChunksEmitted = %d, want 1", r.ChunksEmitted())
	}
}

func TestResponse_SentenceFallback(t *testing.T) {
	t.Parallel()

	synth := &recordingSynth{}
	s, _ := newTestStreamer(synth, Config{MinWords: 2, MaxWords: 8, MaxChars: 60})
	r := s.Begin()

	ctx := context.Background()
	text := "First sentence here. Second sentence follows now! Third one asks a question? Fourth closes it out."
	if err := r.Feed(ctx, text); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := r.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got := synth.got()
	if len(got) < 2 {
		t.Fatalf("expected multiple fallback chunks, got %q", got)
	}
	// Reassembled text equals the input modulo joining whitespace.
	joined := strings.Join(strings.Fields(strings.Join(got, " ")), " ")
	wantJoined := strings.Join(strings.Fields(text), " ")
	if joined != wantJoined {
		t.Errorf("reassembled = %q, want %q", joined, wantJoined)
	}
	for i, c := range got {
		if n := len(strings.Fields(c)); n > 8 {
			t.Errorf("chunk[%d] has %d words, want <= 8", i, n)
		}
	}
	if r.MarkerSeen() {
		t.Error("MarkerSeen should be false for fallback path")
	}
}

func TestResponse_FallbackMergesShortTail(t *testing.T) {
	t.Parallel()

	chunks := sentenceChunks("Alpha beta gamma delta epsilon zeta. Ok.", Config{}.withDefaults())
	if len(chunks) != 1 {
		t.Fatalf("chunks = %q, want the short tail merged into one", chunks)
	}
}

func TestResponse_TrailingRemainderAfterMarkers(t *testing.T) {
	t.Parallel()

	synth := &recordingSynth{}
	s, _ := newTestStreamer(synth, Config{})
	r := s.Begin()

	ctx := context.Background()
	if err := r.Feed(ctx, "Chunk one.||BREAK||This trailing text never gets a marker"); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := r.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got := synth.got()
	if len(got) != 2 {
		t.Fatalf("chunks = %q, want 2 (marker chunk + trailing remainder)", got)
	}
	if got[1] != "This trailing text never gets a marker" {
		t.Errorf("trailing chunk = %q", got[1])
	}
}

func TestResponse_PacingSleepsPlaybackDuration(t *testing.T) {
	t.Parallel()

	synth := &recordingSynth{durations: []time.Duration{100 * time.Millisecond, 250 * time.Millisecond}}
	s, slept := newTestStreamer(synth, Config{})
	r := s.Begin()

	ctx := context.Background()
	if err := r.Feed(ctx, "One.||BREAK||Two.||BREAK||"); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := r.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if len(*slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(*slept))
	}
	if (*slept)[0] != 100*time.Millisecond || (*slept)[1] != 250*time.Millisecond {
		t.Errorf("slept = %v, want [100ms 250ms]", *slept)
	}
}

func TestResponse_SynthesisErrorLatches(t *testing.T) {
	t.Parallel()

	boom := errors.New("tts down")
	synth := &recordingSynth{errs: []error{boom}}
	s, _ := newTestStreamer(synth, Config{})
	r := s.Begin()

	ctx := context.Background()
	err := r.Feed(ctx, "First.||BREAK||")
	if !errors.Is(err, boom) {
		t.Fatalf("Feed err = %v, want wrapped tts error", err)
	}

	// Every later call surfaces the same latched error.
	if err := r.Feed(ctx, "More.||BREAK||"); !errors.Is(err, boom) {
		t.Errorf("second Feed err = %v, want latched error", err)
	}
	if err := r.Finish(ctx); !errors.Is(err, boom) {
		t.Errorf("Finish err = %v, want latched error", err)
	}
	if synth.calls != 1 {
		t.Errorf("synth called %d times, want 1 (no dispatch after failure)", synth.calls)
	}
}

func TestResponse_FlushRemainder(t *testing.T) {
	t.Parallel()

	synth := &recordingSynth{}
	s, _ := newTestStreamer(synth, Config{})
	r := s.Begin()

	ctx := context.Background()
	if err := r.Feed(ctx, "Partial answer that the stream abando"); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := r.FlushRemainder(ctx); err != nil {
		t.Fatalf("FlushRemainder: %v", err)
	}

	got := synth.got()
	if len(got) != 1 || got[0] != "Partial answer that the stream abando" {
		t.Errorf("chunks = %q, want the partial buffer", got)
	}
}

func TestResponse_EmptyResponseEmitsNothing(t *testing.T) {
	t.Parallel()

	synth := &recordingSynth{}
	s, _ := newTestStreamer(synth, Config{})
	r := s.Begin()

	if err := r.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if synth.calls != 0 {
		t.Errorf("synth called %d times on empty response, want 0", synth.calls)
	}
}

func TestSentenceChunks_Deterministic(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	text := "One two three four five six. Seven eight nine ten eleven twelve. Thirteen!"
	a := sentenceChunks(text, cfg)
	b := sentenceChunks(text, cfg)
	if strings.Join(a, "|") != strings.Join(b, "|") {
		t.Errorf("sentenceChunks not deterministic: %q vs %q", a, b)
	}
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	got := splitSentences("Hi there. How are you? Great! trailing words")
	want := []string{"Hi there.", "How are you?", "Great!", "trailing words"}
	if len(got) != len(want) {
		t.Fatalf("sentences = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
