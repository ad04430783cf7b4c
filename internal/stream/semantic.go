// Package stream turns an incrementally produced LLM response into an
// ordered sequence of semantically bounded chunks and dispatches them to
// synthesis one at a time.
//
// The primary strategy relies on an in-band break marker the system prompt
// instructs the model to emit between natural speech pauses. When a response
// never contains the marker, a sentence-splitting fallback groups the text
// into chunks bounded by word and character limits. Dispatch is paced: after
// each chunk is synthesised the streamer sleeps for that chunk's playback
// duration, so audio plays in order at the client without any client-side
// queueing.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultMarker is the break-marker literal the system prompt asks the
// model to insert between speech pauses.
const DefaultMarker = "||BREAK||"

// ErrCancelled is returned by a [Synthesizer] when the in-flight utterance
// was cancelled by the user. The streamer stops dispatching, and callers
// treat the turn as abandoned rather than failed.
var ErrCancelled = errors.New("stream: utterance cancelled")

// Synthesizer runs one synthesis cycle and reports the playback duration of
// the generated audio. The TTS engine implements this.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (time.Duration, error)
}

// Config tunes chunk extraction. Zero fields take defaults.
type Config struct {
	// Marker is the break-marker literal. Default: [DefaultMarker].
	Marker string

	// MinWords is the smallest chunk the sentence fallback emits; a trailing
	// group below it is merged into its predecessor. Default: 5.
	MinWords int

	// MaxWords caps fallback chunk size in words. Default: 50.
	MaxWords int

	// MaxChars caps fallback chunk size in characters. Default: 300.
	MaxChars int

	// SafetyBytes force-flushes a buffer that grew past this size without
	// producing a marker. Default: 400.
	SafetyBytes int
}

func (c Config) withDefaults() Config {
	if c.Marker == "" {
		c.Marker = DefaultMarker
	}
	if c.MinWords <= 0 {
		c.MinWords = 5
	}
	if c.MaxWords <= 0 {
		c.MaxWords = 50
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 300
	}
	if c.SafetyBytes <= 0 {
		c.SafetyBytes = 400
	}
	return c
}

// Option is a functional option for configuring a [Streamer].
type Option func(*Streamer)

// WithSleep replaces the pacing sleep. Used by tests to avoid real delays.
func WithSleep(fn func(context.Context, time.Duration)) Option {
	return func(s *Streamer) { s.sleep = fn }
}

// Streamer owns the chunking configuration and the downstream synthesizer.
// One Streamer serves one session; start a [Response] per LLM response.
type Streamer struct {
	cfg   Config
	synth Synthesizer
	sleep func(context.Context, time.Duration)
}

// New creates a [Streamer] dispatching to synth.
func New(synth Synthesizer, cfg Config, opts ...Option) *Streamer {
	s := &Streamer{
		cfg:   cfg.withDefaults(),
		synth: synth,
		sleep: sleepContext,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// sleepContext pauses for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Begin starts chunk extraction for one LLM response.
func (s *Streamer) Begin() *Response {
	return &Response{s: s}
}

// Response tracks extraction state for a single LLM response. Not safe for
// concurrent use; the LLM engine feeds it from one goroutine.
type Response struct {
	s          *Streamer
	buf        strings.Builder
	markerSeen bool
	chunks     int
	failed     error
}

// ChunksEmitted returns the number of chunks dispatched so far.
func (r *Response) ChunksEmitted() int { return r.chunks }

// MarkerSeen reports whether the break marker appeared in this response.
func (r *Response) MarkerSeen() bool { return r.markerSeen }

// Feed appends one token to the buffer and dispatches every complete piece
// left of the last marker, in order. A buffer that grows past the safety
// bound without a marker is force-flushed as one chunk.
func (r *Response) Feed(ctx context.Context, token string) error {
	if r.failed != nil {
		return r.failed
	}
	r.buf.WriteString(token)

	text := r.buf.String()
	marker := r.s.cfg.Marker
	if idx := strings.LastIndex(text, marker); idx >= 0 {
		r.markerSeen = true
		left, rest := text[:idx], text[idx+len(marker):]
		r.buf.Reset()
		r.buf.WriteString(rest)

		for _, piece := range strings.Split(left, marker) {
			if err := r.dispatch(ctx, piece); err != nil {
				return err
			}
		}
		return nil
	}

	if r.buf.Len() > r.s.cfg.SafetyBytes {
		forced := r.buf.String()
		r.buf.Reset()
		slog.Debug("forcing chunk past safety bound", "bytes", len(forced))
		return r.dispatch(ctx, forced)
	}
	return nil
}

// Finish ends the response. With at least one marker seen, the remaining
// buffer goes out as a single trailing chunk; otherwise the buffered text is
// sentence-split into bounded chunks.
func (r *Response) Finish(ctx context.Context) error {
	if r.failed != nil {
		return r.failed
	}
	rest := r.buf.String()
	r.buf.Reset()

	if r.markerSeen || r.chunks > 0 {
		return r.dispatch(ctx, rest)
	}

	for _, chunk := range sentenceChunks(rest, r.s.cfg) {
		if err := r.dispatch(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// FlushRemainder best-effort dispatches whatever is buffered. The LLM
// engine calls it when the token stream itself fails mid-response, so the
// user hears the partial answer. Synthesis errors are returned but the
// buffer is consumed either way.
func (r *Response) FlushRemainder(ctx context.Context) error {
	if r.failed != nil {
		return r.failed
	}
	rest := r.buf.String()
	r.buf.Reset()
	return r.dispatch(ctx, rest)
}

// dispatch synthesises one piece and paces by its playback duration. Empty
// or whitespace-only pieces are dropped. The first synthesis error latches:
// every later call on this response returns it.
func (r *Response) dispatch(ctx context.Context, piece string) error {
	piece = strings.TrimSpace(piece)
	if piece == "" {
		return nil
	}

	d, err := r.s.synth.Synthesize(ctx, piece)
	if err != nil {
		r.failed = fmt.Errorf("stream: synthesize chunk %d: %w", r.chunks, err)
		return r.failed
	}
	r.chunks++
	r.s.sleep(ctx, d)
	return nil
}

// ─── sentence fallback ────────────────────────────────────────────────────────

// sentenceChunks splits text on sentence terminators and greedily groups the
// sentences into chunks within the configured word and character bounds. A
// trailing group below MinWords is merged into its predecessor. Deterministic
// for a given text and config.
func sentenceChunks(text string, cfg Config) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var cur strings.Builder
	curWords := 0

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curWords = 0
		}
	}

	for _, sentence := range sentences {
		words := len(strings.Fields(sentence))
		next := cur.Len() + len(sentence)
		if cur.Len() > 0 {
			next++ // joining space
		}
		if cur.Len() > 0 && (curWords+words > cfg.MaxWords || next > cfg.MaxChars) {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sentence)
		curWords += words
	}
	flush()

	// Merge an undersized trailing chunk into its predecessor.
	if n := len(chunks); n >= 2 {
		if len(strings.Fields(chunks[n-1])) < cfg.MinWords {
			chunks[n-2] = chunks[n-2] + " " + chunks[n-1]
			chunks = chunks[:n-1]
		}
	}
	return chunks
}

// splitSentences cuts text after '.', '!' or '?', keeping the terminator
// with its sentence. Whitespace-only pieces are dropped.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
