// Package session holds the per-client aggregate: one STT, one LLM and one
// TTS engine wired into a pipeline, plus the activity bookkeeping the
// registry sweeper reads. The session routes final transcripts into the
// language model and stamps each turn's event id onto the synthesis output
// so the client can correlate a whole spoken response with the request that
// triggered it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Jatin5120/vantum-backend/internal/config"
	llmengine "github.com/Jatin5120/vantum-backend/internal/engine/llm"
	sttengine "github.com/Jatin5120/vantum-backend/internal/engine/stt"
	ttsengine "github.com/Jatin5120/vantum-backend/internal/engine/tts"
	"github.com/Jatin5120/vantum-backend/internal/resilience"
	"github.com/Jatin5120/vantum-backend/internal/stream"
	"github.com/Jatin5120/vantum-backend/pkg/protocol"
	llmprovider "github.com/Jatin5120/vantum-backend/pkg/provider/llm"
	sttprovider "github.com/Jatin5120/vantum-backend/pkg/provider/stt"
	ttsprovider "github.com/Jatin5120/vantum-backend/pkg/provider/tts"
)

// Session operation errors.
var (
	// ErrNotStarted is returned for pipeline operations before
	// audio.input.start arrived.
	ErrNotStarted = resilience.WithClass(resilience.ClassInput, errors.New("session: pipeline not started"))

	// ErrAlreadyStarted is returned for a second audio.input.start.
	ErrAlreadyStarted = resilience.WithClass(resilience.ClassInput, errors.New("session: pipeline already started"))

	// ErrSessionClosed is returned for operations on an ended session.
	ErrSessionClosed = errors.New("session: closed")
)

// defaultSystemPrompt instructs the model to speak conversationally and to
// separate natural pauses with the break marker the semantic streamer splits
// on. Used when the configuration does not provide a prompt.
const defaultSystemPrompt = "You are a helpful voice assistant on a phone call. " +
	"Keep answers short and conversational. " +
	"Insert the literal marker " + stream.DefaultMarker + " between natural speech pauses."

// State is the session lifecycle state.
type State int

const (
	// StateCreated means the connection is acknowledged but no pipeline is
	// running yet.
	StateCreated State = iota

	// StateActive means the three engines are running.
	StateActive

	// StateClosed means the session ended and its engines are torn down.
	StateClosed
)

// String returns the state label used in logs.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
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

// Providers bundles the three upstream factories a session dials.
type Providers struct {
	STT sttprovider.Provider
	LLM llmprovider.Provider
	TTS ttsprovider.Provider
}

// Session is the per-client aggregate. All exported methods are safe for
// concurrent use.
type Session struct {
	id        string
	connID    string
	out       FrameWriter
	providers Providers
	cfg       *config.Config
	log       *slog.Logger
	createdAt time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	meta         map[string]string
	degraded     error

	stt      *sttengine.Engine
	llm      *llmengine.Engine
	tts      *ttsengine.Engine
	streamer *stream.Streamer
}

// New creates a session in [StateCreated]. The pipeline engines are not
// dialled until [Session.StartPipeline].
func New(id, connID string, out FrameWriter, providers Providers, cfg *config.Config) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		connID:       connID,
		out:          out,
		providers:    providers,
		cfg:          cfg,
		log:          slog.With("session_id", id),
		createdAt:    now,
		lastActivity: now,
		meta:         map[string]string{},
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ConnID returns the owning client-connection identifier.
func (s *Session) ConnID() string { return s.connID }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records client activity for the idle sweeper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleFor returns the time since the last client activity.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Age returns the time since the session was created.
func (s *Session) Age() time.Duration { return time.Since(s.createdAt) }

// Degraded returns the first unrecoverable engine failure, or nil while all
// engines are healthy. The sweeper reaps degraded sessions.
func (s *Session) Degraded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// SetMeta stores one metadata entry on the session.
func (s *Session) SetMeta(key, value string) {
	s.mu.Lock()
	s.meta[key] = value
	s.mu.Unlock()
}

// Meta returns one metadata entry.
func (s *Session) Meta(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[key]
}

// StartPipeline dials the three engines. The client declares its source
// sample rate and recognition language in the audio.input.start payload;
// zero values fall back to configuration.
func (s *Session) StartPipeline(ctx context.Context, sampleRate int, language string) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateActive:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	if sampleRate <= 0 {
		sampleRate = s.cfg.Audio.OutputSampleRate
	}
	if language == "" {
		language = s.cfg.Providers.STT.Language
	}
	s.SetMeta("language", language)

	ttsEng := ttsengine.New(s.providers.TTS, s.out, s.id, ttsengine.Config{
		UpstreamRate:    s.cfg.Providers.TTS.SampleRate,
		ClientRate:      s.cfg.Audio.OutputSampleRate,
		VoiceID:         s.cfg.Providers.TTS.VoiceID,
		Model:           s.cfg.Providers.TTS.Model,
		Language:        language,
		TextBufferBytes: s.cfg.Limits.TTSBufferBytes,
		KeepAlive:       s.cfg.Timeouts.KeepAlive.Std(),
		ConnectTimeout:  s.cfg.Timeouts.Connect.Std(),
	}, ttsengine.WithOnFatal(func(err error) { s.degrade("tts", err) }))
	if err := ttsEng.Start(ctx); err != nil {
		return fmt.Errorf("session: start tts: %w", err)
	}

	streamer := stream.New(ttsEng, stream.Config{
		MinWords:    s.cfg.Chunking.MinWords,
		MaxWords:    s.cfg.Chunking.MaxWords,
		MaxChars:    s.cfg.Chunking.MaxChars,
		SafetyBytes: s.cfg.Chunking.SafetyBytes,
	})

	prompt := s.cfg.Providers.LLM.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	llmEng := llmengine.New(s.providers.LLM, streamer, s.id, llmengine.Config{
		Model:            s.cfg.Providers.LLM.Model,
		SystemPrompt:     prompt,
		Temperature:      s.cfg.Providers.LLM.Temperature,
		TopP:             s.cfg.Providers.LLM.TopP,
		FrequencyPenalty: s.cfg.Providers.LLM.FrequencyPenalty,
		PresencePenalty:  s.cfg.Providers.LLM.PresencePenalty,
		MaxTokens:        s.cfg.Providers.LLM.MaxTokens,
		QueueBound:       s.cfg.Limits.LLMQueue,
		RequestTimeout:   s.cfg.Timeouts.LLMResponse.Std(),
	}, llmengine.WithOnTurnStart(ttsEng.SetResponseEventID))

	sttEng := sttengine.New(s.providers.STT, s.out, s.id, sttengine.Config{
		ClientRate:      sampleRate,
		UpstreamRate:    s.cfg.Audio.InputSampleRate,
		Language:        language,
		Model:           s.cfg.Providers.STT.Model,
		BufferBytes:     s.cfg.Limits.STTBufferBytes,
		KeepAlive:       s.cfg.Timeouts.KeepAlive.Std(),
		FinalizeTimeout: s.cfg.Timeouts.Finalization.Std(),
	}, sttengine.WithOnFatal(func(err error) { s.degrade("stt", err) }))
	if err := sttEng.Start(ctx); err != nil {
		_ = ttsEng.Close()
		_ = llmEng.Close()
		return fmt.Errorf("session: start stt: %w", err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = sttEng.Close()
		_ = llmEng.Close()
		_ = ttsEng.Close()
		return ErrSessionClosed
	}
	s.stt = sttEng
	s.llm = llmEng
	s.tts = ttsEng
	s.streamer = streamer
	s.state = StateActive
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.log.Info("pipeline started", "sample_rate", sampleRate, "language", language)
	return nil
}

// ProcessAudio forwards one client audio chunk into the recognition engine.
func (s *Session) ProcessAudio(ctx context.Context, chunk []byte) error {
	stt, err := s.sttEngine()
	if err != nil {
		return err
	}
	s.Touch()
	return stt.ProcessAudio(ctx, chunk)
}

// FinalizeTurn completes one conversation turn: the recognition stream is
// flushed, the final transcript goes to the client echoing the stop
// request's event id, and the transcript is submitted to the language model
// tagged with that id. All audio.output frames of the resulting response
// carry the same event id, stamped when the turn starts processing so a
// queued turn never relabels audio still playing.
//
// An empty transcript is discarded: the final-result frame is still sent so
// the client knows the turn ended, but no model request is made.
func (s *Session) FinalizeTurn(ctx context.Context, req protocol.Frame) error {
	s.mu.Lock()
	if s.state != StateActive {
		defer s.mu.Unlock()
		if s.state == StateClosed {
			return ErrSessionClosed
		}
		return ErrNotStarted
	}
	stt, llm := s.stt, s.llm
	s.mu.Unlock()
	s.Touch()

	transcript, err := stt.Finalize(ctx)
	if err != nil {
		return fmt.Errorf("session: finalize turn: %w", err)
	}

	frame := protocol.NewFrame(protocol.EventTranscriptFinal, req.EventID, s.id,
		protocol.TranscriptPayload{Text: transcript, IsFinal: true})
	if werr := s.out.WriteFrame(frame); werr != nil {
		s.log.Warn("final transcript delivery failed", "error", werr)
	}

	if transcript == "" {
		s.log.Debug("empty transcript discarded")
		return nil
	}

	if err := llm.Submit(transcript, req.EventID); err != nil {
		return fmt.Errorf("session: submit transcript: %w", err)
	}
	return nil
}

// Interrupt cancels the in-flight synthesis utterance, if any.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	if s.state != StateActive {
		defer s.mu.Unlock()
		if s.state == StateClosed {
			return ErrSessionClosed
		}
		return ErrNotStarted
	}
	tts := s.tts
	s.mu.Unlock()

	s.Touch()
	tts.Cancel()
	return nil
}

// Transcript returns the accumulated final transcript of the current turn.
func (s *Session) Transcript() string {
	stt, err := s.sttEngine()
	if err != nil {
		return ""
	}
	return stt.Transcript()
}

// History returns a snapshot of the conversation history.
func (s *Session) History() []llmprovider.Message {
	s.mu.Lock()
	llm := s.llm
	s.mu.Unlock()
	if llm == nil {
		return nil
	}
	return llm.History()
}

// Close tears down all three engines regardless of their state. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	stt, llm, tts := s.stt, s.llm, s.tts
	s.stt, s.llm, s.tts = nil, nil, nil
	s.mu.Unlock()

	var errs []error
	if stt != nil {
		if err := stt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close stt: %w", err))
		}
	}
	if llm != nil {
		if err := llm.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close llm: %w", err))
		}
	}
	if tts != nil {
		if err := tts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close tts: %w", err))
		}
	}
	s.log.Info("session closed", "age", s.Age().Round(time.Second))
	return errors.Join(errs...)
}

// sttEngine returns the recognition engine or the applicable state error.
func (s *Session) sttEngine() (*sttengine.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return nil, ErrSessionClosed
	case StateCreated:
		return nil, ErrNotStarted
	}
	return s.stt, nil
}

// degrade records the first unrecoverable engine failure. The session stays
// alive for whichever engines remain healthy; the sweeper reaps it.
func (s *Session) degrade(engine string, err error) {
	s.mu.Lock()
	if s.degraded == nil {
		s.degraded = fmt.Errorf("session: %s engine failed: %w", engine, err)
	}
	s.mu.Unlock()
	s.log.Error("engine permanently failed", "engine", engine, "error", err)
}
