// Package config provides the configuration schema and loader for the
// Vantum voice gateway.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration wraps time.Duration with YAML support for strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. Accepts either a duration
// string ("250ms", "30s", "2h") or a bare number of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: invalid duration value on line %d", value.Line)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for the gateway. It is loaded
// from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Limits    LimitsConfig    `yaml:"limits"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which upstream implementation to use for each
// pipeline stage.
type ProvidersConfig struct {
	STT STTConfig `yaml:"stt"`
	LLM LLMConfig `yaml:"llm"`
	TTS TTSConfig `yaml:"tts"`
}

// STTConfig configures the speech-to-text upstream.
type STTConfig struct {
	// Name selects the implementation. Currently "deepgram".
	Name string `yaml:"name"`

	// APIKey authenticates against the upstream. Falls back to the
	// DEEPGRAM_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// Model selects the recognition model (e.g. "nova-3").
	Model string `yaml:"model"`

	// Language is the default BCP-47 recognition language.
	Language string `yaml:"language"`
}

// LLMConfig configures the language-model upstream.
type LLMConfig struct {
	// Name selects the backend: "openai" for the native client, or any
	// backend supported by the universal adapter ("anthropic", "gemini",
	// "ollama", "deepseek", "mistral", "groq").
	Name string `yaml:"name"`

	// APIKey authenticates against the backend. Falls back to the backend's
	// conventional environment variable when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the completion model (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// SystemPrompt seeds every conversation as the first history entry.
	SystemPrompt string `yaml:"system_prompt"`

	Temperature      float64 `yaml:"temperature"`
	TopP             float64 `yaml:"top_p"`
	FrequencyPenalty float64 `yaml:"frequency_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty"`
	MaxTokens        int     `yaml:"max_tokens"`
}

// TTSConfig configures the text-to-speech upstream.
type TTSConfig struct {
	// Name selects the implementation. Currently "elevenlabs".
	Name string `yaml:"name"`

	// APIKey authenticates against the upstream. Falls back to the
	// ELEVENLABS_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// VoiceID is the upstream voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Model selects the synthesis model (e.g. "eleven_flash_v2_5").
	Model string `yaml:"model"`

	// SampleRate of the synthesised PCM in Hz.
	SampleRate int `yaml:"sample_rate"`
}

// TimeoutsConfig holds every deadline in the pipeline.
type TimeoutsConfig struct {
	// Connect bounds each upstream connection attempt.
	Connect Duration `yaml:"connect"`

	// LLMResponse bounds one full completion stream.
	LLMResponse Duration `yaml:"llm_response"`

	// Finalization bounds the wait for the transcription-complete
	// acknowledgement after an end-of-speech signal.
	Finalization Duration `yaml:"finalization"`

	// KeepAlive is the idle-ping interval on persistent upstream
	// connections.
	KeepAlive Duration `yaml:"keep_alive"`

	// SessionIdle reaps sessions with no client activity.
	SessionIdle Duration `yaml:"session_idle"`

	// SessionMax caps total session lifetime.
	SessionMax Duration `yaml:"session_max"`

	// ShutdownPerSession bounds each session's cleanup during graceful
	// shutdown.
	ShutdownPerSession Duration `yaml:"shutdown_per_session"`
}

// LimitsConfig holds capacity bounds.
type LimitsConfig struct {
	// MaxSessions caps concurrently active sessions.
	MaxSessions int `yaml:"max_sessions"`

	// LLMQueue bounds pending transcripts per session awaiting the
	// language model.
	LLMQueue int `yaml:"llm_queue"`

	// STTBufferBytes is the audio byte budget retained while the
	// recognition connection reconnects.
	STTBufferBytes int `yaml:"stt_buffer_bytes"`

	// TTSBufferBytes is the text byte budget retained while the synthesis
	// connection reconnects.
	TTSBufferBytes int `yaml:"tts_buffer_bytes"`
}

// ChunkingConfig tunes semantic response chunking.
type ChunkingConfig struct {
	// MinWords is the smallest chunk emitted by the sentence fallback.
	MinWords int `yaml:"min_words"`

	// MaxWords caps chunk size in words.
	MaxWords int `yaml:"max_words"`

	// MaxChars caps chunk size in characters.
	MaxChars int `yaml:"max_chars"`

	// SafetyBytes force-flushes accumulated text that never produced a
	// boundary marker.
	SafetyBytes int `yaml:"safety_bytes"`
}

// AudioConfig holds the PCM formats on each side of the pipeline.
type AudioConfig struct {
	// InputSampleRate is the rate sent to the recognition upstream, in Hz.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate delivered to clients, in Hz.
	OutputSampleRate int `yaml:"output_sample_rate"`
}

// Default returns a Config populated with production defaults. Loading
// merges the YAML file on top of these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Providers: ProvidersConfig{
			STT: STTConfig{Name: "deepgram", Model: "nova-3", Language: "en-US"},
			LLM: LLMConfig{Name: "openai", Model: "gpt-4o-mini", Temperature: 0.7},
			TTS: TTSConfig{Name: "elevenlabs", Model: "eleven_flash_v2_5", SampleRate: 16000},
		},
		Timeouts: TimeoutsConfig{
			Connect:            Duration(10 * time.Second),
			LLMResponse:        Duration(30 * time.Second),
			Finalization:       Duration(3 * time.Second),
			KeepAlive:          Duration(8 * time.Second),
			SessionIdle:        Duration(30 * time.Minute),
			SessionMax:         Duration(2 * time.Hour),
			ShutdownPerSession: Duration(5 * time.Second),
		},
		Limits: LimitsConfig{
			MaxSessions:    500,
			LLMQueue:       3,
			STTBufferBytes: 64 * 1024,
			TTSBufferBytes: 8 * 1024,
		},
		Chunking: ChunkingConfig{
			MinWords:    5,
			MaxWords:    50,
			MaxChars:    300,
			SafetyBytes: 400,
		},
		Audio: AudioConfig{
			InputSampleRate:  16000,
			OutputSampleRate: 48000,
		},
	}
}
