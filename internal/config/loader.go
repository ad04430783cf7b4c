package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known upstream names per pipeline stage.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path, merges it over the
// defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are built from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Providers.TTS.VoiceID == "" {
		errs = append(errs, errors.New("providers.tts.voice_id is required"))
	}
	if cfg.Providers.LLM.Model == "" {
		errs = append(errs, errors.New("providers.llm.model is required"))
	}
	if t := cfg.Providers.LLM.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("providers.llm.temperature %.2f is out of range [0, 2]", t))
	}

	for name, d := range map[string]Duration{
		"timeouts.connect":              cfg.Timeouts.Connect,
		"timeouts.llm_response":         cfg.Timeouts.LLMResponse,
		"timeouts.finalization":         cfg.Timeouts.Finalization,
		"timeouts.keep_alive":           cfg.Timeouts.KeepAlive,
		"timeouts.session_idle":         cfg.Timeouts.SessionIdle,
		"timeouts.session_max":          cfg.Timeouts.SessionMax,
		"timeouts.shutdown_per_session": cfg.Timeouts.ShutdownPerSession,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if cfg.Limits.MaxSessions <= 0 {
		errs = append(errs, errors.New("limits.max_sessions must be positive"))
	}
	if cfg.Limits.LLMQueue <= 0 {
		errs = append(errs, errors.New("limits.llm_queue must be positive"))
	}
	if cfg.Limits.STTBufferBytes <= 0 {
		errs = append(errs, errors.New("limits.stt_buffer_bytes must be positive"))
	}
	if cfg.Limits.TTSBufferBytes <= 0 {
		errs = append(errs, errors.New("limits.tts_buffer_bytes must be positive"))
	}

	if cfg.Chunking.MinWords <= 0 || cfg.Chunking.MaxWords < cfg.Chunking.MinWords {
		errs = append(errs, fmt.Errorf("chunking words range [%d, %d] is invalid", cfg.Chunking.MinWords, cfg.Chunking.MaxWords))
	}
	if cfg.Chunking.MaxChars <= 0 {
		errs = append(errs, errors.New("chunking.max_chars must be positive"))
	}
	if cfg.Chunking.SafetyBytes <= 0 {
		errs = append(errs, errors.New("chunking.safety_bytes must be positive"))
	}

	if cfg.Audio.InputSampleRate <= 0 {
		errs = append(errs, errors.New("audio.input_sample_rate must be positive"))
	}
	if cfg.Audio.OutputSampleRate <= 0 {
		errs = append(errs, errors.New("audio.output_sample_rate must be positive"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given stage.
func validateProviderName(stage, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[stage]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"stage", stage,
		"name", name,
		"known", known,
	)
}

// MarshalYAMLString renders cfg back to YAML. Used by the -dump-config flag.
func MarshalYAMLString(cfg *Config) (string, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config: marshal: %w", err)
	}
	return string(out), nil
}
