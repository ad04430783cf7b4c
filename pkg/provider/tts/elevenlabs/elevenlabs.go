// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider
// interface with one persistent connection per session; each Synthesize
// call sends a text payload followed by a flush and exposes the returned
// audio as a tts.BufferSource.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Jatin5120/vantum-backend/pkg/provider/tts"
)

const (
	wsEndpointFmt = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel  = "eleven_flash_v2_5"
	pingTimeout   = 5 * time.Second
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpointFormat overrides the WebSocket endpoint template. Used by tests.
func WithEndpointFormat(format string) Option {
	return func(p *Provider) { p.endpointFmt = format }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey      string
	model       string
	endpointFmt string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		endpointFmt: wsEndpointFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ─── WebSocket message types ──────────────────────────────────────────────────

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// textMessage is the JSON payload sent for each text fragment. An empty
// Text is the flush command ending the current generation cycle.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Connect opens the persistent synthesis WebSocket and sends the initial
// handshake message carrying the API key and voice settings.
func (p *Provider) Connect(ctx context.Context, cfg tts.SynthesisConfig) (tts.StreamHandle, error) {
	if cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: VoiceID must not be empty")
	}

	model := cfg.ModelID
	if model == "" {
		model = p.model
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = 16000
	}
	outputFormat := fmt.Sprintf("pcm_%d", sr)

	wsURL := fmt.Sprintf(p.endpointFmt, cfg.VoiceID, model, outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// Handshake: the first message must carry a non-empty text value.
	boi := textMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
		XiAPIKey:      p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("elevenlabs: handshake: %w", err)
	}

	h := &handle{
		conn:   conn,
		closed: make(chan struct{}),
	}
	h.wg.Add(1)
	go h.readLoop()

	return h, nil
}

// ─── handle ───────────────────────────────────────────────────────────────────

// handle is a live ElevenLabs synthesis connection. It implements
// tts.StreamHandle. The caller serialises generation cycles, so at most one
// active source exists at a time.
type handle struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	srcMu  sync.Mutex
	active *tts.BufferSource

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	requested atomic.Bool
	wg        sync.WaitGroup
}

// Synthesize sends text followed by a flush command and returns the audio
// source for this generation cycle.
func (h *handle) Synthesize(ctx context.Context, text string) (tts.AudioSource, error) {
	select {
	case <-h.closed:
		return nil, errors.New("elevenlabs: connection is closed")
	default:
	}

	src := tts.NewBufferSource()
	h.srcMu.Lock()
	h.active = src
	h.srcMu.Unlock()

	payload, _ := json.Marshal(textMessage{Text: text})
	flush, _ := json.Marshal(textMessage{Text: ""})

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return nil, fmt.Errorf("elevenlabs: send text: %w", err)
	}
	if err := h.conn.Write(ctx, websocket.MessageText, flush); err != nil {
		return nil, fmt.Errorf("elevenlabs: send flush: %w", err)
	}
	return src, nil
}

// KeepAlive pings the WebSocket transport.
func (h *handle) KeepAlive() error {
	select {
	case <-h.closed:
		return errors.New("elevenlabs: connection is closed")
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return h.conn.Ping(ctx)
}

// Closed implements tts.StreamHandle.
func (h *handle) Closed() <-chan struct{} { return h.closed }

// Err implements tts.StreamHandle.
func (h *handle) Err() error {
	select {
	case <-h.closed:
		return h.closeErr
	default:
		return nil
	}
}

// Close terminates the connection. Safe to call more than once.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.requested.Store(true)
		_ = h.conn.Close(websocket.StatusNormalClosure, "connection closed")
		h.wg.Wait()
		close(h.closed)
	})
	return nil
}

// readLoop decodes audio messages and feeds the active source. On
// connection failure it fails the active cycle and signals Closed.
func (h *handle) readLoop() {
	defer h.wg.Done()

	for {
		_, msg, err := h.conn.Read(context.Background())
		if err != nil {
			h.connectionLost(err)
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		h.srcMu.Lock()
		src := h.active
		h.srcMu.Unlock()
		if src == nil {
			continue
		}

		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil {
				src.Append(pcm)
			}
		}
		if resp.IsFinal {
			src.CloseSource()
			h.srcMu.Lock()
			h.active = nil
			h.srcMu.Unlock()
		}
	}
}

// connectionLost fails any in-flight cycle and signals Closed. A read error
// after a requested Close is a normal shutdown, not a failure.
func (h *handle) connectionLost(err error) {
	h.srcMu.Lock()
	src := h.active
	h.active = nil
	h.srcMu.Unlock()

	if h.requested.Load() {
		if src != nil {
			src.CloseSource()
		}
		return
	}

	if src != nil {
		src.Fail(fmt.Errorf("elevenlabs: connection lost: %w", err))
	}
	h.closeOnce.Do(func() {
		h.closeErr = err
		close(h.closed)
	})
}
