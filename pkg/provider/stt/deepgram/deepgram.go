// Package deepgram provides a Deepgram-backed STT provider using the
// Deepgram streaming WebSocket API. It implements the stt.Provider
// interface, including the CloseStream/Metadata finalization handshake and
// the KeepAlive heartbeat.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/Jatin5120/vantum-backend/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
)

// Control messages defined by the Deepgram streaming protocol.
var (
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 recognition language.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming recognition session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.StreamHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	h := &handle{
		conn:   conn,
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
	}

	h.wg.Add(1)
	go h.readLoop()

	return h, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── handle ───────────────────────────────────────────────────────────────────

// deepgramResponse covers the Results and Metadata message shapes returned
// by Deepgram over the WebSocket.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// handle is a live Deepgram streaming session. It implements stt.StreamHandle.
type handle struct {
	conn   *websocket.Conn
	events chan stt.Event

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// SendAudio forwards a PCM chunk to Deepgram as a binary message.
func (h *handle) SendAudio(chunk []byte) error {
	if h.isDone() {
		return errors.New("deepgram: stream is closed")
	}
	return h.write(websocket.MessageBinary, chunk)
}

// CloseStream asks Deepgram to flush the current utterance. Deepgram
// acknowledges with a Metadata message; the connection stays open.
func (h *handle) CloseStream() error {
	if h.isDone() {
		return errors.New("deepgram: stream is closed")
	}
	return h.write(websocket.MessageText, closeStreamMsg)
}

// KeepAlive sends the Deepgram heartbeat control message.
func (h *handle) KeepAlive() error {
	if h.isDone() {
		return errors.New("deepgram: stream is closed")
	}
	return h.write(websocket.MessageText, keepAliveMsg)
}

// Events returns the event stream. Closed when the connection ends.
func (h *handle) Events() <-chan stt.Event { return h.events }

// Close terminates the connection. Safe to call more than once.
func (h *handle) Close() error {
	h.once.Do(func() {
		close(h.done)
		_ = h.conn.Close(websocket.StatusNormalClosure, "stream closed")
		h.wg.Wait()
	})
	return nil
}

func (h *handle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// write serialises writes; coder/websocket allows one concurrent writer.
func (h *handle) write(typ websocket.MessageType, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.Write(context.Background(), typ, data)
}

// readLoop receives JSON messages from Deepgram and dispatches them on the
// events channel. It emits a final EventClosed and closes the channel when
// the connection ends for any reason.
func (h *handle) readLoop() {
	defer h.wg.Done()
	defer close(h.events)

	for {
		_, msg, err := h.conn.Read(context.Background())
		if err != nil {
			var closeErr error
			if !h.isDone() {
				closeErr = err
			}
			h.emit(stt.Event{Type: stt.EventClosed, Err: closeErr})
			return
		}

		ev, ok := parseResponse(msg)
		if !ok {
			continue
		}
		h.emit(ev)
	}
}

// emit delivers an event unless the handle has been closed and the consumer
// is gone.
func (h *handle) emit(ev stt.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// parseResponse maps a raw Deepgram message to an stt.Event. Returns
// ok=false for message types the consumer does not care about.
func parseResponse(data []byte) (stt.Event, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Event{}, false
	}

	switch resp.Type {
	case "Metadata":
		return stt.Event{Type: stt.EventMetadata}, true
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return stt.Event{}, false
		}
		alt := resp.Channel.Alternatives[0]
		return stt.Event{
			Type: stt.EventTranscript,
			Transcript: stt.Transcript{
				Text:       alt.Transcript,
				Confidence: alt.Confidence,
				IsFinal:    resp.IsFinal,
			},
		}, true
	default:
		return stt.Event{}, false
	}
}
