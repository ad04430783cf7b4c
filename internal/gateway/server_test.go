package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Jatin5120/vantum-backend/internal/config"
	"github.com/Jatin5120/vantum-backend/internal/registry"
	"github.com/Jatin5120/vantum-backend/internal/session"
	"github.com/Jatin5120/vantum-backend/pkg/ident"
	"github.com/Jatin5120/vantum-backend/pkg/protocol"
	llmprovider "github.com/Jatin5120/vantum-backend/pkg/provider/llm"
	llmmock "github.com/Jatin5120/vantum-backend/pkg/provider/llm/mock"
	sttprovider "github.com/Jatin5120/vantum-backend/pkg/provider/stt"
	sttmock "github.com/Jatin5120/vantum-backend/pkg/provider/stt/mock"
	ttsprovider "github.com/Jatin5120/vantum-backend/pkg/provider/tts"
	ttsmock "github.com/Jatin5120/vantum-backend/pkg/provider/tts/mock"
)

// fixture is one gateway wired to scripted upstreams behind a test server.
type fixture struct {
	stt *sttmock.Provider
	llm *llmmock.Provider
	tts *ttsmock.Provider
	reg *registry.Registry
	srv *httptest.Server
}

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()

	sttH := sttmock.NewHandle()
	sttH.OnCloseStream = func() {
		sttH.EventsCh <- sttprovider.Event{Type: sttprovider.EventTranscript,
			Transcript: sttprovider.Transcript{Text: "hello world", IsFinal: true}}
		sttH.EventsCh <- sttprovider.Event{Type: sttprovider.EventMetadata}
	}

	ttsH := ttsmock.NewHandle()
	ttsH.OnSynthesize = func(src *ttsprovider.BufferSource) {
		src.Append(make([]byte, 32))
		src.CloseSource()
	}

	fx := &fixture{
		stt: &sttmock.Provider{Handles: []*sttmock.Handle{sttH}},
		llm: &llmmock.Provider{Deltas: []llmprovider.Delta{{Text: "Hi ||BREAK|| there"}}},
		tts: &ttsmock.Provider{Handles: []*ttsmock.Handle{ttsH}},
	}
	fx.reg = registry.New(registry.Config{MaxSessions: maxSessions})

	cfg := config.Default()
	cfg.Providers.TTS.VoiceID = "test-voice"
	srv := NewServer(cfg, session.Providers{STT: fx.stt, LLM: fx.llm, TTS: fx.tts}, fx.reg)

	mux := http.NewServeMux()
	srv.Register(mux)
	fx.srv = httptest.NewServer(mux)
	t.Cleanup(fx.srv.Close)
	return fx
}

// dial opens a client connection and returns it with the ack frame.
func (fx *fixture) dial(t *testing.T) (*websocket.Conn, protocol.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })

	ack := readFrame(t, ws)
	return ws, ack
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, ws *websocket.Conn, f protocol.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestServer_AckAssignsSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 10)
	_, ack := fx.dial(t)

	if ack.EventType != protocol.EventConnectionAck {
		t.Fatalf("first frame = %q, want connection ack", ack.EventType)
	}
	var p protocol.AckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if p.SessionID == "" || p.SessionID != ack.SessionID {
		t.Errorf("ack session id = %q / frame %q", p.SessionID, ack.SessionID)
	}
	if fx.reg.Count() != 1 {
		t.Errorf("registry count = %d, want 1", fx.reg.Count())
	}
}

func TestServer_CapacityRejectsConnection(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1)
	_, _ = fx.dial(t) // occupies the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })

	f := readFrame(t, ws)
	if f.EventType != protocol.ErrorEventType(protocol.EventConnectionAck) {
		t.Fatalf("frame = %q, want lifecycle error", f.EventType)
	}
	var p protocol.ErrorPayload
	_ = json.Unmarshal(f.Payload, &p)
	if !strings.Contains(p.Message, "busy") {
		t.Errorf("message = %q, want a service-busy notice", p.Message)
	}
}

func TestServer_FullTurnOverWire(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 10)
	ws, ack := fx.dial(t)

	writeFrame(t, ws, protocol.NewFrame(protocol.EventAudioInputStart, ident.NewEventID(), ack.SessionID,
		protocol.AudioStartPayload{SampleRate: 48000, Language: "en-US"}))

	for i := 0; i < 3; i++ {
		writeFrame(t, ws, protocol.NewFrame(protocol.EventAudioInputChunk, ident.NewEventID(), ack.SessionID,
			protocol.AudioChunkPayload{Data: make([]byte, 9600)}))
	}

	stopID := ident.NewEventID()
	writeFrame(t, ws, protocol.NewFrame(protocol.EventAudioInputStop, stopID, ack.SessionID, nil))

	// Collect server frames until both response groups completed.
	var frames []protocol.Frame
	completes := 0
	for completes < 2 {
		f := readFrame(t, ws)
		frames = append(frames, f)
		if f.EventType == protocol.EventAudioOutputComplete {
			completes++
		}
	}

	byType := func(et string) []protocol.Frame {
		var out []protocol.Frame
		for _, f := range frames {
			if f.EventType == et {
				out = append(out, f)
			}
		}
		return out
	}

	finals := byType(protocol.EventTranscriptFinal)
	if len(finals) != 1 {
		t.Fatalf("final transcripts = %d, want 1", len(finals))
	}
	if finals[0].EventID != stopID {
		t.Errorf("final transcript EventID = %q, want stop id %q", finals[0].EventID, stopID)
	}
	var tp protocol.TranscriptPayload
	_ = json.Unmarshal(finals[0].Payload, &tp)
	if tp.Text != "hello world" {
		t.Errorf("transcript = %q, want 'hello world'", tp.Text)
	}

	if got := len(byType(protocol.EventAudioOutputStart)); got != 2 {
		t.Errorf("output starts = %d, want 2", got)
	}
	for _, f := range byType(protocol.EventAudioOutputChunk) {
		if f.EventID != stopID {
			t.Errorf("chunk EventID = %q, want %q", f.EventID, stopID)
		}
	}

	if got := fx.stt.Handles[0].Sent(); len(got) != 3 || len(got[0]) != 3200 {
		t.Errorf("upstream audio: %d chunks, first %d bytes; want 3 x 3200", len(got), len(got[0]))
	}
}

func TestServer_MalformedFrameAnswersError(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 10)
	ws, _ := fx.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := readFrame(t, ws)
	if f.EventType != protocol.ErrorEventType(protocol.EventConnectionAck) {
		t.Errorf("frame = %q, want lifecycle error", f.EventType)
	}
}

func TestServer_AudioBeforeStartAnswersError(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 10)
	ws, ack := fx.dial(t)

	req := protocol.NewFrame(protocol.EventAudioInputChunk, ident.NewEventID(), ack.SessionID,
		protocol.AudioChunkPayload{Data: make([]byte, 32)})
	writeFrame(t, ws, req)

	f := readFrame(t, ws)
	if f.EventType != protocol.ErrorEventType(protocol.EventAudioInputChunk) {
		t.Fatalf("frame = %q, want audio input error", f.EventType)
	}
	if f.EventID != req.EventID || f.RequestType != protocol.EventAudioInputChunk {
		t.Errorf("error frame = %+v, want EventID and RequestType echoed", f)
	}
}

func TestServer_ServerOriginatedEventRejected(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 10)
	ws, ack := fx.dial(t)

	writeFrame(t, ws, protocol.NewFrame(protocol.EventTranscriptFinal, ident.NewEventID(), ack.SessionID,
		protocol.TranscriptPayload{Text: "spoofed"}))

	f := readFrame(t, ws)
	if f.EventType != protocol.ErrorEventType(protocol.EventTranscriptFinal) {
		t.Errorf("frame = %q, want transcript error", f.EventType)
	}
}

func TestServer_DisconnectTearsDownSession(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 10)
	ws, _ := fx.dial(t)
	if fx.reg.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", fx.reg.Count())
	}

	_ = ws.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(3 * time.Second)
	for fx.reg.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if fx.reg.Count() != 0 {
		t.Errorf("registry count = %d after disconnect, want 0", fx.reg.Count())
	}
}
