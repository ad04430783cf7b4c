package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{
			name: "valid frame",
			data: `{"eventType":"audio.input.start","eventId":"evt_1","sessionId":"sess_1","payload":{"sampleRate":48000}}`,
		},
		{
			name: "derived error type is known",
			data: `{"eventType":"audio.input.error","eventId":"evt_2"}`,
		},
		{
			name:    "empty input",
			data:    "",
			wantErr: ErrEmptyFrame,
		},
		{
			name:    "missing event type",
			data:    `{"eventId":"evt_3"}`,
			wantErr: ErrMissingEventType,
		},
		{
			name:    "unknown event type",
			data:    `{"eventType":"audio.input.rewind","eventId":"evt_4"}`,
			wantErr: ErrUnknownEventType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.data))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Decode() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte("{not json")); err == nil {
		t.Error("Decode() accepted invalid JSON")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	in := NewFrame(EventAudioOutputChunk, "evt_outer", "sess_1", AudioChunkPayload{
		Data:         []byte{0x01, 0x02, 0x03},
		UtteranceID:  "utt_1",
		ChunkEventID: "evt_chunk",
		Seq:          7,
	})
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.EventType != in.EventType || out.EventID != in.EventID || out.SessionID != in.SessionID {
		t.Errorf("envelope changed: got %+v, want %+v", out, in)
	}

	var p AudioChunkPayload
	if err := out.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if string(p.Data) != "\x01\x02\x03" || p.UtteranceID != "utt_1" || p.ChunkEventID != "evt_chunk" || p.Seq != 7 {
		t.Errorf("payload changed: got %+v", p)
	}
}

func TestDecodePayload_Empty(t *testing.T) {
	t.Parallel()

	f := Frame{EventType: EventAudioInputStart}
	var p AudioStartPayload
	if err := f.DecodePayload(&p); err == nil {
		t.Error("DecodePayload() accepted an empty payload")
	}
}

func TestNewFrame_NilPayload(t *testing.T) {
	t.Parallel()

	f := NewFrame(EventAudioInputStop, "evt_1", "sess_1", nil)
	if f.Payload != nil {
		t.Errorf("Payload = %s, want absent", f.Payload)
	}
}

func TestNewErrorFrame(t *testing.T) {
	t.Parallel()

	req := NewFrame(EventAudioInputChunk, "evt_req", "sess_1", AudioChunkPayload{Data: []byte{1}})
	f := NewErrorFrame(req, "invalid request")

	if f.EventType != "audio.input.error" {
		t.Errorf("EventType = %q, want audio.input.error", f.EventType)
	}
	if f.EventID != "evt_req" {
		t.Errorf("EventID = %q, want the request id echoed", f.EventID)
	}
	if f.SessionID != "sess_1" {
		t.Errorf("SessionID = %q, want sess_1", f.SessionID)
	}
	if f.RequestType != EventAudioInputChunk {
		t.Errorf("RequestType = %q, want %q", f.RequestType, EventAudioInputChunk)
	}

	var p ErrorPayload
	if err := f.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if p.Message != "invalid request" {
		t.Errorf("Message = %q, want %q", p.Message, "invalid request")
	}
}

func TestDurationMs(t *testing.T) {
	t.Parallel()

	if got := DurationMs(1500 * time.Millisecond); got != 1500 {
		t.Errorf("DurationMs(1.5s) = %d, want 1500", got)
	}
	if got := DurationMs(0); got != 0 {
		t.Errorf("DurationMs(0) = %d, want 0", got)
	}
}
