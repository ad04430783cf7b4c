package gateway

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Jatin5120/vantum-backend/internal/observe"
	"github.com/Jatin5120/vantum-backend/internal/resilience"
	"github.com/Jatin5120/vantum-backend/internal/session"
	"github.com/Jatin5120/vantum-backend/pkg/protocol"
)

// dispatch routes one inbound frame by event type. Handlers hand work to the
// session and return; the only slow path, turn finalization, runs on its own
// goroutine so the read loop keeps draining audio.
func (s *Server) dispatch(ctx context.Context, conn *Conn, sess *session.Session, f protocol.Frame) {
	if info, ok := protocol.Catalogue[f.EventType]; ok && info.Direction == protocol.ServerToClient {
		s.writeError(conn, f, "unexpected server-originated event")
		return
	}

	switch f.EventType {
	case protocol.EventAudioInputStart:
		var p protocol.AudioStartPayload
		if err := f.DecodePayload(&p); err != nil {
			s.writeError(conn, f, "malformed payload")
			return
		}
		if err := sess.StartPipeline(ctx, p.SampleRate, p.Language); err != nil {
			slog.Warn("pipeline start failed", "session_id", sess.ID(), "error", err)
			s.writeError(conn, f, userSafeMessage(err))
		}

	case protocol.EventAudioInputChunk:
		var p protocol.AudioChunkPayload
		if err := f.DecodePayload(&p); err != nil {
			s.writeError(conn, f, "malformed payload")
			return
		}
		if len(p.Data) == 0 {
			return
		}
		if err := sess.ProcessAudio(ctx, p.Data); err != nil {
			s.writeError(conn, f, userSafeMessage(err))
		}

	case protocol.EventAudioInputStop:
		// Finalization blocks on the upstream flush handshake; keep it off
		// the read loop.
		go func() {
			turnCtx, span := observe.Tracer().Start(context.Background(), "gateway.turn",
				trace.WithAttributes(attribute.String("session_id", sess.ID())))
			defer span.End()
			if err := sess.FinalizeTurn(turnCtx, f); err != nil {
				span.RecordError(err)
				slog.Warn("turn finalization failed", "session_id", sess.ID(), "error", err)
				s.writeError(conn, f, userSafeMessage(err))
			}
		}()

	case protocol.EventUserInterrupt:
		if err := sess.Interrupt(); err != nil {
			s.writeError(conn, f, userSafeMessage(err))
		}

	default:
		s.writeError(conn, f, "unsupported event type")
	}
}

// writeError delivers an error frame answering req.
func (s *Server) writeError(conn *Conn, req protocol.Frame, message string) {
	if err := conn.WriteFrame(protocol.NewErrorFrame(req, message)); err != nil {
		slog.Warn("error frame delivery failed", "error", err)
	}
}

// userSafeMessage maps an internal error to a client-facing message. No
// stack traces, no upstream provider names.
func userSafeMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotStarted):
		return "start audio input before sending audio"
	case errors.Is(err, session.ErrAlreadyStarted):
		return "audio input already started"
	case errors.Is(err, session.ErrSessionClosed):
		return "session has ended"
	}

	switch resilience.Classify(err) {
	case resilience.ClassResource:
		return "the service is busy; please try again shortly"
	case resilience.ClassInput:
		return "invalid request"
	case resilience.ClassFatal:
		return "the service cannot continue this call"
	default:
		return "a temporary error occurred; please try again"
	}
}
