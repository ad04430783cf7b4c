// Package gateway terminates client websocket connections and routes their
// frames. Each accepted connection gets a session registered under both its
// connection id and a freshly allocated session id; inbound frames are
// decoded and dispatched by event type. Handlers never hold blocking work on
// the read loop — they hand off to the owning session and return.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/Jatin5120/vantum-backend/internal/config"
	"github.com/Jatin5120/vantum-backend/internal/observe"
	"github.com/Jatin5120/vantum-backend/internal/registry"
	"github.com/Jatin5120/vantum-backend/internal/session"
	"github.com/Jatin5120/vantum-backend/pkg/ident"
	"github.com/Jatin5120/vantum-backend/pkg/protocol"
)

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.met = m }
}

// Server accepts client connections and runs their read loops.
type Server struct {
	cfg       *config.Config
	providers session.Providers
	reg       *registry.Registry
	met       *observe.Metrics
}

// NewServer creates a gateway over the given registry and upstreams.
func NewServer(cfg *config.Config, providers session.Providers, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		providers: providers,
		reg:       reg,
		met:       observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the websocket route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.HandleWS)
}

// HandleWS upgrades one client connection, registers its session, sends the
// lifecycle acknowledgement, and runs the read loop until the connection
// ends. The session is torn down on exit regardless of how the loop ended.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(ident.NewConnID(), ws)
	sess := session.New(ident.NewSessionID(), conn.ID(), conn, s.providers, s.cfg)
	log := slog.With("session_id", sess.ID(), "remote", r.RemoteAddr)

	if err := s.reg.Add(sess); err != nil {
		log.Warn("session rejected", "error", err)
		req := protocol.Frame{EventType: protocol.EventConnectionAck, EventID: ident.NewEventID()}
		_ = conn.WriteFrame(protocol.NewErrorFrame(req, userSafeMessage(err)))
		conn.close(websocket.StatusTryAgainLater, "service busy")
		return
	}
	defer func() {
		if err := s.reg.End(sess.ID()); err != nil {
			log.Warn("session teardown failed", "error", err)
		}
		conn.close(websocket.StatusNormalClosure, "session ended")
	}()

	ack := protocol.NewFrame(protocol.EventConnectionAck, ident.NewEventID(), sess.ID(),
		protocol.AckPayload{SessionID: sess.ID()})
	if err := conn.WriteFrame(ack); err != nil {
		log.Warn("ack delivery failed", "error", err)
		return
	}
	log.Info("connection accepted")

	s.readLoop(r.Context(), conn, sess, log)
}

// readLoop decodes inbound frames until the connection ends.
func (s *Server) readLoop(ctx context.Context, conn *Conn, sess *session.Session, log *slog.Logger) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				log.Info("connection closed")
			} else {
				log.Warn("connection lost", "error", err)
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			log.Warn("undecodable frame", "error", err)
			req := protocol.Frame{EventType: protocol.EventConnectionAck, SessionID: sess.ID()}
			_ = conn.WriteFrame(protocol.NewErrorFrame(req, "malformed frame"))
			continue
		}

		s.met.FramesIn.Add(ctx, 1, observe.AttrSet("event", frame.EventType))
		s.dispatch(ctx, conn, sess, frame)
	}
}
