package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mentora/coedit/internal/transport"
)

// Server accepts websocket sessions and feeds them to the hub.
type Server struct {
	logger   *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server, *int)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server, _ *int) { s.logger = logger }
}

// WithSendBuffer sets the per-participant outbound payload capacity.
func WithSendBuffer(n int) Option {
	return func(_ *Server, buf *int) { *buf = n }
}

// NewServer creates a relay server. Run must be called before it accepts
// connections.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			// Sessions connect from anywhere; the relay carries no secrets.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	buf := DefaultSendBuffer
	for _, opt := range opts {
		opt(s, &buf)
	}
	s.hub = newHub(s.logger, buf)
	return s
}

// Run starts the hub event loop and blocks until ctx ends.
func (s *Server) Run(ctx context.Context) {
	s.hub.run(ctx)
}

// Router returns the HTTP routes: the websocket endpoint and a health probe.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws/{room}/{doc}", s.handleWS).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	k := key{room: vars["room"], doc: vars["doc"]}

	id := r.URL.Query().Get("client_id")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "room", k.room, "doc", k.doc, "error", err)
		return
	}

	p := &participant{
		key:  k,
		id:   id,
		ch:   transport.NewWSChannel(conn),
		send: make(chan []byte, s.hub.sendBuffer),
	}
	select {
	case s.hub.register <- p:
	case <-s.hub.done:
		p.ch.Close()
		return
	}

	go s.writeLoop(p)
	s.readLoop(p)
}

// readLoop pumps payloads from the participant into the hub. Runs on the
// HTTP handler goroutine and returns when the connection ends.
func (s *Server) readLoop(p *participant) {
	defer func() {
		select {
		case s.hub.unregister <- p:
		case <-s.hub.done:
		}
	}()
	for {
		payload, err := p.ch.Receive(context.Background())
		if err != nil {
			if !transport.IsClosed(err) {
				s.logger.Warn("read failed",
					"room", p.key.room, "doc", p.key.doc, "id", p.id, "error", err)
			}
			return
		}
		select {
		case s.hub.frames <- inbound{from: p, payload: payload}:
		case <-s.hub.done:
			return
		}
	}
}

// writeLoop drains the participant's send queue onto the wire. Exits when
// the hub closes the queue.
func (s *Server) writeLoop(p *participant) {
	for payload := range p.send {
		if err := p.ch.Send(context.Background(), payload); err != nil {
			// Keep draining so the hub never blocks; the read side notices
			// the dead connection and unregisters.
			continue
		}
	}
}
