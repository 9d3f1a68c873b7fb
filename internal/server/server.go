// Package server exposes contest sessions over websocket and HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"

	"github.com/lox/coinflip/internal/auth"
	"github.com/lox/coinflip/internal/connections"
	"github.com/lox/coinflip/internal/contest"
	"github.com/lox/coinflip/internal/contestid"
	"github.com/lox/coinflip/internal/protocol"
	"github.com/lox/coinflip/internal/session"
	"github.com/lox/coinflip/internal/store"
)

// Variants resolves a preset name; the empty name is the default preset.
type Variants interface {
	Lookup(name string) (contest.Variant, bool)
}

// Server owns the websocket connections and routes their requests to
// contest sessions. It is also the sessions' Broadcaster.
type Server struct {
	logger         *log.Logger
	clock          quartz.Clock
	upgrader       websocket.Upgrader
	conns          *connections.Registry
	variants       Variants
	sessions       *session.Registry
	loader         session.Loader
	newID          func() string
	requestTimeout time.Duration
	auth           auth.Validator
	authFailOpen   bool

	mu         sync.RWMutex
	clients    map[string]*Connection
	httpServer *http.Server
}

type Option func(*Server)

func WithClock(c quartz.Clock) Option { return func(s *Server) { s.clock = c } }

// WithLoader lets GET /contests/{id} fall back to persisted contests.
func WithLoader(l session.Loader) Option { return func(s *Server) { s.loader = l } }

func WithIDGenerator(fn func() string) Option { return func(s *Server) { s.newID = fn } }

// WithAuth requires seated joins and creates to carry a token proving the
// address. failOpen admits the claimed address when the verifier is down.
func WithAuth(v auth.Validator, failOpen bool) Option {
	return func(s *Server) { s.auth, s.authFailOpen = v, failOpen }
}

// WithRequestTimeout bounds how long a request waits on its session.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

// NewServer creates a server. SetSessions must be called before serving.
func NewServer(logger *log.Logger, conns *connections.Registry, variants Variants, opts ...Option) *Server {
	s := &Server{
		logger: logger.WithPrefix("server"),
		clock:  quartz.NewReal(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients are served from other origins.
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns:          conns,
		variants:       variants,
		newID:          contestid.New,
		requestTimeout: 10 * time.Second,
		clients:        make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSessions wires the session registry. The registry takes the server as
// its Broadcaster, so the two are built in sequence.
func (s *Server) SetSessions(r *session.Registry) {
	s.sessions = r
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /contests/{id}", s.handleContest)
	return mux
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting server", "addr", addr)
	return srv.ListenAndServe()
}

// Shutdown stops accepting requests and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	clients := make([]*Connection, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	c := NewConnection(ws, s)
	s.mu.Lock()
	s.clients[c.id] = c
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Info("Client connected", "conn", c.id, "total", total)

	c.Start()
}

// disconnect runs once when a connection's read loop ends.
func (s *Server) disconnect(c *Connection) {
	s.mu.Lock()
	delete(s.clients, c.id)
	total := len(s.clients)
	s.mu.Unlock()

	if b, ok := s.conns.Unbind(c.id); ok {
		s.notify(b.ContestID)
	}
	s.logger.Info("Client disconnected", "conn", c.id, "total", total)
}

func (s *Server) client(id string) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

// ClientCount returns the number of open websocket connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// notify tells a live session its connections moved.
func (s *Server) notify(contestID string) {
	if s.sessions == nil {
		return
	}
	if sess, ok := s.sessions.Get(contestID); ok {
		sess.ConnectionsChanged()
	}
}

// Broadcast sends a state snapshot to every connection bound to the
// contest. A connection that cannot take the message is unbound and closed.
func (s *Server) Broadcast(contestID string, view contest.View) {
	env, err := protocol.NewEnvelope(protocol.TypeContestState, view, s.clock.Now())
	if err != nil {
		s.logger.Error("Failed to encode contest state", "contest", contestID, "error", err)
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("Failed to encode contest state", "contest", contestID, "error", err)
		return
	}

	sent, pruned := 0, 0
	for _, id := range s.conns.ConnectionsFor(contestID) {
		c := s.client(id)
		if c != nil {
			if err := c.sendFrame(frame); err == nil {
				sent++
				continue
			}
		}
		s.logger.Warn("Pruning connection after failed send", "contest", contestID, "conn", id)
		s.conns.Unbind(id)
		if c != nil {
			_ = c.Close()
		}
		pruned++
	}
	if pruned > 0 {
		// The session is mid-transition on its own goroutine; tell it later.
		go s.notify(contestID)
	}
	s.logger.Debug("Broadcast contest state", "contest", contestID, "phase", view.Phase, "version", view.Version, "recipients", sent, "pruned", pruned)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK")
}

type contestResponse struct {
	Live   bool            `json:"live"`
	State  *contest.View   `json:"state,omitempty"`
	Record *contest.Record `json:"record,omitempty"`
	Rounds []contest.Round `json:"rounds,omitempty"`
}

func (s *Server) handleContest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	var resp contestResponse
	if sess, ok := s.liveSession(id); ok {
		view, err := sess.View(ctx)
		if err == nil {
			resp = contestResponse{Live: true, State: &view}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}
	if s.loader == nil {
		writeJSON(w, http.StatusNotFound, protocol.Error{Code: "contest_not_found", Message: "contest not found"})
		return
	}
	snap, err := s.loader.LoadContest(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, protocol.Error{Code: "contest_not_found", Message: "contest not found"})
	case err != nil:
		s.logger.Error("Failed to load contest", "contest", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, protocol.Error{Code: "internal", Message: "failed to load contest"})
	default:
		resp = contestResponse{Record: &snap.Record, Rounds: snap.Rounds}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) liveSession(id string) (*session.Session, bool) {
	if s.sessions == nil {
		return nil, false
	}
	return s.sessions.Get(id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
