// Package bridge serves the overlay: a websocket that pushes chat and bubble
// events to overlay clients and accepts user input, plus health and metrics
// endpoints.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nlaroche/glazebot/pkg/commentary"
)

// Controller is the engine surface driven by overlay clients.
type Controller interface {
	QueueUserMessage(text string)
	SendDirectMessage(ctx context.Context, text string, roster []commentary.Persona) (commentary.PipelineResult, error)
	Pause()
	Resume()
	State() commentary.EngineState
	Paused() bool
	Roster() []commentary.Persona
}

// Inbound client message types.
const (
	MsgUserMessage   = "user_message"
	MsgDirectMessage = "direct_message"
	MsgPause         = "pause"
	MsgResume        = "resume"
	MsgPing          = "ping"
)

type inbound struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Server struct {
	hub      *Hub
	ctrl     Controller
	logger   *slog.Logger
	metrics  http.Handler
	origins  map[string]struct{}
	maxBytes int64
	router   chi.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAllowedOrigins lists the browser origins allowed to connect and post
// messages. Requests without an Origin header are always accepted; with no
// allowlist every browser origin is rejected.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		for _, o := range origins {
			if o = strings.TrimSpace(o); o != "" {
				s.origins[o] = struct{}{}
			}
		}
	}
}

// WithReadLimit caps the size of inbound websocket messages.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func New(hub *Hub, ctrl Controller, opts ...Option) *Server {
	s := &Server{
		hub:      hub,
		ctrl:     ctrl,
		logger:   slog.Default(),
		origins:  make(map[string]struct{}),
		maxBytes: 64 * 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recover(s.logger))
	r.Use(AccessLog(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Post("/messages", s.handleMessage)
	r.Get("/ws", s.handleWS)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, grace)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("overlay bridge listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Close disconnects clients and waits for in-flight direct messages.
func (s *Server) Close() {
	s.cancel()
	s.hub.Close()
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.Clients(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	roster := s.ctrl.Roster()
	names := make([]string, 0, len(roster))
	for _, p := range roster {
		names = append(names, p.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  s.ctrl.State(),
		"paused": s.ctrl.Paused(),
		"roster": names,
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
		return
	}
	var msg inbound
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxBytes)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if msg.Type == "" {
		msg.Type = MsgUserMessage
	}
	if err := s.dispatch(msg, nil); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.originAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.maxBytes)

	c := s.hub.add(conn)
	go c.writeLoop()
	defer s.hub.remove(c)

	hello, _ := json.Marshal(map[string]any{
		"client_id": c.id,
		"state":     s.ctrl.State(),
		"paused":    s.ctrl.Paused(),
	})
	s.hub.sendTo(c, Envelope{Type: "hello", Data: hello})
	s.logger.Debug("overlay client connected", "client_id", c.id)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("overlay client disconnected", "client_id", c.id)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			s.replyError(c, "expected a text frame")
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyError(c, "invalid JSON frame")
			continue
		}
		if err := s.dispatch(msg, c); err != nil {
			s.replyError(c, err.Error())
		}
	}
}

func (s *Server) dispatch(msg inbound, c *client) error {
	text := strings.TrimSpace(msg.Text)
	switch msg.Type {
	case MsgUserMessage:
		if text == "" {
			return errors.New("text is required")
		}
		s.ctrl.QueueUserMessage(text)
	case MsgDirectMessage:
		if text == "" {
			return errors.New("text is required")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.ctrl.SendDirectMessage(s.ctx, text, s.ctrl.Roster()); err != nil {
				s.logger.Warn("direct message failed", "error", err)
				if c != nil {
					s.replyError(c, "direct message failed")
				}
			}
		}()
	case MsgPause:
		s.ctrl.Pause()
	case MsgResume:
		s.ctrl.Resume()
	case MsgPing:
		if c != nil {
			s.hub.sendTo(c, Envelope{Type: "pong"})
		}
	default:
		return errors.New("unknown message type")
	}
	return nil
}

func (s *Server) replyError(c *client, message string) {
	data, _ := json.Marshal(map[string]string{"message": message})
	s.hub.sendTo(c, Envelope{Type: "error", Data: data})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(s.origins) == 0 {
		return false
	}
	_, ok := s.origins[origin]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
