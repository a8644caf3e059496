// Package gateway is the HTTP surface: tracker and Slack webhooks, the
// operator API, metrics, and a WebSocket stream of lifecycle events.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/recap/internal/adapters"
	"github.com/alekspetrov/recap/internal/completion"
	"github.com/alekspetrov/recap/internal/durable"
	"github.com/alekspetrov/recap/internal/logging"
)

// Config holds gateway server configuration including network binding options.
type Config struct {
	// Host is the network interface to bind to (e.g., "127.0.0.1" or "0.0.0.0").
	Host string `yaml:"host"`
	// Port is the TCP port number to listen on.
	Port int `yaml:"port"`
}

// Trackers looks up a tracker adapter by webhook source.
type Trackers interface {
	Get(name string) adapters.Tracker
	Names() []string
}

// EventHandler starts workflows for tracker events.
type EventHandler interface {
	Handle(ctx context.Context, ev completion.Event) (*completion.TriggerResult, error)
}

// Instances is the read side of the executor used by the operator API.
type Instances interface {
	List(ctx context.Context, filter durable.InstanceFilter) ([]*durable.Instance, error)
	Inspect(ctx context.Context, id string) (*durable.Snapshot, error)
}

// WebhookRecorder counts inbound webhooks.
type WebhookRecorder interface {
	Webhook(source, result string)
}

// Deps are the components the gateway routes to. Nil handlers leave
// their routes unregistered.
type Deps struct {
	Trackers     Trackers
	Trigger      EventHandler
	Interactions http.Handler
	Instances    Instances
	Metrics      http.Handler
	Recorder     WebhookRecorder
}

// Server is the gateway HTTP server. Server is safe for concurrent use.
type Server struct {
	config     *Config
	authConfig *AuthConfig
	deps       Deps
	sessions   *SessionManager
	router     *Router
	hub        *EventHub
	upgrader   websocket.Upgrader
	server     *http.Server
	log        *slog.Logger
	mu         sync.RWMutex
	running    bool
}

// NewServer creates a gateway server. The server is not started until
// Start is called.
func NewServer(config *Config, deps Deps, opts ...ServerOption) *Server {
	sessions := NewSessionManager()
	s := &Server{
		config:   config,
		deps:     deps,
		sessions: sessions,
		router:   NewRouter(),
		hub:      NewEventHub(sessions),
		log:      logging.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkOrigin allows non-browser clients and localhost origins.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// ServerOption is a functional option for configuring Server.
type ServerOption func(*Server)

// WithAuthConfig protects the operator API and event stream.
func WithAuthConfig(auth *AuthConfig) ServerOption {
	return func(s *Server) {
		s.authConfig = auth
	}
}

// Events returns the hub to register as an executor observer.
func (s *Server) Events() *EventHub {
	return s.hub
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	protect := func(h http.Handler) http.Handler { return h }
	if s.authConfig != nil {
		protect = NewAuthenticator(s.authConfig).Middleware
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	// Webhooks authenticate with their own signatures, not bearer auth.
	if s.deps.Trackers != nil && s.deps.Trigger != nil {
		mux.HandleFunc("POST /webhooks/{source}", s.handleTrackerWebhook)
	}
	if s.deps.Interactions != nil {
		mux.Handle("POST /webhooks/slack", s.deps.Interactions)
	}

	if s.deps.Instances != nil {
		mux.Handle("GET /api/v1/instances", protect(http.HandlerFunc(s.handleListInstances)))
		mux.Handle("GET /api/v1/instances/{id}", protect(http.HandlerFunc(s.handleGetInstance)))
	}
	mux.Handle("GET /ws", protect(http.HandlerFunc(s.handleWebSocket)))

	return logRequests(s.log, mux)
}

// Start starts the gateway server and blocks until the context is cancelled
// or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	s.log.Info("Gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server with a 30-second timeout.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.running = false
	return s.server.Shutdown(ctx)
}

// handleWebSocket streams lifecycle events to the client. Client frames
// go through the router, which answers pings.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade error", slog.Any("error", err))
		return
	}

	session := s.sessions.Create(conn)
	defer s.sessions.Remove(session.ID)

	s.log.Info("New WebSocket session", slog.String("session_id", session.ID))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("WebSocket error", slog.Any("error", err))
			}
			return
		}
		s.router.HandleMessage(session, message)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "healthy", "sessions": s.sessions.Count()}
	if s.deps.Trackers != nil {
		resp["trackers"] = s.deps.Trackers.Names()
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// requestIDHeader is echoed back, or generated when the caller sent none.
const requestIDHeader = "X-Request-ID"

func logRequests(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.DebugContext(r.Context(), "Request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}
