package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/vinayprograms/fleetconf/heartbeat"
	"github.com/vinayprograms/fleetconf/logging"
	"github.com/vinayprograms/fleetconf/serviceconfig"
	"github.com/vinayprograms/fleetconf/telemetry"
)

// Common errors.
var (
	ErrClosed         = errors.New("transport closed")
	ErrAlreadyStarted = errors.New("server already started")
)

// Config configures the HTTP API server.
type Config struct {
	// Addr to listen on, e.g. ":8086".
	Addr string

	// Username and Password protect the /serviceconfig routes and client
	// binding with HTTP basic auth. Empty disables auth.
	Username string
	Password string

	// ReadHeaderTimeout for incoming requests.
	// Default: 10 seconds
	ReadHeaderTimeout time.Duration

	// MaxBodyBytes limits request bodies.
	// Default: 1MB
	MaxBodyBytes int64

	// Stream configures WebSocket heartbeat streams.
	Stream StreamConfig

	// EventKeepAlive is the interval of SSE keepalive comments (0 = disabled).
	// Default: 30 seconds
	EventKeepAlive time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8086",
		ReadHeaderTimeout: 10 * time.Second,
		MaxBodyBytes:      1024 * 1024,
		Stream:            DefaultStreamConfig(),
		EventKeepAlive:    30 * time.Second,
	}
}

// HeartbeatObserver receives heartbeats arriving over HTTP and WebSocket.
// heartbeat.Tracker implements it.
type HeartbeatObserver interface {
	Observe(hb *heartbeat.Heartbeat)
}

// ClientLister reports the liveness of known clients.
type ClientLister interface {
	Clients() []heartbeat.ClientStatus
}

// Searcher is implemented by registries that support full-text search.
type Searcher interface {
	Search(query string, limit int) ([]serviceconfig.ServiceConfig, error)
}

// Options are the server's collaborators. Registry and Bindings are required.
type Options struct {
	Registry   serviceconfig.Registry
	Bindings   *serviceconfig.BindingTable
	Heartbeats HeartbeatObserver
	Clients    ClientLister
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
	Logger     *logging.Logger
	Clock      clockz.Clock
}

// Server serves the configuration API, heartbeat ingress and the registry
// event stream.
type Server struct {
	config Config
	opts   Options
	logger *logging.Logger
	clock  clockz.Clock

	handler http.Handler
	events  *eventHub

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	streams  map[*heartbeatStream]struct{}
	closed   bool
}

// NewServer creates a server. It subscribes to registry events immediately.
func NewServer(cfg Config, opts Options) (*Server, error) {
	if opts.Registry == nil || opts.Bindings == nil {
		return nil, errors.New("transport: registry and bindings are required")
	}

	defaults := DefaultConfig()
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if cfg.Stream.MaxMessageSize <= 0 {
		cfg.Stream = defaults.Stream
	}

	if opts.Clock == nil {
		opts.Clock = clockz.RealClock
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.GetTracer()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	s := &Server{
		config:  cfg,
		opts:    opts,
		logger:  opts.Logger,
		clock:   opts.Clock,
		streams: make(map[*heartbeatStream]struct{}),
	}
	s.events = newEventHub(opts.Registry, s.logger)
	s.handler = s.routes()
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.http != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}

	s.listener = ln
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http_serve_failed", map[string]interface{}{"error": err.Error()})
		}
	}(s.http)

	s.logger.Info("http_listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the address the server is listening on, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// OnShutdown stops accepting requests, ends event and heartbeat streams and
// waits for in-flight requests to finish.
func (s *Server) OnShutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.http
	streams := make([]*heartbeatStream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	s.events.close()
	for _, st := range streams {
		st.Close()
	}

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) addStream(st *heartbeatStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.streams[st] = struct{}{}
	return true
}

func (s *Server) removeStream(st *heartbeatStream) {
	s.mu.Lock()
	delete(s.streams, st)
	s.mu.Unlock()
}
