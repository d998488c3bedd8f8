package transport

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/propagation"

	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/heartbeat"
	"github.com/vinayprograms/fleetconf/serviceconfig"
)

// routes builds the mux. Route patterns double as metric and span labels.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, s.requireAuth(h)))
	}
	open := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}

	admin("POST /serviceconfig", s.handleCreate)
	admin("PUT /serviceconfig", s.handleUpdate)
	admin("GET /serviceconfig", s.handleList)
	admin("GET /serviceconfig/search", s.handleSearch)
	admin("GET /serviceconfig/query", s.handleQuery)
	admin("GET /serviceconfig/events", s.handleEvents)
	admin("GET /serviceconfig/{id}", s.handleGet)
	admin("PUT /serviceconfig/{id}", s.handleUpdateByID)
	admin("DELETE /serviceconfig/{id}", s.handleDelete)

	admin("GET /client", s.handleListClients)
	admin("PUT /client/{clientID}/config", s.handleBind)
	admin("DELETE /client/{clientID}/config", s.handleUnbind)
	open("GET /client/{clientID}/config", s.handleClientConfig)
	open("POST /client/{clientID}/heartbeat", s.handleHeartbeat)
	open("GET /heartbeat/stream", s.handleStream)

	open("GET /health", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}

	return mux
}

// --- Configuration Registry ---

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.decodeConfig(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.opts.Registry.Create(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.decodeConfig(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.update(w, cfg)
}

func (s *Server) handleUpdateByID(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.decodeConfig(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if cfg.ID != "" && cfg.ID != id {
		writeError(w, ferrors.InvalidInput("body id does not match path", ferrors.WithConfigID(id)))
		return
	}
	cfg.ID = id
	s.update(w, cfg)
}

func (s *Server) update(w http.ResponseWriter, cfg serviceconfig.ServiceConfig) {
	updated, err := s.opts.Registry.Update(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.opts.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Registry.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.opts.Registry.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	searcher, ok := s.opts.Registry.(Searcher)
	if !ok {
		writeError(w, ferrors.Unsupported("search is not available"))
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, ferrors.InvalidInput("query parameter q is required"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, ferrors.InvalidInput("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	results, err := searcher.Search(q, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleQuery answers "which configuration does this client run": 404 when
// the client was never bound, 410 when its configuration was deleted.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientid")
	if clientID == "" {
		writeError(w, ferrors.InvalidInput("query parameter clientid is required"))
		return
	}
	s.writeBound(w, clientID)
}

// --- Client Bindings ---

// handleBind binds a client. The body is either a full configuration
// (created or updated, then bound) or a bare {"id": ...} reference to an
// existing one.
func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientID")

	var cfg serviceconfig.ServiceConfig
	if err := s.decodeBody(w, r, &cfg); err != nil {
		writeError(w, err)
		return
	}

	var (
		bound *serviceconfig.ServiceConfig
		err   error
	)
	if isReference(cfg) {
		bound, err = s.opts.Bindings.BindID(clientID, cfg.ID)
	} else {
		if err = cfg.Validate(); err == nil {
			bound, err = s.opts.Bindings.Bind(clientID, cfg)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bound)
}

func isReference(cfg serviceconfig.ServiceConfig) bool {
	return cfg.ID != "" && cfg.Name == "" && len(cfg.DownloadItems) == 0 && cfg.StartServiceScript == ""
}

func (s *Server) handleUnbind(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Bindings.Unbind(r.PathValue("clientID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	s.writeBound(w, r.PathValue("clientID"))
}

func (s *Server) writeBound(w http.ResponseWriter, clientID string) {
	cfg, err := s.opts.Bindings.Lookup(clientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	if s.opts.Clients == nil {
		writeError(w, ferrors.Unsupported("client tracking is not available"))
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Clients.Clients())
}

// --- Heartbeats ---

// handleHeartbeat records a heartbeat and answers with the client's current
// configuration, or 204 when it has none.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientID")

	hb := &heartbeat.Heartbeat{}
	if r.ContentLength != 0 {
		if err := s.decodeBody(w, r, hb); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, err)
			return
		}
	}
	if hb.ClientID != "" && hb.ClientID != clientID {
		writeError(w, ferrors.InvalidInput("body client_id does not match path", ferrors.WithClientID(clientID)))
		return
	}
	hb.ClientID = clientID
	s.observe(hb)

	cfg, ok := s.opts.Bindings.Resolve(clientID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) observe(hb *heartbeat.Heartbeat) {
	if hb.Timestamp.IsZero() {
		hb.Timestamp = s.clock.Now()
	}
	if s.opts.Heartbeats != nil {
		s.opts.Heartbeats.Observe(hb)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

func (s *Server) decodeConfig(w http.ResponseWriter, r *http.Request) (serviceconfig.ServiceConfig, error) {
	var cfg serviceconfig.ServiceConfig
	if err := s.decodeBody(w, r, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return ferrors.InvalidInput("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as its structured JSON form with the status its
// code maps to.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, io.EOF) {
		err = ferrors.InvalidInput("request body is required")
	}
	var coded *ferrors.Error
	if !errors.As(err, &coded) {
		coded = ferrors.Internal(err.Error())
	}
	writeJSON(w, coded.Code().HTTPStatus(), coded)
}

// requireAuth enforces basic auth when credentials are configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.config.Username == "" {
		return next
	}
	user, pass := []byte(s.config.Username), []byte(s.config.Password)

	return func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), user) != 1 ||
			subtle.ConstantTimeCompare([]byte(p), pass) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="fleetconf"`)
			writeError(w, ferrors.Unauthorized("valid credentials required"))
			return
		}
		next(w, r)
	}
}

// instrument wraps a handler with a server span, a request counter and a
// debug log line.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		ctx, span := s.opts.Tracer.StartRequestSpan(r.Context(), route, propagation.HeaderCarrier(r.Header))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		s.opts.Tracer.EndRequestSpan(span, rec.status)
		if s.opts.Metrics != nil {
			s.opts.Metrics.ConfigRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		}
		s.logger.Debug("http_request", map[string]interface{}{
			"route":       route,
			"status":      rec.status,
			"duration_ms": s.clock.Since(start).Milliseconds(),
		})
	})
}

// statusRecorder captures the response status. It passes through flushing
// and hijacking for the event and WebSocket streams.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
