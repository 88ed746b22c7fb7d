// Package server exposes the storage engine over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/cache"
	"github.com/dataplayground/storage-engine/engine"
	"github.com/dataplayground/storage-engine/protocol"
	"github.com/dataplayground/storage-engine/quota"
	"github.com/dataplayground/storage-engine/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// MaxBodyBytes bounds the size of a command request body.
	MaxBodyBytes int64

	// MaxConnections bounds the number of simultaneous connections.
	// Zero means unlimited.
	MaxConnections int

	// ReadTimeout bounds reading a request, body included.
	ReadTimeout time.Duration

	// IdleTimeout bounds keep-alive connections.
	IdleTimeout time.Duration

	// AuthToken is the Bearer token required for authentication.
	// When empty, authentication is disabled.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the storage engine.
type Server struct {
	config     Config
	engine     *engine.Engine
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates a server that dispatches commands to eng.
func New(cfg Config, eng *engine.Engine) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 768 << 20
	}

	s := &Server{
		config: cfg,
		engine: eng,
		logger: cfg.Logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	// No write timeout: /v1/events streams for as long as the client stays
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("POST /v1/commands", s.handleCommand)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Cache             *cache.Stats    `json:"cache"`
	Quota             *quota.Snapshot `json:"quota,omitempty"`
	PayloadsSupported bool            `json:"payloads_supported"`
	Subscribers       int             `json:"subscribers"`
}

// handleStats reports cache statistics and storage usage.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	svc := s.engine.Services()

	stats, err := svc.Cache.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := StatsResponse{
		Cache:             stats,
		PayloadsSupported: svc.Cache.PayloadsSupported(),
		Subscribers:       s.engine.Hub().Subscribers(),
	}
	if svc.Quota != nil {
		snap, err := svc.Quota.Snapshot(r.Context())
		if err != nil {
			s.logger.Warn("quota snapshot failed", "error", err)
		} else {
			resp.Quota = snap
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCommand decodes a Request, runs its command and writes the Response.
// Command failures are reported in the response envelope with status 200;
// non-200 statuses mean the command never produced an event.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, protocol.NewResponse("", start, protocol.Failed(&protocol.ErrorInfo{
				Code:    protocol.CodeLimitExceeded,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})))
			return
		}
		writeJSON(w, http.StatusBadRequest, protocol.NewResponse("", start, protocol.Failed(protocol.ErrorInfoFor(
			&storageengine.SerializationError{Message: "reading request", Err: err},
		))))
		return
	}

	req, err := protocol.DecodeRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.NewResponse("", start, protocol.Failed(protocol.ErrorInfoFor(err))))
		return
	}
	telemetry.SetCommand(r, string(req.Payload.Type))

	evt, err := s.engine.Dispatch(r.Context(), req.Payload)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeJSON(w, status, protocol.NewResponse(req.ID, start, protocol.Failed(protocol.ErrorInfoFor(err))))
		return
	}

	if status, ok := evt.Payload.(*protocol.CacheStatus); ok {
		telemetry.SetCacheResult(r.Context(), cacheResult(status.Status))
	}
	writeJSON(w, http.StatusOK, protocol.NewResponse(req.ID, start, protocol.ResultFor(evt)))
}

func cacheResult(v cache.Validation) telemetry.CacheResult {
	switch v {
	case cache.Valid:
		return telemetry.CacheValid
	case cache.Stale:
		return telemetry.CacheStale
	default:
		return telemetry.CacheMissing
	}
}

// handleEvents streams broadcast events, such as quota warnings, as
// server-sent events until the client disconnects or the engine stops.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	events, cancel := s.engine.Hub().Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream not flushable", "error", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("encoding event", "event", evt.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set command and cache_result
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Command != "" {
			attrs = append(attrs, "command", tags.Command)
		}
		if tags.CacheResult != telemetry.CacheNA {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln, bounding concurrent connections when configured.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"max_connections", s.config.MaxConnections,
		"max_body_bytes", s.config.MaxBodyBytes,
	)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server. Open event streams end when the
// engine stops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the address the server listens on.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
