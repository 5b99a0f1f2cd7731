// Package gateway is the HTTP surface: the SSE and WebSocket push channels,
// the changeset/transcript read API, event ingestion and rescan triggers.
package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/crewdash/internal/audit"
	"github.com/basket/crewdash/internal/changeset"
	"github.com/basket/crewdash/internal/config"
	"github.com/basket/crewdash/internal/events"
	"github.com/basket/crewdash/internal/hub"
	"github.com/basket/crewdash/internal/otel"
	"github.com/basket/crewdash/internal/transcript"
)

const defaultMaxBodyBytes = 1 << 20

type Config struct {
	Store      *events.Store
	Hub        *hub.Hub
	Tracker    *changeset.Tracker
	Reconciler *changeset.Reconciler
	Tailer     *transcript.Tailer

	CORS            config.CORSConfig
	IngestRateLimit config.RateLimitConfig

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
	MaxBodyBytes      int64

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimitMiddleware
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		limiter: NewRateLimitMiddleware(cfg.IngestRateLimit),
		started: time.Now(),
	}
}

// RateLimiter exposes the ingestion limiter so its stale buckets can be
// evicted in the background.
func (s *Server) RateLimiter() *RateLimitMiddleware { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Push channels.
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/changesets", s.handleListChangesets)
	mux.HandleFunc("GET /api/changesets/{id}", s.handleGetChangeset)
	mux.HandleFunc("DELETE /api/changesets/{id}", s.handleDeleteChangeset)
	mux.HandleFunc("GET /api/changesets/{id}/conversation", s.handleConversation)
	mux.HandleFunc("GET /api/changesets/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /api/changesets/{id}/tasks", s.handleTasks)
	mux.HandleFunc("POST /api/changesets/{id}/watch", s.handleWatch)
	mux.HandleFunc("POST /api/changesets/{id}/unwatch", s.handleUnwatch)
	mux.HandleFunc("GET /api/handoffs", s.handleHandoffs)
	mux.HandleFunc("GET /api/transcripts", s.handleListTranscripts)

	mux.Handle("POST /api/events", s.limiter.Wrap(http.HandlerFunc(s.handleIngestEvent)))
	mux.HandleFunc("GET /api/events", s.handleRecentEvents)
	mux.HandleFunc("POST /api/rescan", s.handleRescan)
	mux.HandleFunc("GET /api/debug/sse-status", s.handleSSEStatus)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return s.instrument(h)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":        true,
		"config_hash":    s.cfg.ConfigFingerprint,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"sse_clients":    s.cfg.Hub.ClientCount(),
		"changesets":     len(s.cfg.Tracker.All()),
		"events":         s.cfg.Store.Len(),
	})
}

func (s *Server) handleSSEStatus(w http.ResponseWriter, _ *http.Request) {
	watched := s.cfg.Tailer.Watched()
	writeJSON(w, http.StatusOK, map[string]any{
		"sse_clients":        s.cfg.Hub.ClientCount(),
		"watched_changesets": watched,
		"watched_count":      len(watched),
		"project_paths":      s.cfg.Tracker.ProjectPaths(),
	})
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	added := s.cfg.Reconciler.DiscoverPaths()
	res := s.cfg.Reconciler.Reconcile(r.Context())
	audit.Record("rescan", audit.OutcomeOK, "", fmt.Sprintf("created=%d updated=%d added_paths=%d", res.Created, res.Updated, len(added)), clientKey(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"changesets":  res.Total,
		"created":     res.Created,
		"updated":     res.Updated,
		"added_paths": len(added),
	})
}

// --- middleware ---

// statusRecorder captures the response code while passing through the
// streaming interfaces the push handlers need.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument wraps every request in a server span and records its duration.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.StartServerSpan(r.Context(), s.tracer, r.Method+" "+r.URL.Path,
			otel.AttrHTTPRoute.String(r.URL.Path),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordRequest(ctx, r.Method, status, time.Since(start))
		}
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", status, "duration", time.Since(start))
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{"error": fmt.Sprintf(format, args...)})
}

// queryInt parses a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// queryBool parses a boolean query parameter, falling back to def.
func queryBool(r *http.Request, key string, def bool) bool {
	if v := r.URL.Query().Get(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
