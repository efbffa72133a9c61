// Package httpapi serves the coordinator over JSON HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/gtxd/internal/coordinator"
	"pkt.systems/gtxd/internal/correlation"
	"pkt.systems/gtxd/internal/hoststats"
	"pkt.systems/gtxd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultMaxBodyBytes bounds request bodies when Config.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 1 << 20

// Config wires a Handler.
type Config struct {
	Coordinator *coordinator.Coordinator
	// Host feeds GET /v1/status/host. Nil disables the endpoint.
	Host   *hoststats.Sampler
	Logger pslog.Logger
	// Tracing wraps every route with otelhttp and records per-operation spans.
	Tracing bool
	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64
	// Ready reports whether recovery finished. Nil is always ready.
	Ready func() bool
}

// Handler serves the coordinator API.
type Handler struct {
	coord        *coordinator.Coordinator
	host         *hoststats.Sampler
	logger       pslog.Logger
	tracer       trace.Tracer
	tracing      bool
	maxBodyBytes int64
	ready        func() bool
}

// New builds a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{
		coord:        cfg.Coordinator,
		host:         cfg.Host,
		logger:       logger,
		tracer:       otel.Tracer("pkt.systems/gtxd/httpapi"),
		tracing:      cfg.Tracing,
		maxBodyBytes: maxBody,
		ready:        cfg.Ready,
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/begin", h.wrap("begin", h.handleBegin))
	mux.Handle("POST /v1/branch/register", h.wrap("branch.register", h.handleBranchRegister))
	mux.Handle("POST /v1/branch/report", h.wrap("branch.report", h.handleBranchReport))
	mux.Handle("POST /v1/commit", h.wrap("commit", h.handleCommit))
	mux.Handle("POST /v1/rollback", h.wrap("rollback", h.handleRollback))
	mux.Handle("GET /v1/status", h.wrap("status", h.handleStatus))
	mux.Handle("POST /v1/lock/query", h.wrap("lock.query", h.handleLockQuery))
	mux.Handle("GET /v1/sessions", h.wrap("sessions.list", h.handleSessions))
	mux.Handle("GET /v1/sessions/{xid}", h.wrap("sessions.get", h.handleSession))
	mux.Handle("GET /v1/queues", h.wrap("queues", h.handleQueues))
	mux.Handle("GET /v1/status/host", h.wrap("status.host", h.handleHostStatus))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("GET /readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		cid := correlation.FromRequest(r)
		ctx = correlation.Set(ctx, cid)

		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, "gtxd.api."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("gtxd.sys", sys),
					attribute.String("gtxd.correlation_id", cid),
				),
			)
			defer span.End()
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.Header, cid)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, errorCode(err))
			}
			if errors.Is(err, context.Canceled) {
				logger.Trace("http.request.canceled", "elapsed", time.Since(start))
			} else {
				logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			}
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "gtxd.http."+operation)
}
