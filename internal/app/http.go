package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Route paths served by the HTTP handler.
const (
	RouteMyPullRequests = "/pull-requests/stats"
	RouteReviews        = "/pull-requests/reviews/stats"
)

// HTTPHandlers are the endpoint handlers mounted by NewHTTPHandler. Nil handlers answer 404.
type HTTPHandlers struct {
	MyPullRequests http.Handler
	Reviews        http.Handler
	Metrics        http.Handler
	Health         http.Handler
	Logger         *zap.Logger
}

// NewHTTPHandler wires the stats, metrics and health endpoints on a single router.
func NewHTTPHandler(handlers HTTPHandlers) http.Handler {
	logger := handlers.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	traceMode := telemetry.CurrentMode()
	router.Method(http.MethodGet, RouteMyPullRequests, wrapHTTPHandler(traceMode, "my_pull_requests", handlers.MyPullRequests))
	router.Method(http.MethodGet, RouteReviews, wrapHTTPHandler(traceMode, "reviews", handlers.Reviews))
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", handlers.Metrics))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", handlers.Health))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", handlers.Health))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", handlers.Health))
	return router
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusCapturingResponseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}
			next.ServeHTTP(recorder, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", recorder.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			switch {
			case recorder.status >= http.StatusInternalServerError:
				logger.Warn("http request completed", fields...)
			case isProbePath(r.URL.Path):
				logger.Debug("http request completed", fields...)
			default:
				logger.Info("http request completed", fields...)
			}
		})
	}
}

func isProbePath(path string) bool {
	switch path {
	case "/metrics", "/livez", "/readyz", "/healthz":
		return true
	default:
		return false
	}
}

func wrapHTTPHandler(traceMode telemetry.Mode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if traceMode == telemetry.ModeOff {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.Tracer("app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
