package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/plughost/internal/version"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Prometheus HTTP metrics.
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plughost_http_requests_total",
			Help: "Total number of management API requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plughost_http_request_duration_seconds",
			Help:    "Management API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	httpRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plughost_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by key kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpRateLimited)
}

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order (first argument is outermost).
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

// requestInfo is filled in by the inner layers (auth, the mux) and read by
// the outer ones after the handler returns. Inner layers replace the
// *http.Request, so the pointer travels in the context instead.
type requestInfo struct {
	id      string
	route   string // matched mux pattern, "" when nothing matched
	plugin  string // {id} path value
	option  string // {key} path value
	subject string // token subject when authenticated
}

type requestInfoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

// RequestID returns the request ID from the context.
func RequestID(ctx context.Context) string {
	if info := infoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

// RequestIDMiddleware propagates or assigns X-Request-ID and attaches the
// request info the other layers report through.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestInfoKey{}, &requestInfo{id: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recordRoute wraps the mux and copies the matched pattern and path values
// into the request info, panics included.
func recordRoute(mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if info := infoFrom(r.Context()); info != nil {
				info.route = r.Pattern
				info.plugin = r.PathValue("id")
				info.option = r.PathValue("key")
			}
		}()
		mux.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs each request with the matched route and the plugin
// it addressed, and records request metrics by route. Routes in quiet are
// counted but not logged.
func LoggingMiddleware(logger *zap.Logger, quiet []string) Middleware {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			info := infoFrom(r.Context())
			if info == nil {
				info = &requestInfo{}
			}
			route := info.route
			if route == "" {
				route = "unmatched"
			}

			if !skip[info.route] {
				fields := []zap.Field{
					zap.String("route", route),
					zap.Int("status", sw.status),
					zap.Duration("duration", duration),
					zap.String("request_id", info.id),
				}
				if info.plugin != "" {
					fields = append(fields, zap.String("plugin", info.plugin))
				}
				if info.option != "" {
					fields = append(fields, zap.String("option", info.option))
				}
				if info.subject != "" {
					fields = append(fields, zap.String("subject", info.subject))
				}
				if info.route == "" {
					fields = append(fields, zap.String("path", r.URL.Path))
				}
				logger.Info("api request", fields...)
			}

			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
		})
	}
}

// swaggerCSP lets the bundled Swagger UI load its own scripts and styles.
const swaggerCSP = "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; frame-ancestors 'none'"

// HeadersMiddleware sets the security headers and X-Plughost-Version on
// every response. The API serves only JSON, so its CSP allows nothing; the
// Swagger UI pages get a policy that permits same-origin assets.
func HeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if strings.HasPrefix(r.URL.Path, "/swagger/") {
			h.Set("Content-Security-Policy", swaggerCSP)
		} else {
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}
		h.Set("X-Plughost-Version", version.Short())
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware catches panics and returns a 500 problem response.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					fields := []zap.Field{
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
					}
					if info := infoFrom(r.Context()); info != nil {
						fields = append(fields,
							zap.String("route", info.route),
							zap.String("plugin", info.plugin),
							zap.String("request_id", info.id),
						)
					}
					logger.Error("panic recovered", fields...)
					InternalError(w, "an unexpected error occurred", r.URL.Path)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware throttles /api/ requests with one token bucket per
// caller: the token subject when the request is authenticated, the remote
// address otherwise. It must run after AuthMiddleware to see the subject.
func RateLimitMiddleware(rps float64, burst int) Middleware {
	rl := &rateLimiter{rateVal: rate.Limit(rps), burst: burst}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}
			kind, key := "ip", remoteIP(r)
			if c := ClaimsFromContext(r.Context()); c != nil {
				kind, key = "subject", c.Subject
			}
			if !rl.allow(kind + ":" + key) {
				httpRateLimited.WithLabelValues(kind).Inc()
				RateLimited(w, "rate limit exceeded", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// maxLimiters bounds the bucket map before idle entries are evicted.
const maxLimiters = 10000

type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rateLimitEntry
	rateVal  rate.Limit
	burst    int
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiters == nil {
		l.limiters = make(map[string]*rateLimitEntry)
	}
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxLimiters {
			l.evictIdle()
		}
		e = &rateLimitEntry{limiter: rate.NewLimiter(l.rateVal, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// evictIdle drops buckets not used in the last 10 minutes. l.mu must be held.
func (l *rateLimiter) evictIdle() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}

// remoteIP is the peer address of the connection. The API is not meant to
// sit behind a proxy, so forwarding headers are ignored.
func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// statusWriter wraps ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer so the event stream can hijack the
// connection through http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
