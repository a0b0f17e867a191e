package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"insight-cli/internal/monitor"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyAPIKey    contextKey = "api_key"
)

func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// maxRequestIDLen bounds client supplied request ids; longer ones are replaced.
const maxRequestIDLen = 64

// RequestIDMiddleware tags the request with an id and attaches a child
// logger carrying it, retrievable with zerolog.Ctx.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		logger := log.With().Str("request_id", id).Logger()
		ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
		ctx = logger.WithContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs one line per request. Client errors log at warn,
// server errors at error.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		logger := requestLogger(r)
		ev := logger.Info()
		switch {
		case wrapped.status >= 500:
			ev = logger.Error()
		case wrapped.status >= 400:
			ev = logger.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Int("bytes", wrapped.bytes).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("request completed")
	})
}

// requestLogger returns the logger attached by RequestIDMiddleware, or the
// global logger outside of it.
func requestLogger(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// statusRecorder captures the status code and body size for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// AuthMiddleware accepts a request carrying one of allowedKeys in X-API-Key
// or as a bearer token, or a bearer token for which verify returns true.
// With no keys configured every request is accepted.
func AuthMiddleware(allowedKeys []string, verify func(token string) bool) func(http.Handler) http.Handler {
	keySet := make(map[string]struct{}, len(allowedKeys))
	for _, k := range allowedKeys {
		if k == "" {
			continue
		}
		keySet[k] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keySet) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = bearerToken(r)
			}

			_, known := keySet[key]
			if key == "" || (!known && (verify == nil || !verify(key))) {
				writeError(w, "unauthorized", "AUTH_REQUIRED", http.StatusUnauthorized, r)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAPIKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware applies a token bucket per client address. Idle
// buckets are dropped after five minutes.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var mu sync.Mutex
	visitors := make(map[string]*visitor)
	lastSweep := time.Now()

	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// X-Forwarded-For is client controlled and never trusted here.
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			now := time.Now()
			mu.Lock()
			if now.Sub(lastSweep) > time.Minute {
				for addr, v := range visitors {
					if now.Sub(v.lastSeen) > 5*time.Minute {
						delete(visitors, addr)
					}
				}
				lastSweep = now
			}
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(limit, burst)}
				visitors[ip] = v
			}
			v.lastSeen = now
			allowed := v.limiter.AllowN(now, 1)
			mu.Unlock()

			if !allowed {
				w.Header().Set("Retry-After", "1")
				writeError(w, "rate limit exceeded", "RATE_LIMITED", http.StatusTooManyRequests, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func MetricsMiddleware(metrics *monitor.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.RequestsInFlight.Inc()
			defer metrics.RequestsInFlight.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				requestLogger(r).Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("panic recovered")
				writeError(w, "internal server error", "INTERNAL", http.StatusInternalServerError, r)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func MaxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
