package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/token"
)

// requestTimeout bounds every request, including its storage calls.
const requestTimeout = 30 * time.Second

// Prometheus metrics for monitoring HTTP requests
var (
	// Counter for total HTTP requests by method, route, and status code
	requestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests made.",
		},
		[]string{"method", "path", "code"},
	)

	// Histogram for HTTP request duration by method and route
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// access is what a route demands before its handler runs.
type access int

const (
	// public routes need neither an API key nor a token.
	public access = iota
	// gated routes need a valid API key.
	gated
	// optionalToken routes need an API key and validate a token when one is sent.
	optionalToken
	// requiredToken routes need an API key and a valid token.
	requiredToken
)

// timeoutMiddleware adds a timeout to requests to prevent resource exhaustion.
// The deadline propagates to storage calls through the request context.
func (h *Handler) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs request details and collects metrics for monitoring.
// Routes are labelled by their registered pattern so that ids in the path do
// not blow up label cardinality.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap ResponseWriter to capture the actual status code returned
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", duration,
			"user_agent", r.UserAgent(),
			"correlationId", w.Header().Get(headerCorrelationID),
		)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		requestCount.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture the HTTP status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before calling the original WriteHeader.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write delegates to the original ResponseWriter's Write method.
func (rw *responseWriter) Write(b []byte) (int, error) {
	return rw.ResponseWriter.Write(b)
}

// guard enforces the API key gate and token authentication for a route.
// A Consent token is revoked as soon as it validates, before the handler
// gets to check whether it grants the requested action. Only the request
// whose revocation inserted the denylist entry may proceed.
func (h *Handler) guard(level access, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if level == public {
			next(w, r)
			return
		}
		if !h.apiKeyAllowed(r) {
			h.writeErrorWithRequest(w, r, http.StatusUnauthorized, codeUnauthenticated, "missing or unknown API key", nil)
			return
		}
		if level == gated {
			next(w, r)
			return
		}

		raw, present, ok := bearerToken(r)
		if !ok {
			h.fail(w, r, errUnauthenticated)
			return
		}
		if !present {
			if level == requiredToken {
				h.fail(w, r, errUnauthenticated)
				return
			}
			next(w, r)
			return
		}

		claims, err := h.validator.Validate(r.Context(), raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if _, consent := claims.Kind.(token.Consent); consent {
			inserted, err := h.revocations.Revoke(r.Context(), claims.ID, claims.Expiry())
			if err != nil {
				h.fail(w, r, fmt.Errorf("revoke consent token: %w", err))
				return
			}
			// A concurrent request presenting the same token spent it first.
			if !inserted {
				h.fail(w, r, errUnauthenticated)
				return
			}
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next(w, r.WithContext(ctx))
	}
}

// apiKeyAllowed reports whether the request carries a configured API key. The
// gate is open when no keys are configured, which config only allows in dev.
func (h *Handler) apiKeyAllowed(r *http.Request) bool {
	if len(h.cfg.APIKeys) == 0 {
		return true
	}
	presented := r.Header.Get(h.cfg.APIKeyHeader)
	if presented == "" {
		return false
	}
	allowed := false
	for _, key := range h.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
			allowed = true
		}
	}
	return allowed
}

// bearerToken extracts the token from "Authorization: bearer <jwt>". present
// is false when no Authorization header was sent; ok is false when one was
// sent but is not a bearer token.
func bearerToken(r *http.Request) (raw string, present, ok bool) {
	header := strings.TrimSpace(r.Header.Get(headerAuthorization))
	if header == "" {
		return "", false, true
	}
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", true, false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", true, false
	}
	return value, true, true
}

// claimsFrom returns the validated token claims of the request, if any.
func claimsFrom(ctx context.Context) (token.Claims, bool) {
	c, ok := ctx.Value(contextKeyClaims).(token.Claims)
	return c, ok
}
