package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/ideaqlabs/earn/internal/earn"
	"github.com/ideaqlabs/earn/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// HeaderIdentity carries the caller's stable id (usually an email)
	HeaderIdentity = "X-Earn-Identity"

	// HeaderName carries an optional display name
	HeaderName = "X-Earn-Name"

	// HeaderRequestID echoes the id assigned to each request
	HeaderRequestID = "X-Request-ID"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	contextKeyIdentity  contextKey = "identity"
	contextKeyRequestID contextKey = "request_id"
)

type identity struct {
	key         string
	displayName string
}

// IdentityMiddleware resolves the caller's identity key from request headers.
// Requests without an identity are served as the guest.
func IdentityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var who earn.Identity
			if stable := strings.TrimSpace(r.Header.Get(HeaderIdentity)); stable != "" {
				user := &earn.User{ID: stable, Metadata: earn.UserMetadata{Name: r.Header.Get(HeaderName)}}
				if strings.Contains(stable, "@") {
					user.Email = stable
				}
				who = user
			}

			id := identity{key: earn.ResolveIdentityKey(who)}
			if who != nil {
				id.displayName = who.DisplayName()
			}

			ctx := context.WithValue(r.Context(), contextKeyIdentity, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFromContext(ctx context.Context) identity {
	if id, ok := ctx.Value(contextKeyIdentity).(identity); ok {
		return id
	}
	return identity{key: earn.GuestKey}
}

// RequestIDMiddleware tags each request with an id, keeping one supplied by the caller.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)

			ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// LoggingMiddleware logs each request and records its duration.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response writer wrapper to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			duration := time.Since(start)
			metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Observe(duration.Seconds())

			logger.Debug().
				Str("request_id", w.Header().Get(HeaderRequestID)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", duration).
				Msg("API request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
