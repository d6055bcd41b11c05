package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/auth"
)

// ContextKey type for context keys to avoid collisions
type ContextKey string

const (
	// SubjectKey is the context key for the authenticated token subject
	SubjectKey ContextKey = "subject"
	// ClaimsKey is the context key for the token claims
	ClaimsKey ContextKey = "claims"
)

// Middleware provides HTTP middleware functions
type Middleware struct {
	auth   *auth.Authenticator
	logger *zap.Logger
}

// NewMiddleware creates a new middleware instance. A nil authenticator
// disables token checks.
func NewMiddleware(authenticator *auth.Authenticator, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{
		auth:   authenticator,
		logger: logger,
	}
}

func (m *Middleware) authRequired() bool {
	return m.auth != nil
}

// AdminRequired middleware requires a valid token carrying the admin claim
func (m *Middleware) AdminRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.auth == nil {
			next(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeError(w, "Authorization header required for admin access", http.StatusUnauthorized)
			return
		}

		claims, err := m.auth.Validate(token)
		if err != nil {
			writeError(w, "Invalid token for admin access: "+err.Error(), http.StatusUnauthorized)
			return
		}

		if !claims.Admin {
			writeError(w, "Admin privileges required", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, claims.Subject)
		ctx = context.WithValue(ctx, ClaimsKey, claims)

		next(w, r.WithContext(ctx))
	}
}

// GetOnly rejects every method but GET and HEAD
func (m *Middleware) GetOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// ContentType middleware sets the content type to JSON
func (m *Middleware) ContentType(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Logging middleware logs each request at debug level
func (m *Middleware) Logging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		m.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	}
}

// Recovery middleware recovers from panics and returns 500 error
func (m *Middleware) Recovery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.Error("handler panicked", zap.String("path", r.URL.Path), zap.Any("panic", err))
				writeError(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// extractToken extracts the token from the Authorization header. Both
// "Bearer token" and a bare token are accepted.
func extractToken(r *http.Request) string {
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
}

// GetClaims extracts the token claims from the request context
func GetClaims(r *http.Request) *auth.Claims {
	if claims, ok := r.Context().Value(ClaimsKey).(*auth.Claims); ok {
		return claims
	}
	return nil
}
