package worker

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// requestIDKey is the context key for request IDs.
type requestIDKey struct{}

// allowedOrigins is the whitelist of origins allowed for CORS.
// Exact matching prevents bypasses like "evil-localhost.com".
var allowedOrigins = map[string]bool{
	"http://localhost":       true,
	"http://localhost:5173":  true, // Vite dev server
	"http://localhost:37790": true,
	"http://127.0.0.1":       true,
	"http://127.0.0.1:5173":  true,
	"http://127.0.0.1:37790": true,
}

// SecurityHeaders adds security headers and CORS for local origins.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")

		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Auth-Token, Authorization, X-Request-ID")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// MaxBodySize limits the size of incoming request bodies.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// TokenAuth requires a shared token on API requests. An empty token
// disables the check.
type TokenAuth struct {
	ExemptPaths map[string]bool
	token       string
}

// NewTokenAuth creates a TokenAuth for token.
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{
		token: token,
		ExemptPaths: map[string]bool{
			"/health":      true,
			"/api/health":  true,
			"/api/ready":   true,
			"/api/version": true,
		},
	}
}

// Enabled reports whether a token is required.
func (ta *TokenAuth) Enabled() bool {
	return ta.token != ""
}

// Middleware enforces the token from X-Auth-Token or a Bearer Authorization header.
func (ta *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ta.Enabled() || ta.ExemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("X-Auth-Token")
		if provided == "" {
			if bearer, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found {
				provided = bearer
			}
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(ta.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestID adds a request ID to the context and the response headers.
// A client-supplied X-Request-ID is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequireJSONContentType rejects POST, PUT and PATCH bodies that are not JSON.
// An empty Content-Type is allowed for requests without a body.
func RequireJSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// CooldownLimiter allows a destructive operation at most once per cooldown.
type CooldownLimiter struct {
	last     time.Time
	cooldown time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewCooldownLimiter creates a limiter with the given cooldown.
func NewCooldownLimiter(cooldown time.Duration) *CooldownLimiter {
	return &CooldownLimiter{cooldown: cooldown, now: time.Now}
}

// Allow reports whether the operation may run now and, if so, starts a new cooldown.
func (cl *CooldownLimiter) Allow() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	if !cl.last.IsZero() && now.Sub(cl.last) < cl.cooldown {
		return false
	}
	cl.last = now
	return true
}

// Remaining returns the time left in the current cooldown.
func (cl *CooldownLimiter) Remaining() time.Duration {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.last.IsZero() {
		return 0
	}
	return max(cl.cooldown-cl.now().Sub(cl.last), 0)
}
