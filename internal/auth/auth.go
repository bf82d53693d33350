// Package auth guards the admin surface's debug routes. It is mounted
// on the /debug subrouter only (internal/api/server.go), so unlike a
// tunnel-CRUD API's auth layer it never needs to special-case health or
// metrics endpoints; those live outside its mount point entirely.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/zerodha/logf"

	"github.com/firezone/tunnel-core/internal/metrics"
)

type contextKey string

const (
	// ContextKeyAPIKey is the context key the validated key is stored under.
	ContextKeyAPIKey contextKey = "api_key"

	// HeaderAPIKey is the preferred header for presenting a debug key.
	HeaderAPIKey = "X-Debug-Key"

	// BearerPrefix is the Authorization scheme accepted as a fallback.
	BearerPrefix = "Bearer "
)

// Authenticator gates the admin surface's debug routes behind a static set
// of keys. An empty key set means the debug surface is unauthenticated;
// acceptable for a loopback-only admin listener, never for one bound to a
// routable address.
type Authenticator struct {
	keys   map[string]bool
	logger logf.Logger
}

// New builds an Authenticator from the configured debug keys. Empty
// strings in apiKeys are ignored so a blank CLI flag doesn't become a
// valid key.
func New(apiKeys []string, logger logf.Logger) *Authenticator {
	keys := make(map[string]bool, len(apiKeys))
	for _, key := range apiKeys {
		if key != "" {
			keys[key] = true
		}
	}
	return &Authenticator{keys: keys, logger: logger}
}

// Middleware rejects requests lacking a valid debug key. It is meant to
// wrap only the /debug subrouter; callers must not apply it to /health or
// /metrics.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := a.extractKey(r)
		if key == "" {
			metrics.AuthFailures.Inc()
			http.Error(w, "missing debug key", http.StatusUnauthorized)
			return
		}
		if !a.isValidKey(key) {
			metrics.AuthFailures.Inc()
			a.logger.Warn("rejected debug key", "remote", r.RemoteAddr)
			http.Error(w, "invalid debug key", http.StatusUnauthorized)
			return
		}

		metrics.AuthSuccesses.Inc()
		ctx := context.WithValue(r.Context(), ContextKeyAPIKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractKey reads the debug key from the X-Debug-Key header, falling
// back to a Bearer Authorization header.
func (a *Authenticator) extractKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, BearerPrefix) {
		return strings.TrimPrefix(h, BearerPrefix)
	}
	return ""
}

// isValidKey compares key against every configured key in constant time,
// so a mistyped key doesn't leak how many characters matched.
func (a *Authenticator) isValidKey(key string) bool {
	for valid := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// FromContext retrieves the debug key a successful Middleware check
// stored on the request context.
func FromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(ContextKeyAPIKey).(string)
	return key, ok
}
