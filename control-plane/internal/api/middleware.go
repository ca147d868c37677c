package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pilot-net/dialer/control-plane/internal/config"
)

type contextKey int

const tenantKey contextKey = iota

// AgentTokenMiddleware rejects requests whose bearer credential is not the
// shared agent token. An empty token rejects everything.
func AgentTokenMiddleware(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearerToken(r)
			if !ok || token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.Warn("agent auth failed",
					"path", r.URL.Path,
					"agent_id", r.Header.Get("X-Agent-ID"),
					"has_auth_header", ok,
				)
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TenantScopeMiddleware authenticates X-Tenant-ID plus a bearer API key
// against the configured bcrypt hashes and stores the tenant in the context.
func TenantScopeMiddleware(tenants []config.TenantConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	hashes := make(map[int64][]byte, len(tenants))
	for _, t := range tenants {
		hashes[t.ID] = []byte(t.APIKeyHash)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, err := strconv.ParseInt(r.Header.Get("X-Tenant-ID"), 10, 64)
			apiKey, ok := bearerToken(r)
			if err != nil || !ok {
				logger.Warn("tenant auth failed: missing credentials", "path", r.URL.Path)
				unauthorized(w)
				return
			}

			hash, known := hashes[tenantID]
			if !known || bcrypt.CompareHashAndPassword(hash, []byte(apiKey)) != nil {
				logger.Warn("tenant auth failed: invalid API key",
					"tenant_id", tenantID,
					"path", r.URL.Path,
				)
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenantID)))
		})
	}
}

// tenantFromContext returns the tenant authenticated by TenantScopeMiddleware.
func tenantFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(tenantKey).(int64)
	return id
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
