package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"asphare/internal/auth"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, principalKey{}, username)
}

func principalFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(principalKey{}).(string)
	return username, ok && username != ""
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware enforces bearer tokens on the API base path. Health,
// metrics, docs and the login endpoints stay open, as do the consumer-facing
// pull, stats and replay progress endpoints: the external polling consumer
// has no way to run the operator login flow.
func newAuthMiddleware(basePath string, svc *auth.Service) func(http.Handler) http.Handler {
	open := map[string]bool{
		"/health":                                 true,
		"/metrics":                                true,
		"/docs":                                   true,
		path.Join(basePath, "health"):             true,
		path.Join(basePath, "auth", "code"):       true,
		path.Join(basePath, "auth", "verify"):     true,
		path.Join(basePath, "openapi.json"):       true,
		path.Join(basePath, "openapi.yaml"):       true,
		path.Join(basePath, "events", "pull"):     true,
		path.Join(basePath, "stats"):              true,
		path.Join(basePath, "replay", "status"):   true,
		path.Join(basePath, "replay", "progress"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			username, err := svc.Verify(token)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), username)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
