package middleware

import (
	"context"
	"encoding/json"
	"net/http"
)

type contextKey string

const (
	OrganizationIDKey contextKey = "organization_id"
	ActorIDKey        contextKey = "actor_id"

	// Headers set by the authenticating gateway.
	OrganizationHeader = "X-Organization-ID"
	ActorHeader        = "X-Actor-ID"
)

// Organization requires the gateway's organization header and stores the
// organization and actor in the request context.
func Organization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := r.Header.Get(OrganizationHeader)
		if org == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "missing " + OrganizationHeader + " header"})
			return
		}

		ctx := context.WithValue(r.Context(), OrganizationIDKey, org)
		if actor := r.Header.Get(ActorHeader); actor != "" {
			ctx = context.WithValue(ctx, ActorIDKey, actor)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OrganizationID returns the organization set by Organization.
func OrganizationID(ctx context.Context) (string, bool) {
	org, ok := ctx.Value(OrganizationIDKey).(string)
	return org, ok && org != ""
}

// ActorID returns the acting user, or "system" when the gateway sent none.
func ActorID(ctx context.Context) string {
	if actor, ok := ctx.Value(ActorIDKey).(string); ok && actor != "" {
		return actor
	}
	return "system"
}
