package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// DevUserHeader carries the acting user id when authentication is disabled.
const DevUserHeader = "X-User-ID"

type ctxKey struct{}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserIDFromContext returns the acting user id stored by Require.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter for browser WebSocket clients.
func TokenFromRequest(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw != "" {
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Resolver determines the acting user of a request.
//
// With Required=true only verified tokens are accepted. Otherwise a valid
// token still wins, and the DevUserHeader is trusted as a development fallback.
type Resolver struct {
	Verifier *Verifier
	Required bool
}

// Resolve returns the acting user id. An empty id with a nil error means the
// request is anonymous (development mode only).
func (res *Resolver) Resolve(r *http.Request) (string, error) {
	token := TokenFromRequest(r)
	if token != "" && res.Verifier != nil {
		claims, err := res.Verifier.Verify(token)
		if err != nil {
			return "", err
		}
		return claims.UserID(), nil
	}
	if res.Required {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(r.Header.Get(DevUserHeader)), nil
}

// Require rejects requests without an acting user and stores the id in the context.
func (res *Resolver) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := res.Resolve(r)
		if err == nil && userID == "" {
			err = ErrMissingToken
		}
		if err != nil {
			writeUnauthenticated(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func writeUnauthenticated(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("WWW-Authenticate", `Bearer realm="chat"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "unauthenticated", "message": err.Error()},
	})
}
