// Package identity resolves the peer identity of relay connections.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// UserHeaderName carries the peer id when the query string does not.
	UserHeaderName = "X-Aloha-User"
	// UserQueryParam is the query parameter naming the peer id.
	UserQueryParam = "user_id"
)

type contextKey int

const (
	userIDKey contextKey = iota
	anonymousKey
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// UserIDFromContext extracts the peer id from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// IsAnonymous reports whether the peer id was generated rather than supplied.
func IsAnonymous(ctx context.Context) bool {
	v, _ := ctx.Value(anonymousKey).(bool)
	return v
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

// SanitizeUserID returns id trimmed, or "" when it is not an acceptable peer id.
func SanitizeUserID(id string) string {
	id = strings.TrimSpace(id)
	if !userIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func userIDFromRequest(r *http.Request) string {
	id := r.URL.Query().Get(UserQueryParam)
	if id == "" {
		id = r.Header.Get(UserHeaderName)
	}
	return SanitizeUserID(id)
}

// Middleware attaches the peer id to the request context. Requests without a
// valid id get a fresh anonymous one.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFromRequest(r)
		anonymous := false
		if userID == "" {
			id, err := generateAnonID()
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}
			userID, anonymous = id, true
		}

		ctx := WithUserID(r.Context(), userID)
		ctx = context.WithValue(ctx, anonymousKey, anonymous)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
