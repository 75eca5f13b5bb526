package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Token is a shared secret, given either in the clear or as a bcrypt hash.
type Token struct {
	Plain string
	Hash  string
}

// Configured reports whether any secret is set.
func (t Token) Configured() bool {
	return t.Plain != "" || t.Hash != ""
}

// Matches checks a presented bearer token against the secret.
func (t Token) Matches(presented string) bool {
	if presented == "" {
		return false
	}
	if t.Hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(t.Hash), []byte(presented)) == nil
	}
	if t.Plain != "" {
		return subtle.ConstantTimeCompare([]byte(t.Plain), []byte(presented)) == 1
	}
	return false
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireToken rejects requests without a matching bearer token with 401.
// An unconfigured token rejects everything.
func RequireToken(token Token) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !token.Configured() || !token.Matches(BearerToken(r)) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="billing"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
