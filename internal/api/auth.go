package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// TokenAuthenticator guards the API with a single static bearer token. The
// configured token is hashed at construction so request handling only ever
// compares digests. An empty token disables the check entirely.
type TokenAuthenticator struct {
	digest  [sha256.Size]byte
	enabled bool
}

// NewTokenAuthenticator hashes token for later comparison.
func NewTokenAuthenticator(token string) *TokenAuthenticator {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return &TokenAuthenticator{}
	}
	return &TokenAuthenticator{digest: sha256.Sum256([]byte(trimmed)), enabled: true}
}

// Middleware rejects requests without a matching bearer token.
func (a *TokenAuthenticator) Middleware(next http.Handler) http.Handler {
	if !a.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.authorize(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *TokenAuthenticator) authorize(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return false
	}
	presented := sha256.Sum256([]byte(strings.TrimSpace(parts[1])))
	return subtle.ConstantTimeCompare(presented[:], a.digest[:]) == 1
}
