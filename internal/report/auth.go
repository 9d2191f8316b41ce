package report

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when a bearer token does not match the configured hash
var ErrInvalidToken = errors.New("invalid token")

// GenerateToken returns a random bearer token and the bcrypt hash to put in metrics.token_hash
func GenerateToken() (token, hash string, err error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = base64.URLEncoding.EncodeToString(tokenBytes)

	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash token: %w", err)
	}
	return token, string(h), nil
}

// TokenGuard checks bearer tokens against a bcrypt hash.
// The last accepted token is remembered so scrapes do not pay for bcrypt every time.
type TokenGuard struct {
	hash string

	mu       sync.RWMutex
	accepted string
}

// NewTokenGuard returns a guard for hash. An empty hash disables the check.
func NewTokenGuard(hash string) (*TokenGuard, error) {
	if hash == "" {
		return &TokenGuard{}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid token hash: %w", err)
	}
	return &TokenGuard{hash: hash}, nil
}

// Validate returns ErrInvalidToken unless token matches the hash
func (g *TokenGuard) Validate(token string) error {
	if g.hash == "" {
		return nil
	}
	if token == "" {
		return ErrInvalidToken
	}

	g.mu.RLock()
	cached := g.accepted
	g.mu.RUnlock()
	if cached != "" && subtle.ConstantTimeCompare([]byte(cached), []byte(token)) == 1 {
		return nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(g.hash), []byte(token)); err != nil {
		return ErrInvalidToken
	}

	g.mu.Lock()
	g.accepted = token
	g.mu.Unlock()
	return nil
}

// Middleware rejects requests without a valid "Authorization: Bearer" header.
// /healthz stays open for liveness probes.
func (g *TokenGuard) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.hash == "" || r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || g.Validate(strings.TrimSpace(token)) != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="querytap"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
