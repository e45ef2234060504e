// Package auth provides HTTP basic authentication for the AS2 endpoint
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sirosfoundation/go-as2/internal/config"
)

// Sentinel errors for authentication failures.
// These errors are returned by [Authenticator.ValidateRequest] to indicate
// specific failure modes.
var (
	// ErrNoCredentials indicates no Authorization header with basic credentials was provided.
	ErrNoCredentials = errors.New("no basic credentials provided")

	// ErrInvalidCredentials indicates an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is the authenticated caller
type Principal struct {
	Username string
}

// Authenticator checks basic credentials against argon2id password hashes.
type Authenticator struct {
	realm  string
	logger *slog.Logger

	mu     sync.RWMutex
	hashes map[string]string
}

// NewAuthenticator creates an authenticator for the configured inbound users.
// With no users configured, authentication is disabled.
func NewAuthenticator(cfg *config.InboundConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		realm:  "AS2",
		logger: logger,
		hashes: make(map[string]string),
	}
	if cfg != nil {
		if cfg.Realm != "" {
			a.realm = cfg.Realm
		}
		for _, u := range cfg.Users {
			a.hashes[u.Username] = u.PasswordHash
		}
	}
	return a
}

// IsEnabled returns true if at least one inbound user is configured
func (a *Authenticator) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.hashes) > 0
}

// SetUser adds or replaces a user's password hash.
func (a *Authenticator) SetUser(username, passwordHash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes[username] = passwordHash
}

// ValidateRequest checks the basic credentials of an HTTP request
func (a *Authenticator) ValidateRequest(r *http.Request) (*Principal, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, ErrNoCredentials
	}
	return a.Validate(username, password)
}

// Validate checks a username and cleartext password.
func (a *Authenticator) Validate(username, password string) (*Principal, error) {
	a.mu.RLock()
	hash, ok := a.hashes[username]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}

	match, err := ComparePassword(password, hash)
	if err != nil {
		a.logger.Warn("failed to compare password hash", "username", username, "error", err)
		return nil, ErrInvalidCredentials
	}
	if !match {
		return nil, ErrInvalidCredentials
	}
	return &Principal{Username: username}, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal in the request context. A disabled authenticator passes every
// request through.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.IsEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := a.ValidateRequest(r)
		if err != nil {
			a.logger.Warn("rejected AS2 request", "remote", r.RemoteAddr, "error", err)
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", a.realm))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// Context key for storing the principal
type contextKey string

const PrincipalContextKey contextKey = "auth_principal"

// PrincipalFromContext retrieves the principal from context
func PrincipalFromContext(ctx context.Context) *Principal {
	if v := ctx.Value(PrincipalContextKey); v != nil {
		return v.(*Principal)
	}
	return nil
}

// ContextWithPrincipal adds the principal to context
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}
