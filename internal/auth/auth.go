// Package auth supplies bearer credentials for calls to the meal plan API.
//
// Credential acquisition itself belongs to an external identity provider;
// this package only wraps whatever token that provider hands out,
// refreshing it through a caller-supplied callback when it nears expiry.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderProvider returns the headers to attach to an outbound API call.
// Implementations may block (e.g. to refresh a token) and must honor ctx.
type HeaderProvider func(ctx context.Context) (http.Header, error)

// TokenSource obtains a fresh bearer token from the identity provider.
type TokenSource func(ctx context.Context) (string, error)

// DefaultExpirySkew is how long before expiry a token is treated as stale.
const DefaultExpirySkew = 30 * time.Second

// StaticToken returns a provider that always attaches the same bearer token.
func StaticToken(token string) HeaderProvider {
	return func(ctx context.Context) (http.Header, error) {
		if token == "" {
			return nil, fmt.Errorf("bearer token not configured")
		}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+token)
		return h, nil
	}
}

// refreshingProvider caches a token and refreshes it via the source when the
// JWT exp claim is within the skew window.
type refreshingProvider struct {
	mu     sync.Mutex
	token  string
	source TokenSource
	skew   time.Duration
}

// Refreshing returns a provider that starts from initial (may be empty) and
// calls source whenever the cached token is missing, expired, or within skew
// of expiring. Tokens that do not parse as JWTs are kept until a call fails;
// the exp check is an optimization, not a validation step.
func Refreshing(initial string, source TokenSource, skew time.Duration) HeaderProvider {
	if skew <= 0 {
		skew = DefaultExpirySkew
	}
	p := &refreshingProvider{token: initial, source: source, skew: skew}
	return p.headers
}

func (p *refreshingProvider) headers(ctx context.Context) (http.Header, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == "" || tokenStale(p.token, p.skew) {
		slog.Debug("auth.Refreshing: refreshing bearer token", "had_token", p.token != "")
		token, err := p.source(ctx)
		if err != nil {
			slog.Warn("auth.Refreshing: token refresh failed", "error", err)
			return nil, fmt.Errorf("token refresh failed: %w", err)
		}
		p.token = token
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.token)
	return h, nil
}

// tokenStale reports whether the token carries an exp claim within skew of
// now. Unparseable tokens or tokens without exp are treated as fresh; the
// remote API is the authority on their validity.
func tokenStale(token string, skew time.Duration) bool {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < skew
}
