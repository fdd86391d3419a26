package remote

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// opaqueTokenTTL is how long a token without a readable exp claim is reused.
	opaqueTokenTTL = 5 * time.Minute
	// refreshSkew renews a token this long before it expires.
	refreshSkew = 30 * time.Second
)

// TokenSource caches the stream token and refreshes it shortly before its
// exp claim. The claim is read without verifying the signature; the server
// is the one that verifies.
type TokenSource struct {
	client *Client
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewTokenSource creates a token source backed by c.
func NewTokenSource(c *Client) *TokenSource {
	return &TokenSource{client: c, now: time.Now}
}

// Token returns a cached token or fetches a new one.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiry.Add(-refreshSkew)) {
		return s.token, nil
	}
	token, err := s.client.StreamToken(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expiry = s.expiryOf(token)
	return token, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiry = time.Time{}
}

func (s *TokenSource) expiryOf(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return s.now().Add(opaqueTokenTTL)
}
