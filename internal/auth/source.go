package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks . TokenSource,Invalidator

var (
	// ErrNoToken is returned when a source has nothing to offer.
	ErrNoToken = errors.New("no token available")
	// ErrTokenExpired is returned for a token past its exp claim.
	ErrTokenExpired = errors.New("token expired")
	// ErrMalformedHeader is returned for an Authorization header that is not "Bearer <token>".
	ErrMalformedHeader = errors.New("malformed authorization header")
)

// TokenSource yields a bearer credential. Implementations may block.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator is implemented by sources that cache credentials and can drop
// one the remote side rejected.
type Invalidator interface {
	Invalidate(token string)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticSource serves one preconfigured token.
type StaticSource struct {
	token string
	now   func() time.Time
}

// NewStaticSource returns a source for a fixed token.
func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: strings.TrimSpace(token), now: time.Now}
}

// Token returns the configured token, rejecting empty and expired ones.
func (s *StaticSource) Token(_ context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoToken
	}
	exp, ok, err := ExpiresAt(s.token)
	if err != nil {
		// Opaque tokens are passed through as-is.
		return s.token, nil
	}
	if ok && !s.now().Before(exp) {
		return "", ErrTokenExpired
	}
	return s.token, nil
}

// SigningSource mints a fresh dev token on each call.
type SigningSource struct {
	svc    *Service
	userID string
	email  string
	name   string
}

// NewSigningSource returns a source minting tokens for one identity.
func NewSigningSource(svc *Service, userID, email, name string) *SigningSource {
	return &SigningSource{svc: svc, userID: userID, email: email, name: name}
}

// Token issues a new token.
func (s *SigningSource) Token(_ context.Context) (string, error) {
	token, err := s.svc.IssueToken(s.userID, s.email, s.name)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// CachingSource caches a token from an upstream source until shortly before
// it expires or until it is invalidated.
type CachingSource struct {
	upstream TokenSource
	leeway   time.Duration
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewCachingSource wraps upstream; leeway is how early a token counts as expired.
func NewCachingSource(upstream TokenSource, leeway time.Duration) *CachingSource {
	return &CachingSource{upstream: upstream, leeway: leeway, now: time.Now}
}

// Token returns the cached token or fetches a new one.
func (s *CachingSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && (s.expiry.IsZero() || s.now().Add(s.leeway).Before(s.expiry)) {
		return s.token, nil
	}

	token, err := s.upstream.Token(ctx)
	if err != nil {
		s.token = ""
		return "", err
	}
	if token == "" {
		s.token = ""
		return "", ErrNoToken
	}

	s.token = token
	s.expiry = time.Time{}
	if exp, ok, err := ExpiresAt(token); err == nil && ok {
		s.expiry = exp
	}
	return token, nil
}

// Invalidate drops the cached token if it matches.
func (s *CachingSource) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" || token == s.token {
		s.token = ""
		s.expiry = time.Time{}
	}
	if inv, ok := s.upstream.(Invalidator); ok {
		inv.Invalidate(token)
	}
}
