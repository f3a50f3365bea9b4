package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/vovakirdan/wirechat-sync/internal/auth/mocks"
)

func newTestAuthService(t *testing.T) *Service {
	t.Helper()

	jwtConfig := &JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   "test",
		Audience: "test",
		TTL:      24 * time.Hour,
	}

	return NewService(jwtConfig)
}

func TestIssueAndValidateToken(t *testing.T) {
	svc := newTestAuthService(t)

	token, err := svc.IssueToken(" auth0|u1 ", "u1@example.com", "User One")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := svc.ValidateBearer("Bearer " + token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "auth0|u1" || claims.Email != "u1@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	svc := newTestAuthService(t)
	other := NewService(&JWTConfig{Secret: []byte("test-secret-change-me"), Issuer: "test", Audience: "other", TTL: time.Hour})

	token, err := other.IssueToken("u1", "", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.ValidateToken(token); err == nil {
		t.Fatal("expected audience mismatch to fail")
	}
}

func TestValidateBearerRejectsMalformedHeader(t *testing.T) {
	svc := newTestAuthService(t)
	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer   "} {
		if _, err := svc.ValidateBearer(header); !errors.Is(err, ErrMalformedHeader) {
			t.Fatalf("header %q: expected ErrMalformedHeader, got %v", header, err)
		}
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	svc := newTestAuthService(t)
	if _, err := svc.IssueToken("  ", "", ""); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}

func TestStaticSource(t *testing.T) {
	ctx := context.Background()

	if _, err := NewStaticSource("").Token(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}

	if tok, err := NewStaticSource("opaque-token").Token(ctx); err != nil || tok != "opaque-token" {
		t.Fatalf("opaque token should pass through, got %q %v", tok, err)
	}

	expired, err := GenerateToken(&JWTConfig{Secret: []byte("s"), TTL: -time.Minute}, "u1", "", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := NewStaticSource(expired).Token(ctx); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestCachingSourceReusesUntilInvalidated(t *testing.T) {
	ctrl := gomock.NewController(t)
	upstream := mocks.NewMockTokenSource(ctrl)

	first, err := GenerateToken(&JWTConfig{Secret: []byte("s"), TTL: time.Hour}, "u1", "", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second := "opaque-second"

	gomock.InOrder(
		upstream.EXPECT().Token(gomock.Any()).Return(first, nil),
		upstream.EXPECT().Token(gomock.Any()).Return(second, nil),
	)

	src := NewCachingSource(upstream, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok, err := src.Token(ctx)
		if err != nil || tok != first {
			t.Fatalf("call %d: got %q %v", i, tok, err)
		}
	}

	src.Invalidate(first)

	tok, err := src.Token(ctx)
	if err != nil || tok != second {
		t.Fatalf("after invalidate: got %q %v", tok, err)
	}
}

func TestCachingSourceRefreshesNearExpiry(t *testing.T) {
	ctrl := gomock.NewController(t)
	upstream := mocks.NewMockTokenSource(ctrl)

	short, err := GenerateToken(&JWTConfig{Secret: []byte("s"), TTL: 30 * time.Second}, "u1", "", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	upstream.EXPECT().Token(gomock.Any()).Return(short, nil).Times(2)

	src := NewCachingSource(upstream, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := src.Token(context.Background()); err != nil {
			t.Fatalf("token: %v", err)
		}
	}
}

func TestCachingSourceEmptyUpstream(t *testing.T) {
	ctrl := gomock.NewController(t)
	upstream := mocks.NewMockTokenSource(ctrl)
	upstream.EXPECT().Token(gomock.Any()).Return("", nil)

	if _, err := NewCachingSource(upstream, 0).Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}
