package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "workchat-auth",
		Audience:      "workchat-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateToken(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, expiresIn, err := issuer.IssueToken(context.Background(), "user-1", "org-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	userID, orgID, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if userID != "user-1" || orgID != "org-1" {
		t.Fatalf("unexpected claims %s/%s", userID, orgID)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, _, err := issuer.IssueToken(context.Background(), "user-1", "org-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	late := newTestIssuer(func() time.Time { return now.Add(31 * time.Minute) })
	if _, _, err := late.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, _, err := issuer.IssueToken(context.Background(), "user-1", "org-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "workchat-auth",
		Audience:      "workchat-api",
		Clock:         func() time.Time { return now },
	})
	if _, _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected foreign secret to fail")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "workchat-auth",
		Audience:      "other-service",
		Clock:         func() time.Time { return now },
	})
	token, _, err := issuer.IssueToken(context.Background(), "user-1", "org-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	validator := newTestIssuer(func() time.Time { return now })
	if _, _, err := validator.ValidateToken(token); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestIssueTokenRequiresClaims(t *testing.T) {
	issuer := newTestIssuer(time.Now)
	if _, _, err := issuer.IssueToken(context.Background(), "", "org-1"); err == nil {
		t.Fatalf("expected missing subject to fail")
	}
	if _, _, err := issuer.IssueToken(context.Background(), "user-1", ""); err == nil {
		t.Fatalf("expected missing org to fail")
	}
}
