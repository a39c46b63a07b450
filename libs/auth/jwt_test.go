package auth

import (
	"context"
	"testing"
	"time"
)

func TestHS256RoundTrip(t *testing.T) {
	now := time.Now()
	claims := Claims{
		Sub:        "staff-1",
		PracticeID: "practice-1",
		Role:       "FRONT_DESK",
		Iat:        now.Unix(),
		Exp:        now.Add(1 * time.Hour).Unix(),
	}
	secret := "test-secret"

	token, err := SignHS256(claims, secret)
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	parsed, err := ParseAndVerifyHS256(token, secret, now)
	if err != nil {
		t.Fatalf("ParseAndVerifyHS256 failed: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.PracticeID != claims.PracticeID || parsed.Role != claims.Role {
		t.Fatalf("claims mismatch: got %+v", parsed)
	}
	if _, err := ParseAndVerifyHS256(token, "wrong-secret", now); err == nil {
		t.Fatal("expected verification error with wrong secret")
	}
	if _, err := ParseAndVerifyHS256(token, secret, now.Add(2*time.Hour)); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("Bearer abc.def.ghi"); !ok || tok != "abc.def.ghi" {
		t.Fatalf("unexpected token %q %v", tok, ok)
	}
	if _, ok := BearerToken("Basic xyz"); ok {
		t.Fatal("expected basic auth to be rejected")
	}
}

func TestClaimsContext(t *testing.T) {
	ctx := WithClaims(context.Background(), &Claims{Role: "DOCTOR"})
	c, ok := ClaimsFromContext(ctx)
	if !ok || c.Role != "DOCTOR" {
		t.Fatalf("unexpected claims %+v", c)
	}
	if _, ok := ClaimsFromContext(context.Background()); ok {
		t.Fatal("expected no claims")
	}
}
