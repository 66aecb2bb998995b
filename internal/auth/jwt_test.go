package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testJWTSecret = "test-secret-with-enough-entropy-0123456789"

func TestJWTVerifier_IssueAndVerify(t *testing.T) {
	v, err := NewJWTVerifier(JWTConfig{Secret: testJWTSecret, Issuer: "tool-rpc", Audience: "tools"})
	if err != nil {
		t.Fatal(err)
	}
	token, err := v.Issue("alice", []string{"tools:read"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	res, err := v.Verify(context.Background(), Credentials{Token: token})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Authenticated || res.Identity != "alice" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.HasPermission("tools:read") || res.HasPermission("tools:write") {
		t.Fatalf("unexpected permissions: %v", res.Permissions)
	}
	if res.ExpiresAt.IsZero() || res.Claims["iss"] != "tool-rpc" {
		t.Fatalf("expected expiry and claims, got %+v", res)
	}
}

func TestJWTVerifier_Expired(t *testing.T) {
	issuedAt := time.Now().Add(-2 * time.Hour)
	issuer, _ := newJWTVerifierWithClock(JWTConfig{Secret: testJWTSecret}, func() time.Time { return issuedAt })
	token, err := issuer.Issue("alice", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	v, _ := NewJWTVerifier(JWTConfig{Secret: testJWTSecret})
	res, err := v.Verify(context.Background(), Credentials{Token: token})
	if err != nil {
		t.Fatal(err)
	}
	if res.Authenticated || res.FailureReason != "token expired" {
		t.Fatalf("expected expiry rejection, got %+v", res)
	}

	lenient, _ := NewJWTVerifier(JWTConfig{Secret: testJWTSecret, Leeway: 2 * time.Hour})
	res, _ = lenient.Verify(context.Background(), Credentials{Token: token})
	if !res.Authenticated {
		t.Fatalf("expected leeway to accept token, got %+v", res)
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	other, _ := NewJWTVerifier(JWTConfig{Secret: "a-completely-different-secret-value"})
	token, _ := other.Issue("mallory", []string{Wildcard}, time.Hour)

	v, _ := NewJWTVerifier(JWTConfig{Secret: testJWTSecret})
	res, _ := v.Verify(context.Background(), Credentials{Token: token})
	if res.Authenticated {
		t.Fatal("expected signature mismatch to be rejected")
	}
}

func TestJWTVerifier_WrongAudience(t *testing.T) {
	issuer, _ := NewJWTVerifier(JWTConfig{Secret: testJWTSecret, Audience: "billing"})
	token, _ := issuer.Issue("alice", nil, time.Hour)

	v, _ := NewJWTVerifier(JWTConfig{Secret: testJWTSecret, Audience: "tools"})
	res, _ := v.Verify(context.Background(), Credentials{Token: token})
	if res.Authenticated || res.FailureReason != "token not issued for this service" {
		t.Fatalf("expected audience rejection, got %+v", res)
	}
}

func TestJWTVerifier_RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "root",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	v, _ := NewJWTVerifier(JWTConfig{Secret: testJWTSecret})
	res, _ := v.Verify(context.Background(), Credentials{Token: token})
	if res.Authenticated {
		t.Fatal("expected alg=none to be rejected")
	}
}

func TestJWTVerifier_MissingSubjectAndToken(t *testing.T) {
	v, _ := NewJWTVerifier(JWTConfig{Secret: testJWTSecret})
	token, _ := v.Issue("", nil, time.Hour)
	res, _ := v.Verify(context.Background(), Credentials{Token: token})
	if res.Authenticated || res.FailureReason != "token missing subject" {
		t.Fatalf("expected missing subject rejection, got %+v", res)
	}

	res, _ = v.Verify(context.Background(), Credentials{APIKey: "not-a-jwt"})
	if res.Authenticated || res.FailureReason != "missing bearer token" {
		t.Fatalf("expected missing token rejection, got %+v", res)
	}
}

func TestNewJWTVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewJWTVerifier(JWTConfig{}); err == nil {
		t.Fatal("expected error without secret")
	}
}
