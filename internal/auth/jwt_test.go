package auth

import (
	"testing"
	"time"

	"switchboard/internal/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		JWTIssuer:       "switchboard",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := testManager(t)
	now := time.Now()

	pair, err := m.IssuePair(now, "op-1", "desk-7", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.SubjectID != "op-1" || claims.DisplayID != "desk-7" || claims.Role != "operator" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerify_RejectsWrongTokenType(t *testing.T) {
	m := testManager(t)
	now := time.Now()

	pair, err := m.IssuePair(now, "op-1", "", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(pair.RefreshToken, TokenTypeAccess, now); err == nil {
		t.Fatalf("refresh token must not verify as access")
	}
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	m := testManager(t)
	issued := time.Now()

	pair, err := m.IssuePair(issued, "op-1", "", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess, issued.Add(2*time.Hour)); err == nil {
		t.Fatalf("expired token must fail verification")
	}
}

func TestVerify_ToleratesSmallClockSkew(t *testing.T) {
	m := testManager(t)
	issued := time.Now()

	pair, err := m.IssuePair(issued, "op-1", "", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// 10s past expiry is inside the 30s leeway.
	justExpired := issued.Add(time.Hour + 10*time.Second)
	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess, justExpired); err != nil {
		t.Fatalf("verify within leeway: %v", err)
	}
}

func TestNewManager_RequiresSecret(t *testing.T) {
	if _, err := NewManager(config.AuthConfig{}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
