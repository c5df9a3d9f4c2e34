package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	tok, exp, err := Issue("lect-1", RoleLecturer, "qrattend", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatal("expiry must be in the future")
	}

	claims, err := Parse(tok, "secret", "qrattend")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "lect-1" {
		t.Fatalf("subject %q, want lect-1", claims.Subject)
	}
	if claims.Role != RoleLecturer {
		t.Fatalf("role %q, want %q", claims.Role, RoleLecturer)
	}
}

func TestParse_RejectsBadInputs(t *testing.T) {
	tok, _, err := Issue("stu-1", RoleStudent, "qrattend", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := Parse(tok, "wrong-key", "qrattend"); err == nil {
		t.Fatal("wrong signing key must fail")
	}
	if _, err := Parse(tok, "secret", "someone-else"); err == nil {
		t.Fatal("issuer mismatch must fail")
	}
	if _, err := Parse("not-a-token", "secret", "qrattend"); err == nil {
		t.Fatal("garbage token must fail")
	}

	expired, _, err := Issue("stu-1", RoleStudent, "qrattend", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	if _, err := Parse(expired, "secret", "qrattend"); err == nil {
		t.Fatal("expired token must fail")
	}
}
