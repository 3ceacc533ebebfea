package operator

import (
	"context"
	"testing"
	"time"
)

func withSecret(t *testing.T) {
	t.Helper()
	ResetSecretForTests()
	t.Setenv("SIKA_AUTH_SECRET", "test-secret")
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	withSecret(t)

	token, err := GenerateToken("teller-7", []string{"Teller", "teller", " "}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "teller-7" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "teller" {
		t.Fatalf("roles not deduplicated: %v", claims.Roles)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	withSecret(t)
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := ParseAndValidate(token); err != ErrInvalidToken {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	withSecret(t)
	token, err := GenerateToken("teller-7", nil, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestOperatorContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := FromContext(ctx); ok {
		t.Fatal("empty context should carry no operator")
	}
	ctx = ContextWithOperator(ctx, "supervisor-1", []string{"supervisor"})
	id, ok := FromContext(ctx)
	if !ok || id != "supervisor-1" {
		t.Fatalf("operator id = %q, ok=%v", id, ok)
	}
	if !HasRole(ctx, "supervisor") || HasRole(ctx, "teller") {
		t.Fatalf("roles wrong: %v", RolesFromContext(ctx))
	}
}
