package credential

import "testing"

func TestDeriveVerifyRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef")
	cred, err := Derive(secret, "agent-1", "tok-123")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	ok, err := Verify(secret, "agent-1", "tok-123", cred)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected Verify to accept a freshly derived credential")
	}
}

func TestVerifyRejectsWrongToken(t *testing.T) {
	secret := []byte("0123456789abcdef")
	cred, err := Derive(secret, "agent-1", "tok-123")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	ok, err := Verify(secret, "agent-1", "tok-456", cred)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected Verify to reject a credential derived for a different token")
	}
}

func TestVerifyRejectsWrongInstanceName(t *testing.T) {
	secret := []byte("0123456789abcdef")
	cred, err := Derive(secret, "agent-1", "tok-123")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	ok, err := Verify(secret, "agent-2", "tok-123", cred)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected Verify to reject a credential derived under a different instance name")
	}
}

func TestDeriveRejectsShortSecret(t *testing.T) {
	if _, err := Derive([]byte("short"), "agent-1", "tok-123"); err != ErrSecretTooShort {
		t.Fatalf("expected ErrSecretTooShort, got %v", err)
	}
}

func TestDeriveRejectsLongSecret(t *testing.T) {
	long := make([]byte, 256)
	if _, err := Derive(long, "agent-1", "tok-123"); err != ErrSecretTooShort {
		t.Fatalf("expected ErrSecretTooShort, got %v", err)
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	secret := []byte("0123456789abcdef")
	a, err := Derive(secret, "agent-1", "tok-123")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	b, err := Derive(secret, "agent-1", "tok-123")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if a != b {
		t.Fatalf("expected deterministic derivation, got %q and %q", a, b)
	}
}
