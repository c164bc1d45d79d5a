package jwt

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		ActiveKeyID: "k1",
		Keys:        map[string][]byte{"k1": testSecret},
		Issuer:      "authcore-test",
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestSignParseRoundTrip(t *testing.T) {
	m := testManager(t)

	token, err := m.Sign(Claims{
		Scope:     ScopeAccess,
		SessionID: "sess-1",
		TenantID:  "t1",
		Roles:     []string{"admin"},

		RegisteredClaims: Registered("alice", "tok-1"),
	}, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	claims, err := m.Parse(token, ScopeAccess)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims.Subject != "alice" || claims.ID != "tok-1" {
		t.Fatalf("registered claims lost: %+v", claims.RegisteredClaims)
	}
	if claims.SessionID != "sess-1" || claims.TenantID != "t1" {
		t.Fatalf("custom claims lost: %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("roles lost: %v", claims.Roles)
	}
	if claims.Issuer != "authcore-test" {
		t.Fatalf("issuer not stamped: %q", claims.Issuer)
	}
}

func TestParseExpired(t *testing.T) {
	m := testManager(t)

	token, err := m.Sign(Claims{
		Scope:            ScopeAccess,
		RegisteredClaims: Registered("alice", ""),
	}, time.Millisecond)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	_, err = m.Parse(token, ScopeAccess)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if errors.Is(err, ErrInvalid) {
		t.Fatal("expired token also reported invalid")
	}
}

func TestParseWrongScope(t *testing.T) {
	m := testManager(t)

	token, err := m.Sign(Claims{
		Scope:            ScopeTwoFactorLogin,
		RegisteredClaims: Registered("alice", ""),
	}, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	_, err = m.Parse(token, ScopeAccess)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for scope mismatch, got %v", err)
	}
}

func TestParseTampered(t *testing.T) {
	m := testManager(t)

	token, err := m.Sign(Claims{
		Scope:            ScopeAccess,
		RegisteredClaims: Registered("alice", ""),
	}, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %q", token)
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	_, err = m.Parse(tampered, ScopeAccess)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestParseGarbage(t *testing.T) {
	m := testManager(t)

	for _, raw := range []string{"", "x", "a.b", "a.b.c"} {
		if _, err := m.Parse(raw, ScopeAccess); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Parse(%q): expected ErrInvalid, got %v", raw, err)
		}
	}
}

func TestKeyRotation(t *testing.T) {
	oldManager, err := NewManager(Config{
		ActiveKeyID: "k1",
		Keys:        map[string][]byte{"k1": testSecret},
		Issuer:      "authcore-test",
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	oldToken, err := oldManager.Sign(Claims{
		Scope:            ScopeAccess,
		RegisteredClaims: Registered("alice", ""),
	}, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	// After rotation the ring keeps the old secret for verification.
	rotated, err := NewManager(Config{
		ActiveKeyID: "k2",
		Keys: map[string][]byte{
			"k1": testSecret,
			"k2": []byte("fedcba9876543210fedcba9876543210"),
		},
		Issuer: "authcore-test",
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if _, err := rotated.Parse(oldToken, ScopeAccess); err != nil {
		t.Fatalf("token signed before rotation rejected: %v", err)
	}

	newToken, err := rotated.Sign(Claims{
		Scope:            ScopeAccess,
		RegisteredClaims: Registered("alice", ""),
	}, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	// The old ring does not know k2.
	_, err = oldManager.Parse(newToken, ScopeAccess)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown kid, got %v", err)
	}
}

func TestCrossSecretRejected(t *testing.T) {
	m := testManager(t)

	other, err := NewManager(Config{
		ActiveKeyID: "k1",
		Keys:        map[string][]byte{"k1": []byte("fedcba9876543210fedcba9876543210")},
		Issuer:      "authcore-test",
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, err := other.Sign(Claims{
		Scope:            ScopeAccess,
		RegisteredClaims: Registered("alice", ""),
	}, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	// Same kid, different secret: signature check must fail.
	if _, err := m.Parse(token, ScopeAccess); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"empty ring", Config{ActiveKeyID: "k1"}},
		{"short secret", Config{ActiveKeyID: "k1", Keys: map[string][]byte{"k1": []byte("short")}}},
		{"active kid missing", Config{ActiveKeyID: "k2", Keys: map[string][]byte{"k1": testSecret}}},
		{"oversized leeway", Config{ActiveKeyID: "k1", Keys: map[string][]byte{"k1": testSecret}, Leeway: time.Hour}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewManager(tc.cfg); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestSignRequiresScopeAndTTL(t *testing.T) {
	m := testManager(t)

	if _, err := m.Sign(Claims{RegisteredClaims: Registered("alice", "")}, time.Minute); err == nil {
		t.Fatal("scopeless token signed")
	}
	if _, err := m.Sign(Claims{Scope: ScopeAccess}, 0); err == nil {
		t.Fatal("zero ttl accepted")
	}
}
