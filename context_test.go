package authcore

import (
	"context"
	"testing"
)

func TestContextCarriers(t *testing.T) {
	ctx := context.Background()
	ctx = WithClientIP(ctx, "203.0.113.9")
	ctx = WithTenantID(ctx, "t1")
	ctx = WithDeviceID(ctx, "device-a")
	ctx = WithLocale(ctx, "de-DE")

	if got := clientIPFromContext(ctx); got != "203.0.113.9" {
		t.Fatalf("client ip: %q", got)
	}
	if got := tenantIDFromContext(ctx); got != "t1" {
		t.Fatalf("tenant: %q", got)
	}
	if got := deviceIDFromContext(ctx); got != "device-a" {
		t.Fatalf("device: %q", got)
	}
	if got := localeFromContext(ctx); got != "de-DE" {
		t.Fatalf("locale: %q", got)
	}
}

func TestContextDefaults(t *testing.T) {
	ctx := context.Background()

	if got := tenantIDFromContext(ctx); got != "0" {
		t.Fatalf("default tenant: %q", got)
	}
	if got := tenantIDFromContext(WithTenantID(ctx, "")); got != "0" {
		t.Fatalf("empty tenant not normalized: %q", got)
	}
	if got := clientIPFromContext(ctx); got != "" {
		t.Fatalf("default ip: %q", got)
	}
	if got := deviceIDFromContext(ctx); got != "" {
		t.Fatalf("default device: %q", got)
	}
}

func TestTenantIsolationEndToEnd(t *testing.T) {
	engine, _, store, _, done := newTestEngine(t, testConfig())
	defer done()

	principal := plainPrincipal("alice")
	principal.TenantID = "t1"
	store.put(principal)

	ctxT1 := WithTenantID(context.Background(), "t1")
	token, err := engine.CreateAccessToken(ctxT1, principal, "sess-1")
	if err != nil {
		t.Fatalf("CreateAccessToken failed: %v", err)
	}

	auth, err := engine.Authenticate(ctxT1, token)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if auth.TenantID != "t1" {
		t.Fatalf("tenant lost: %q", auth.TenantID)
	}
}
