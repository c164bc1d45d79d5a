package authcore

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricAccessIssued)
	m.Observe(MetricValidateLatency, time.Millisecond)
	if m.Value(MetricAccessIssued) != 0 {
		t.Fatal("nil metrics returned a nonzero value")
	}
	if m.Enabled() {
		t.Fatal("nil metrics report enabled")
	}
	snap := m.Snapshot()
	if len(snap.Counters) != 0 {
		t.Fatal("nil metrics snapshot not empty")
	}
}

func TestMetricsDisabledIsInert(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricAccessIssued)
	if m.Value(MetricAccessIssued) != 0 {
		t.Fatal("disabled metrics counted")
	}
}

func TestMetricsCounting(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(MetricAccessValidateSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricAccessValidateSuccess); got != 800 {
		t.Fatalf("expected 800, got %d", got)
	}

	snap := m.Snapshot()
	if snap.Counters[MetricAccessValidateSuccess] != 800 {
		t.Fatalf("snapshot disagrees: %d", snap.Counters[MetricAccessValidateSuccess])
	}
}

func TestMetricsLatencyBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	m.Observe(MetricValidateLatency, 3*time.Millisecond)
	m.Observe(MetricValidateLatency, 30*time.Millisecond)
	m.Observe(MetricValidateLatency, 2*time.Second)

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricValidateLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}
	if buckets[0] != 1 || buckets[3] != 1 || buckets[7] != 1 {
		t.Fatalf("observations landed wrong: %v", buckets)
	}
}

func TestEngineCountsValidations(t *testing.T) {
	engine, _, store, _, done := newTestEngine(t, testConfig())
	defer done()

	ctx := context.Background()
	principal := plainPrincipal("alice")
	store.put(principal)

	token, err := engine.CreateAccessToken(ctx, principal, "sess-1")
	if err != nil {
		t.Fatalf("CreateAccessToken failed: %v", err)
	}
	if _, err := engine.Authenticate(ctx, token); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := engine.Authenticate(ctx, "broken"); err == nil {
		t.Fatal("broken token accepted")
	}

	m := engine.Metrics()
	if m.Value(MetricAccessIssued) != 1 {
		t.Fatalf("issued counter: %d", m.Value(MetricAccessIssued))
	}
	if m.Value(MetricAccessValidateSuccess) != 1 {
		t.Fatalf("success counter: %d", m.Value(MetricAccessValidateSuccess))
	}
	if m.Value(MetricAccessValidateFailure) != 1 {
		t.Fatalf("failure counter: %d", m.Value(MetricAccessValidateFailure))
	}
}

func TestEngineCountsRefreshReuse(t *testing.T) {
	engine, _, store, _, done := newTestEngine(t, testConfig())
	defer done()

	ctx := context.Background()
	principal := plainPrincipal("alice")
	store.put(principal)

	refresh, err := engine.CreateRefreshToken(ctx, principal, "sess-1")
	if err != nil {
		t.Fatalf("CreateRefreshToken failed: %v", err)
	}
	if _, err := engine.RotateRefreshToken(ctx, refresh); err != nil {
		t.Fatalf("rotation failed: %v", err)
	}
	if _, err := engine.RotateRefreshToken(ctx, refresh); err == nil {
		t.Fatal("reuse accepted")
	}

	m := engine.Metrics()
	if m.Value(MetricRefreshReuseDetected) != 1 {
		t.Fatalf("reuse counter: %d", m.Value(MetricRefreshReuseDetected))
	}
}
