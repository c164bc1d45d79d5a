// Package otel bridges the engine's in-process counters into OpenTelemetry
// observable instruments. The engine stays dependency-free on the hot
// path; this exporter reads snapshots on the collector's cadence.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	authcore "github.com/keyring-id/authcore"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type counterDef struct {
	id   authcore.MetricID
	name string
	help string
}

var counterDefs = []counterDef{
	{authcore.MetricAccessIssued, "authcore_access_issued_total", "Access tokens issued."},
	{authcore.MetricAccessValidateSuccess, "authcore_access_validate_success_total", "Access token validations that succeeded."},
	{authcore.MetricAccessValidateFailure, "authcore_access_validate_failure_total", "Access token validations that failed."},
	{authcore.MetricAccessRevokedHit, "authcore_access_revoked_hit_total", "Validations rejected by an allowlist miss."},
	{authcore.MetricRefreshSuccess, "authcore_refresh_success_total", "Refresh rotations that succeeded."},
	{authcore.MetricRefreshFailure, "authcore_refresh_failure_total", "Refresh rotations that failed."},
	{authcore.MetricRefreshReuseDetected, "authcore_refresh_reuse_total", "Refresh token reuse detections."},
	{authcore.MetricRefreshBindingMismatch, "authcore_refresh_binding_mismatch_total", "Refresh rotations rejected by device binding."},
	{authcore.MetricStepUpIssued, "authcore_step_up_issued_total", "Step-up tokens issued."},
	{authcore.MetricStepUpRejected, "authcore_step_up_rejected_total", "Step-up validations or mints rejected."},
	{authcore.MetricTwoFactorRequired, "authcore_two_factor_required_total", "Logins that entered two-factor verification."},
	{authcore.MetricTwoFactorSuccess, "authcore_two_factor_success_total", "Two-factor verifications that succeeded."},
	{authcore.MetricTwoFactorFailure, "authcore_two_factor_failure_total", "Two-factor verifications that failed."},
	{authcore.MetricEmailCodeSent, "authcore_email_code_sent_total", "Emailed two-factor codes delivered."},
	{authcore.MetricEmailCooldownHit, "authcore_email_cooldown_hit_total", "Emailed code sends blocked by the cooldown."},
	{authcore.MetricRecoveryCodeUsed, "authcore_recovery_code_used_total", "Recovery codes consumed."},
	{authcore.MetricTOTPEnabled, "authcore_totp_enabled_total", "TOTP method activations."},
	{authcore.MetricTOTPDisabled, "authcore_totp_disabled_total", "TOTP method deactivations."},
	{authcore.MetricEmailMethodEnabled, "authcore_email_method_enabled_total", "Email method activations."},
	{authcore.MetricEmailMethodDisabled, "authcore_email_method_disabled_total", "Email method deactivations."},
	{authcore.MetricInvalidateAll, "authcore_invalidate_all_total", "Principal-wide token invalidations."},
	{authcore.MetricLogout, "authcore_logout_total", "Single-session logouts."},
	{authcore.MetricLogoutAll, "authcore_logout_all_total", "All-session logouts."},
}

var latencyBucketSuffix = [8]string{"5ms", "10ms", "25ms", "50ms", "100ms", "250ms", "500ms", "inf"}

type metricsSource interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
}

type observedCounter struct {
	id         authcore.MetricID
	instrument metric.Int64ObservableCounter
}

// Exporter registers observable instruments that read the engine's
// snapshot on every collection. Close unregisters the callback.
type Exporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	latency      [8]metric.Int64ObservableGauge
	latencyCount metric.Int64ObservableGauge
	auditDropped metric.Int64ObservableCounter
}

func NewExporter(meter metric.Meter, engine *authcore.Engine) (*Exporter, error) {
	return NewExporterFromSource(meter, engine)
}

func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &Exporter{
		source:   source,
		counters: make([]observedCounter, 0, len(counterDefs)),
	}

	observables := make([]metric.Observable, 0, len(counterDefs)+len(latencyBucketSuffix)+2)

	for _, def := range counterDefs {
		ins, err := meter.Int64ObservableCounter(def.name, metric.WithDescription(def.help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.id, instrument: ins})
		observables = append(observables, ins)
	}

	for i, suffix := range latencyBucketSuffix {
		name := "authcore_validate_latency_bucket_le_" + suffix
		ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative validate latency bucket count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
		}
		exporter.latency[i] = ins
		observables = append(observables, ins)
	}

	latencyCount, err := meter.Int64ObservableGauge(
		"authcore_validate_latency_count",
		metric.WithDescription("Validate latency total sample count."),
	)
	if err != nil {
		return nil, fmt.Errorf("create histogram count gauge: %w", err)
	}
	exporter.latencyCount = latencyCount
	observables = append(observables, latencyCount)

	auditDropped, err := meter.Int64ObservableCounter(
		"authcore_audit_dropped_total",
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	registration, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := exporter.source.MetricsSnapshot()
		for _, c := range exporter.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}

		cumulative := cumulativeBuckets(snapshot.Histograms[authcore.MetricValidateLatency])
		for i := range exporter.latency {
			observer.ObserveInt64(exporter.latency[i], int64(cumulative[i]))
		}
		observer.ObserveInt64(exporter.latencyCount, int64(cumulative[len(cumulative)-1]))

		observer.ObserveInt64(exporter.auditDropped, int64(exporter.source.AuditDropped()))
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

func cumulativeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(out); i++ {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}

func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
