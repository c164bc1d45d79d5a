package authcore

import (
	"time"

	"github.com/keyring-id/authcore/allowlist"
	internalaudit "github.com/keyring-id/authcore/internal/audit"
	"github.com/keyring-id/authcore/internal/stores"
	"github.com/keyring-id/authcore/jwt"
	"github.com/keyring-id/authcore/twofactor"
)

// Engine is the token and two-factor service. Build one with the Builder;
// an Engine is immutable after construction and safe for concurrent use.
type Engine struct {
	config     Config
	jwtManager *jwt.Manager
	allowlist  *allowlist.Store
	refresh    *stores.RefreshStore
	cooldown   *stores.CooldownStore
	totp       *twofactor.TOTP
	principals PrincipalStore
	secrets    SecretCipher
	sender     CodeSender
	audit      *internalaudit.Dispatcher
	metrics    *Metrics
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports audit events discarded because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Metrics exposes the counter set, e.g. for an exporter bridge.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) observeLatency(start time.Time) {
	if e == nil || e.metrics == nil || !e.metrics.LatencyEnabled() {
		return
	}
	e.metrics.Observe(MetricValidateLatency, time.Since(start))
}
