package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/keyring-id/authcore/internal"
	"github.com/keyring-id/authcore/internal/stores"
)

// CreateRefreshToken issues the refresh token for a session. The opaque
// value packs the session id and a random secret; only the secret's hash
// is stored. When a device id is present on ctx the record is bound to it
// and rotation from another device, or with no device at all, is refused.
func (e *Engine) CreateRefreshToken(ctx context.Context, principal *Principal, sessionID string) (string, error) {
	if principal == nil || principal.ID == "" {
		return "", ErrInvalidPrincipal
	}

	tenantID := principal.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return "", err
	}
	token, err := internal.EncodeRefreshToken(sessionID, secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	record := &stores.RefreshRecord{
		PrincipalID: principal.ID,
		SecretHash:  internal.HashRefreshSecret(secret),
		ExpiresAt:   time.Now().Add(e.config.Tokens.RefreshTTL).Unix(),
	}
	if deviceID := deviceIDFromContext(ctx); deviceID != "" {
		record.DeviceHash = internal.HashBindingValue(deviceID)
	}

	if err := e.refresh.Save(ctx, tenantID, sessionID, record, e.config.Tokens.RefreshTTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	return token, nil
}

// RotateRefreshToken consumes a refresh token and returns a fresh token
// pair for the same session. Consumption and replacement happen in one
// atomic step, so of two concurrent presentations exactly one succeeds and
// the other sees reuse. A reused token kills the whole refresh chain.
func (e *Engine) RotateRefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	if rawToken == "" {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrTokenMissing
	}

	sessionID, secret, err := internal.DecodeRefreshToken(rawToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshRejected, false, "", "", "", ErrTokenInvalid, nil)
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	tenantID := tenantIDFromContext(ctx)

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, err
	}

	var deviceHash [32]byte
	if deviceID := deviceIDFromContext(ctx); deviceID != "" {
		deviceHash = internal.HashBindingValue(deviceID)
	}

	record, err := e.refresh.ConsumeAndRotate(
		ctx,
		tenantID, sessionID,
		internal.HashRefreshSecret(secret),
		deviceHash,
		internal.HashRefreshSecret(nextSecret),
		e.config.Tokens.RefreshTTL,
	)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		switch {
		case errors.Is(err, stores.ErrRefreshNotFound):
			e.emitAudit(ctx, auditEventRefreshRejected, false, "", tenantID, sessionID, ErrTokenInvalid, nil)
			return nil, fmt.Errorf("%w: unknown refresh token", ErrTokenInvalid)
		case errors.Is(err, stores.ErrRefreshExpired):
			e.emitAuditReason(ctx, auditEventRefreshRejected, auditReasonExpired, "", tenantID, sessionID, ErrTokenExpired)
			return nil, fmt.Errorf("%w: refresh token expired", ErrTokenExpired)
		case errors.Is(err, stores.ErrRefreshSecretMismatch):
			e.metricInc(MetricRefreshReuseDetected)
			e.emitAuditReason(ctx, auditEventRefreshReuse, auditReasonReuse, "", tenantID, sessionID, ErrRefreshReuse)
			return nil, ErrRefreshReuse
		case errors.Is(err, stores.ErrRefreshDeviceMismatch):
			e.metricInc(MetricRefreshBindingMismatch)
			e.emitAuditReason(ctx, auditEventRefreshRejected, auditReasonMismatch, "", tenantID, sessionID, ErrBindingMismatch)
			return nil, ErrBindingMismatch
		default:
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
	}

	newRefreshToken, err := internal.EncodeRefreshToken(sessionID, nextSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	principal, err := e.principals.FindByID(ctx, tenantID, record.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}
	if principal == nil {
		return nil, ErrInvalidPrincipal
	}

	accessToken, err := e.CreateAccessToken(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshRotated, true, record.PrincipalID, tenantID, sessionID, nil, nil)

	return &TokenPair{
		SessionID:    sessionID,
		AccessToken:  accessToken,
		RefreshToken: newRefreshToken,
	}, nil
}

// RotateRefreshRequest extracts the refresh token from r and rotates it.
func (e *Engine) RotateRefreshRequest(ctx context.Context, r *http.Request) (*TokenPair, error) {
	raw, err := e.TokenFromRequest(r, TokenRefresh)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}
	if raw == "" {
		e.metricInc(MetricRefreshFailure)
		return nil, ErrTokenMissing
	}
	return e.RotateRefreshToken(ctx, raw)
}
