package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/keyring-id/authcore/internal"
	"github.com/keyring-id/authcore/jwt"
)

// CreateAccessToken issues a new access token for an existing session.
// The allowlist entry is written before the token is signed, so a signed
// token that is not allowlisted cannot exist. Issuing for a session that
// already has a live token overwrites it, revoking the previous token.
func (e *Engine) CreateAccessToken(ctx context.Context, principal *Principal, sessionID string) (string, error) {
	if principal == nil || principal.ID == "" {
		return "", ErrInvalidPrincipal
	}
	if sessionID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrTokenInvalid)
	}

	tenantID := principal.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	tokenID, err := internal.NewTokenID()
	if err != nil {
		return "", err
	}

	if err := e.allowlist.Allow(ctx, tenantID, principal.ID, sessionID, tokenID, e.config.Tokens.AccessTTL); err != nil {
		e.emitAudit(ctx, auditEventAccessIssued, false, principal.ID, tenantID, sessionID, ErrCacheUnavailable, nil)
		return "", fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	token, err := e.jwtManager.Sign(jwt.Claims{
		Scope:     jwt.ScopeAccess,
		SessionID: sessionID,
		TenantID:  tenantID,
		Roles:     principal.Roles,
		Groups:    principal.Groups,

		RegisteredClaims: jwt.Registered(principal.ID, tokenID),
	}, e.config.Tokens.AccessTTL)
	if err != nil {
		return "", err
	}

	e.metricInc(MetricAccessIssued)
	e.emitAudit(ctx, auditEventAccessIssued, true, principal.ID, tenantID, sessionID, nil, func() map[string]string {
		return map[string]string{"token_id": tokenID}
	})

	return token, nil
}

// Authenticate validates a raw access token. The allowlist check is
// mandatory: a cryptographically valid token whose id is not the live one
// for its session is reported expired, and Redis being unreachable fails
// the validation rather than skipping the check.
func (e *Engine) Authenticate(ctx context.Context, rawToken string) (*Authentication, error) {
	start := time.Now()
	defer e.observeLatency(start)

	if rawToken == "" {
		e.metricInc(MetricAccessValidateFailure)
		return nil, ErrTokenMissing
	}

	claims, err := e.jwtManager.Parse(rawToken, jwt.ScopeAccess)
	if err != nil {
		e.metricInc(MetricAccessValidateFailure)
		if errors.Is(err, jwt.ErrExpired) {
			e.emitAuditReason(ctx, auditEventAccessRejected, auditReasonExpired, "", "", "", ErrTokenExpired)
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		e.emitAudit(ctx, auditEventAccessRejected, false, "", "", "", ErrTokenInvalid, nil)
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	tenantID := claims.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	ok, err := e.allowlist.IsValid(ctx, tenantID, claims.Subject, claims.SessionID, claims.ID)
	if err != nil {
		e.metricInc(MetricAccessValidateFailure)
		e.emitAudit(ctx, auditEventAccessRejected, false, claims.Subject, tenantID, claims.SessionID, ErrCacheUnavailable, nil)
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if !ok {
		// Revoked and expired are indistinguishable to the caller; the
		// audit reason keeps them apart.
		e.metricInc(MetricAccessValidateFailure)
		e.metricInc(MetricAccessRevokedHit)
		e.emitAuditReason(ctx, auditEventAccessRejected, auditReasonRevoked, claims.Subject, tenantID, claims.SessionID, ErrTokenExpired)
		return nil, ErrTokenExpired
	}

	e.metricInc(MetricAccessValidateSuccess)
	e.emitAudit(ctx, auditEventAccessValidated, true, claims.Subject, tenantID, claims.SessionID, nil, nil)

	return &Authentication{
		PrincipalID: claims.Subject,
		TenantID:    tenantID,
		SessionID:   claims.SessionID,
		TokenID:     claims.ID,
		Roles:       claims.Roles,
		Groups:      claims.Groups,
	}, nil
}

// AuthenticateRequest extracts the access token from r and validates it.
// A request with no token at all gets ErrTokenMissing; a request with a
// garbled token slot gets ErrTokenInvalid.
func (e *Engine) AuthenticateRequest(ctx context.Context, r *http.Request) (*Authentication, error) {
	raw, err := e.TokenFromRequest(r, TokenAccess)
	if err != nil {
		e.metricInc(MetricAccessValidateFailure)
		e.emitAudit(ctx, auditEventAccessRejected, false, "", "", "", err, nil)
		return nil, err
	}
	if raw == "" {
		e.metricInc(MetricAccessValidateFailure)
		return nil, ErrTokenMissing
	}
	return e.Authenticate(ctx, raw)
}

// InvalidateAllTokens revokes every live access token and refresh record
// for a principal across all sessions. Used on credential and two-factor
// state changes.
func (e *Engine) InvalidateAllTokens(ctx context.Context, tenantID, principalID string) error {
	if principalID == "" {
		return ErrInvalidPrincipal
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	if err := e.allowlist.InvalidateAll(ctx, tenantID, principalID); err != nil {
		e.emitAudit(ctx, auditEventInvalidateAll, false, principalID, tenantID, "", ErrCacheUnavailable, nil)
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if err := e.refresh.DeleteAllForPrincipal(ctx, tenantID, principalID); err != nil {
		e.emitAudit(ctx, auditEventInvalidateAll, false, principalID, tenantID, "", ErrCacheUnavailable, nil)
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	e.metricInc(MetricInvalidateAll)
	e.emitAudit(ctx, auditEventInvalidateAll, true, principalID, tenantID, "", nil, nil)
	return nil
}

// Logout revokes the authenticated session's tokens.
func (e *Engine) Logout(ctx context.Context, auth *Authentication) error {
	if auth == nil || auth.PrincipalID == "" || auth.SessionID == "" {
		return ErrInvalidPrincipal
	}

	if err := e.allowlist.Invalidate(ctx, auth.TenantID, auth.PrincipalID, auth.SessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if err := e.refresh.Delete(ctx, auth.TenantID, auth.PrincipalID, auth.SessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, true, auth.PrincipalID, auth.TenantID, auth.SessionID, nil, nil)
	return nil
}

// LogoutAll revokes the principal's tokens in every session.
func (e *Engine) LogoutAll(ctx context.Context, auth *Authentication) error {
	if auth == nil || auth.PrincipalID == "" {
		return ErrInvalidPrincipal
	}
	if err := e.InvalidateAllTokens(ctx, auth.TenantID, auth.PrincipalID); err != nil {
		return err
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, auth.PrincipalID, auth.TenantID, "", nil, nil)
	return nil
}
