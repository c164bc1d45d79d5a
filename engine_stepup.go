package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/keyring-id/authcore/jwt"
)

// CreateStepUpToken mints a short-lived step-up token after verifying a
// fresh two-factor code from the authenticated user. The token is bound to
// the principal and session it was minted for and proves nothing anywhere
// else. Recovery codes are not accepted here; the recovery capability is
// granted only through CreateStepUpTokenForRecovery.
func (e *Engine) CreateStepUpToken(ctx context.Context, auth *Authentication, method Method, code string) (string, error) {
	if auth == nil || auth.PrincipalID == "" || auth.SessionID == "" {
		return "", ErrInvalidPrincipal
	}
	if method == MethodRecovery {
		return "", fmt.Errorf("%w: recovery codes cannot mint a regular step-up token", ErrInvalidTwoFactorRequest)
	}

	tenantID := auth.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	principal, err := e.principals.FindByID(ctx, tenantID, auth.PrincipalID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}
	if principal == nil {
		return "", ErrInvalidPrincipal
	}
	if !principal.TwoFactor.Enabled() {
		return "", ErrTwoFactorDisabled
	}

	if err := e.verifyTwoFactorCode(ctx, principal, method, code); err != nil {
		e.metricInc(MetricStepUpRejected)
		e.emitAudit(ctx, auditEventStepUpRejected, false, auth.PrincipalID, tenantID, auth.SessionID, err, nil)
		return "", err
	}

	return e.signStepUp(ctx, auth.PrincipalID, tenantID, auth.SessionID, false)
}

// CreateStepUpTokenForRecovery mints a step-up token carrying the recovery
// capability. It performs no code verification of its own: the only
// legitimate caller is the recovery login flow, immediately after a
// recovery code has been consumed.
func (e *Engine) CreateStepUpTokenForRecovery(ctx context.Context, auth *Authentication) (string, error) {
	if auth == nil || auth.PrincipalID == "" || auth.SessionID == "" {
		return "", ErrInvalidPrincipal
	}

	tenantID := auth.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	return e.signStepUp(ctx, auth.PrincipalID, tenantID, auth.SessionID, true)
}

func (e *Engine) signStepUp(ctx context.Context, principalID, tenantID, sessionID string, recovery bool) (string, error) {
	token, err := e.jwtManager.Sign(jwt.Claims{
		Scope:     jwt.ScopeStepUp,
		SessionID: sessionID,
		TenantID:  tenantID,
		Recovery:  recovery,

		RegisteredClaims: jwt.Registered(principalID, ""),
	}, e.config.Tokens.StepUpTTL)
	if err != nil {
		return "", err
	}

	e.metricInc(MetricStepUpIssued)
	e.emitAudit(ctx, auditEventStepUpIssued, true, principalID, tenantID, sessionID, nil, func() map[string]string {
		return map[string]string{"recovery": fmt.Sprintf("%t", recovery)}
	})

	return token, nil
}

// ValidateStepUpToken checks a step-up token against the current
// authentication. The check is purely cryptographic plus binding: the
// token must name the same principal and the same session, and the
// principal must still have two-factor enabled.
func (e *Engine) ValidateStepUpToken(ctx context.Context, auth *Authentication, rawToken string) (*StepUpGrant, error) {
	if auth == nil || auth.PrincipalID == "" || auth.SessionID == "" {
		return nil, ErrInvalidPrincipal
	}
	if rawToken == "" {
		e.metricInc(MetricStepUpRejected)
		return nil, ErrStepUpRequired
	}

	claims, err := e.jwtManager.Parse(rawToken, jwt.ScopeStepUp)
	if err != nil {
		e.metricInc(MetricStepUpRejected)
		if errors.Is(err, jwt.ErrExpired) {
			e.emitAuditReason(ctx, auditEventStepUpRejected, auditReasonExpired, auth.PrincipalID, auth.TenantID, auth.SessionID, ErrTokenExpired)
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		e.emitAudit(ctx, auditEventStepUpRejected, false, auth.PrincipalID, auth.TenantID, auth.SessionID, ErrTokenInvalid, nil)
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Subject != auth.PrincipalID || claims.SessionID != auth.SessionID {
		e.metricInc(MetricStepUpRejected)
		e.emitAuditReason(ctx, auditEventStepUpRejected, auditReasonMismatch, auth.PrincipalID, auth.TenantID, auth.SessionID, ErrBindingMismatch)
		return nil, ErrBindingMismatch
	}

	tenantID := auth.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	principal, err := e.principals.FindByID(ctx, tenantID, auth.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}
	if principal == nil {
		return nil, ErrInvalidPrincipal
	}
	if !principal.TwoFactor.Enabled() {
		e.metricInc(MetricStepUpRejected)
		return nil, ErrTwoFactorDisabled
	}

	return &StepUpGrant{
		PrincipalID: claims.Subject,
		SessionID:   claims.SessionID,
		Recovery:    claims.Recovery,
	}, nil
}

// ValidateStepUpRequest extracts the step-up token from r and validates it
// against auth.
func (e *Engine) ValidateStepUpRequest(ctx context.Context, auth *Authentication, r *http.Request) (*StepUpGrant, error) {
	raw, err := e.TokenFromRequest(r, TokenStepUp)
	if err != nil {
		e.metricInc(MetricStepUpRejected)
		return nil, err
	}
	if raw == "" {
		e.metricInc(MetricStepUpRejected)
		return nil, ErrStepUpRequired
	}
	return e.ValidateStepUpToken(ctx, auth, raw)
}
