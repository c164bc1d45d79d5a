package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/keyring-id/authcore/internal"
	"github.com/keyring-id/authcore/jwt"
	"github.com/keyring-id/authcore/twofactor"
)

// IssueForLogin starts a session for a principal whose primary credential
// the caller has already verified. Without two-factor enabled it returns a
// token pair directly; otherwise it returns a pending two-factor login
// token naming the method to verify. TOTP is dispatched over email unless
// the principal prefers otherwise; an email dispatch also sends the code.
func (e *Engine) IssueForLogin(ctx context.Context, principal *Principal) (*LoginResult, error) {
	if principal == nil || principal.ID == "" {
		return nil, ErrInvalidPrincipal
	}

	tenantID := principal.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	sessionID := internal.NewSessionID()

	if !principal.TwoFactor.Enabled() {
		pair, err := e.issueTokenPair(ctx, principal, sessionID)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Tokens: pair}, nil
	}

	method := dispatchMethod(principal.TwoFactor)

	if method == MethodEmail {
		// A cooldown hit means a live code is already out; the pending
		// login proceeds against it.
		if err := e.issueEmailCode(ctx, principal); err != nil && !errors.Is(err, ErrCooldownActive) {
			return nil, err
		}
	}

	token, err := e.jwtManager.Sign(jwt.Claims{
		Scope:     jwt.ScopeTwoFactorLogin,
		SessionID: sessionID,
		TenantID:  tenantID,
		Method:    string(method),

		RegisteredClaims: jwt.Registered(principal.ID, ""),
	}, e.config.Tokens.TwoFactorLoginTTL)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricTwoFactorRequired)
	e.emitAudit(ctx, auditEventTwoFactorRequired, true, principal.ID, tenantID, sessionID, nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})

	return &LoginResult{
		TwoFactorRequired: true,
		Method:            method,
		TwoFactorToken:    token,
	}, nil
}

// CompleteTwoFactorLogin finishes a pending login. The login token names
// the dispatched method, but any method the principal currently has
// enabled is accepted: a user who was emailed a code may still answer
// with their authenticator. MethodRecovery is the universal fallback; a
// recovery completion additionally returns a recovery-capable step-up
// token, since the user has just proven they lost their usual method.
func (e *Engine) CompleteTwoFactorLogin(ctx context.Context, loginToken string, method Method, code string) (*TwoFactorLoginResult, error) {
	claims, err := e.jwtManager.Parse(loginToken, jwt.ScopeTwoFactorLogin)
	if err != nil {
		e.metricInc(MetricTwoFactorFailure)
		if errors.Is(err, jwt.ErrExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	tenantID := claims.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	principal, err := e.principals.FindByID(ctx, tenantID, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}
	if principal == nil {
		return nil, ErrInvalidPrincipal
	}

	switch {
	case method == MethodRecovery:
	case method == MethodTOTP && principal.TwoFactor.TOTP.Enabled:
	case method == MethodEmail && principal.TwoFactor.Email.Enabled:
	default:
		e.metricInc(MetricTwoFactorFailure)
		return nil, fmt.Errorf("%w: method %q not offered", ErrInvalidTwoFactorRequest, method)
	}

	if err := e.verifyTwoFactorCode(ctx, principal, method, code); err != nil {
		e.metricInc(MetricTwoFactorFailure)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, principal.ID, tenantID, claims.SessionID, err, func() map[string]string {
			return map[string]string{"method": string(method)}
		})
		return nil, err
	}

	pair, err := e.issueTokenPair(ctx, principal, claims.SessionID)
	if err != nil {
		return nil, err
	}

	result := &TwoFactorLoginResult{
		Tokens:     pair,
		UsedMethod: method,
	}

	if method == MethodRecovery {
		stepUp, err := e.CreateStepUpTokenForRecovery(ctx, &Authentication{
			PrincipalID: principal.ID,
			TenantID:    tenantID,
			SessionID:   claims.SessionID,
		})
		if err != nil {
			return nil, err
		}
		result.StepUpToken = stepUp
	}

	e.metricInc(MetricTwoFactorSuccess)
	e.emitAudit(ctx, auditEventTwoFactorSuccess, true, principal.ID, tenantID, claims.SessionID, nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})

	return result, nil
}

func (e *Engine) issueTokenPair(ctx context.Context, principal *Principal, sessionID string) (*TokenPair, error) {
	accessToken, err := e.CreateAccessToken(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}
	refreshToken, err := e.CreateRefreshToken(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		SessionID:    sessionID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// verifyTwoFactorCode checks one code against the principal's state.
// Email and recovery verifications consume state and persist the mutated
// snapshot in a single save.
func (e *Engine) verifyTwoFactorCode(ctx context.Context, principal *Principal, method Method, code string) error {
	if code == "" {
		return fmt.Errorf("%w: empty code", ErrInvalidTwoFactorRequest)
	}

	switch method {
	case MethodTOTP:
		if !principal.TwoFactor.TOTP.Enabled {
			return ErrTwoFactorDisabled
		}
		secret, err := e.secrets.Decrypt(principal.TwoFactor.TOTP.SecretEnc)
		if err != nil {
			return fmt.Errorf("%w: secret decrypt: %v", ErrInvalidTwoFactorRequest, err)
		}
		if !e.totp.Validate(code, secret) {
			return ErrWrongCode
		}
		return nil

	case MethodEmail:
		if !principal.TwoFactor.Email.Enabled {
			return ErrTwoFactorDisabled
		}
		return e.verifyEmailCode(ctx, principal, code)

	case MethodRecovery:
		if !principal.TwoFactor.TOTP.Enabled {
			return ErrTwoFactorDisabled
		}
		remaining, matched, err := twofactor.MatchRecoveryCode(code, principal.TwoFactor.TOTP.RecoveryHashes)
		if err != nil {
			return err
		}
		if !matched {
			return ErrRecoveryCodeInvalid
		}
		principal.TwoFactor.TOTP.RecoveryHashes = remaining
		if err := e.principals.Save(ctx, principal); err != nil {
			return fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
		}
		e.metricInc(MetricRecoveryCodeUsed)
		e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, principal.ID, principal.TenantID, "", nil, func() map[string]string {
			return map[string]string{"codes_left": fmt.Sprintf("%d", len(remaining))}
		})
		return nil

	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidTwoFactorRequest, method)
	}
}

// dispatchMethod picks the method offered at login: the preferred one when
// set and enabled, otherwise TOTP before email.
func dispatchMethod(state TwoFactorState) Method {
	switch state.Preferred {
	case MethodTOTP:
		if state.TOTP.Enabled {
			return MethodTOTP
		}
	case MethodEmail:
		if state.Email.Enabled {
			return MethodEmail
		}
	}

	if state.TOTP.Enabled {
		return MethodTOTP
	}
	return MethodEmail
}
