package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/keyring-id/authcore/jwt"
	"github.com/keyring-id/authcore/twofactor"
)

// BeginTOTPSetup starts authenticator enrollment. The fresh secret travels
// only inside the returned setup token (encrypted) and in the provisioning
// material shown to the user; nothing touches the principal until the user
// proves possession in ActivateTOTP.
func (e *Engine) BeginTOTPSetup(ctx context.Context, auth *Authentication) (*TOTPSetup, error) {
	if auth == nil || auth.PrincipalID == "" || auth.SessionID == "" {
		return nil, ErrInvalidPrincipal
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
	if principal.TwoFactor.TOTP.Enabled {
		return nil, ErrMethodAlreadyEnabled
	}

	accountName := principal.Email
	if accountName == "" {
		accountName = principal.ID
	}

	enrollment, err := e.totp.GenerateSecret(accountName)
	if err != nil {
		return nil, err
	}

	secretEnc, err := e.secrets.Encrypt(enrollment.Secret)
	if err != nil {
		return nil, err
	}

	setupToken, err := e.jwtManager.Sign(jwt.Claims{
		Scope:     jwt.ScopeTwoFactorSetup,
		SessionID: auth.SessionID,
		TenantID:  tenantID,
		SecretEnc: secretEnc,

		RegisteredClaims: jwt.Registered(auth.PrincipalID, ""),
	}, e.config.Tokens.TwoFactorSetupTTL)
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditEventTOTPSetupStarted, true, auth.PrincipalID, tenantID, auth.SessionID, nil, nil)

	return &TOTPSetup{
		SetupToken: setupToken,
		Secret:     enrollment.Secret,
		URL:        enrollment.URL,
	}, nil
}

// ActivateTOTP completes enrollment: the code must verify against the
// secret carried by the setup token. On success the method is enabled,
// recovery codes are issued, and every previously issued token of the
// principal is invalidated. The returned plaintext recovery codes are
// shown once and never stored.
func (e *Engine) ActivateTOTP(ctx context.Context, auth *Authentication, setupToken, code string) ([]string, error) {
	if auth == nil || auth.PrincipalID == "" || auth.SessionID == "" {
		return nil, ErrInvalidPrincipal
	}

	claims, err := e.jwtManager.Parse(setupToken, jwt.ScopeTwoFactorSetup)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject != auth.PrincipalID || claims.SessionID != auth.SessionID {
		return nil, ErrBindingMismatch
	}

	secret, err := e.secrets.Decrypt(claims.SecretEnc)
	if err != nil {
		return nil, fmt.Errorf("%w: secret decrypt: %v", ErrTokenInvalid, err)
	}
	if !e.totp.Validate(code, secret) {
		e.metricInc(MetricTwoFactorFailure)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, auth.PrincipalID, claims.TenantID, auth.SessionID, ErrWrongCode, nil)
		return nil, ErrWrongCode
	}

	tenantID := claims.TenantID
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
	if principal.TwoFactor.TOTP.Enabled {
		return nil, ErrMethodAlreadyEnabled
	}

	codes, hashes, err := twofactor.GenerateRecoveryCodes(e.config.Recovery.CodeCount)
	if err != nil {
		return nil, err
	}

	principal.TwoFactor.TOTP = TOTPState{
		Enabled:        true,
		SecretEnc:      claims.SecretEnc,
		RecoveryHashes: hashes,
	}
	if principal.TwoFactor.Preferred == "" {
		principal.TwoFactor.Preferred = MethodTOTP
	}
	if err := e.principals.Save(ctx, principal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}

	// Method change: everything issued before it is no longer trusted.
	if err := e.InvalidateAllTokens(ctx, tenantID, principal.ID); err != nil {
		return nil, err
	}

	e.metricInc(MetricTOTPEnabled)
	e.emitAudit(ctx, auditEventTOTPEnabled, true, principal.ID, tenantID, auth.SessionID, nil, nil)

	return codes, nil
}

// EnableEmailTwoFactor enables the email method after the caller proves
// mailbox control with a code previously delivered through
// SendEmailTwoFactorCode. Verification and the enable flip persist in a
// single save.
func (e *Engine) EnableEmailTwoFactor(ctx context.Context, auth *Authentication, code string) error {
	if auth == nil || auth.PrincipalID == "" {
		return ErrInvalidPrincipal
	}

	tenantID := auth.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	principal, err := e.principals.FindByID(ctx, tenantID, auth.PrincipalID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}
	if principal == nil {
		return ErrInvalidPrincipal
	}
	if principal.TwoFactor.Email.Enabled {
		return ErrMethodAlreadyEnabled
	}
	if principal.Email == "" {
		return fmt.Errorf("%w: principal has no email address", ErrInvalidTwoFactorRequest)
	}

	if err := checkAndClearEmailCode(principal, code); err != nil {
		e.metricInc(MetricTwoFactorFailure)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, principal.ID, tenantID, "", err, nil)
		return err
	}

	principal.TwoFactor.Email.Enabled = true
	if principal.TwoFactor.Preferred == "" {
		principal.TwoFactor.Preferred = MethodEmail
	}
	if err := e.principals.Save(ctx, principal); err != nil {
		return fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}

	if err := e.InvalidateAllTokens(ctx, tenantID, principal.ID); err != nil {
		return err
	}

	e.metricInc(MetricEmailMethodEnabled)
	e.emitAudit(ctx, auditEventEmailMethodEnabled, true, principal.ID, tenantID, "", nil, nil)
	return nil
}

// DisableTwoFactorMethod disables one method behind a step-up gate. The
// last enabled method cannot be disabled; the request fails with state
// untouched. Disabling clears the method's secrets and re-points the
// preferred method at whatever remains.
func (e *Engine) DisableTwoFactorMethod(ctx context.Context, auth *Authentication, method Method, stepUpToken string) error {
	if auth == nil || auth.PrincipalID == "" {
		return ErrInvalidPrincipal
	}

	if _, err := e.ValidateStepUpToken(ctx, auth, stepUpToken); err != nil {
		return err
	}

	tenantID := auth.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	principal, err := e.principals.FindByID(ctx, tenantID, auth.PrincipalID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}
	if principal == nil {
		return ErrInvalidPrincipal
	}

	switch method {
	case MethodTOTP:
		if !principal.TwoFactor.TOTP.Enabled {
			return ErrMethodAlreadyDisabled
		}
	case MethodEmail:
		if !principal.TwoFactor.Email.Enabled {
			return ErrMethodAlreadyDisabled
		}
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidTwoFactorRequest, method)
	}

	if principal.TwoFactor.EnabledCount() == 1 {
		return ErrCannotDisableOnlyMethod
	}

	switch method {
	case MethodTOTP:
		principal.TwoFactor.TOTP = TOTPState{}
		principal.TwoFactor.Preferred = MethodEmail
		e.metricInc(MetricTOTPDisabled)
	case MethodEmail:
		principal.TwoFactor.Email = EmailState{}
		principal.TwoFactor.Preferred = MethodTOTP
		e.metricInc(MetricEmailMethodDisabled)
	}

	if err := e.principals.Save(ctx, principal); err != nil {
		return fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}

	if err := e.InvalidateAllTokens(ctx, tenantID, principal.ID); err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventMethodDisabled, true, principal.ID, tenantID, "", nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})
	return nil
}

// SetPreferredMethod changes which enabled method login dispatch offers
// first.
func (e *Engine) SetPreferredMethod(ctx context.Context, auth *Authentication, method Method) error {
	if auth == nil || auth.PrincipalID == "" {
		return ErrInvalidPrincipal
	}

	tenantID := auth.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	principal, err := e.principals.FindByID(ctx, tenantID, auth.PrincipalID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}
	if principal == nil {
		return ErrInvalidPrincipal
	}

	switch method {
	case MethodTOTP:
		if !principal.TwoFactor.TOTP.Enabled {
			return fmt.Errorf("%w: method %q not enabled", ErrInvalidTwoFactorRequest, method)
		}
	case MethodEmail:
		if !principal.TwoFactor.Email.Enabled {
			return fmt.Errorf("%w: method %q not enabled", ErrInvalidTwoFactorRequest, method)
		}
	default:
		return fmt.Errorf("%w: unknown method %q", ErrInvalidTwoFactorRequest, method)
	}

	principal.TwoFactor.Preferred = method
	if err := e.principals.Save(ctx, principal); err != nil {
		return fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}

	e.emitAudit(ctx, auditEventPreferredChanged, true, principal.ID, tenantID, "", nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})
	return nil
}

// RegenerateRecoveryCodes replaces the recovery code set behind a step-up
// gate. All previous codes stop working in the same save.
func (e *Engine) RegenerateRecoveryCodes(ctx context.Context, auth *Authentication, stepUpToken string) ([]string, error) {
	if auth == nil || auth.PrincipalID == "" {
		return nil, ErrInvalidPrincipal
	}

	if _, err := e.ValidateStepUpToken(ctx, auth, stepUpToken); err != nil {
		return nil, err
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
	if !principal.TwoFactor.TOTP.Enabled {
		return nil, ErrTwoFactorDisabled
	}

	codes, hashes, err := twofactor.GenerateRecoveryCodes(e.config.Recovery.CodeCount)
	if err != nil {
		return nil, err
	}

	principal.TwoFactor.TOTP.RecoveryHashes = hashes
	if err := e.principals.Save(ctx, principal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}

	e.emitAudit(ctx, auditEventRecoveryCodesReset, true, principal.ID, tenantID, "", nil, nil)
	return codes, nil
}
