package authcore

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"time"

	"github.com/keyring-id/authcore/internal"
)

// SendEmailTwoFactorCode sends a fresh emailed code to the authenticated
// principal, subject to the send cooldown. It serves both the resend path
// of a pending login and the proof-of-mailbox step of enabling the email
// method, so it does not require the method to be enabled yet.
func (e *Engine) SendEmailTwoFactorCode(ctx context.Context, auth *Authentication) error {
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

	return e.issueEmailCode(ctx, principal)
}

// issueEmailCode generates, stores and delivers one emailed code. The
// cooldown is claimed atomically before anything else, so concurrent
// requests produce exactly one send per window.
func (e *Engine) issueEmailCode(ctx context.Context, principal *Principal) error {
	if principal.Email == "" {
		return fmt.Errorf("%w: principal has no email address", ErrInvalidTwoFactorRequest)
	}

	tenantID := principal.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	acquired, remaining, err := e.cooldown.Acquire(ctx, tenantID, principal.ID, e.config.EmailOTP.SendCooldown)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if !acquired {
		e.metricInc(MetricEmailCooldownHit)
		e.emitAudit(ctx, auditEventEmailCooldownHit, false, principal.ID, tenantID, "", ErrCooldownActive, nil)
		return &CooldownError{Remaining: remaining}
	}

	code, err := internal.NewOTP(e.config.EmailOTP.Digits)
	if err != nil {
		return err
	}

	principal.TwoFactor.Email.Code = code
	principal.TwoFactor.Email.ExpiresAt = time.Now().Add(e.config.EmailOTP.CodeTTL)
	if err := e.principals.Save(ctx, principal); err != nil {
		return fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}

	if err := e.sender.SendCode(ctx, principal, code, localeFromContext(ctx)); err != nil {
		// Release the window so the user is not locked out of retrying a
		// code that never left the building.
		if clearErr := e.cooldown.Clear(ctx, tenantID, principal.ID); clearErr != nil {
			log.Print("authcore: failed to clear send cooldown after delivery failure: ", clearErr)
		}
		e.emitAudit(ctx, auditEventEmailCodeSent, false, principal.ID, tenantID, "", ErrCodeSendFailed, nil)
		return fmt.Errorf("%w: %v", ErrCodeSendFailed, err)
	}

	e.metricInc(MetricEmailCodeSent)
	e.emitAudit(ctx, auditEventEmailCodeSent, true, principal.ID, tenantID, "", nil, nil)
	return nil
}

// verifyEmailCode checks the outstanding emailed code and clears it from
// the snapshot on success (a code verifies at most once). It persists the
// snapshot; callers that combine the verification with further state
// changes use checkAndClearEmailCode and save once themselves.
func (e *Engine) verifyEmailCode(ctx context.Context, principal *Principal, code string) error {
	if err := checkAndClearEmailCode(principal, code); err != nil {
		return err
	}
	if err := e.principals.Save(ctx, principal); err != nil {
		return fmt.Errorf("%w: %v", ErrPrincipalStoreUnavailable, err)
	}
	return nil
}

// checkAndClearEmailCode validates code against the snapshot and, on
// success, removes the consumed code. Expiry is strictly now after
// expires-at; a code expiring this instant still verifies.
func checkAndClearEmailCode(principal *Principal, code string) error {
	state := principal.TwoFactor.Email
	if state.Code == "" {
		return fmt.Errorf("%w: no outstanding code", ErrWrongCode)
	}
	if time.Now().After(state.ExpiresAt) {
		return ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(state.Code), []byte(code)) != 1 {
		return ErrWrongCode
	}

	principal.TwoFactor.Email.Code = ""
	principal.TwoFactor.Email.ExpiresAt = time.Time{}
	return nil
}
