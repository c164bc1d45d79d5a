package authcore

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventAccessIssued       = "access_token_issued"
	auditEventAccessValidated    = "access_token_validated"
	auditEventAccessRejected     = "access_token_rejected"
	auditEventRefreshRotated     = "refresh_token_rotated"
	auditEventRefreshRejected    = "refresh_token_rejected"
	auditEventRefreshReuse       = "refresh_token_reuse_detected"
	auditEventStepUpIssued       = "step_up_token_issued"
	auditEventStepUpRejected     = "step_up_token_rejected"
	auditEventTwoFactorRequired  = "two_factor_required"
	auditEventTwoFactorSuccess   = "two_factor_success"
	auditEventTwoFactorFailure   = "two_factor_failure"
	auditEventEmailCodeSent      = "email_code_sent"
	auditEventEmailCooldownHit   = "email_code_cooldown_hit"
	auditEventRecoveryCodeUsed   = "recovery_code_used"
	auditEventTOTPSetupStarted   = "totp_setup_started"
	auditEventTOTPEnabled        = "totp_enabled"
	auditEventEmailMethodEnabled = "email_method_enabled"
	auditEventMethodDisabled     = "two_factor_method_disabled"
	auditEventRecoveryCodesReset = "recovery_codes_regenerated"
	auditEventPreferredChanged   = "preferred_method_changed"
	auditEventInvalidateAll      = "all_tokens_invalidated"
	auditEventLogoutSession      = "logout_session"
	auditEventLogoutAll          = "logout_all"
)

// Audit reasons record what the public error deliberately hides.
const (
	auditReasonRevoked  = "revoked"
	auditReasonExpired  = "expired"
	auditReasonReuse    = "reuse"
	auditReasonMismatch = "binding_mismatch"
)

// AuditErrorCode is the stable error label carried on audit events.
type AuditErrorCode string

const (
	auditErrTokenMissing      AuditErrorCode = "token_missing"
	auditErrTokenInvalid      AuditErrorCode = "token_invalid"
	auditErrTokenExpired      AuditErrorCode = "token_expired"
	auditErrRefreshReuse      AuditErrorCode = "refresh_reuse"
	auditErrBindingMismatch   AuditErrorCode = "binding_mismatch"
	auditErrWrongCode         AuditErrorCode = "wrong_code"
	auditErrCodeExpired       AuditErrorCode = "code_expired"
	auditErrCooldownActive    AuditErrorCode = "cooldown_active"
	auditErrRecoveryInvalid   AuditErrorCode = "recovery_code_invalid"
	auditErrTwoFactorDisabled AuditErrorCode = "two_factor_disabled"
	auditErrInvalidRequest    AuditErrorCode = "invalid_request"
	auditErrStepUpRequired    AuditErrorCode = "step_up_required"
	auditErrUnavailable       AuditErrorCode = "backend_unavailable"
	auditErrInternal          AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	principalID string,
	tenantID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		PrincipalID: principalID,
		TenantID:    tenantID,
		SessionID:   sessionID,
		IP:          clientIPFromContext(ctx),
		Success:     success,
		Metadata:    metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

// emitAuditReason is emitAudit with an explicit Reason, used where the
// public error hides the real cause (revoked reported as expired, reuse
// reported as reuse-detected internally only).
func (e *Engine) emitAuditReason(
	ctx context.Context,
	eventType string,
	reason string,
	principalID string,
	tenantID string,
	sessionID string,
	err error,
) {
	if e == nil || e.audit == nil {
		return
	}
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	event := AuditEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		PrincipalID: principalID,
		TenantID:    tenantID,
		SessionID:   sessionID,
		IP:          clientIPFromContext(ctx),
		Success:     false,
		Reason:      reason,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrTokenMissing):
		return auditErrTokenMissing
	case errors.Is(err, ErrRefreshReuse):
		return auditErrRefreshReuse
	case errors.Is(err, ErrBindingMismatch):
		return auditErrBindingMismatch
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return auditErrTokenInvalid
	case errors.Is(err, ErrWrongCode):
		return auditErrWrongCode
	case errors.Is(err, ErrCodeExpired):
		return auditErrCodeExpired
	case errors.Is(err, ErrCooldownActive):
		return auditErrCooldownActive
	case errors.Is(err, ErrRecoveryCodeInvalid):
		return auditErrRecoveryInvalid
	case errors.Is(err, ErrTwoFactorDisabled):
		return auditErrTwoFactorDisabled
	case errors.Is(err, ErrStepUpRequired):
		return auditErrStepUpRequired
	case errors.Is(err, ErrMethodAlreadyEnabled),
		errors.Is(err, ErrMethodAlreadyDisabled),
		errors.Is(err, ErrCannotDisableOnlyMethod),
		errors.Is(err, ErrInvalidTwoFactorRequest),
		errors.Is(err, ErrInvalidPrincipal):
		return auditErrInvalidRequest
	case errors.Is(err, ErrCacheUnavailable),
		errors.Is(err, ErrPrincipalStoreUnavailable),
		errors.Is(err, ErrCodeSendFailed),
		errors.Is(err, ErrEngineNotReady):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
