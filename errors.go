package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTokenMissing means no token value was present where one was
	// required. Distinct from ErrTokenInvalid: an absent cookie is not an
	// attack signal, a malformed one might be.
	ErrTokenMissing = errors.New("token missing")
	// ErrTokenInvalid covers bad signature, wrong scope, malformed value,
	// unknown kid and every other non-lifetime failure.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for lifetime failures and for allowlist
	// misses. Callers cannot tell a revoked token from a stale one; the
	// audit stream can.
	ErrTokenExpired = errors.New("token expired")
	// ErrRefreshReuse signals a refresh token presented after it was
	// already consumed. The whole refresh chain is revoked when this fires.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrBindingMismatch covers device binding failures on refresh and
	// principal/session binding failures on step-up tokens.
	ErrBindingMismatch = errors.New("token binding mismatch")
	// ErrCacheUnavailable is returned when Redis cannot answer. Validation
	// fails closed rather than skipping the allowlist check.
	ErrCacheUnavailable = errors.New("token cache unavailable")

	// ErrInvalidPrincipal rejects operations on a principal without an id.
	ErrInvalidPrincipal = errors.New("invalid principal")
	// ErrPrincipalStoreUnavailable wraps principal store failures.
	ErrPrincipalStoreUnavailable = errors.New("principal store unavailable")

	// ErrWrongCode is the single answer for a two-factor code that does
	// not verify, regardless of method.
	ErrWrongCode = errors.New("wrong two-factor code")
	// ErrCodeExpired means the emailed code's lifetime has passed.
	ErrCodeExpired = errors.New("two-factor code expired")
	// ErrCooldownActive blocks a resend inside the cooldown window.
	// Returned wrapped in a CooldownError carrying the remaining wait.
	ErrCooldownActive = errors.New("send cooldown active")
	// ErrRecoveryCodeInvalid rejects a recovery code that matches no
	// stored hash.
	ErrRecoveryCodeInvalid = errors.New("invalid recovery code")

	// ErrTwoFactorDisabled means the operation requires an enabled
	// two-factor method and the principal has none.
	ErrTwoFactorDisabled = errors.New("two-factor authentication not enabled")
	// ErrMethodAlreadyEnabled rejects enabling an enabled method.
	ErrMethodAlreadyEnabled = errors.New("two-factor method already enabled")
	// ErrMethodAlreadyDisabled rejects disabling a disabled method.
	ErrMethodAlreadyDisabled = errors.New("two-factor method already disabled")
	// ErrCannotDisableOnlyMethod protects against locking out step-up:
	// the last enabled method cannot be disabled directly.
	ErrCannotDisableOnlyMethod = errors.New("cannot disable the only enabled two-factor method")
	// ErrInvalidTwoFactorRequest covers structurally bad two-factor
	// requests: unknown method, missing code, preferred method not enabled.
	ErrInvalidTwoFactorRequest = errors.New("invalid two-factor request")

	// ErrStepUpRequired means the operation needs a valid step-up token.
	ErrStepUpRequired = errors.New("step-up verification required")

	// ErrCodeSendFailed wraps delivery failures from the code sender.
	ErrCodeSendFailed = errors.New("two-factor code delivery failed")

	// ErrEngineNotReady is returned by an Engine built without its
	// required collaborators.
	ErrEngineNotReady = errors.New("engine not ready")
)

// CooldownError reports how long the caller must wait before the next send.
// It unwraps to ErrCooldownActive.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("send cooldown active: retry in %ds", int(e.Remaining.Round(time.Second).Seconds()))
}

func (e *CooldownError) Unwrap() error {
	return ErrCooldownActive
}

// RemainingSeconds is the wait rounded up to whole seconds, the shape
// transport layers put into Retry-After.
func (e *CooldownError) RemainingSeconds() int {
	secs := int((e.Remaining + time.Second - 1) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}
