package authcore

import (
	"errors"
	"net/http"
)

// ErrorMapping is the transport-facing shape of an engine error: a stable
// machine-readable code and the HTTP status it maps to. Domain errors know
// nothing about HTTP; this table is the only place the two meet.
type ErrorMapping struct {
	Code   string
	Status int
}

type errorMapEntry struct {
	err     error
	mapping ErrorMapping
}

// Order matters where errors wrap each other: more specific entries first.
var errorMapTable = []errorMapEntry{
	{ErrTokenMissing, ErrorMapping{Code: "token_missing", Status: http.StatusUnauthorized}},
	{ErrTokenExpired, ErrorMapping{Code: "token_expired", Status: http.StatusUnauthorized}},
	{ErrTokenInvalid, ErrorMapping{Code: "token_invalid", Status: http.StatusUnauthorized}},
	{ErrRefreshReuse, ErrorMapping{Code: "token_expired", Status: http.StatusUnauthorized}},
	{ErrBindingMismatch, ErrorMapping{Code: "token_invalid", Status: http.StatusUnauthorized}},
	{ErrStepUpRequired, ErrorMapping{Code: "step_up_required", Status: http.StatusUnauthorized}},
	{ErrWrongCode, ErrorMapping{Code: "wrong_code", Status: http.StatusUnauthorized}},
	{ErrCodeExpired, ErrorMapping{Code: "code_expired", Status: http.StatusUnauthorized}},
	{ErrRecoveryCodeInvalid, ErrorMapping{Code: "wrong_code", Status: http.StatusUnauthorized}},
	{ErrCooldownActive, ErrorMapping{Code: "cooldown_active", Status: http.StatusTooManyRequests}},
	{ErrTwoFactorDisabled, ErrorMapping{Code: "two_factor_disabled", Status: http.StatusConflict}},
	{ErrMethodAlreadyEnabled, ErrorMapping{Code: "method_already_enabled", Status: http.StatusConflict}},
	{ErrMethodAlreadyDisabled, ErrorMapping{Code: "method_already_disabled", Status: http.StatusConflict}},
	{ErrCannotDisableOnlyMethod, ErrorMapping{Code: "cannot_disable_only_method", Status: http.StatusConflict}},
	{ErrInvalidTwoFactorRequest, ErrorMapping{Code: "invalid_two_factor_request", Status: http.StatusBadRequest}},
	{ErrInvalidPrincipal, ErrorMapping{Code: "invalid_principal", Status: http.StatusBadRequest}},
	{ErrCodeSendFailed, ErrorMapping{Code: "code_send_failed", Status: http.StatusBadGateway}},
	{ErrCacheUnavailable, ErrorMapping{Code: "backend_unavailable", Status: http.StatusServiceUnavailable}},
	{ErrPrincipalStoreUnavailable, ErrorMapping{Code: "backend_unavailable", Status: http.StatusServiceUnavailable}},
	{ErrEngineNotReady, ErrorMapping{Code: "backend_unavailable", Status: http.StatusServiceUnavailable}},
}

// MapError translates any engine error to its transport mapping. Unknown
// errors map to internal_error / 500 so nothing leaks by default.
func MapError(err error) ErrorMapping {
	if err == nil {
		return ErrorMapping{Code: "ok", Status: http.StatusOK}
	}

	for _, entry := range errorMapTable {
		if errors.Is(err, entry.err) {
			return entry.mapping
		}
	}

	return ErrorMapping{Code: "internal_error", Status: http.StatusInternalServerError}
}
