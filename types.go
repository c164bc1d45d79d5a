package authcore

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/keyring-id/authcore/internal/audit"
)

// Method names a two-factor verification method.
type Method string

const (
	MethodTOTP     Method = "totp"
	MethodEmail    Method = "email"
	MethodRecovery Method = "recovery"
)

// TOTPState is the per-principal TOTP enrollment. SecretEnc holds the
// base32 secret encrypted by the configured SecretCipher; it is never
// persisted in the clear.
type TOTPState struct {
	Enabled        bool
	SecretEnc      string
	RecoveryHashes []string
}

// EmailState is the per-principal email OTP state. Code and ExpiresAt
// describe the currently outstanding emailed code, if any.
type EmailState struct {
	Enabled   bool
	Code      string
	ExpiresAt time.Time
}

// TwoFactorState is the full two-factor snapshot on a principal. Preferred
// picks the method offered at login when more than one is enabled; when
// unset, TOTP wins over email.
type TwoFactorState struct {
	Preferred Method
	TOTP      TOTPState
	Email     EmailState
}

// Enabled reports whether any method is enabled.
func (s TwoFactorState) Enabled() bool {
	return s.TOTP.Enabled || s.Email.Enabled
}

// EnabledCount counts enabled methods. Disabling is refused at one.
func (s TwoFactorState) EnabledCount() int {
	n := 0
	if s.TOTP.Enabled {
		n++
	}
	if s.Email.Enabled {
		n++
	}
	return n
}

// Principal is the engine's view of an account. Credentials, profile data
// and persistence all belong to the caller; the engine reads and writes
// only what token issuance and two-factor state need.
type Principal struct {
	ID        string
	TenantID  string
	Email     string
	Roles     []string
	Groups    []string
	TwoFactor TwoFactorState
}

// PrincipalStore loads and saves principals. Save persists the complete
// snapshot it is given; the engine always mutates a loaded copy and calls
// Save exactly once per state change.
type PrincipalStore interface {
	FindByID(ctx context.Context, tenantID, principalID string) (*Principal, error)
	Save(ctx context.Context, principal *Principal) error
}

// SecretCipher encrypts TOTP secrets at rest. The engine never stores a
// plaintext secret on a principal or inside a token.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// CodeSender delivers an emailed two-factor code. locale comes from
// WithLocale and may be empty.
type CodeSender interface {
	SendCode(ctx context.Context, principal *Principal, code string, locale string) error
}

// Authentication is the result of validating an access token.
type Authentication struct {
	PrincipalID string
	TenantID    string
	SessionID   string
	TokenID     string
	Roles       []string
	Groups      []string
}

// TokenPair is a freshly issued access/refresh pair for one session.
type TokenPair struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
}

// LoginResult is returned by IssueForLogin. Either Tokens is set, or
// TwoFactorRequired is true and TwoFactorToken carries the pending login
// that CompleteTwoFactorLogin finishes.
type LoginResult struct {
	TwoFactorRequired bool
	Method            Method
	TwoFactorToken    string
	Tokens            *TokenPair
}

// TwoFactorLoginResult is returned by CompleteTwoFactorLogin. StepUpToken
// is set only when the login was completed with a recovery code, so the
// caller can immediately reach recovery-gated operations.
type TwoFactorLoginResult struct {
	Tokens      *TokenPair
	UsedMethod  Method
	StepUpToken string
}

// TOTPSetup is returned by BeginTOTPSetup. Secret and URL go to the user
// for provisioning; SetupToken comes back in ActivateTOTP.
type TOTPSetup struct {
	SetupToken string
	Secret     string
	URL        string
}

// StepUpGrant is a validated step-up token.
type StepUpGrant struct {
	PrincipalID string
	SessionID   string
	Recovery    bool
}

// AuditEvent is re-exported so sink implementations live outside the
// internal tree.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the engine's dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink drops audit events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink buffers audit events for in-process consumers.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON audit event per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink returns a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink wraps w as an audit sink.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
