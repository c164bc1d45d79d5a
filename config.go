package authcore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TokenSource says where the extractor reads a token value from.
type TokenSource string

const (
	SourceCookie TokenSource = "cookie"
	SourceHeader TokenSource = "header"
)

// TransportTokenConfig locates one token type in the request. For header
// sources named "Authorization" the value is expected in Bearer form.
type TransportTokenConfig struct {
	Source TokenSource
	Name   string
}

// TransportConfig locates every token type the engine extracts.
type TransportConfig struct {
	Access    TransportTokenConfig
	Refresh   TransportTokenConfig
	StepUp    TransportTokenConfig
	TwoFactor TransportTokenConfig
}

// JWTConfig holds the signing secret ring. Keys maps kid to secret; every
// entry is accepted for verification, ActiveKeyID signs new tokens.
type JWTConfig struct {
	ActiveKeyID  string
	Keys         map[string][]byte
	Leeway       time.Duration
	MaxFutureIAT time.Duration
}

// TokenTTLConfig sets the lifetime of each token family. The allowlist
// entry and refresh record TTLs follow AccessTTL and RefreshTTL.
type TokenTTLConfig struct {
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	StepUpTTL         time.Duration
	TwoFactorLoginTTL time.Duration
	TwoFactorSetupTTL time.Duration
}

// TOTPConfig controls authenticator-app enrollment and verification.
type TOTPConfig struct {
	Issuer string
	Period uint
	Skew   uint
}

// EmailOTPConfig controls emailed codes. SendCooldown is enforced
// atomically, one send per principal per window.
type EmailOTPConfig struct {
	Digits       int
	CodeTTL      time.Duration
	SendCooldown time.Duration
}

// RecoveryConfig controls recovery code issuance.
type RecoveryConfig struct {
	CodeCount int
}

// AuditConfig controls the audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// Config is the full engine configuration. Start from DefaultConfig and
// override; Build validates the result.
type Config struct {
	Issuer    string
	KeyPrefix string
	JWT       JWTConfig
	Tokens    TokenTTLConfig
	Transport TransportConfig
	TOTP      TOTPConfig
	EmailOTP  EmailOTPConfig
	Recovery  RecoveryConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// DefaultConfig returns the baseline configuration. The secret ring is
// deliberately empty; Build refuses to run without one.
func DefaultConfig() Config {
	return Config{
		Issuer:    "authcore",
		KeyPrefix: "ac",
		JWT: JWTConfig{
			Leeway:       30 * time.Second,
			MaxFutureIAT: 10 * time.Minute,
		},
		Tokens: TokenTTLConfig{
			AccessTTL:         15 * time.Minute,
			RefreshTTL:        30 * 24 * time.Hour,
			StepUpTTL:         5 * time.Minute,
			TwoFactorLoginTTL: 10 * time.Minute,
			TwoFactorSetupTTL: 10 * time.Minute,
		},
		Transport: TransportConfig{
			Access:    TransportTokenConfig{Source: SourceHeader, Name: "Authorization"},
			Refresh:   TransportTokenConfig{Source: SourceCookie, Name: "refresh_token"},
			StepUp:    TransportTokenConfig{Source: SourceHeader, Name: "X-Step-Up-Token"},
			TwoFactor: TransportTokenConfig{Source: SourceHeader, Name: "X-Two-Factor-Token"},
		},
		TOTP: TOTPConfig{
			Issuer: "authcore",
			Period: 30,
			Skew:   1,
		},
		EmailOTP: EmailOTPConfig{
			Digits:       6,
			CodeTTL:      10 * time.Minute,
			SendCooldown: time.Minute,
		},
		Recovery: RecoveryConfig{
			CodeCount: 10,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

// Validate checks the whole tree. Every failure names the field so a bad
// deployment fails loudly at startup, not quietly at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return errors.New("config: Issuer must not be empty")
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		return errors.New("config: KeyPrefix must not be empty")
	}

	if strings.TrimSpace(c.JWT.ActiveKeyID) == "" {
		return errors.New("config: JWT.ActiveKeyID must not be empty")
	}
	if len(c.JWT.Keys) == 0 {
		return errors.New("config: JWT.Keys must contain at least one secret")
	}
	for kid, secret := range c.JWT.Keys {
		if strings.TrimSpace(kid) == "" {
			return errors.New("config: JWT.Keys contains an empty kid")
		}
		if len(secret) < 32 {
			return fmt.Errorf("config: JWT.Keys[%q] must be at least 32 bytes", kid)
		}
	}
	if _, ok := c.JWT.Keys[c.JWT.ActiveKeyID]; !ok {
		return errors.New("config: JWT.ActiveKeyID is not present in JWT.Keys")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("config: JWT.Leeway must be between 0 and 2m")
	}
	if c.JWT.MaxFutureIAT < 0 || c.JWT.MaxFutureIAT > 24*time.Hour {
		return errors.New("config: JWT.MaxFutureIAT must be between 0 and 24h")
	}

	if c.Tokens.AccessTTL < time.Minute || c.Tokens.AccessTTL > 24*time.Hour {
		return errors.New("config: Tokens.AccessTTL must be between 1m and 24h")
	}
	if c.Tokens.RefreshTTL < c.Tokens.AccessTTL {
		return errors.New("config: Tokens.RefreshTTL must not be shorter than AccessTTL")
	}
	if c.Tokens.RefreshTTL > 365*24*time.Hour {
		return errors.New("config: Tokens.RefreshTTL must not exceed 365 days")
	}
	if c.Tokens.StepUpTTL < time.Minute || c.Tokens.StepUpTTL > time.Hour {
		return errors.New("config: Tokens.StepUpTTL must be between 1m and 1h")
	}
	if c.Tokens.TwoFactorLoginTTL < time.Minute || c.Tokens.TwoFactorLoginTTL > time.Hour {
		return errors.New("config: Tokens.TwoFactorLoginTTL must be between 1m and 1h")
	}
	if c.Tokens.TwoFactorSetupTTL < time.Minute || c.Tokens.TwoFactorSetupTTL > time.Hour {
		return errors.New("config: Tokens.TwoFactorSetupTTL must be between 1m and 1h")
	}

	for _, tc := range []struct {
		name string
		cfg  TransportTokenConfig
	}{
		{"Access", c.Transport.Access},
		{"Refresh", c.Transport.Refresh},
		{"StepUp", c.Transport.StepUp},
		{"TwoFactor", c.Transport.TwoFactor},
	} {
		if tc.cfg.Source != SourceCookie && tc.cfg.Source != SourceHeader {
			return fmt.Errorf("config: Transport.%s.Source must be cookie or header", tc.name)
		}
		if strings.TrimSpace(tc.cfg.Name) == "" {
			return fmt.Errorf("config: Transport.%s.Name must not be empty", tc.name)
		}
	}

	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("config: TOTP.Issuer must not be empty")
	}
	if c.TOTP.Period < 15 || c.TOTP.Period > 120 {
		return errors.New("config: TOTP.Period must be between 15 and 120 seconds")
	}
	if c.TOTP.Skew > 2 {
		return errors.New("config: TOTP.Skew must not exceed 2 steps")
	}

	if c.EmailOTP.Digits < 6 || c.EmailOTP.Digits > 10 {
		return errors.New("config: EmailOTP.Digits must be between 6 and 10")
	}
	if c.EmailOTP.CodeTTL < time.Minute || c.EmailOTP.CodeTTL > time.Hour {
		return errors.New("config: EmailOTP.CodeTTL must be between 1m and 1h")
	}
	if c.EmailOTP.SendCooldown < 10*time.Second || c.EmailOTP.SendCooldown > 15*time.Minute {
		return errors.New("config: EmailOTP.SendCooldown must be between 10s and 15m")
	}

	if c.Recovery.CodeCount < 5 || c.Recovery.CodeCount > 20 {
		return errors.New("config: Recovery.CodeCount must be between 5 and 20")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("config: Audit.BufferSize must be positive when auditing is enabled")
	}

	return nil
}
