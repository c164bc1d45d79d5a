// Package twofactor implements the TOTP engine and recovery code handling.
// TOTP code generation and verification are delegated to pquerna/otp; this
// package only decides policy around them.
package twofactor

import (
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPConfig controls enrollment and verification policy.
type TOTPConfig struct {
	Issuer string
	Digits otp.Digits
	Period uint
	Skew   uint
}

type TOTP struct {
	config TOTPConfig
}

func NewTOTP(cfg TOTPConfig) (*TOTP, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("totp issuer required")
	}
	if cfg.Digits == 0 {
		cfg.Digits = otp.DigitsSix
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Skew > 2 {
		return nil, errors.New("totp skew too large")
	}

	return &TOTP{config: cfg}, nil
}

// Enrollment is the output of a new TOTP key generation. Secret goes into
// encrypted storage on the principal; URL feeds the authenticator app
// provisioning QR code.
type Enrollment struct {
	Secret string
	URL    string
}

// GenerateSecret mints a fresh TOTP key for accountName under the
// configured issuer.
func (t *TOTP) GenerateSecret(accountName string) (*Enrollment, error) {
	if accountName == "" {
		return nil, errors.New("account name required")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.config.Issuer,
		AccountName: accountName,
		Period:      t.config.Period,
		Digits:      t.config.Digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	return &Enrollment{
		Secret: key.Secret(),
		URL:    key.URL(),
	}, nil
}

// Validate checks code against secret within the configured step skew.
func (t *TOTP) Validate(code, secret string) bool {
	if code == "" || secret == "" {
		return false
	}

	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    t.config.Period,
		Skew:      t.config.Skew,
		Digits:    t.config.Digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return ok
}
