package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	tokenIDBytes      = 16
	refreshSecretSize = 32
	maxSessionIDLen   = 255
)

// NewTokenID returns a fresh opaque token id with 128 bits of entropy,
// encoded base64url without padding (22 characters).
func NewTokenID() (string, error) {
	var raw [tokenIDBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewSessionID mints the session identifier shared by every token issued
// for one logical session.
func NewSessionID() string {
	return uuid.NewString()
}

func NewRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashRefreshSecret(secret [refreshSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// HashBindingValue hashes transport metadata (device id, user agent) for
// storage in refresh records.
func HashBindingValue(v string) [32]byte {
	return sha256.Sum256([]byte(v))
}

// EncodeRefreshToken packs the session id and the refresh secret into a
// single opaque value. The session id rides inside the token, length
// prefixed, so consumption can address the correct record without any
// claim parsing. Any caller-supplied session id up to 255 bytes works;
// the engine mints UUIDs but does not require them.
func EncodeRefreshToken(sessionID string, secret [refreshSecretSize]byte) (string, error) {
	if sessionID == "" {
		return "", errors.New("empty session id")
	}
	if len(sessionID) > maxSessionIDLen {
		return "", errors.New("session id too long")
	}

	raw := make([]byte, 0, 1+len(sessionID)+refreshSecretSize)
	raw = append(raw, byte(len(sessionID)))
	raw = append(raw, sessionID...)
	raw = append(raw, secret[:]...)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func DecodeRefreshToken(token string) (string, [refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) < 1 {
		return "", secret, errors.New("invalid refresh token size")
	}
	sidLen := int(raw[0])
	if sidLen == 0 || len(raw) != 1+sidLen+refreshSecretSize {
		return "", secret, errors.New("invalid refresh token size")
	}

	sessionID := string(raw[1 : 1+sidLen])
	copy(secret[:], raw[1+sidLen:])

	return sessionID, secret, nil
}

// NewOTP returns a numeric one-time code of the requested length, each digit
// drawn independently from crypto/rand.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// NewRecoveryCode returns a base32 recovery code of the requested length.
func NewRecoveryCode(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("invalid recovery code length")
	}

	raw := make([]byte, (length*5+7)/8+1)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	return strings.ToLower(enc[:length]), nil
}
