// Package jwt is the signed-claims codec for every token the engine issues.
// All tokens are HMAC-SHA256 over a rotating secret ring; the kid header
// selects the verification secret so old tokens stay valid across rotation.
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Parse outcomes. Expired means the signature checked out and only the
// lifetime failed; everything else about a bad token is Invalid. Callers
// rely on the distinction, so Parse never mixes the two.
var (
	ErrExpired = errors.New("token expired")
	ErrInvalid = errors.New("token invalid")
)

// Scope names the one flow a token is good for. A token presented outside
// its scope is invalid regardless of signature.
type Scope string

const (
	ScopeAccess         Scope = "access"
	ScopeStepUp         Scope = "step_up"
	ScopeTwoFactorLogin Scope = "2fa_login"
	ScopeTwoFactorInit  Scope = "2fa_init"
	ScopeTwoFactorSetup Scope = "2fa_setup"
)

// Claims is the single claim set shared by all token scopes. Each scope
// populates only the fields its flow needs; the rest stay omitted from the
// payload.
type Claims struct {
	Scope     Scope    `json:"scope"`
	SessionID string   `json:"sid,omitempty"`
	TenantID  string   `json:"tid,omitempty"`
	Roles     []string `json:"rol,omitempty"`
	Groups    []string `json:"grp,omitempty"`
	DeviceID  string   `json:"dev,omitempty"`
	Locale    string   `json:"loc,omitempty"`
	Method    string   `json:"mtd,omitempty"`
	SecretEnc string   `json:"sec,omitempty"`
	Recovery  bool     `json:"rcv,omitempty"`
	jwt.RegisteredClaims
}

// Registered builds the registered claim set for a subject and token id,
// so callers do not need to import the underlying jwt library.
func Registered(subject, tokenID string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: subject, ID: tokenID}
}

// Config holds the secret ring. ActiveKeyID selects the signing secret;
// Keys holds every secret still accepted for verification.
type Config struct {
	ActiveKeyID  string
	Keys         map[string][]byte
	Issuer       string
	Leeway       time.Duration
	MaxFutureIAT time.Duration
}

type Manager struct {
	config Config
}

func NewManager(cfg Config) (*Manager, error) {
	cfg.ActiveKeyID = strings.TrimSpace(cfg.ActiveKeyID)
	if cfg.ActiveKeyID == "" {
		return nil, errors.New("active key id required")
	}
	if len(cfg.Keys) == 0 {
		return nil, errors.New("secret ring is empty")
	}
	for kid, secret := range cfg.Keys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("secret ring contains empty kid")
		}
		if len(secret) < 32 {
			return nil, fmt.Errorf("secret for kid %q shorter than 32 bytes", kid)
		}
	}
	if _, ok := cfg.Keys[cfg.ActiveKeyID]; !ok {
		return nil, errors.New("active key id is not present in the secret ring")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}

	return &Manager{config: cfg}, nil
}

// Sign issues a token for claims with the given lifetime, stamped with the
// active kid. Subject, Scope and the caller-set claim fields are taken as
// provided; issuer, iat and exp are filled in here.
func (m *Manager) Sign(claims Claims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("invalid token ttl")
	}
	if claims.Scope == "" {
		return "", errors.New("token scope required")
	}

	now := time.Now()
	claims.Issuer = m.config.Issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = m.config.ActiveKeyID

	return token.SignedString(m.config.Keys[m.config.ActiveKeyID])
}

// Parse verifies signature, lifetime and scope. The returned error is
// always ErrExpired or ErrInvalid (wrapped with detail); any other failure
// mode is folded into ErrInvalid so callers cannot misread a tampered token
// as merely stale.
func (m *Manager) Parse(tokenStr string, expected Scope) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		secret, ok := m.config.Keys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalid)
	}
	if claims.Scope != expected {
		return nil, fmt.Errorf("%w: unexpected scope %q", ErrInvalid, claims.Scope)
	}
	if claims.IssuedAt != nil && m.config.MaxFutureIAT > 0 {
		if claims.IssuedAt.Time.After(time.Now().Add(m.config.MaxFutureIAT)) {
			return nil, fmt.Errorf("%w: iat too far in the future", ErrInvalid)
		}
	}

	return claims, nil
}
