package authcore

import (
	"net/http"
	"strings"
)

// TokenType selects which transport slot to read a token from.
type TokenType int

const (
	TokenAccess TokenType = iota
	TokenRefresh
	TokenStepUp
	TokenTwoFactor
)

// TokenFromRequest reads the raw token value for the given type from its
// configured cookie or header. An absent token returns ("", nil); only a
// value that is present but structurally unusable returns ErrTokenInvalid.
// Callers that require a token treat "" as ErrTokenMissing.
func (e *Engine) TokenFromRequest(r *http.Request, t TokenType) (string, error) {
	if r == nil {
		return "", nil
	}

	var cfg TransportTokenConfig
	switch t {
	case TokenAccess:
		cfg = e.config.Transport.Access
	case TokenRefresh:
		cfg = e.config.Transport.Refresh
	case TokenStepUp:
		cfg = e.config.Transport.StepUp
	case TokenTwoFactor:
		cfg = e.config.Transport.TwoFactor
	default:
		return "", ErrTokenInvalid
	}

	switch cfg.Source {
	case SourceCookie:
		return tokenFromCookie(r, cfg.Name)
	case SourceHeader:
		return tokenFromHeader(r, cfg.Name)
	default:
		return "", ErrTokenInvalid
	}
}

func tokenFromCookie(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		// http.ErrNoCookie is the only error Cookie returns.
		return "", nil
	}
	if cookie.Value == "" {
		return "", nil
	}
	return cookie.Value, nil
}

func tokenFromHeader(r *http.Request, name string) (string, error) {
	value := r.Header.Get(name)
	if value == "" {
		return "", nil
	}

	if strings.EqualFold(name, "Authorization") {
		const prefix = "bearer "
		if len(value) <= len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
			return "", ErrTokenInvalid
		}
		token := strings.TrimSpace(value[len(prefix):])
		if token == "" {
			return "", ErrTokenInvalid
		}
		return token, nil
	}

	return strings.TrimSpace(value), nil
}
