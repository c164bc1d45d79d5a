package twofactor

import (
	"errors"

	"github.com/keyring-id/authcore/internal"
	"github.com/keyring-id/authcore/internal/codehash"
)

const (
	// DefaultRecoveryCodeCount is issued on TOTP activation.
	DefaultRecoveryCodeCount  = 10
	defaultRecoveryCodeLength = 12
)

// GenerateRecoveryCodes returns plaintext codes for one-time display to the
// user and the salted hashes to persist. The plaintexts are never stored.
func GenerateRecoveryCodes(count int) (codes []string, hashes []string, err error) {
	if count <= 0 {
		count = DefaultRecoveryCodeCount
	}

	codes = make([]string, 0, count)
	hashes = make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewRecoveryCode(defaultRecoveryCodeLength)
		if err != nil {
			return nil, nil, err
		}
		hash, err := codehash.Hash(code)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, hash)
	}

	return codes, hashes, nil
}

// MatchRecoveryCode checks code against the stored hashes and, on a match,
// returns the remaining set with the matched hash removed. The caller must
// persist the remaining set in the same save as any other state change so
// the code cannot be replayed.
func MatchRecoveryCode(code string, hashes []string) (remaining []string, matched bool, err error) {
	if code == "" {
		return hashes, false, nil
	}

	for i, hash := range hashes {
		ok, verr := codehash.Verify(code, hash)
		if verr != nil {
			if errors.Is(verr, codehash.ErrMalformedHash) {
				continue
			}
			return hashes, false, verr
		}
		if ok {
			remaining = make([]string, 0, len(hashes)-1)
			remaining = append(remaining, hashes[:i]...)
			remaining = append(remaining, hashes[i+1:]...)
			return remaining, true, nil
		}
	}

	return hashes, false, nil
}
