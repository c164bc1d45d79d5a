// Package codehash hashes short one-time recovery codes with argon2id.
// Hashes are stored in PHC string format so parameters can evolve without
// breaking previously issued codes.
package codehash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	algorithmID = "argon2id"

	// Recovery codes are high-entropy machine-generated values, so the
	// parameters stay lighter than interactive password hashing.
	hashMemoryKB    uint32 = 16 * 1024
	hashTime        uint32 = 2
	hashParallelism uint8  = 1
	saltLength             = 16
	keyLength       uint32 = 32
)

var ErrMalformedHash = errors.New("malformed code hash")

// Hash derives a salted argon2id hash of code and encodes it as a PHC string.
func Hash(code string) (string, error) {
	if code == "" {
		return "", errors.New("empty code")
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(code), salt, hashTime, hashMemoryKB, hashParallelism, keyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		hashMemoryKB,
		hashTime,
		hashParallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// Verify reports whether code matches the PHC-encoded hash. The comparison of
// the derived keys is constant-time.
func Verify(code, encoded string) (bool, error) {
	salt, hash, memory, timeCost, parallelism, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(code), salt, timeCost, memory, parallelism, uint32(len(hash)))

	return subtle.ConstantTimeCompare(computed, hash) == 1, nil
}

func parsePHC(encoded string) (salt, hash []byte, memory, timeCost uint32, parallelism uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	version, convErr := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if convErr != nil || !strings.HasPrefix(parts[2], "v=") || version != argon2.Version {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, nil, 0, 0, 0, ErrMalformedHash
		}
		v, convErr := strconv.ParseUint(kv[1], 10, 32)
		if convErr != nil {
			return nil, nil, 0, 0, 0, ErrMalformedHash
		}
		switch kv[0] {
		case "m":
			memory = uint32(v)
		case "t":
			timeCost = uint32(v)
		case "p":
			if v > 255 {
				return nil, nil, 0, 0, 0, ErrMalformedHash
			}
			parallelism = uint8(v)
		default:
			return nil, nil, 0, 0, 0, ErrMalformedHash
		}
	}
	if memory == 0 || timeCost == 0 || parallelism == 0 {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	salt, err = base64.StdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < saltLength {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	hash, err = base64.StdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, nil, 0, 0, 0, ErrMalformedHash
	}

	return salt, hash, memory, timeCost, parallelism, nil
}
