// Package auth covers the two credential kinds the API accepts:
// bearer JWTs for dashboard users and opaque project API keys for
// ingest. Passwords are held as argon2id hashes.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Hashing cost per the OWASP argon2id baseline: 64 MiB, 3 passes,
// 4 lanes, 16-byte salt, 32-byte key.
const (
	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashPassword derives an argon2id key over a fresh salt and encodes it
// in PHC form ($argon2id$v=19$m=65536,t=3,p=4$<salt>$<key>). The cost
// parameters ride along in the string so verification can honor them
// after a baseline bump.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		b64(salt), b64(key)), nil
}

func b64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// VerifyPassword reports whether password matches an argon2id PHC
// string, using the parameters stored in the string itself.
func VerifyPassword(password, encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	candidate := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(p.hash, candidate) == 1, nil
}

type phcParams struct {
	salt    []byte
	hash    []byte
	memory  uint32
	time    uint32
	threads uint8
}

func parsePHC(encoded string) (phcParams, error) {
	var p phcParams

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return p, fmt.Errorf("malformed hash: want 6 $-separated fields, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return p, fmt.Errorf("not an argon2id hash: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, fmt.Errorf("parse version field: %w", err)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, fmt.Errorf("parse cost fields: %w", err)
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, fmt.Errorf("decode salt: %w", err)
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, fmt.Errorf("decode key: %w", err)
	}
	return p, nil
}
