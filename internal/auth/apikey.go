package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks ingest credentials so they are recognizable in client
// configs and in logs (where only the preview ever appears).
const KeyPrefix = "proj_"

const keyPreviewLen = 6

// GenerateAPIKey creates a new opaque project key. The caller gets the
// key once; the store keeps only the SHA-256 hash and a short preview
// for support conversations.
func GenerateAPIKey() (key, hash, preview string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = KeyPrefix + hex.EncodeToString(b)
	return key, HashAPIKey(key), KeyPreview(key), nil
}

// HashAPIKey returns the hex-encoded SHA-256 of the full key string.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// KeyPreview returns the tail of a key, safe to log and display.
func KeyPreview(key string) string {
	if len(key) <= keyPreviewLen {
		return key
	}
	return "…" + key[len(key)-keyPreviewLen:]
}

// ValidKeyShape reports whether a presented credential even looks like a
// project key, so obviously foreign values skip the hash lookup.
func ValidKeyShape(key string) bool {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok || len(rest) != 48 {
		return false
	}
	for _, c := range rest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
