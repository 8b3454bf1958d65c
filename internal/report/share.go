package report

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"faultline/internal/store"
)

// DefaultShareTTL bounds how long a share link stays valid.
const DefaultShareTTL = 7 * 24 * time.Hour

// NewShareToken mints an opaque token granting public access to one run.
// Only the SHA-256 of the token is stored; the raw value is returned once
// and cannot be recovered.
func (g *Generator) NewShareToken(ctx context.Context, projectID, runID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultShareTTL
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("share token entropy: %w", err)
	}
	token := hex.EncodeToString(buf)
	expires := g.now().Add(ttl)

	if err := g.store.SetRunShareToken(ctx, projectID, runID, HashShareToken(token), expires); err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// HashShareToken is the storage form of a share token.
func HashShareToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RunByShareToken resolves a raw token to its run. Expired or unknown
// tokens surface as store.ErrNotFound.
func (g *Generator) RunByShareToken(ctx context.Context, token string) (*store.ReportRun, error) {
	return g.store.GetRunByShareToken(ctx, HashShareToken(token), g.now())
}
