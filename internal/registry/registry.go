// Package registry resolves ingest credentials to projects and owns project
// lifecycle changes that must stay coherent with the key cache.
//
// Key resolution runs once per ingest request, so resolved projects sit in a
// short TTL cache and concurrent misses for the same key collapse into a
// single store read.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"faultline/internal/auth"
	"faultline/internal/callgroup"
	"faultline/internal/logging"
	"faultline/internal/store"
)

// ErrUnknownKey covers both malformed and unregistered credentials, so a
// prober cannot distinguish the two.
var ErrUnknownKey = errors.New("unknown api key")

// ErrProjectDisabled marks a valid key whose project stopped accepting
// events.
var ErrProjectDisabled = errors.New("project disabled")

// Registry is the project lookup and lifecycle service.
type Registry struct {
	store  store.Store
	cache  Cache
	group  callgroup.Group[string, *store.Project]
	logger *slog.Logger
}

func New(st store.Store, cache Cache, logger *slog.Logger) *Registry {
	if cache == nil {
		cache = NewInlineCache(DefaultCacheTTL)
	}
	return &Registry{
		store:  st,
		cache:  cache,
		logger: logging.Default(logger).With("component", "registry"),
	}
}

// ProjectByKey resolves a presented ingest credential. Misses dedupe through
// the callgroup: under a burst for one new key the store sees one read.
func (r *Registry) ProjectByKey(ctx context.Context, key string) (*store.Project, error) {
	if !auth.ValidKeyShape(key) {
		return nil, ErrUnknownKey
	}
	hash := auth.HashAPIKey(key)

	if p, ok := r.cache.Get(ctx, hash); ok {
		return checkActive(p)
	}

	// The filling call outlives the first caller: waiters behind it still
	// need the result even if that caller's request is gone.
	fill := context.WithoutCancel(ctx)
	done := r.group.DoChan(hash, func() (*store.Project, error) {
		p, err := r.store.GetProjectByKeyHash(fill, hash)
		if err != nil {
			return nil, err
		}
		r.cache.Put(fill, hash, p)
		return p, nil
	})

	select {
	case res := <-done:
		if res.Err != nil {
			if errors.Is(res.Err, store.ErrNotFound) {
				return nil, ErrUnknownKey
			}
			return nil, fmt.Errorf("resolve api key: %w", res.Err)
		}
		return checkActive(res.Val)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func checkActive(p *store.Project) (*store.Project, error) {
	if p.Status != store.ProjectActive {
		return nil, ErrProjectDisabled
	}
	return p, nil
}

// Invalidate drops a cached resolution. Exposed for callers that mutate
// projects outside the registry.
func (r *Registry) Invalidate(ctx context.Context, keyHash string) {
	r.cache.Drop(ctx, keyHash)
}

// CreateProject provisions a tenant with a fresh API key. The plaintext key
// is returned exactly once; the store keeps only hash and preview.
func (r *Registry) CreateProject(ctx context.Context, name string) (*store.Project, string, error) {
	key, hash, preview, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	p := &store.Project{
		ID:            uuid.Must(uuid.NewV7()),
		Name:          name,
		Status:        store.ProjectActive,
		APIKeyHash:    hash,
		APIKeyPreview: preview,
		RetentionDays: store.DefaultRetentionDays,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateProject(ctx, p); err != nil {
		return nil, "", fmt.Errorf("create project: %w", err)
	}

	r.logger.Info("project created", "project_id", p.ID, "name", name, "key_preview", preview)
	return p, key, nil
}

// RotateKey atomically swaps a project's API key. The old key stops
// resolving immediately on this replica and within the cache TTL elsewhere.
// Returns the new plaintext key, which is never stored.
func (r *Registry) RotateKey(ctx context.Context, projectID uuid.UUID) (*store.Project, string, error) {
	old, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, "", err
	}

	key, hash, preview, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	if err := r.store.RotateProjectKey(ctx, projectID, hash, preview); err != nil {
		return nil, "", fmt.Errorf("rotate key: %w", err)
	}
	r.cache.Drop(ctx, old.APIKeyHash)

	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, "", err
	}
	r.logger.Info("api key rotated", "project_id", projectID, "key_preview", preview)
	return p, key, nil
}

// UpdateProject persists changes and drops the stale cache entry, so policy
// changes (scrubbing, retention, status) reach the ingest path promptly.
func (r *Registry) UpdateProject(ctx context.Context, p *store.Project) error {
	p.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateProject(ctx, p); err != nil {
		return err
	}
	r.cache.Drop(ctx, p.APIKeyHash)
	return nil
}

// DeleteProject removes the tenant and all its rows, and stops its key from
// resolving.
func (r *Registry) DeleteProject(ctx context.Context, projectID uuid.UUID) error {
	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := r.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	r.cache.Drop(ctx, p.APIKeyHash)
	r.logger.Info("project deleted", "project_id", projectID, "name", p.Name)
	return nil
}
