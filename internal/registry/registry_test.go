package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"faultline/internal/auth"
	"faultline/internal/store"
	"faultline/internal/store/memory"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	st := memory.NewStore()
	return New(st, NewInlineCache(DefaultCacheTTL), nil), st
}

func TestProjectByKeyResolves(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	created, key, err := r.CreateProject(ctx, "checkout")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	p, err := r.ProjectByKey(ctx, key)
	if err != nil {
		t.Fatalf("ProjectByKey: %v", err)
	}
	if p.ID != created.ID {
		t.Errorf("resolved project %s, want %s", p.ID, created.ID)
	}
	if p.RetentionDays != store.DefaultRetentionDays {
		t.Errorf("RetentionDays = %d, want default %d", p.RetentionDays, store.DefaultRetentionDays)
	}
}

func TestProjectByKeyRejectsMalformedShape(t *testing.T) {
	r, _ := newTestRegistry(t)

	for _, key := range []string{"", "nope", "proj_short", "sk_0123"} {
		if _, err := r.ProjectByKey(context.Background(), key); !errors.Is(err, ErrUnknownKey) {
			t.Errorf("key %q: got %v, want ErrUnknownKey", key, err)
		}
	}
}

func TestProjectByKeyUnknown(t *testing.T) {
	r, _ := newTestRegistry(t)

	key, _, _, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ProjectByKey(context.Background(), key); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("got %v, want ErrUnknownKey", err)
	}
}

func TestProjectByKeyDisabled(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	p, key, err := r.CreateProject(ctx, "paused")
	if err != nil {
		t.Fatal(err)
	}
	p.Status = store.ProjectDisabled
	if err := st.UpdateProject(ctx, p); err != nil {
		t.Fatal(err)
	}

	if _, err := r.ProjectByKey(ctx, key); !errors.Is(err, ErrProjectDisabled) {
		t.Errorf("got %v, want ErrProjectDisabled", err)
	}
}

// countingStore observes key-hash lookups passing through to the backend.
type countingStore struct {
	store.Store
	lookups atomic.Int32
	started func()
	delay   time.Duration
}

func (c *countingStore) GetProjectByKeyHash(ctx context.Context, keyHash string) (*store.Project, error) {
	c.lookups.Add(1)
	if c.started != nil {
		c.started()
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.Store.GetProjectByKeyHash(ctx, keyHash)
}

func TestProjectByKeyCachesResolution(t *testing.T) {
	st := &countingStore{Store: memory.NewStore()}
	r := New(st, NewInlineCache(DefaultCacheTTL), nil)
	ctx := context.Background()

	_, key, err := r.CreateProject(ctx, "cached")
	if err != nil {
		t.Fatal(err)
	}

	for range 3 {
		if _, err := r.ProjectByKey(ctx, key); err != nil {
			t.Fatalf("ProjectByKey: %v", err)
		}
	}

	if got := st.lookups.Load(); got != 1 {
		t.Errorf("store lookups = %d, want 1", got)
	}
}

func TestProjectByKeyExpiredCacheRefetches(t *testing.T) {
	st := &countingStore{Store: memory.NewStore()}
	cache := NewInlineCache(DefaultCacheTTL)
	now := time.Now()
	cache.now = func() time.Time { return now }
	r := New(st, cache, nil)
	ctx := context.Background()

	_, key, err := r.CreateProject(ctx, "expiring")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.ProjectByKey(ctx, key); err != nil {
		t.Fatal(err)
	}
	now = now.Add(DefaultCacheTTL + time.Second)
	if _, err := r.ProjectByKey(ctx, key); err != nil {
		t.Fatal(err)
	}

	if got := st.lookups.Load(); got != 2 {
		t.Errorf("store lookups = %d, want 2", got)
	}
}

func TestProjectByKeyCollapsesConcurrentMisses(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	st := &countingStore{
		Store:   memory.NewStore(),
		started: func() { once.Do(func() { close(started) }) },
		delay:   50 * time.Millisecond,
	}
	r := New(st, NewInlineCache(DefaultCacheTTL), nil)
	ctx := context.Background()

	_, key, err := r.CreateProject(ctx, "bursty")
	if err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)

	// First caller starts the lookup.
	wg.Go(func() {
		_, errs[0] = r.ProjectByKey(ctx, key)
	})

	// Wait for the store read to start, then pile on.
	<-started
	for i := 1; i < n; i++ {
		wg.Go(func() {
			_, errs[i] = r.ProjectByKey(ctx, key)
		})
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := st.lookups.Load(); got != 1 {
		t.Errorf("store lookups = %d, want 1", got)
	}
}

func TestRotateKeyInvalidates(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	created, oldKey, err := r.CreateProject(ctx, "rotating")
	if err != nil {
		t.Fatal(err)
	}

	// Prime the cache with the old key.
	if _, err := r.ProjectByKey(ctx, oldKey); err != nil {
		t.Fatal(err)
	}

	rotated, newKey, err := r.RotateKey(ctx, created.ID)
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if newKey == oldKey {
		t.Fatal("rotation must mint a different key")
	}
	if rotated.APIKeyPreview == created.APIKeyPreview {
		t.Error("preview should change with the key")
	}

	if _, err := r.ProjectByKey(ctx, oldKey); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("old key after rotation: got %v, want ErrUnknownKey", err)
	}
	p, err := r.ProjectByKey(ctx, newKey)
	if err != nil {
		t.Fatalf("new key after rotation: %v", err)
	}
	if p.ID != created.ID {
		t.Errorf("new key resolves to %s, want %s", p.ID, created.ID)
	}
}

func TestUpdateProjectDropsCache(t *testing.T) {
	st := &countingStore{Store: memory.NewStore()}
	r := New(st, NewInlineCache(DefaultCacheTTL), nil)
	ctx := context.Background()

	p, key, err := r.CreateProject(ctx, "policy")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.ProjectByKey(ctx, key); err != nil {
		t.Fatal(err)
	}

	p.Scrub.RemoveIPs = true
	if err := r.UpdateProject(ctx, p); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}

	got, err := r.ProjectByKey(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Scrub.RemoveIPs {
		t.Error("resolution after update should carry the new scrub policy")
	}
	if st.lookups.Load() != 2 {
		t.Errorf("store lookups = %d, want 2 (update must drop the cache)", st.lookups.Load())
	}
}

func TestDeleteProjectStopsResolution(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	p, key, err := r.CreateProject(ctx, "doomed")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ProjectByKey(ctx, key); err != nil {
		t.Fatal(err)
	}

	if err := r.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := r.ProjectByKey(ctx, key); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("deleted project key: got %v, want ErrUnknownKey", err)
	}
}

// --- Redis cache ---

func newRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisCache(rdb, DefaultCacheTTL, nil)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	cache := newRedisCache(t)
	ctx := context.Background()

	st := memory.NewStore()
	r := New(st, cache, nil)
	created, key, err := r.CreateProject(ctx, "shared")
	if err != nil {
		t.Fatal(err)
	}

	p, err := r.ProjectByKey(ctx, key)
	if err != nil {
		t.Fatalf("ProjectByKey: %v", err)
	}
	if p.ID != created.ID {
		t.Errorf("resolved %s, want %s", p.ID, created.ID)
	}

	// The cached copy keeps the key hash, so rotation can still drop it.
	hash := auth.HashAPIKey(key)
	cached, ok := cache.Get(ctx, hash)
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if cached.APIKeyHash != hash {
		t.Errorf("cached hash %q, want %q", cached.APIKeyHash, hash)
	}

	cache.Drop(ctx, hash)
	if _, ok := cache.Get(ctx, hash); ok {
		t.Error("entry should be gone after Drop")
	}
}

func TestRedisCacheUnavailableDegradesToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := &countingStore{Store: memory.NewStore()}
	r := New(st, NewRedisCache(rdb, DefaultCacheTTL, nil), nil)
	ctx := context.Background()

	_, key, err := r.CreateProject(ctx, "resilient")
	if err != nil {
		t.Fatal(err)
	}

	mr.Close()

	// Every resolve costs a store read now, but auth still works.
	if _, err := r.ProjectByKey(ctx, key); err != nil {
		t.Fatalf("ProjectByKey with redis down: %v", err)
	}
	if st.lookups.Load() == 0 {
		t.Error("expected the store to serve the lookup")
	}
}

func TestInlineCacheCleanup(t *testing.T) {
	cache := NewInlineCache(time.Second)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	cache.Put(ctx, "h1", &store.Project{Name: "a"})
	cache.Put(ctx, "h2", &store.Project{Name: "b"})

	now = now.Add(2 * time.Second)
	cache.Cleanup()

	cache.mu.Lock()
	left := len(cache.entries)
	cache.mu.Unlock()
	if left != 0 {
		t.Errorf("entries after cleanup = %d, want 0", left)
	}
}
