package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/domain"
	"github.com/ashwinsrini/how-do-i-fare/internal/port/cache"
)

// NameCacheConfig controls how long resolved names are shared across jobs.
type NameCacheConfig struct {
	TTL         time.Duration // found names
	NegativeTTL time.Duration // accounts without a display name
}

type cachedName struct {
	Name *string `json:"name"`
}

// NameResolver maps an account key (GitHub login, Jira account ID) to a
// display name. Lookups go to the job-local memo, the shared cache, the
// persisted rows and finally the API, in that order. Every path yields a
// name with any enterprise namespace prefix stripped.
type NameResolver struct {
	cache  cache.Cache
	cfg    NameCacheConfig
	prefix string
	stored func(ctx context.Context, key string) (string, bool, error)
	fetch  func(ctx context.Context, key string) (string, error)

	mu   sync.Mutex
	memo map[string]*string
}

// NewNameResolver creates a resolver. c and stored may be nil.
func NewNameResolver(
	c cache.Cache,
	cfg NameCacheConfig,
	prefix string,
	stored func(ctx context.Context, key string) (string, bool, error),
	fetch func(ctx context.Context, key string) (string, error),
) *NameResolver {
	return &NameResolver{
		cache:  c,
		cfg:    cfg,
		prefix: prefix,
		stored: stored,
		fetch:  fetch,
		memo:   make(map[string]*string),
	}
}

// Resolve returns the display name for key, or false when the account has
// none or could not be looked up.
func (r *NameResolver) Resolve(ctx context.Context, key string) (string, bool) {
	name := r.lookup(ctx, key)
	if name == nil {
		return "", false
	}
	return *name, true
}

// Ptr is Resolve shaped for nullable columns.
func (r *NameResolver) Ptr(ctx context.Context, key string) *string {
	return r.lookup(ctx, key)
}

func (r *NameResolver) lookup(ctx context.Context, key string) *string {
	if key == "" {
		return nil
	}

	r.mu.Lock()
	name, ok := r.memo[key]
	r.mu.Unlock()
	if ok {
		return name
	}

	name, ok = r.fromCache(ctx, key)
	if !ok {
		name, ok = r.fromStore(ctx, key)
	}
	if !ok {
		var err error
		name, err = r.fromAPI(ctx, key)
		if err != nil {
			// Remember the miss for this job only; another job may succeed.
			slog.WarnContext(ctx, "could not resolve display name", "key", key, "error", err)
			r.remember(key, nil)
			return nil
		}
		r.share(ctx, key, name)
	}
	r.remember(key, name)
	return name
}

func (r *NameResolver) remember(key string, name *string) {
	r.mu.Lock()
	r.memo[key] = name
	r.mu.Unlock()
}

func (r *NameResolver) cacheKey(key string) string {
	return r.prefix + key
}

func (r *NameResolver) fromCache(ctx context.Context, key string) (*string, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, found, err := r.cache.Get(ctx, r.cacheKey(key))
	if err != nil {
		slog.WarnContext(ctx, "name cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var cn cachedName
	if err := json.Unmarshal(data, &cn); err != nil {
		return nil, false
	}
	if cn.Name == nil {
		return nil, true
	}
	return domain.CleanDisplayName(*cn.Name), true
}

func (r *NameResolver) fromStore(ctx context.Context, key string) (*string, bool) {
	if r.stored == nil {
		return nil, false
	}
	name, found, err := r.stored(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "stored name lookup failed", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	cleaned := domain.CleanDisplayName(name)
	r.share(ctx, key, cleaned)
	return cleaned, true
}

func (r *NameResolver) fromAPI(ctx context.Context, key string) (*string, error) {
	if r.fetch == nil {
		return nil, fmt.Errorf("no lookup for %s", key)
	}
	name, err := r.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return domain.CleanDisplayName(name), nil
}

func (r *NameResolver) share(ctx context.Context, key string, name *string) {
	if r.cache == nil {
		return
	}
	ttl := r.cfg.TTL
	if name == nil {
		ttl = r.cfg.NegativeTTL
	}
	data, err := json.Marshal(cachedName{Name: name})
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, r.cacheKey(key), data, ttl); err != nil {
		slog.WarnContext(ctx, "name cache write failed", "key", key, "error", err)
	}
}

// backfillNames resolves every key list returns and writes the names back
// through set. It stops early when stop reports true.
func backfillNames(
	ctx context.Context,
	r *NameResolver,
	list func(ctx context.Context) ([]string, error),
	set func(ctx context.Context, key, name string) (int64, error),
	stop func(ctx context.Context) bool,
) (int64, error) {
	keys, err := list(ctx)
	if err != nil {
		return 0, fmt.Errorf("list missing names: %w", err)
	}
	var updated int64
	for _, key := range keys {
		if stop != nil && stop(ctx) {
			break
		}
		name, ok := r.Resolve(ctx, key)
		if !ok {
			continue
		}
		n, err := set(ctx, key, name)
		if err != nil {
			return updated, fmt.Errorf("set name for %s: %w", key, err)
		}
		updated += n
	}
	return updated, nil
}
