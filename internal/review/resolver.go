package review

import (
	"context"
	"log/slog"
)

// IdentityCache remembers variant -> base resolutions. Mappings never change
// once written, so entries can be cached without invalidation.
type IdentityCache interface {
	GetBase(ctx context.Context, id string) (string, bool)
	// GetBases returns the cached entries among ids; misses are absent.
	GetBases(ctx context.Context, ids []string) map[string]string
	SetBase(ctx context.Context, id, baseID string)
}

type nopIdentityCache struct{}

func (nopIdentityCache) GetBase(context.Context, string) (string, bool) {
	return "", false
}

func (nopIdentityCache) GetBases(context.Context, []string) map[string]string {
	return nil
}

func (nopIdentityCache) SetBase(context.Context, string, string) {}

// Resolver maps any content unit id to the canonical base id that owns the
// learner's progress.
type Resolver struct {
	store Store
	cache IdentityCache
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(store Store, cache IdentityCache) *Resolver {
	if cache == nil {
		cache = nopIdentityCache{}
	}
	return &Resolver{store: store, cache: cache}
}

// ResolveBase returns the base id for id. Unknown ids yield ErrNotFound.
// ResolveBase(ResolveBase(x)) == ResolveBase(x).
func (r *Resolver) ResolveBase(ctx context.Context, id string) (string, error) {
	if base, ok := r.cache.GetBase(ctx, id); ok {
		return base, nil
	}

	mappings, err := r.store.MappingsByVariants(ctx, []string{id})
	if err != nil {
		return "", opError("resolveBase", id, err)
	}
	if m, ok := mappings[id]; ok {
		r.cache.SetBase(ctx, id, m.BaseID)
		return m.BaseID, nil
	}

	if _, err := r.store.GetUnit(ctx, id); err != nil {
		return "", opError("resolveBase", id, err)
	}
	r.cache.SetBase(ctx, id, id)
	return id, nil
}

// ResolveMany resolves ids that are known to exist. Ids without a mapping
// resolve to themselves.
func (r *Resolver) ResolveMany(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	var misses []string
	cached := r.cache.GetBases(ctx, ids)
	for _, id := range ids {
		if base, ok := cached[id]; ok {
			out[id] = base
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}

	mappings, err := r.store.MappingsByVariants(ctx, misses)
	if err != nil {
		return nil, opError("resolveMany", "", err)
	}
	for _, id := range misses {
		m, ok := mappings[id]
		if !ok {
			// Existence is not checked here, so self-resolutions stay uncached.
			out[id] = id
			continue
		}
		out[id] = m.BaseID
		r.cache.SetBase(ctx, id, m.BaseID)
	}
	slog.Debug("identities resolved", "requested", len(ids), "store_lookups", len(misses))
	return out, nil
}
