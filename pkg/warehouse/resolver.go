package warehouse

import (
	"context"
	"fmt"
)

// ErrUnresolvedReference marks a natural key with no production row.
// The loader treats it as a data problem for the offending staged row,
// not a run failure.
type ErrUnresolvedReference struct {
	EntityType string
	NaturalKey string
}

func (e *ErrUnresolvedReference) Error() string {
	return fmt.Sprintf("unresolved %s reference %q", e.EntityType, e.NaturalKey)
}

// Resolver maps staged natural keys to production surrogate keys, with a
// Redis read-through cache in front of the store. It also serves the
// validation engine's production-index lookups.
type Resolver struct {
	repo  *Repository
	cache *KeyCache
}

func NewResolver(repo *Repository, cache *KeyCache) *Resolver {
	return &Resolver{repo: repo, cache: cache}
}

// Exists reports whether the natural key is already present in the
// production store.
func (r *Resolver) Exists(ctx context.Context, entityType, naturalKey string) (bool, error) {
	if _, hit := r.cache.Get(ctx, entityType, naturalKey); hit {
		return true, nil
	}
	var found bool
	var key uint
	var err error
	if entityType == "encounter" {
		key, found, err = r.repo.EncounterKeyByNaturalID(ctx, naturalKey)
	} else {
		key, found, err = r.repo.DimensionKeyBySource(ctx, entityType, naturalKey)
	}
	if err != nil {
		return false, err
	}
	if found {
		r.cache.Set(ctx, entityType, naturalKey, key)
	}
	return found, nil
}

// DimensionKey resolves a dimension natural key or reports it
// unresolved.
func (r *Resolver) DimensionKey(ctx context.Context, entityType, naturalKey string) (uint, error) {
	if key, hit := r.cache.Get(ctx, entityType, naturalKey); hit {
		return key, nil
	}
	key, found, err := r.repo.DimensionKeyBySource(ctx, entityType, naturalKey)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, &ErrUnresolvedReference{EntityType: entityType, NaturalKey: naturalKey}
	}
	r.cache.Set(ctx, entityType, naturalKey, key)
	return key, nil
}

// EncounterKey resolves an encounter natural id to its fact surrogate
// key.
func (r *Resolver) EncounterKey(ctx context.Context, encounterID string) (uint, error) {
	if key, hit := r.cache.Get(ctx, "encounter", encounterID); hit {
		return key, nil
	}
	key, found, err := r.repo.EncounterKeyByNaturalID(ctx, encounterID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, &ErrUnresolvedReference{EntityType: "encounter", NaturalKey: encounterID}
	}
	r.cache.Set(ctx, "encounter", encounterID, key)
	return key, nil
}
