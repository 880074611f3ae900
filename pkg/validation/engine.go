package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/carelattice/warehouse/pkg/common/logger"
	"github.com/carelattice/warehouse/pkg/common/models"
	"github.com/carelattice/warehouse/pkg/schema"
	"github.com/carelattice/warehouse/pkg/staging"
)

// ParentIndex answers whether a parent natural key is already present in
// the production store. The warehouse resolver implements it.
type ParentIndex interface {
	Exists(ctx context.Context, entityType, naturalKey string) (bool, error)
}

// Engine classifies pending staged rows as validated or error. It never
// touches terminal rows, so re-running a pass over the same staged set
// is a no-op outside the pending subset.
type Engine struct {
	catalog schema.Catalog
	repo    *staging.Repository
	index   ParentIndex
}

func NewEngine(catalog schema.Catalog, repo *staging.Repository, index ParentIndex) *Engine {
	return &Engine{catalog: catalog, repo: repo, index: index}
}

// ValidateAndPromote runs the rule battery over every pending row of one
// entity type. Callers are responsible for invoking entity types in
// dependency order; ValidateAll does so.
func (e *Engine) ValidateAndPromote(ctx context.Context, entityType string) (models.StageSummary, error) {
	started := time.Now()
	summary := models.StageSummary{Stage: "validate", EntityType: entityType}

	ent, ok := e.catalog.Lookup(entityType)
	if !ok {
		return summary, fmt.Errorf("unknown entity type %q", entityType)
	}

	pending, err := e.repo.PendingByType(ctx, entityType)
	if err != nil {
		return summary, fmt.Errorf("fetching pending %s rows: %w", entityType, err)
	}
	summary.Processed = len(pending)
	if len(pending) == 0 {
		summary.Duration = time.Since(started)
		return summary, nil
	}

	parentKeys, err := e.parentKeySets(ctx, ent)
	if err != nil {
		return summary, err
	}

	claims := newIdentityClaims()
	ruleCounts := map[string]int{}
	var promoted []uint

	for i := range pending {
		rec := &pending[i]

		if reason := checkFields(ent, rec); reason != "" {
			if err := e.repo.MarkError(ctx, rec.ID, reason); err != nil {
				return summary, fmt.Errorf("marking row %d: %w", rec.ID, err)
			}
			summary.Errored++
			ruleCounts[ruleRequired]++
			continue
		}

		if ent.EnforceUnique && ent.KeyField != "" {
			primary := rec.Field(ent.KeyField)
			secondary := ""
			if ent.SecondaryKey != "" {
				secondary = rec.Field(ent.SecondaryKey)
			}
			if !claims.claim(primary, secondary) {
				if err := e.repo.MarkError(ctx, rec.ID, ReasonDuplicateIdentity); err != nil {
					return summary, fmt.Errorf("marking row %d: %w", rec.ID, err)
				}
				summary.Errored++
				ruleCounts[ruleUniqueness]++
				continue
			}
		}

		unresolved, err := e.checkParents(ctx, ent, rec, parentKeys)
		if err != nil {
			return summary, err
		}
		if unresolved {
			if err := e.repo.MarkError(ctx, rec.ID, ReasonUnresolvedParent); err != nil {
				return summary, fmt.Errorf("marking row %d: %w", rec.ID, err)
			}
			summary.Errored++
			ruleCounts[ruleReferential]++
			continue
		}

		promoted = append(promoted, rec.ID)
	}

	if err := e.repo.MarkValidated(ctx, promoted); err != nil {
		return summary, fmt.Errorf("promoting %s rows: %w", entityType, err)
	}
	summary.Validated = len(promoted)
	summary.Duration = time.Since(started)

	logger.Log.WithFields(map[string]interface{}{
		"entity_type": entityType,
		"processed":   summary.Processed,
		"validated":   summary.Validated,
		"errored":     summary.Errored,
		"by_rule":     ruleCounts,
	}).Info("validation pass complete")

	return summary, nil
}

// ValidateAll walks the dependency tiers in order: parents must reach a
// terminal status before any child's referential rule runs.
func (e *Engine) ValidateAll(ctx context.Context) ([]models.StageSummary, error) {
	var summaries []models.StageSummary
	for _, tier := range schema.ValidationOrder() {
		for _, entityType := range tier {
			summary, err := e.ValidateAndPromote(ctx, entityType)
			if err != nil {
				return summaries, err
			}
			summaries = append(summaries, summary)
		}
	}
	return summaries, nil
}

// parentKeySets loads the validated staged natural keys for each parent
// type once per pass.
func (e *Engine) parentKeySets(ctx context.Context, ent schema.Entity) (map[string]map[string]struct{}, error) {
	sets := make(map[string]map[string]struct{}, len(ent.Parents))
	for _, ref := range ent.Parents {
		if _, done := sets[ref.Entity]; done {
			continue
		}
		parent, ok := e.catalog.Lookup(ref.Entity)
		if !ok || parent.KeyField == "" {
			return nil, fmt.Errorf("parent entity %q has no natural key", ref.Entity)
		}
		keys, err := e.repo.ValidatedKeySet(ctx, ref.Entity, parent.KeyField)
		if err != nil {
			return nil, fmt.Errorf("loading %s key set: %w", ref.Entity, err)
		}
		sets[ref.Entity] = keys
	}
	return sets, nil
}

// checkParents applies the referential rule: every declared parent key
// that is present must resolve against the validated staged set or the
// production store.
func (e *Engine) checkParents(ctx context.Context, ent schema.Entity, rec *staging.Record, parentKeys map[string]map[string]struct{}) (bool, error) {
	for _, ref := range ent.Parents {
		key := rec.Field(ref.Field)
		if staging.IsMissing(key) {
			// Required refs are caught by the required-field rule.
			continue
		}
		if _, ok := parentKeys[ref.Entity][key]; ok {
			continue
		}
		if e.index != nil {
			exists, err := e.index.Exists(ctx, ref.Entity, key)
			if err != nil {
				return false, fmt.Errorf("resolving %s %q: %w", ref.Entity, key, err)
			}
			if exists {
				continue
			}
		}
		return true, nil
	}
	return false, nil
}
