package warehouse

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/carelattice/warehouse/pkg/common/logger"
	"github.com/carelattice/warehouse/pkg/common/models"
	"github.com/carelattice/warehouse/pkg/schema"
)

// ConsolidationConflictError reports fact rows pointing at surrogate
// keys with no dimension row. Consolidating on top of dangling
// references would silently corrupt the rewrite, so the run aborts.
type ConsolidationConflictError struct {
	Dimension string
	FactTable string
	Column    string
	Orphans   int64
}

func (e *ConsolidationConflictError) Error() string {
	return fmt.Sprintf("consolidation conflict: %d rows in %s.%s reference missing %s keys",
		e.Orphans, e.FactTable, e.Column, e.Dimension)
}

// factRef names a fact-table column holding a dimension's surrogate
// key.
type factRef struct {
	table  string
	column string
}

// dimSpec describes one deduplicable dimension: its table, surrogate
// key column, and every fact column that references it.
type dimSpec struct {
	table  string
	keyCol string
	refs   []factRef
}

var dimSpecs = map[string]dimSpec{
	"patient": {
		table:  "dim_patient",
		keyCol: "patient_key",
		refs: []factRef{
			{table: "fact_encounters", column: "patient_key"},
			{table: "fact_events", column: "patient_key"},
		},
	},
	"organization": {
		table:  "dim_organization",
		keyCol: "org_key",
		refs:   []factRef{{table: "fact_encounters", column: "org_key"}},
	},
	"provider": {
		table:  "dim_provider",
		keyCol: "provider_key",
		refs:   []factRef{{table: "fact_encounters", column: "provider_key"}},
	},
	"payer": {
		table:  "dim_payer",
		keyCol: "payer_key",
		refs:   []factRef{{table: "fact_encounters", column: "payer_key"}},
	},
}

// Deduplicator collapses dimension rows sharing a natural identity down
// to one canonical row per identity, rewriting fact references first.
type Deduplicator struct {
	db    *gorm.DB
	cache *KeyCache
}

func NewDeduplicator(db *gorm.DB, cache *KeyCache) *Deduplicator {
	return &Deduplicator{db: db, cache: cache}
}

// Deduplicate consolidates one dimension. The operation is idempotent:
// a table already at one row per identity yields zero merges.
func (d *Deduplicator) Deduplicate(ctx context.Context, dimension string) (models.StageSummary, error) {
	started := time.Now()
	summary := models.StageSummary{Stage: "dedup", EntityType: dimension}

	spec, ok := dimSpecs[dimension]
	if !ok {
		return summary, fmt.Errorf("not a deduplicable dimension: %s", dimension)
	}

	if err := d.checkOrphans(ctx, dimension, spec); err != nil {
		return summary, err
	}

	type dimRow struct {
		Key         uint
		IdentityKey string
	}
	var rows []dimRow
	err := d.db.WithContext(ctx).
		Table(spec.table).
		Select(spec.keyCol+" as key, identity_key").
		Order(spec.keyCol + " ASC").
		Scan(&rows).Error
	if err != nil {
		return summary, fmt.Errorf("scanning %s: %w", spec.table, err)
	}
	summary.Processed = len(rows)

	// Rows arrive in ascending key order, so the first key seen per
	// identity is the canonical survivor.
	groups := make(map[string][]uint)
	order := make([]string, 0)
	for _, row := range rows {
		if _, seen := groups[row.IdentityKey]; !seen {
			order = append(order, row.IdentityKey)
		}
		groups[row.IdentityKey] = append(groups[row.IdentityKey], row.Key)
	}

	for _, identity := range order {
		keys := groups[identity]
		if len(keys) < 2 {
			continue
		}
		canonical := keys[0]
		dupes := keys[1:]

		err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, ref := range spec.refs {
				res := tx.Exec(
					fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s IN ?", ref.table, ref.column, ref.column),
					canonical, dupes,
				)
				if res.Error != nil {
					return res.Error
				}
				summary.RowsRewritten += int(res.RowsAffected)
			}
			// Aliases for the folded ids must follow the survivor, or
			// the resolver would chase keys about to be deleted.
			if err := tx.Exec(
				"UPDATE dim_source_aliases SET dim_key = ? WHERE entity_type = ? AND dim_key IN ?",
				canonical, dimension, dupes,
			).Error; err != nil {
				return err
			}
			return tx.Exec(
				fmt.Sprintf("DELETE FROM %s WHERE %s IN ?", spec.table, spec.keyCol),
				dupes,
			).Error
		})
		if err != nil {
			return summary, fmt.Errorf("consolidating %s identity %q: %w", dimension, identity, err)
		}
		summary.GroupsMerged++
	}

	d.cache.Invalidate(ctx, dimension)

	summary.Duration = time.Since(started)
	logger.Log.WithFields(map[string]interface{}{
		"dimension":      dimension,
		"rows":           summary.Processed,
		"groups_merged":  summary.GroupsMerged,
		"rows_rewritten": summary.RowsRewritten,
	}).Info("deduplication pass complete")
	return summary, nil
}

// DeduplicateAll consolidates every deduplicable dimension.
func (d *Deduplicator) DeduplicateAll(ctx context.Context) ([]models.StageSummary, error) {
	var summaries []models.StageSummary
	for _, dimension := range schema.DimensionTypes() {
		summary, err := d.Deduplicate(ctx, dimension)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// checkOrphans fails fast when any fact column references a surrogate
// key absent from the dimension table.
func (d *Deduplicator) checkOrphans(ctx context.Context, dimension string, spec dimSpec) error {
	for _, ref := range spec.refs {
		var count int64
		query := fmt.Sprintf(
			"SELECT count(*) FROM %s WHERE %s IS NOT NULL AND %s NOT IN (SELECT %s FROM %s)",
			ref.table, ref.column, ref.column, spec.keyCol, spec.table,
		)
		if err := d.db.WithContext(ctx).Raw(query).Scan(&count).Error; err != nil {
			return fmt.Errorf("orphan check on %s.%s: %w", ref.table, ref.column, err)
		}
		if count > 0 {
			return &ConsolidationConflictError{
				Dimension: dimension,
				FactTable: ref.table,
				Column:    ref.column,
				Orphans:   count,
			}
		}
	}
	return nil
}
