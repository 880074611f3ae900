package staging

import (
	"context"
	"errors"
	"time"

	"github.com/carelattice/warehouse/pkg/common/models"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("staged record not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Record{})
}

func (r *Repository) ByID(ctx context.Context, id uint) (Record, error) {
	var rec Record
	err := r.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r *Repository) Insert(ctx context.Context, rec *Record) error {
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	rec.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(rec).Error
}

// PendingByType returns pending rows in arrival order. The order is
// load-bearing: the duplicate-identity rule keeps the lowest id.
func (r *Repository) PendingByType(ctx context.Context, entityType string) ([]Record, error) {
	var recs []Record
	result := r.db.WithContext(ctx).
		Where("entity_type = ? AND status = ?", entityType, StatusPending).
		Order("id ASC").
		Find(&recs)
	return recs, result.Error
}

func (r *Repository) ValidatedByType(ctx context.Context, entityType string) ([]Record, error) {
	var recs []Record
	result := r.db.WithContext(ctx).
		Where("entity_type = ? AND status = ?", entityType, StatusValidated).
		Order("id ASC").
		Find(&recs)
	return recs, result.Error
}

// MarkValidated promotes pending rows only; terminal rows are left
// untouched so reprocessing a batch is a no-op outside the pending set.
func (r *Repository) MarkValidated(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&Record{}).
		Where("id IN ? AND status = ?", ids, StatusPending).
		Updates(map[string]interface{}{
			"status":       StatusValidated,
			"error_reason": "",
			"processed_at": now,
		}).Error
}

func (r *Repository) MarkError(ctx context.Context, id uint, reason string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":       StatusError,
			"error_reason": reason,
			"processed_at": now,
		}).Error
}

// MarkErrorPostHoc regresses an already-validated row to error. This is
// the loader's storage-rejection path and the only transition out of
// validated.
func (r *Repository) MarkErrorPostHoc(ctx context.Context, id uint, reason string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status = ?", id, StatusValidated).
		Updates(map[string]interface{}{
			"status":       StatusError,
			"error_reason": reason,
			"processed_at": now,
		}).Error
}

// ValidatedKeySet collects the natural keys of validated rows of one
// entity type, used by the referential rule to resolve parents that are
// staged but not yet loaded.
func (r *Repository) ValidatedKeySet(ctx context.Context, entityType, keyField string) (map[string]struct{}, error) {
	recs, err := r.ValidatedByType(ctx, entityType)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(recs))
	for i := range recs {
		if key := recs[i].Field(keyField); key != "" {
			keys[key] = struct{}{}
		}
	}
	return keys, nil
}

// StatusReport returns per-entity-type counts by status plus a few
// recent error samples, for the diagnostic surface.
func (r *Repository) StatusReport(ctx context.Context, entityTypes []string) ([]models.StagingStatus, error) {
	report := make([]models.StagingStatus, 0, len(entityTypes))
	for _, entityType := range entityTypes {
		type row struct {
			Status string
			Count  int64
		}
		var rows []row
		err := r.db.WithContext(ctx).Model(&Record{}).
			Select("status, count(*) as count").
			Where("entity_type = ?", entityType).
			Group("status").
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}

		status := models.StagingStatus{
			EntityType: entityType,
			Counts:     make(map[string]int64, len(rows)),
		}
		for _, rw := range rows {
			status.Counts[rw.Status] = rw.Count
		}

		var errored []Record
		err = r.db.WithContext(ctx).
			Where("entity_type = ? AND status = ?", entityType, StatusError).
			Order("processed_at DESC").
			Limit(3).
			Find(&errored).Error
		if err != nil {
			return nil, err
		}
		for i := range errored {
			status.Errors = append(status.Errors, models.StagedError{
				ID:              errored[i].ID,
				ErrorReason:     errored[i].ErrorReason,
				SourceReference: errored[i].SourceReference,
			})
		}

		report = append(report, status)
	}
	return report, nil
}
