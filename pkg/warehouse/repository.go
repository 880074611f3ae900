package warehouse

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository owns the production star-schema store. Surrogate-key
// assignment serializes through keyMu plus the unique identity_key
// index, so two concurrent workers can never mint two keys for the same
// new natural identity.
type Repository struct {
	db    *gorm.DB
	keyMu sync.Mutex
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&DimPatient{},
		&DimOrganization{},
		&DimProvider{},
		&DimPayer{},
		&DimDate{},
		&DimAlias{},
		&FactEncounter{},
		&FactEvent{},
	)
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

// registerAlias records a staged natural id against the dimension key
// that absorbed it, so the resolver can find every loaded id even when
// identity reuse folded it into an existing row. Re-registration
// repoints the alias.
func (r *Repository) registerAlias(ctx context.Context, entityType, sourceID string, key uint) error {
	if sourceID == "" {
		return nil
	}
	alias := DimAlias{EntityType: entityType, SourceID: sourceID, DimKey: key}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_type"}, {Name: "source_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"dim_key"}),
		}).
		Create(&alias).Error
}

// EnsurePatient returns the surrogate key for the patient's natural
// identity, minting one only for a never-seen identity.
func (r *Repository) EnsurePatient(ctx context.Context, row *DimPatient) (uint, error) {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()

	var existing DimPatient
	err := r.db.WithContext(ctx).Where("identity_key = ?", row.IdentityKey).First(&existing).Error
	if err == nil {
		return existing.Key, r.registerAlias(ctx, "patient", row.SourceID, existing.Key)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	row.CreatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		// Lost a race against another writer; the unique index
		// guarantees the winner's row is fetchable.
		if ferr := r.db.WithContext(ctx).Where("identity_key = ?", row.IdentityKey).First(&existing).Error; ferr == nil {
			return existing.Key, r.registerAlias(ctx, "patient", row.SourceID, existing.Key)
		}
		return 0, err
	}
	return row.Key, r.registerAlias(ctx, "patient", row.SourceID, row.Key)
}

func (r *Repository) EnsureOrganization(ctx context.Context, row *DimOrganization) (uint, error) {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()

	var existing DimOrganization
	err := r.db.WithContext(ctx).Where("identity_key = ?", row.IdentityKey).First(&existing).Error
	if err == nil {
		return existing.Key, r.registerAlias(ctx, "organization", row.SourceID, existing.Key)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	row.CreatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if ferr := r.db.WithContext(ctx).Where("identity_key = ?", row.IdentityKey).First(&existing).Error; ferr == nil {
			return existing.Key, r.registerAlias(ctx, "organization", row.SourceID, existing.Key)
		}
		return 0, err
	}
	return row.Key, r.registerAlias(ctx, "organization", row.SourceID, row.Key)
}

func (r *Repository) EnsureProvider(ctx context.Context, row *DimProvider) (uint, error) {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()

	var existing DimProvider
	err := r.db.WithContext(ctx).Where("identity_key = ?", row.IdentityKey).First(&existing).Error
	if err == nil {
		return existing.Key, r.registerAlias(ctx, "provider", row.SourceID, existing.Key)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	row.CreatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if ferr := r.db.WithContext(ctx).Where("identity_key = ?", row.IdentityKey).First(&existing).Error; ferr == nil {
			return existing.Key, r.registerAlias(ctx, "provider", row.SourceID, existing.Key)
		}
		return 0, err
	}
	return row.Key, r.registerAlias(ctx, "provider", row.SourceID, row.Key)
}

func (r *Repository) EnsurePayer(ctx context.Context, row *DimPayer) (uint, error) {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()

	var existing DimPayer
	err := r.db.WithContext(ctx).Where("identity_key = ?", row.IdentityKey).First(&existing).Error
	if err == nil {
		return existing.Key, r.registerAlias(ctx, "payer", row.SourceID, existing.Key)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	row.CreatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if ferr := r.db.WithContext(ctx).Where("identity_key = ?", row.IdentityKey).First(&existing).Error; ferr == nil {
			return existing.Key, r.registerAlias(ctx, "payer", row.SourceID, existing.Key)
		}
		return 0, err
	}
	return row.Key, r.registerAlias(ctx, "payer", row.SourceID, row.Key)
}

// EnsureDate synthesizes the date-dimension row for the timestamp's
// calendar day if it is not already present.
func (r *Repository) EnsureDate(ctx context.Context, t time.Time) (int, error) {
	key := DateKeyFor(t)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	weekday := day.Weekday()
	row := DimDate{
		Key:       key,
		Date:      day,
		Year:      day.Year(),
		Month:     int(day.Month()),
		MonthName: day.Month().String(),
		Quarter:   (int(day.Month())-1)/3 + 1,
		DayOfWeek: weekday.String(),
		Weekend:   weekday == time.Saturday || weekday == time.Sunday,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "date_key"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return 0, err
	}
	return key, nil
}

// DimensionKeyBySource resolves a staged natural key (the original
// extracted identifier) to a dimension surrogate key. The alias table
// is authoritative: it covers ids whose identity was folded into a row
// minted under a different source id. The dimension-table scan remains
// as a fallback for rows that predate alias registration.
func (r *Repository) DimensionKeyBySource(ctx context.Context, entityType, sourceID string) (uint, bool, error) {
	var key uint
	var err error
	tx := r.db.WithContext(ctx)

	var alias DimAlias
	err = tx.Select("dim_key").
		Where("entity_type = ? AND source_id = ?", entityType, sourceID).
		First(&alias).Error
	if err == nil {
		return alias.DimKey, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, err
	}

	switch entityType {
	case "patient":
		var row DimPatient
		err = tx.Select("patient_key").Where("source_id = ?", sourceID).First(&row).Error
		key = row.Key
	case "organization":
		var row DimOrganization
		err = tx.Select("org_key").Where("source_id = ?", sourceID).First(&row).Error
		key = row.Key
	case "provider":
		var row DimProvider
		err = tx.Select("provider_key").Where("source_id = ?", sourceID).First(&row).Error
		key = row.Key
	case "payer":
		var row DimPayer
		err = tx.Select("payer_key").Where("source_id = ?", sourceID).First(&row).Error
		key = row.Key
	default:
		return 0, false, errors.New("not a dimension type: " + entityType)
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return key, true, nil
}

func (r *Repository) EncounterKeyByNaturalID(ctx context.Context, encounterID string) (uint, bool, error) {
	var row FactEncounter
	err := r.db.WithContext(ctx).Select("encounter_key").Where("encounter_id = ?", encounterID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.Key, true, nil
}

// UpsertEncounter keys on the encounter's natural id so re-running the
// loader over the same validated rows updates in place.
func (r *Repository) UpsertEncounter(ctx context.Context, row *FactEncounter) error {
	row.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "encounter_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"staged_id", "patient_key", "org_key", "provider_key", "payer_key",
				"date_key", "start_time", "stop_time", "duration_minutes",
				"encounter_class", "code", "description",
				"base_cost", "total_claim_cost", "payer_coverage", "reason_description",
			}),
		}).
		Create(row).Error
}

// UpsertEvent keys on the staging row id: one staged event row maps to
// at most one fact row no matter how often load runs.
func (r *Repository) UpsertEvent(ctx context.Context, row *FactEvent) error {
	row.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "staged_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"category", "patient_key", "encounter_key", "date_key", "event_time",
				"code", "description", "value", "value_text", "units", "cost",
			}),
		}).
		Create(row).Error
}

// TableStats counts rows per production table for run summaries.
func (r *Repository) TableStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	tables := []interface{}{
		&DimPatient{}, &DimOrganization{}, &DimProvider{}, &DimPayer{}, &DimDate{},
		&FactEncounter{}, &FactEvent{},
	}
	names := []string{
		"dim_patient", "dim_organization", "dim_provider", "dim_payer", "dim_date",
		"fact_encounters", "fact_events",
	}
	for i, model := range tables {
		var count int64
		if err := r.db.WithContext(ctx).Model(model).Count(&count).Error; err != nil {
			return nil, err
		}
		stats[names[i]] = count
	}
	return stats, nil
}
