package warehouse

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/carelattice/warehouse/pkg/common/logger"
	"github.com/carelattice/warehouse/pkg/common/models"
)

// Auditor runs read-only integrity checks over the star schema after a
// load. Findings are reported, never repaired in place.
type Auditor struct {
	db *gorm.DB
}

func NewAuditor(db *gorm.DB) *Auditor {
	return &Auditor{db: db}
}

func (a *Auditor) Run(ctx context.Context) (models.IntegrityReport, error) {
	var report models.IntegrityReport
	tx := a.db.WithContext(ctx)

	err := tx.Raw(
		"SELECT count(*) FROM fact_events WHERE encounter_key NOT IN (SELECT encounter_key FROM fact_encounters)",
	).Scan(&report.OrphanedEncounterRefs).Error
	if err != nil {
		return report, fmt.Errorf("encounter ref audit: %w", err)
	}

	for _, spec := range dimSpecs {
		for _, ref := range spec.refs {
			var count int64
			query := fmt.Sprintf(
				"SELECT count(*) FROM %s WHERE %s IS NOT NULL AND %s NOT IN (SELECT %s FROM %s)",
				ref.table, ref.column, ref.column, spec.keyCol, spec.table,
			)
			if err := tx.Raw(query).Scan(&count).Error; err != nil {
				return report, fmt.Errorf("dimension ref audit on %s.%s: %w", ref.table, ref.column, err)
			}
			report.OrphanedDimensionRefs += count
		}
	}

	err = tx.Model(&DimPatient{}).
		Where("birthdate IS NOT NULL AND birthdate > ?", time.Now().UTC()).
		Count(&report.FutureBirthdates).Error
	if err != nil {
		return report, fmt.Errorf("birthdate audit: %w", err)
	}

	err = tx.Raw(
		"SELECT count(*) FROM fact_events e JOIN dim_patient p ON e.patient_key = p.patient_key " +
			"WHERE e.event_time IS NOT NULL AND p.birthdate IS NOT NULL AND e.event_time < p.birthdate",
	).Scan(&report.EventsBeforeBirth).Error
	if err != nil {
		return report, fmt.Errorf("event timeline audit: %w", err)
	}

	if !report.Clean() {
		logger.Log.WithFields(map[string]interface{}{
			"orphaned_encounter_refs": report.OrphanedEncounterRefs,
			"orphaned_dimension_refs": report.OrphanedDimensionRefs,
			"future_birthdates":       report.FutureBirthdates,
			"events_before_birth":     report.EventsBeforeBirth,
		}).Warn("integrity audit found issues")
	}
	return report, nil
}
