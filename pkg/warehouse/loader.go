package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carelattice/warehouse/pkg/common/logger"
	"github.com/carelattice/warehouse/pkg/common/models"
	"github.com/carelattice/warehouse/pkg/schema"
	"github.com/carelattice/warehouse/pkg/staging"
)

// Loader moves validated staged rows into the star schema. A row that
// the store rejects is regressed to error with the storage reason; the
// rest of the batch proceeds.
type Loader struct {
	catalog  schema.Catalog
	staged   *staging.Repository
	repo     *Repository
	resolver *Resolver
	workers  int
}

func NewLoader(catalog schema.Catalog, staged *staging.Repository, repo *Repository, resolver *Resolver, workers int) *Loader {
	if workers < 1 {
		workers = 1
	}
	return &Loader{catalog: catalog, staged: staged, repo: repo, resolver: resolver, workers: workers}
}

// Load processes every validated staged row of one entity type.
func (l *Loader) Load(ctx context.Context, entityType string) (models.StageSummary, error) {
	started := time.Now()
	summary := models.StageSummary{Stage: "load", EntityType: entityType}

	ent, ok := l.catalog.Lookup(entityType)
	if !ok {
		return summary, fmt.Errorf("unknown entity type %q", entityType)
	}

	recs, err := l.staged.ValidatedByType(ctx, entityType)
	if err != nil {
		return summary, fmt.Errorf("fetching validated %s rows: %w", entityType, err)
	}
	summary.Processed = len(recs)

	for i := range recs {
		rec := &recs[i]
		var loadErr error
		switch {
		case ent.EventCategory != "":
			loadErr = l.loadEvent(ctx, ent, rec)
		case entityType == "encounter":
			loadErr = l.loadEncounter(ctx, rec)
		default:
			loadErr = l.loadDimension(ctx, entityType, rec)
		}

		if loadErr != nil {
			var unresolved *ErrUnresolvedReference
			reason := "storage rejection: " + loadErr.Error()
			if errors.As(loadErr, &unresolved) {
				reason = loadErr.Error()
			} else if ctx.Err() != nil {
				return summary, loadErr
			}
			if err := l.staged.MarkErrorPostHoc(ctx, rec.ID, reason); err != nil {
				return summary, fmt.Errorf("regressing row %d: %w", rec.ID, err)
			}
			summary.Errored++
			continue
		}
		summary.Loaded++
	}

	summary.Duration = time.Since(started)
	logger.Log.WithFields(map[string]interface{}{
		"entity_type": entityType,
		"processed":   summary.Processed,
		"loaded":      summary.Loaded,
		"errored":     summary.Errored,
	}).Info("load pass complete")
	return summary, nil
}

// LoadAll loads dimensions, then encounters, then the event types.
// Event types are independent of one another and run in parallel.
func (l *Loader) LoadAll(ctx context.Context) ([]models.StageSummary, error) {
	var summaries []models.StageSummary
	for _, entityType := range schema.DimensionTypes() {
		summary, err := l.Load(ctx, entityType)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
	}

	summary, err := l.Load(ctx, "encounter")
	if err != nil {
		return summaries, err
	}
	summaries = append(summaries, summary)

	eventTypes := []string{"condition", "medication", "observation", "allergy", "procedure", "immunization"}
	results := make([]models.StageSummary, len(eventTypes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, entityType := range eventTypes {
		i, entityType := i, entityType
		g.Go(func() error {
			s, err := l.Load(gctx, entityType)
			if err != nil {
				return err
			}
			results[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summaries, err
	}
	return append(summaries, results...), nil
}

func (l *Loader) loadDimension(ctx context.Context, entityType string, rec *staging.Record) error {
	switch entityType {
	case "patient":
		birthdate, cerr := staging.Date("birthdate", rec.Field("birthdate"))
		if cerr != nil {
			return cerr
		}
		name := strings.TrimSpace(rec.Field("first_name") + " " + rec.Field("last_name"))
		_, err := l.repo.EnsurePatient(ctx, &DimPatient{
			IdentityKey: PatientIdentity(rec.Field("id")),
			SourceID:    rec.Field("id"),
			FullName:    name,
			Gender:      rec.Field("gender"),
			Birthdate:   birthdate,
			City:        rec.Field("city"),
			State:       rec.Field("state"),
			Zip:         rec.Field("zip"),
		})
		return err
	case "organization":
		_, err := l.repo.EnsureOrganization(ctx, &DimOrganization{
			IdentityKey: OrganizationIdentity(rec.Field("name"), rec.Field("city"), rec.Field("state")),
			SourceID:    rec.Field("id"),
			Name:        rec.Field("name"),
			City:        rec.Field("city"),
			State:       rec.Field("state"),
		})
		return err
	case "provider":
		_, err := l.repo.EnsureProvider(ctx, &DimProvider{
			IdentityKey: ProviderIdentity(rec.Field("name"), rec.Field("specialty")),
			SourceID:    rec.Field("id"),
			Name:        rec.Field("name"),
			Specialty:   rec.Field("specialty"),
		})
		return err
	case "payer":
		_, err := l.repo.EnsurePayer(ctx, &DimPayer{
			IdentityKey: PayerIdentity(rec.Field("name")),
			SourceID:    rec.Field("id"),
			Name:        rec.Field("name"),
		})
		return err
	default:
		return fmt.Errorf("not a dimension type: %s", entityType)
	}
}

func (l *Loader) loadEncounter(ctx context.Context, rec *staging.Record) error {
	patientKey, err := l.resolver.DimensionKey(ctx, "patient", rec.Field("patient_id"))
	if err != nil {
		return err
	}

	row := FactEncounter{
		StagedID:          rec.ID,
		EncounterID:       rec.Field("id"),
		PatientKey:        patientKey,
		EncounterClass:    rec.Field("encounter_class"),
		Code:              rec.Field("code"),
		Description:       rec.Field("description"),
		BaseCost:          costOrZero(rec, "base_encounter_cost"),
		TotalClaimCost:    costOrZero(rec, "total_claim_cost"),
		PayerCoverage:     costOrZero(rec, "payer_coverage"),
		ReasonDescription: rec.Field("reason_description"),
	}

	for _, ref := range []struct {
		field  string
		entity string
		target **uint
	}{
		{"organization_id", "organization", &row.OrgKey},
		{"provider_id", "provider", &row.ProviderKey},
		{"payer_id", "payer", &row.PayerKey},
	} {
		raw := rec.Field(ref.field)
		if staging.IsMissing(raw) {
			continue
		}
		key, err := l.resolver.DimensionKey(ctx, ref.entity, raw)
		if err != nil {
			return err
		}
		k := key
		*ref.target = &k
	}

	start, cerr := staging.Timestamp("start_datetime", rec.Field("start_datetime"))
	if cerr != nil {
		return cerr
	}
	stop, cerr := staging.Timestamp("stop_datetime", rec.Field("stop_datetime"))
	if cerr != nil {
		return cerr
	}
	row.StartTime = start
	row.StopTime = stop
	// Duration requires both endpoints in order; it is never negative.
	if start != nil && stop != nil && !stop.Before(*start) {
		minutes := stop.Sub(*start).Minutes()
		row.DurationMinutes = &minutes
	}
	if start != nil {
		dateKey, err := l.repo.EnsureDate(ctx, *start)
		if err != nil {
			return err
		}
		row.DateKey = &dateKey
	}

	return l.repo.UpsertEncounter(ctx, &row)
}

func (l *Loader) loadEvent(ctx context.Context, ent schema.Entity, rec *staging.Record) error {
	patientKey, err := l.resolver.DimensionKey(ctx, "patient", rec.Field("patient_id"))
	if err != nil {
		return err
	}
	encounterKey, err := l.resolver.EncounterKey(ctx, rec.Field("encounter_id"))
	if err != nil {
		return err
	}

	row := FactEvent{
		StagedID:     rec.ID,
		Category:     ent.EventCategory,
		PatientKey:   patientKey,
		EncounterKey: encounterKey,
		Code:         rec.Field("code"),
		Description:  rec.Field("description"),
		Units:        rec.Field("units"),
	}

	eventTime, cerr := l.eventTime(ent, rec)
	if cerr != nil {
		return cerr
	}
	row.EventTime = eventTime
	if eventTime != nil {
		dateKey, err := l.repo.EnsureDate(ctx, *eventTime)
		if err != nil {
			return err
		}
		row.DateKey = &dateKey
	}

	// Observation values are free text that is numeric more often than
	// not; keep both representations.
	if raw := rec.Field("value"); !staging.IsMissing(raw) {
		if v, cerr := staging.Decimal("value", raw); cerr == nil && v != nil {
			row.Value = v
		} else {
			row.ValueText = strings.TrimSpace(raw)
		}
	}

	switch ent.Name {
	case "medication":
		if v, cerr := staging.Decimal("total_cost", rec.Field("total_cost")); cerr == nil && v != nil {
			row.Cost = v
		}
	case "procedure", "immunization":
		if v, cerr := staging.Decimal("base_cost", rec.Field("base_cost")); cerr == nil && v != nil {
			row.Cost = v
		}
	}

	return l.repo.UpsertEvent(ctx, &row)
}

// eventTime reads the entity's declared date field with its declared
// kind.
func (l *Loader) eventTime(ent schema.Entity, rec *staging.Record) (*time.Time, *staging.CoercionError) {
	if ent.DateField == "" {
		return nil, nil
	}
	raw := rec.Field(ent.DateField)
	if f, ok := ent.Field(ent.DateField); ok && f.Kind == schema.KindDate {
		return staging.Date(ent.DateField, raw)
	}
	return staging.Timestamp(ent.DateField, raw)
}

// costOrZero reads a decimal field, defaulting missing or malformed
// values to zero so cost columns are never null.
func costOrZero(rec *staging.Record, field string) float64 {
	v, cerr := staging.Decimal(field, rec.Field(field))
	if cerr != nil || v == nil {
		return 0
	}
	return *v
}
