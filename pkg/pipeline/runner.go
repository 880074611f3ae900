package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carelattice/warehouse/pkg/common/logger"
	"github.com/carelattice/warehouse/pkg/common/models"
	"github.com/carelattice/warehouse/pkg/observability/metrics"
	"github.com/carelattice/warehouse/pkg/schema"
	"github.com/carelattice/warehouse/pkg/staging"
	"github.com/carelattice/warehouse/pkg/validation"
	"github.com/carelattice/warehouse/pkg/warehouse"
)

// EventPublisher posts advisory stage-summary events. The kafka producer
// satisfies it; a nil publisher disables publication.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

const eventSource = "warehouse-pipeline"

// Runner sequences the pipeline stages and exposes the per-stage
// operations behind the service surface. Stage summaries are advisory;
// correctness lives in the persisted row statuses.
type Runner struct {
	catalog   schema.Catalog
	staged    *staging.Repository
	engine    *validation.Engine
	loader    *warehouse.Loader
	dedup     *warehouse.Deduplicator
	auditor   *warehouse.Auditor
	store     *warehouse.Repository
	publisher EventPublisher
}

func NewRunner(
	catalog schema.Catalog,
	staged *staging.Repository,
	engine *validation.Engine,
	loader *warehouse.Loader,
	dedup *warehouse.Deduplicator,
	auditor *warehouse.Auditor,
	store *warehouse.Repository,
	publisher EventPublisher,
) *Runner {
	return &Runner{
		catalog:   catalog,
		staged:    staged,
		engine:    engine,
		loader:    loader,
		dedup:     dedup,
		auditor:   auditor,
		store:     store,
		publisher: publisher,
	}
}

// ErrUnknownEntityType rejects staged rows whose type is not in the
// schema catalog.
var ErrUnknownEntityType = errors.New("unknown entity type")

// Stage inserts a pending staged row. Field values are stored untyped;
// the validation engine does all interpretation.
func (r *Runner) Stage(ctx context.Context, entityType string, fields map[string]interface{}, sourceRef string) (uint, error) {
	if _, ok := r.catalog.Lookup(entityType); !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	rec := staging.Record{
		EntityType:      entityType,
		Fields:          fields,
		SourceReference: sourceRef,
	}
	if err := r.staged.Insert(ctx, &rec); err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func (r *Runner) Validate(ctx context.Context, entityType string) (models.StageSummary, error) {
	summary, err := r.engine.ValidateAndPromote(ctx, entityType)
	if err != nil {
		return summary, err
	}
	r.publish(ctx, summary)
	return summary, nil
}

func (r *Runner) Load(ctx context.Context, entityType string) (models.StageSummary, error) {
	summary, err := r.loader.Load(ctx, entityType)
	if err != nil {
		return summary, err
	}
	r.publish(ctx, summary)
	return summary, nil
}

func (r *Runner) Deduplicate(ctx context.Context, dimension string) (models.StageSummary, error) {
	summary, err := r.dedup.Deduplicate(ctx, dimension)
	if err != nil {
		return summary, err
	}
	r.publish(ctx, summary)
	return summary, nil
}

// RunAll executes the full pipeline: validate every entity type in
// dependency order, load dimensions then facts, consolidate dimensions,
// audit, and report table stats.
func (r *Runner) RunAll(ctx context.Context) (models.RunSummary, error) {
	run := models.RunSummary{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	log := logger.Log.WithField("run_id", run.RunID)
	log.Info("pipeline run started")

	validated, err := r.engine.ValidateAll(ctx)
	run.Stages = r.appendStages(ctx, run.Stages, validated)
	if err != nil {
		return run, err
	}

	loaded, err := r.loader.LoadAll(ctx)
	run.Stages = r.appendStages(ctx, run.Stages, loaded)
	if err != nil {
		return run, err
	}

	merged, err := r.dedup.DeduplicateAll(ctx)
	run.Stages = r.appendStages(ctx, run.Stages, merged)
	if err != nil {
		return run, err
	}

	audit, err := r.auditor.Run(ctx)
	if err != nil {
		return run, err
	}
	run.Audit = &audit

	stats, err := r.store.TableStats(ctx)
	if err != nil {
		return run, err
	}
	run.TableStats = stats
	run.FinishedAt = time.Now().UTC()

	metrics.ObserveRun(run)
	r.publishRun(ctx, run)

	log.WithFields(map[string]interface{}{
		"stages":      len(run.Stages),
		"table_stats": stats,
		"audit_clean": audit.Clean(),
		"duration":    run.FinishedAt.Sub(run.StartedAt).String(),
	}).Info("pipeline run finished")
	return run, nil
}

// StagingStatus reports per-entity-type staged row counts and recent
// errors, in dependency order.
func (r *Runner) StagingStatus(ctx context.Context) ([]models.StagingStatus, error) {
	var entityTypes []string
	for _, tier := range schema.ValidationOrder() {
		entityTypes = append(entityTypes, tier...)
	}
	return r.staged.StatusReport(ctx, entityTypes)
}

func (r *Runner) TableStats(ctx context.Context) (map[string]int64, error) {
	return r.store.TableStats(ctx)
}

func (r *Runner) appendStages(ctx context.Context, stages, more []models.StageSummary) []models.StageSummary {
	for _, s := range more {
		r.publish(ctx, s)
	}
	return append(stages, more...)
}

// publish posts a stage summary event. Publication is advisory: a
// failure is logged and swallowed.
func (r *Runner) publish(ctx context.Context, summary models.StageSummary) {
	if r.publisher == nil {
		return
	}
	data := map[string]interface{}{
		"entity_type": summary.EntityType,
		"processed":   summary.Processed,
		"validated":   summary.Validated,
		"errored":     summary.Errored,
		"loaded":      summary.Loaded,
		"merged":      summary.GroupsMerged,
	}
	if err := r.publisher.PublishEvent(ctx, summary.Stage, eventSource, data); err != nil {
		logger.Log.WithError(err).Warn("stage event publish failed")
	}
}

func (r *Runner) publishRun(ctx context.Context, run models.RunSummary) {
	if r.publisher == nil {
		return
	}
	data := map[string]interface{}{
		"run_id":      run.RunID,
		"stages":      len(run.Stages),
		"table_stats": run.TableStats,
	}
	if run.Audit != nil {
		data["audit_clean"] = run.Audit.Clean()
	}
	if err := r.publisher.PublishEvent(ctx, "run", eventSource, data); err != nil {
		logger.Log.WithError(err).Warn("run event publish failed")
	}
}
