package validation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/carelattice/warehouse/pkg/common/logger"
	"github.com/carelattice/warehouse/pkg/schema"
	"github.com/carelattice/warehouse/pkg/staging"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

type stubIndex struct {
	keys map[string]bool
}

func (s stubIndex) Exists(ctx context.Context, entityType, naturalKey string) (bool, error) {
	return s.keys[entityType+"/"+naturalKey], nil
}

func newTestEngine(t *testing.T, index ParentIndex) (*Engine, *staging.Repository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "validation.db")), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	repo := staging.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return NewEngine(schema.DefaultCatalog(), repo, index), repo
}

func stage(t *testing.T, repo *staging.Repository, entityType string, fields map[string]interface{}) uint {
	t.Helper()
	rec := staging.Record{EntityType: entityType, Fields: fields, SourceReference: "test"}
	if err := repo.Insert(context.Background(), &rec); err != nil {
		t.Fatalf("inserting staged row: %v", err)
	}
	return rec.ID
}

func fetch(t *testing.T, repo *staging.Repository, id uint) staging.Record {
	t.Helper()
	rec, err := repo.ByID(context.Background(), id)
	if err != nil {
		t.Fatalf("fetching row %d: %v", id, err)
	}
	return rec
}

func patientFields(id, birthdate string) map[string]interface{} {
	return map[string]interface{}{"id": id, "birthdate": birthdate}
}

func TestRequiredFieldRule(t *testing.T) {
	engine, repo := newTestEngine(t, stubIndex{})
	ctx := context.Background()
	id := stage(t, repo, "patient", map[string]interface{}{"id": "P-001"})

	summary, err := engine.ValidateAndPromote(ctx, "patient")
	if err != nil {
		t.Fatalf("validation pass: %v", err)
	}
	if summary.Errored != 1 || summary.Validated != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	rec := fetch(t, repo, id)
	if rec.Status != staging.StatusError {
		t.Fatalf("expected error status, got %q", rec.Status)
	}
	if !strings.Contains(rec.ErrorReason, "birthdate") {
		t.Fatalf("expected reason naming birthdate, got %q", rec.ErrorReason)
	}
}

func TestCoercionFailureFailsRow(t *testing.T) {
	engine, repo := newTestEngine(t, stubIndex{})
	id := stage(t, repo, "patient", patientFields("P-001", "yesterday"))

	if _, err := engine.ValidateAndPromote(context.Background(), "patient"); err != nil {
		t.Fatalf("validation pass: %v", err)
	}
	rec := fetch(t, repo, id)
	if rec.Status != staging.StatusError {
		t.Fatalf("expected error status, got %q", rec.Status)
	}
	if !strings.Contains(rec.ErrorReason, "invalid date") {
		t.Fatalf("expected coercion reason, got %q", rec.ErrorReason)
	}
}

func TestDuplicatePatientIDLowestArrivalWins(t *testing.T) {
	engine, repo := newTestEngine(t, stubIndex{})
	ctx := context.Background()
	first := stage(t, repo, "patient", patientFields("P-001", "1980-01-01"))
	second := stage(t, repo, "patient", patientFields("P-001", "1990-02-02"))

	summary, err := engine.ValidateAndPromote(ctx, "patient")
	if err != nil {
		t.Fatalf("validation pass: %v", err)
	}
	if summary.Validated != 1 || summary.Errored != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	if rec := fetch(t, repo, first); rec.Status != staging.StatusValidated {
		t.Fatalf("expected first arrival validated, got %q", rec.Status)
	}
	rec := fetch(t, repo, second)
	if rec.Status != staging.StatusError || rec.ErrorReason != ReasonDuplicateIdentity {
		t.Fatalf("expected later arrival rejected as duplicate, got %+v", rec)
	}
}

func TestDuplicateSSNRejected(t *testing.T) {
	engine, repo := newTestEngine(t, stubIndex{})
	fieldsA := patientFields("P-001", "1980-01-01")
	fieldsA["ssn"] = "999-10-0001"
	fieldsB := patientFields("P-002", "1985-05-05")
	fieldsB["ssn"] = "999-10-0001"
	stage(t, repo, "patient", fieldsA)
	second := stage(t, repo, "patient", fieldsB)

	if _, err := engine.ValidateAndPromote(context.Background(), "patient"); err != nil {
		t.Fatalf("validation pass: %v", err)
	}
	rec := fetch(t, repo, second)
	if rec.Status != staging.StatusError || rec.ErrorReason != ReasonDuplicateIdentity {
		t.Fatalf("expected SSN collision rejected, got %+v", rec)
	}
}

func TestUnresolvedParentReference(t *testing.T) {
	engine, repo := newTestEngine(t, stubIndex{})
	id := stage(t, repo, "encounter", map[string]interface{}{
		"id":             "E-001",
		"start_datetime": "2024-01-01 09:00:00",
		"patient_id":     "P-999",
	})

	if _, err := engine.ValidateAndPromote(context.Background(), "encounter"); err != nil {
		t.Fatalf("validation pass: %v", err)
	}
	rec := fetch(t, repo, id)
	if rec.Status != staging.StatusError || rec.ErrorReason != ReasonUnresolvedParent {
		t.Fatalf("expected unresolved parent, got %+v", rec)
	}
}

func TestParentResolvesViaProductionIndex(t *testing.T) {
	engine, repo := newTestEngine(t, stubIndex{keys: map[string]bool{"patient/P-001": true}})
	id := stage(t, repo, "encounter", map[string]interface{}{
		"id":             "E-001",
		"start_datetime": "2024-01-01 09:00:00",
		"patient_id":     "P-001",
	})

	if _, err := engine.ValidateAndPromote(context.Background(), "encounter"); err != nil {
		t.Fatalf("validation pass: %v", err)
	}
	if rec := fetch(t, repo, id); rec.Status != staging.StatusValidated {
		t.Fatalf("expected validated via production index, got %+v", rec)
	}
}

func TestValidateAllCascadesFailures(t *testing.T) {
	engine, repo := newTestEngine(t, stubIndex{})
	ctx := context.Background()

	stage(t, repo, "patient", patientFields("P-001", "1980-01-01"))
	goodEnc := stage(t, repo, "encounter", map[string]interface{}{
		"id":             "E-GOOD",
		"start_datetime": "2024-01-01 09:00:00",
		"patient_id":     "P-001",
	})
	badEnc := stage(t, repo, "encounter", map[string]interface{}{
		"id":             "E-BAD",
		"start_datetime": "2024-01-01 09:00:00",
		"patient_id":     "P-999",
	})
	goodCond := stage(t, repo, "condition", map[string]interface{}{
		"start_date":   "2024-01-01",
		"patient_id":   "P-001",
		"encounter_id": "E-GOOD",
	})
	orphanCond := stage(t, repo, "condition", map[string]interface{}{
		"start_date":   "2024-01-01",
		"patient_id":   "P-001",
		"encounter_id": "E-BAD",
	})

	if _, err := engine.ValidateAll(ctx); err != nil {
		t.Fatalf("full pass: %v", err)
	}

	if rec := fetch(t, repo, goodEnc); rec.Status != staging.StatusValidated {
		t.Fatalf("expected E-GOOD validated, got %q", rec.Status)
	}
	if rec := fetch(t, repo, badEnc); rec.Status != staging.StatusError {
		t.Fatalf("expected E-BAD errored, got %q", rec.Status)
	}
	if rec := fetch(t, repo, goodCond); rec.Status != staging.StatusValidated {
		t.Fatalf("expected condition on E-GOOD validated, got %q", rec.Status)
	}
	rec := fetch(t, repo, orphanCond)
	if rec.Status != staging.StatusError || rec.ErrorReason != ReasonUnresolvedParent {
		t.Fatalf("expected cascading rejection, got %+v", rec)
	}
}

func TestRerunIsNoOpOutsidePending(t *testing.T) {
	engine, repo := newTestEngine(t, stubIndex{})
	ctx := context.Background()
	stage(t, repo, "patient", patientFields("P-001", "1980-01-01"))
	stage(t, repo, "patient", patientFields("P-001", "1990-02-02"))

	if _, err := engine.ValidateAndPromote(ctx, "patient"); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	summary, err := engine.ValidateAndPromote(ctx, "patient")
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if summary.Processed != 0 {
		t.Fatalf("expected empty second pass, processed %d", summary.Processed)
	}
}
