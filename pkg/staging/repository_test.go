package staging

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "staging.db")), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	repo := NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return repo
}

func stage(t *testing.T, repo *Repository, entityType string, fields map[string]interface{}) uint {
	t.Helper()
	rec := Record{EntityType: entityType, Fields: fields, SourceReference: "test"}
	if err := repo.Insert(context.Background(), &rec); err != nil {
		t.Fatalf("inserting staged row: %v", err)
	}
	return rec.ID
}

func TestInsertDefaultsToPending(t *testing.T) {
	repo := newTestRepo(t)
	id := stage(t, repo, "patient", map[string]interface{}{"id": "P-001"})

	pending, err := repo.PendingByType(context.Background(), "patient")
	if err != nil {
		t.Fatalf("fetching pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].Status != StatusPending {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}

func TestPendingByTypeReturnsArrivalOrder(t *testing.T) {
	repo := newTestRepo(t)
	first := stage(t, repo, "patient", map[string]interface{}{"id": "P-001"})
	second := stage(t, repo, "patient", map[string]interface{}{"id": "P-002"})
	stage(t, repo, "encounter", map[string]interface{}{"id": "E-001"})

	pending, err := repo.PendingByType(context.Background(), "patient")
	if err != nil {
		t.Fatalf("fetching pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 patient rows, got %d", len(pending))
	}
	if pending[0].ID != first || pending[1].ID != second {
		t.Fatalf("expected arrival order %d, %d; got %d, %d", first, second, pending[0].ID, pending[1].ID)
	}
}

func TestMarkValidatedOnlyTouchesPending(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := stage(t, repo, "patient", map[string]interface{}{"id": "P-001"})

	if err := repo.MarkError(ctx, id, "duplicate identity"); err != nil {
		t.Fatalf("marking error: %v", err)
	}
	if err := repo.MarkValidated(ctx, []uint{id}); err != nil {
		t.Fatalf("marking validated: %v", err)
	}

	var rec Record
	if err := repo.db.First(&rec, id).Error; err != nil {
		t.Fatalf("fetching row: %v", err)
	}
	if rec.Status != StatusError || rec.ErrorReason != "duplicate identity" {
		t.Fatalf("terminal row was mutated: %+v", rec)
	}
}

func TestMarkErrorIsRecordedOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	id := stage(t, repo, "patient", map[string]interface{}{"id": "P-001"})

	if err := repo.MarkError(ctx, id, "first reason"); err != nil {
		t.Fatalf("marking error: %v", err)
	}
	if err := repo.MarkError(ctx, id, "second reason"); err != nil {
		t.Fatalf("re-marking error: %v", err)
	}

	var rec Record
	if err := repo.db.First(&rec, id).Error; err != nil {
		t.Fatalf("fetching row: %v", err)
	}
	if rec.ErrorReason != "first reason" {
		t.Fatalf("expected first reason to stick, got %q", rec.ErrorReason)
	}
	if rec.ProcessedAt == nil {
		t.Fatal("expected processed_at to be set")
	}
}

func TestMarkErrorPostHocRegressesValidatedOnly(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	validated := stage(t, repo, "encounter", map[string]interface{}{"id": "E-001"})
	pending := stage(t, repo, "encounter", map[string]interface{}{"id": "E-002"})

	if err := repo.MarkValidated(ctx, []uint{validated}); err != nil {
		t.Fatalf("marking validated: %v", err)
	}

	if err := repo.MarkErrorPostHoc(ctx, validated, "storage rejection: constraint"); err != nil {
		t.Fatalf("post-hoc error: %v", err)
	}
	if err := repo.MarkErrorPostHoc(ctx, pending, "storage rejection: constraint"); err != nil {
		t.Fatalf("post-hoc error on pending: %v", err)
	}

	// Each fetch gets a fresh destination: gorm folds a populated
	// primary key on the destination struct into the query conditions.
	var regressed Record
	if err := repo.db.First(&regressed, validated).Error; err != nil {
		t.Fatalf("fetching row: %v", err)
	}
	if regressed.Status != StatusError {
		t.Fatalf("expected validated row regressed to error, got %q", regressed.Status)
	}

	var untouched Record
	if err := repo.db.First(&untouched, pending).Error; err != nil {
		t.Fatalf("fetching row: %v", err)
	}
	if untouched.Status != StatusPending {
		t.Fatalf("pending row must not be touched post hoc, got %q", untouched.Status)
	}
}

func TestValidatedKeySet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	a := stage(t, repo, "patient", map[string]interface{}{"id": "P-001"})
	stage(t, repo, "patient", map[string]interface{}{"id": "P-002"})

	if err := repo.MarkValidated(ctx, []uint{a}); err != nil {
		t.Fatalf("marking validated: %v", err)
	}

	keys, err := repo.ValidatedKeySet(ctx, "patient", "id")
	if err != nil {
		t.Fatalf("key set: %v", err)
	}
	if _, ok := keys["P-001"]; !ok {
		t.Fatal("expected P-001 in validated key set")
	}
	if _, ok := keys["P-002"]; ok {
		t.Fatal("pending P-002 must not be in validated key set")
	}
}

func TestStatusReport(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	ok := stage(t, repo, "patient", map[string]interface{}{"id": "P-001"})
	bad := stage(t, repo, "patient", map[string]interface{}{"id": "P-002"})

	if err := repo.MarkValidated(ctx, []uint{ok}); err != nil {
		t.Fatalf("marking validated: %v", err)
	}
	if err := repo.MarkError(ctx, bad, "missing required field: birthdate"); err != nil {
		t.Fatalf("marking error: %v", err)
	}

	report, err := repo.StatusReport(ctx, []string{"patient"})
	if err != nil {
		t.Fatalf("status report: %v", err)
	}
	if len(report) != 1 {
		t.Fatalf("expected one entry, got %d", len(report))
	}
	entry := report[0]
	if entry.Counts[StatusValidated] != 1 || entry.Counts[StatusError] != 1 {
		t.Fatalf("unexpected counts: %+v", entry.Counts)
	}
	if len(entry.Errors) != 1 || entry.Errors[0].ErrorReason != "missing required field: birthdate" {
		t.Fatalf("unexpected error samples: %+v", entry.Errors)
	}
}
