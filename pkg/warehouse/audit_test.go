package warehouse

import (
	"context"
	"testing"
	"time"
)

func TestAuditCleanStore(t *testing.T) {
	env := newTestEnv(t)
	auditor := NewAuditor(env.db)

	seedPatient(t, env, 1, "P-001")
	seedEncounter(t, env, 1, 1, nil)

	report, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("expected clean report, got %+v", report)
	}
}

func TestAuditFindsTimelineViolations(t *testing.T) {
	env := newTestEnv(t)
	auditor := NewAuditor(env.db)
	ctx := context.Background()

	born := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	patient := DimPatient{Key: 1, IdentityKey: PatientIdentity("P-001"), SourceID: "P-001", Birthdate: &born}
	if err := env.db.Create(&patient).Error; err != nil {
		t.Fatalf("seeding patient: %v", err)
	}
	future := time.Now().UTC().AddDate(1, 0, 0)
	unborn := DimPatient{Key: 2, IdentityKey: PatientIdentity("P-002"), SourceID: "P-002", Birthdate: &future}
	if err := env.db.Create(&unborn).Error; err != nil {
		t.Fatalf("seeding patient: %v", err)
	}

	seedEncounter(t, env, 1, 1, nil)
	before := born.AddDate(-1, 0, 0)
	event := FactEvent{Key: 1, StagedID: 1, Category: "Diagnosis", PatientKey: 1, EncounterKey: 1, EventTime: &before}
	if err := env.db.Create(&event).Error; err != nil {
		t.Fatalf("seeding event: %v", err)
	}
	orphan := FactEvent{Key: 2, StagedID: 2, Category: "Diagnosis", PatientKey: 1, EncounterKey: 99}
	if err := env.db.Create(&orphan).Error; err != nil {
		t.Fatalf("seeding orphan event: %v", err)
	}

	report, err := auditor.Run(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Clean() {
		t.Fatal("expected findings")
	}
	if report.FutureBirthdates != 1 {
		t.Fatalf("expected 1 future birthdate, got %d", report.FutureBirthdates)
	}
	if report.EventsBeforeBirth != 1 {
		t.Fatalf("expected 1 event before birth, got %d", report.EventsBeforeBirth)
	}
	if report.OrphanedEncounterRefs != 1 {
		t.Fatalf("expected 1 orphaned encounter ref, got %d", report.OrphanedEncounterRefs)
	}
}
