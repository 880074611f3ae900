package warehouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func uintPtr(v uint) *uint { return &v }

// dropIdentityIndex removes a dimension's unique identity index so a
// test can seed the duplicate rows the consolidation pass exists to
// repair (legacy data minted before the index was introduced).
func dropIdentityIndex(t *testing.T, env *testEnv, table string) {
	t.Helper()
	if err := env.db.Exec(fmt.Sprintf("DROP INDEX IF EXISTS idx_%s_identity_key", table)).Error; err != nil {
		t.Fatalf("dropping identity index on %s: %v", table, err)
	}
}

func seedOrg(t *testing.T, env *testEnv, key uint, name string) {
	t.Helper()
	row := DimOrganization{Key: key, IdentityKey: OrganizationIdentity(name, "Boston", "MA"), SourceID: fmt.Sprintf("ORG-%d", key), Name: name}
	if err := env.db.Create(&row).Error; err != nil {
		t.Fatalf("seeding org %d: %v", key, err)
	}
}

func seedPatient(t *testing.T, env *testEnv, key uint, sourceID string) {
	t.Helper()
	row := DimPatient{Key: key, IdentityKey: PatientIdentity(sourceID), SourceID: sourceID}
	if err := env.db.Create(&row).Error; err != nil {
		t.Fatalf("seeding patient %d: %v", key, err)
	}
}

func seedEncounter(t *testing.T, env *testEnv, key uint, patientKey uint, orgKey *uint) {
	t.Helper()
	row := FactEncounter{Key: key, StagedID: key, EncounterID: fmt.Sprintf("E-%d", key), PatientKey: patientKey, OrgKey: orgKey}
	if err := env.db.Create(&row).Error; err != nil {
		t.Fatalf("seeding encounter %d: %v", key, err)
	}
}

func TestDeduplicateKeepsLowestSurrogateKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dedup := NewDeduplicator(env.db, NewKeyCache(nil, 0))

	seedPatient(t, env, 1, "P-001")
	dropIdentityIndex(t, env, "dim_organization")
	seedOrg(t, env, 3, "General Hospital")
	seedOrg(t, env, 7, "General Hospital")
	seedOrg(t, env, 9, "Community Clinic")

	seedEncounter(t, env, 1, 1, uintPtr(7))
	seedEncounter(t, env, 2, 1, uintPtr(3))
	seedEncounter(t, env, 3, 1, uintPtr(9))

	summary, err := dedup.Deduplicate(ctx, "organization")
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	if summary.GroupsMerged != 1 || summary.RowsRewritten != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	var orgs []DimOrganization
	if err := env.db.Order("org_key").Find(&orgs).Error; err != nil {
		t.Fatalf("fetching orgs: %v", err)
	}
	if len(orgs) != 2 || orgs[0].Key != 3 || orgs[1].Key != 9 {
		t.Fatalf("expected survivors 3 and 9, got %+v", orgs)
	}

	var rewritten FactEncounter
	if err := env.db.First(&rewritten, 1).Error; err != nil {
		t.Fatalf("fetching encounter: %v", err)
	}
	if rewritten.OrgKey == nil || *rewritten.OrgKey != 3 {
		t.Fatalf("expected org key rewritten to 3, got %v", rewritten.OrgKey)
	}

	// A consolidated table yields an empty second pass.
	summary, err = dedup.Deduplicate(ctx, "organization")
	if err != nil {
		t.Fatalf("second dedup: %v", err)
	}
	if summary.GroupsMerged != 0 || summary.RowsRewritten != 0 {
		t.Fatalf("dedup must be idempotent: %+v", summary)
	}
}

func TestDeduplicatePatientRewritesBothFactTables(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dedup := NewDeduplicator(env.db, NewKeyCache(nil, 0))

	dropIdentityIndex(t, env, "dim_patient")
	seedPatient(t, env, 2, "p-dup")
	seedPatient(t, env, 5, "p-dup")

	seedEncounter(t, env, 1, 5, nil)
	event := FactEvent{Key: 1, StagedID: 10, Category: "Diagnosis", PatientKey: 5, EncounterKey: 1}
	if err := env.db.Create(&event).Error; err != nil {
		t.Fatalf("seeding event: %v", err)
	}

	summary, err := dedup.Deduplicate(ctx, "patient")
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	if summary.GroupsMerged != 1 || summary.RowsRewritten != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	var enc FactEncounter
	if err := env.db.First(&enc, 1).Error; err != nil {
		t.Fatalf("fetching encounter: %v", err)
	}
	if enc.PatientKey != 2 {
		t.Fatalf("expected encounter patient key 2, got %d", enc.PatientKey)
	}
	var ev FactEvent
	if err := env.db.First(&ev, 1).Error; err != nil {
		t.Fatalf("fetching event: %v", err)
	}
	if ev.PatientKey != 2 {
		t.Fatalf("expected event patient key 2, got %d", ev.PatientKey)
	}
}

func TestDeduplicateRepointsSourceAliases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dedup := NewDeduplicator(env.db, NewKeyCache(nil, 0))

	seedPatient(t, env, 1, "P-001")
	dropIdentityIndex(t, env, "dim_organization")
	seedOrg(t, env, 3, "General Hospital")
	seedOrg(t, env, 7, "General Hospital")
	for _, a := range []DimAlias{
		{EntityType: "organization", SourceID: "ORG-3", DimKey: 3},
		{EntityType: "organization", SourceID: "ORG-7", DimKey: 7},
	} {
		if err := env.db.Create(&a).Error; err != nil {
			t.Fatalf("seeding alias %s: %v", a.SourceID, err)
		}
	}
	seedEncounter(t, env, 1, 1, uintPtr(7))

	if _, err := dedup.Deduplicate(ctx, "organization"); err != nil {
		t.Fatalf("dedup: %v", err)
	}

	// The deleted row's id must keep resolving, now to the survivor.
	for _, id := range []string{"ORG-3", "ORG-7"} {
		key, found, err := env.store.DimensionKeyBySource(ctx, "organization", id)
		if err != nil {
			t.Fatalf("resolving %s: %v", id, err)
		}
		if !found || key != 3 {
			t.Fatalf("%s: expected canonical key 3, got found=%v key=%d", id, found, key)
		}
	}
}

func TestConsolidationConflictHaltsDedup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dedup := NewDeduplicator(env.db, NewKeyCache(nil, 0))

	seedOrg(t, env, 3, "General Hospital")
	seedPatient(t, env, 1, "P-001")
	seedEncounter(t, env, 1, 1, uintPtr(42))

	_, err := dedup.Deduplicate(ctx, "organization")
	var conflict *ConsolidationConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected consolidation conflict, got %v", err)
	}
	if conflict.Orphans != 1 || conflict.FactTable != "fact_encounters" {
		t.Fatalf("unexpected conflict detail: %+v", conflict)
	}

	// Nothing was rewritten or deleted.
	var count int64
	env.db.Model(&DimOrganization{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected dim untouched, got %d rows", count)
	}
}

func TestDeduplicateUnknownDimension(t *testing.T) {
	env := newTestEnv(t)
	dedup := NewDeduplicator(env.db, NewKeyCache(nil, 0))
	if _, err := dedup.Deduplicate(context.Background(), "encounter"); err == nil {
		t.Fatal("expected error for non-dimension type")
	}
}
