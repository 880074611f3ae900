package schema

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalogCoversValidationOrder(t *testing.T) {
	cat := DefaultCatalog()
	seen := make(map[string]bool)
	for _, tier := range ValidationOrder() {
		for _, name := range tier {
			ent, ok := cat.Lookup(name)
			if !ok {
				t.Fatalf("entity %q missing from default catalog", name)
			}
			if ent.Name != name {
				t.Fatalf("entity %q has mismatched name %q", name, ent.Name)
			}
			seen[name] = true
		}
	}
	for name := range cat.Entities {
		if !seen[name] {
			t.Fatalf("entity %q is not in any validation tier", name)
		}
	}
}

func TestParentsResolveToEarlierTiers(t *testing.T) {
	cat := DefaultCatalog()
	tierOf := make(map[string]int)
	for i, tier := range ValidationOrder() {
		for _, name := range tier {
			tierOf[name] = i
		}
	}
	for name, ent := range cat.Entities {
		for _, ref := range ent.Parents {
			parentTier, ok := tierOf[ref.Entity]
			if !ok {
				t.Fatalf("%s references unknown parent %q", name, ref.Entity)
			}
			if parentTier >= tierOf[name] {
				t.Fatalf("%s references parent %q in the same or later tier", name, ref.Entity)
			}
		}
	}
}

func TestRequiredParentFieldsAreRequiredFields(t *testing.T) {
	cat := DefaultCatalog()
	for name, ent := range cat.Entities {
		for _, ref := range ent.Parents {
			f, ok := ent.Field(ref.Field)
			if !ok {
				t.Fatalf("%s parent field %q not declared", name, ref.Field)
			}
			if ref.Required && !f.Required {
				t.Fatalf("%s required parent field %q is not a required field", name, ref.Field)
			}
		}
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := []byte(`entities:
  patient:
    key_field: id
    fields:
      - name: id
        kind: string
        required: true
      - name: birthdate
        kind: date
        required: true
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("writing catalog: %v", err)
	}

	cat, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ent, ok := cat.Lookup("patient")
	if !ok {
		t.Fatal("patient entity missing")
	}
	if ent.Name != "patient" {
		t.Fatalf("expected name defaulted from map key, got %q", ent.Name)
	}
	if ent.KeyField != "id" || len(ent.Fields) != 2 {
		t.Fatalf("unexpected entity: %+v", ent)
	}
}

func TestLoadEmptyPathYieldsDefault(t *testing.T) {
	cat, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := cat.Lookup("encounter"); !ok {
		t.Fatal("expected built-in catalog")
	}
}
