package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind is the semantic type a staged field coerces to.
type Kind string

const (
	KindString    Kind = "string"
	KindDate      Kind = "date"
	KindTimestamp Kind = "timestamp"
	KindDecimal   Kind = "decimal"
	KindInteger   Kind = "integer"
)

type Field struct {
	Name     string `yaml:"name" json:"name"`
	Kind     Kind   `yaml:"kind" json:"kind"`
	Required bool   `yaml:"required" json:"required"`
	MaxLen   int    `yaml:"max_len,omitempty" json:"max_len,omitempty"`
}

// ParentRef declares that a staged field holds the natural key of a
// parent entity. Required refs fail the required-field rule when empty;
// optional refs only fail the referential rule when present but
// unresolvable.
type ParentRef struct {
	Field    string `yaml:"field" json:"field"`
	Entity   string `yaml:"entity" json:"entity"`
	Required bool   `yaml:"required" json:"required"`
}

type Entity struct {
	Name string `yaml:"name" json:"name"`
	// KeyField names the natural key other entities reference. The
	// uniqueness rule only runs where EnforceUnique is set; elsewhere
	// colliding keys are left to the loader's idempotent upserts.
	KeyField      string      `yaml:"key_field,omitempty" json:"key_field,omitempty"`
	EnforceUnique bool        `yaml:"enforce_unique,omitempty" json:"enforce_unique,omitempty"`
	SecondaryKey  string      `yaml:"secondary_key,omitempty" json:"secondary_key,omitempty"`
	DateField     string      `yaml:"date_field,omitempty" json:"date_field,omitempty"`
	EventCategory string      `yaml:"event_category,omitempty" json:"event_category,omitempty"`
	Fields        []Field     `yaml:"fields" json:"fields"`
	Parents       []ParentRef `yaml:"parents,omitempty" json:"parents,omitempty"`
}

func (e Entity) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

type Catalog struct {
	Entities map[string]Entity `yaml:"entities" json:"entities"`
}

func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Entities) == 0 {
		return Catalog{}, fmt.Errorf("schema catalog empty")
	}
	for name, ent := range cat.Entities {
		if ent.Name == "" {
			ent.Name = name
			cat.Entities[name] = ent
		}
	}
	return cat, nil
}

func (c Catalog) Lookup(name string) (Entity, bool) {
	if c.Entities == nil {
		return Entity{}, false
	}
	ent, ok := c.Entities[strings.ToLower(strings.TrimSpace(name))]
	return ent, ok
}

// ValidationOrder returns entity types grouped in dependency tiers:
// every tier only references parents in earlier tiers. Types within a
// tier are independent and may be processed concurrently.
func ValidationOrder() [][]string {
	return [][]string{
		{"patient", "organization", "provider", "payer"},
		{"encounter"},
		{"condition", "medication", "observation", "allergy", "procedure", "immunization"},
	}
}

// DimensionTypes lists the dimension types subject to deduplication.
func DimensionTypes() []string {
	return []string{"patient", "organization", "provider", "payer"}
}

func DefaultCatalog() Catalog {
	childParents := []ParentRef{
		{Field: "patient_id", Entity: "patient", Required: true},
		{Field: "encounter_id", Entity: "encounter", Required: true},
	}

	return Catalog{Entities: map[string]Entity{
		"patient": {
			Name:          "patient",
			KeyField:      "id",
			EnforceUnique: true,
			SecondaryKey:  "ssn",
			DateField:     "birthdate",
			Fields: []Field{
				{Name: "id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "birthdate", Kind: KindDate, Required: true},
				{Name: "ssn", Kind: KindString, MaxLen: 16},
				{Name: "first_name", Kind: KindString, MaxLen: 100},
				{Name: "last_name", Kind: KindString, MaxLen: 100},
				{Name: "gender", Kind: KindString, MaxLen: 1},
				{Name: "race", Kind: KindString, MaxLen: 40},
				{Name: "ethnicity", Kind: KindString, MaxLen: 40},
				{Name: "address", Kind: KindString, MaxLen: 200},
				{Name: "city", Kind: KindString, MaxLen: 100},
				{Name: "state", Kind: KindString, MaxLen: 40},
				{Name: "zip", Kind: KindString, MaxLen: 10},
			},
		},
		"organization": {
			Name:     "organization",
			KeyField: "id",
			Fields: []Field{
				{Name: "id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "name", Kind: KindString, Required: true, MaxLen: 200},
				{Name: "city", Kind: KindString, MaxLen: 100},
				{Name: "state", Kind: KindString, MaxLen: 40},
			},
		},
		"provider": {
			Name:     "provider",
			KeyField: "id",
			Fields: []Field{
				{Name: "id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "name", Kind: KindString, Required: true, MaxLen: 200},
				{Name: "specialty", Kind: KindString, MaxLen: 100},
			},
		},
		"payer": {
			Name:     "payer",
			KeyField: "id",
			Fields: []Field{
				{Name: "id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "name", Kind: KindString, Required: true, MaxLen: 200},
			},
		},
		"encounter": {
			Name:      "encounter",
			KeyField:  "id",
			DateField: "start_datetime",
			Fields: []Field{
				{Name: "id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "start_datetime", Kind: KindTimestamp, Required: true},
				{Name: "stop_datetime", Kind: KindTimestamp},
				{Name: "patient_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "organization_id", Kind: KindString, MaxLen: 64},
				{Name: "provider_id", Kind: KindString, MaxLen: 64},
				{Name: "payer_id", Kind: KindString, MaxLen: 64},
				{Name: "encounter_class", Kind: KindString, MaxLen: 40},
				{Name: "code", Kind: KindInteger},
				{Name: "description", Kind: KindString, MaxLen: 500},
				{Name: "base_encounter_cost", Kind: KindDecimal},
				{Name: "total_claim_cost", Kind: KindDecimal},
				{Name: "payer_coverage", Kind: KindDecimal},
				{Name: "reason_description", Kind: KindString, MaxLen: 500},
			},
			Parents: []ParentRef{
				{Field: "patient_id", Entity: "patient", Required: true},
				{Field: "organization_id", Entity: "organization"},
				{Field: "provider_id", Entity: "provider"},
				{Field: "payer_id", Entity: "payer"},
			},
		},
		"condition": {
			Name:          "condition",
			DateField:     "start_date",
			EventCategory: "Diagnosis",
			Fields: []Field{
				{Name: "start_date", Kind: KindDate, Required: true},
				{Name: "stop_date", Kind: KindDate},
				{Name: "patient_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "encounter_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "code", Kind: KindInteger},
				{Name: "description", Kind: KindString, MaxLen: 500},
			},
			Parents: childParents,
		},
		"medication": {
			Name:          "medication",
			DateField:     "start_datetime",
			EventCategory: "Medication",
			Fields: []Field{
				{Name: "start_datetime", Kind: KindTimestamp, Required: true},
				{Name: "stop_datetime", Kind: KindTimestamp},
				{Name: "patient_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "encounter_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "code", Kind: KindInteger},
				{Name: "description", Kind: KindString, MaxLen: 500},
				{Name: "base_cost", Kind: KindDecimal},
				{Name: "payer_coverage", Kind: KindDecimal},
				{Name: "total_cost", Kind: KindDecimal},
				{Name: "reason_description", Kind: KindString, MaxLen: 500},
			},
			Parents: childParents,
		},
		"observation": {
			Name:          "observation",
			DateField:     "date_recorded",
			EventCategory: "Observation",
			Fields: []Field{
				{Name: "date_recorded", Kind: KindTimestamp, Required: true},
				{Name: "patient_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "encounter_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "code", Kind: KindString, MaxLen: 40},
				{Name: "description", Kind: KindString, MaxLen: 500},
				{Name: "value", Kind: KindString, MaxLen: 200},
				{Name: "units", Kind: KindString, MaxLen: 40},
				{Name: "type", Kind: KindString, MaxLen: 40},
			},
			Parents: childParents,
		},
		"allergy": {
			Name:          "allergy",
			DateField:     "start_date",
			EventCategory: "Allergy",
			Fields: []Field{
				{Name: "start_date", Kind: KindDate, Required: true},
				{Name: "stop_date", Kind: KindDate},
				{Name: "patient_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "encounter_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "code", Kind: KindInteger},
				{Name: "description", Kind: KindString, MaxLen: 500},
			},
			Parents: childParents,
		},
		"procedure": {
			Name:          "procedure",
			DateField:     "date_performed",
			EventCategory: "Procedure",
			Fields: []Field{
				{Name: "date_performed", Kind: KindTimestamp, Required: true},
				{Name: "patient_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "encounter_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "code", Kind: KindInteger},
				{Name: "description", Kind: KindString, MaxLen: 500},
				{Name: "base_cost", Kind: KindDecimal},
				{Name: "reason_description", Kind: KindString, MaxLen: 500},
			},
			Parents: childParents,
		},
		"immunization": {
			Name:          "immunization",
			DateField:     "date_administered",
			EventCategory: "Immunization",
			Fields: []Field{
				{Name: "date_administered", Kind: KindTimestamp, Required: true},
				{Name: "patient_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "encounter_id", Kind: KindString, Required: true, MaxLen: 64},
				{Name: "code", Kind: KindInteger},
				{Name: "description", Kind: KindString, MaxLen: 500},
				{Name: "base_cost", Kind: KindDecimal},
			},
			Parents: childParents,
		},
	}}
}
