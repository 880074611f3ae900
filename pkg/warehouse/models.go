package warehouse

import (
	"strings"
	"time"
)

// Dimension rows carry an engine-assigned surrogate key plus an
// identity_key column holding the normalized natural identity. The
// unique index on identity_key is the serialization point for key
// minting: at most one live row may exist per natural identity.

type DimPatient struct {
	Key         uint       `json:"patient_key" gorm:"primaryKey;autoIncrement;column:patient_key"`
	IdentityKey string     `json:"identity_key" gorm:"column:identity_key;uniqueIndex"`
	SourceID    string     `json:"source_id" gorm:"column:source_id;index"`
	FullName    string     `json:"full_name" gorm:"column:full_name"`
	Gender      string     `json:"gender" gorm:"column:gender"`
	Birthdate   *time.Time `json:"birthdate,omitempty" gorm:"column:birthdate"`
	City        string     `json:"city" gorm:"column:city"`
	State       string     `json:"state" gorm:"column:state"`
	Zip         string     `json:"zip" gorm:"column:zip"`
	CreatedAt   time.Time  `json:"created_at" gorm:"column:created_at"`
}

func (DimPatient) TableName() string { return "dim_patient" }

type DimOrganization struct {
	Key         uint      `json:"org_key" gorm:"primaryKey;autoIncrement;column:org_key"`
	IdentityKey string    `json:"identity_key" gorm:"column:identity_key;uniqueIndex"`
	SourceID    string    `json:"source_id" gorm:"column:source_id;index"`
	Name        string    `json:"name" gorm:"column:name"`
	City        string    `json:"city" gorm:"column:city"`
	State       string    `json:"state" gorm:"column:state"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at"`
}

func (DimOrganization) TableName() string { return "dim_organization" }

type DimProvider struct {
	Key         uint      `json:"provider_key" gorm:"primaryKey;autoIncrement;column:provider_key"`
	IdentityKey string    `json:"identity_key" gorm:"column:identity_key;uniqueIndex"`
	SourceID    string    `json:"source_id" gorm:"column:source_id;index"`
	Name        string    `json:"name" gorm:"column:name"`
	Specialty   string    `json:"specialty" gorm:"column:specialty"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at"`
}

func (DimProvider) TableName() string { return "dim_provider" }

type DimPayer struct {
	Key         uint      `json:"payer_key" gorm:"primaryKey;autoIncrement;column:payer_key"`
	IdentityKey string    `json:"identity_key" gorm:"column:identity_key;uniqueIndex"`
	SourceID    string    `json:"source_id" gorm:"column:source_id;index"`
	Name        string    `json:"name" gorm:"column:name"`
	CreatedAt   time.Time `json:"created_at" gorm:"column:created_at"`
}

func (DimPayer) TableName() string { return "dim_payer" }

// DimDate is keyed by the calendar day (yyyymmdd), derived rather than
// minted, and populated reactively from event timestamps.
type DimDate struct {
	Key       int       `json:"date_key" gorm:"primaryKey;column:date_key"`
	Date      time.Time `json:"date" gorm:"column:date"`
	Year      int       `json:"year" gorm:"column:year"`
	Month     int       `json:"month" gorm:"column:month"`
	MonthName string    `json:"month_name" gorm:"column:month_name"`
	Quarter   int       `json:"quarter" gorm:"column:quarter"`
	DayOfWeek string    `json:"day_of_week" gorm:"column:day_of_week"`
	Weekend   bool      `json:"weekend" gorm:"column:weekend"`
}

func (DimDate) TableName() string { return "dim_date" }

// FactEncounter keeps the encounter's natural id alongside its surrogate
// key so event facts can resolve their encounter without a second
// addressing scheme leaking into staging.
type FactEncounter struct {
	Key               uint       `json:"encounter_key" gorm:"primaryKey;autoIncrement;column:encounter_key"`
	StagedID          uint       `json:"staged_id" gorm:"column:staged_id;index"`
	EncounterID       string     `json:"encounter_id" gorm:"column:encounter_id;uniqueIndex"`
	PatientKey        uint       `json:"patient_key" gorm:"column:patient_key;index"`
	OrgKey            *uint      `json:"org_key,omitempty" gorm:"column:org_key;index"`
	ProviderKey       *uint      `json:"provider_key,omitempty" gorm:"column:provider_key;index"`
	PayerKey          *uint      `json:"payer_key,omitempty" gorm:"column:payer_key;index"`
	DateKey           *int       `json:"date_key,omitempty" gorm:"column:date_key"`
	StartTime         *time.Time `json:"start_time,omitempty" gorm:"column:start_time"`
	StopTime          *time.Time `json:"stop_time,omitempty" gorm:"column:stop_time"`
	DurationMinutes   *float64   `json:"duration_minutes,omitempty" gorm:"column:duration_minutes"`
	EncounterClass    string     `json:"encounter_class" gorm:"column:encounter_class"`
	Code              string     `json:"code" gorm:"column:code"`
	Description       string     `json:"description" gorm:"column:description"`
	BaseCost          float64    `json:"base_cost" gorm:"column:base_cost"`
	TotalClaimCost    float64    `json:"total_claim_cost" gorm:"column:total_claim_cost"`
	PayerCoverage     float64    `json:"payer_coverage" gorm:"column:payer_coverage"`
	ReasonDescription string     `json:"reason_description" gorm:"column:reason_description"`
	CreatedAt         time.Time  `json:"created_at" gorm:"column:created_at"`
}

func (FactEncounter) TableName() string { return "fact_encounters" }

// FactEvent is one per-event-category row (diagnosis, medication,
// observation, allergy, procedure, immunization). staged_id links back
// to the staging row and makes re-loads idempotent.
type FactEvent struct {
	Key          uint       `json:"event_key" gorm:"primaryKey;autoIncrement;column:event_key"`
	StagedID     uint       `json:"staged_id" gorm:"column:staged_id;uniqueIndex"`
	Category     string     `json:"category" gorm:"column:category;index"`
	PatientKey   uint       `json:"patient_key" gorm:"column:patient_key;index"`
	EncounterKey uint       `json:"encounter_key" gorm:"column:encounter_key;index"`
	DateKey      *int       `json:"date_key,omitempty" gorm:"column:date_key"`
	EventTime    *time.Time `json:"event_time,omitempty" gorm:"column:event_time"`
	Code         string     `json:"code" gorm:"column:code"`
	Description  string     `json:"description" gorm:"column:description"`
	Value        *float64   `json:"value,omitempty" gorm:"column:value"`
	ValueText    string     `json:"value_text,omitempty" gorm:"column:value_text"`
	Units        string     `json:"units" gorm:"column:units"`
	Cost         *float64   `json:"cost,omitempty" gorm:"column:cost"`
	CreatedAt    time.Time  `json:"created_at" gorm:"column:created_at"`
}

func (FactEvent) TableName() string { return "fact_events" }

// DimAlias maps one staged natural id to the dimension row carrying its
// identity. When identity reuse folds a second natural id into an
// existing row, the alias keeps that id resolvable; deduplication
// repoints aliases before deleting non-canonical rows.
type DimAlias struct {
	ID         uint   `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	EntityType string `json:"entity_type" gorm:"column:entity_type;uniqueIndex:idx_dim_alias_natural,priority:1"`
	SourceID   string `json:"source_id" gorm:"column:source_id;uniqueIndex:idx_dim_alias_natural,priority:2"`
	DimKey     uint   `json:"dim_key" gorm:"column:dim_key;index"`
}

func (DimAlias) TableName() string { return "dim_source_aliases" }

// Natural identity normalization. Two dimension rows are "the same"
// exactly when these agree.

func PatientIdentity(sourceID string) string {
	return strings.ToLower(strings.TrimSpace(sourceID))
}

func OrganizationIdentity(name, city, state string) string {
	return normalizeTuple(name, city, state)
}

func ProviderIdentity(name, specialty string) string {
	return normalizeTuple(name, specialty)
}

func PayerIdentity(name string) string {
	return normalizeTuple(name)
}

func normalizeTuple(parts ...string) string {
	normalized := make([]string, len(parts))
	for i, p := range parts {
		normalized[i] = strings.ToLower(strings.Join(strings.Fields(p), " "))
	}
	return strings.Join(normalized, "|")
}

// DateKeyFor derives the calendar-day key (yyyymmdd) for a timestamp.
func DateKeyFor(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}
