package models

import "time"

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // validate, load, dedup, audit, run
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// StageSummary reports the outcome of one pipeline stage over one entity
// or dimension type. Counts are advisory; correctness is carried by the
// persisted row statuses.
type StageSummary struct {
	Stage         string        `json:"stage"` // validate, load, dedup
	EntityType    string        `json:"entity_type"`
	Processed     int           `json:"processed"`
	Validated     int           `json:"validated,omitempty"`
	Errored       int           `json:"errored,omitempty"`
	Loaded        int           `json:"loaded,omitempty"`
	GroupsMerged  int           `json:"groups_merged,omitempty"`
	RowsRewritten int           `json:"rows_rewritten,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// RunSummary aggregates the per-stage summaries of one full pipeline run.
type RunSummary struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Stages     []StageSummary   `json:"stages"`
	TableStats map[string]int64 `json:"table_stats,omitempty"`
	Audit      *IntegrityReport `json:"audit,omitempty"`
}

// StagingStatus is the per-entity-type breakdown of staged row statuses,
// with a few recent error samples for operator inspection.
type StagingStatus struct {
	EntityType string           `json:"entity_type"`
	Counts     map[string]int64 `json:"counts"` // status -> count
	Errors     []StagedError    `json:"errors,omitempty"`
}

type StagedError struct {
	ID              uint   `json:"id"`
	ErrorReason     string `json:"error_reason"`
	SourceReference string `json:"source_reference"`
}

// IntegrityReport carries post-load audit counts. Every field should be
// zero on a healthy store.
type IntegrityReport struct {
	OrphanedEncounterRefs int64 `json:"orphaned_encounter_refs"`
	OrphanedDimensionRefs int64 `json:"orphaned_dimension_refs"`
	FutureBirthdates      int64 `json:"future_birthdates"`
	EventsBeforeBirth     int64 `json:"events_before_birth"`
}

func (r IntegrityReport) Clean() bool {
	return r.OrphanedEncounterRefs == 0 &&
		r.OrphanedDimensionRefs == 0 &&
		r.FutureBirthdates == 0 &&
		r.EventsBeforeBirth == 0
}
