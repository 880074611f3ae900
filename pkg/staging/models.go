package staging

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	StatusPending   = "pending"
	StatusValidated = "validated"
	StatusError     = "error"
)

// Record is one staged row awaiting promotion. The extraction service
// writes rows with status pending and a populated source reference; this
// engine only ever transitions the status and records an error reason.
// The auto-increment id doubles as the arrival order used to break
// duplicate-identity ties.
type Record struct {
	ID              uint              `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	EntityType      string            `json:"entity_type" gorm:"column:entity_type;index:idx_staging_type_status"`
	Fields          datatypes.JSONMap `json:"fields" gorm:"column:fields"`
	Status          string            `json:"status" gorm:"column:status;index:idx_staging_type_status"`
	ErrorReason     string            `json:"error_reason,omitempty" gorm:"column:error_reason"`
	SourceReference string            `json:"source_reference" gorm:"column:source_reference"`
	CreatedAt       time.Time         `json:"created_at" gorm:"column:created_at"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty" gorm:"column:processed_at"`
}

func (Record) TableName() string {
	return "staging_records"
}

// Field returns the trimmed string value of a staged field. Absent
// fields, nulls and non-string values all read as empty.
func (r *Record) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	switch v := r.Fields[name].(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return ""
	}
}
