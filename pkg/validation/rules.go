package validation

import (
	"fmt"

	"github.com/carelattice/warehouse/pkg/schema"
	"github.com/carelattice/warehouse/pkg/staging"
)

// Error reasons recorded on staged rows. A row accumulates exactly one:
// the first rule that fails it wins and later rules skip the row.
const (
	ReasonMissingField      = "missing required field"
	ReasonDuplicateIdentity = "duplicate identity"
	ReasonUnresolvedParent  = "unresolved parent reference"
)

const (
	ruleRequired    = "required"
	ruleUniqueness  = "uniqueness"
	ruleReferential = "referential"
)

// checkFields applies the required-field rule: every declared field must
// coerce, and required fields must be present after coercion. Returns
// the failure reason, or "" when the row passes.
func checkFields(ent schema.Entity, rec *staging.Record) string {
	for _, f := range ent.Fields {
		raw := rec.Field(f.Name)
		value, cerr := staging.Coerce(f, raw)
		if cerr != nil {
			return cerr.Error()
		}
		if f.Required && value == nil {
			return fmt.Sprintf("%s: %s", ReasonMissingField, f.Name)
		}
	}
	return ""
}

// identityClaims tracks natural identities seen so far in a pass. The
// first claimant of an identity keeps it; later claimants fail the
// uniqueness rule. Arrival order is the caller's iteration order.
type identityClaims struct {
	primary   map[string]struct{}
	secondary map[string]struct{}
}

func newIdentityClaims() *identityClaims {
	return &identityClaims{
		primary:   make(map[string]struct{}),
		secondary: make(map[string]struct{}),
	}
}

// claim registers the row's identities, reporting whether either was
// already taken.
func (c *identityClaims) claim(primaryKey, secondaryKey string) bool {
	if primaryKey != "" {
		if _, taken := c.primary[primaryKey]; taken {
			return false
		}
	}
	if secondaryKey != "" {
		if _, taken := c.secondary[secondaryKey]; taken {
			return false
		}
	}
	if primaryKey != "" {
		c.primary[primaryKey] = struct{}{}
	}
	if secondaryKey != "" {
		c.secondary[secondaryKey] = struct{}{}
	}
	return true
}
