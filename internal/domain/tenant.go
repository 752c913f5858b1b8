package domain

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var tenantSlug = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// TenantIDs validates tenant identifiers. The zero value accepts UUIDs and short slugs.
type TenantIDs struct {
	StrictUUID bool
}

func (v TenantIDs) Validate(id string) error {
	if strings.TrimSpace(id) == "" {
		return Validation("tenant", "tenant_missing")
	}
	if id != strings.TrimSpace(id) {
		return Validation("tenant", "tenant_malformed")
	}
	if _, err := uuid.Parse(id); err == nil && len(id) == 36 {
		return nil
	}
	if !v.StrictUUID && tenantSlug.MatchString(id) {
		return nil
	}
	return Validation("tenant", "tenant_malformed")
}
