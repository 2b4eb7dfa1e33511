package compliance

// TenantSettings are the compliance switches on a tenant record.
type TenantSettings struct {
	// QuietHours is the tenant-wide default policy; nil when unset.
	QuietHours         *QuietHours `json:"quiet_hours,omitempty"`
	RequireLegalReview bool        `json:"require_legal_review"`
	DNCRegistryEnabled bool        `json:"dnc_registry_enabled"`
}
