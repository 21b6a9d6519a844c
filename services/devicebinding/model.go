package devicebinding

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"devicetrust-controlplane/services/trust"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive        Status = "active"
	StatusPendingUnbind Status = "pending_unbind"
	StatusUnbound       Status = "unbound"
)

func (s Status) String() string {
	return string(s)
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusPendingUnbind
	case StatusPendingUnbind:
		return next == StatusActive || next == StatusUnbound
	default:
		return false
	}
}

// occupiedStatuses count toward a license's device quota.
var occupiedStatuses = []Status{StatusActive, StatusPendingUnbind}

type DeviceClass string

const (
	DeviceClassMobile  DeviceClass = "mobile"
	DeviceClassTablet  DeviceClass = "tablet"
	DeviceClassDesktop DeviceClass = "desktop"
)

func (c DeviceClass) String() string {
	return string(c)
}

// ParseDeviceClass maps unknown values to desktop.
func ParseDeviceClass(s string) DeviceClass {
	switch DeviceClass(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceClassMobile:
		return DeviceClassMobile
	case DeviceClassTablet:
		return DeviceClassTablet
	default:
		return DeviceClassDesktop
	}
}

type DeviceBinding struct {
	ID                string      `gorm:"column:id;primaryKey" json:"id"`
	LicenseID         string      `gorm:"column:license_id;not null;index:idx_device_bindings_license_status,priority:1;uniqueIndex:idx_device_bindings_active_fingerprint,where:status = 'active'" json:"license_id"`
	DeviceFingerprint string      `gorm:"column:device_fingerprint;not null;uniqueIndex:idx_device_bindings_active_fingerprint,where:status = 'active'" json:"-"`
	DeviceName        string      `gorm:"column:device_name" json:"device_name"`
	DeviceClass       DeviceClass `gorm:"column:device_class;type:varchar(16)" json:"device_class"`
	Status            Status      `gorm:"column:status;type:varchar(32);not null;index:idx_device_bindings_license_status,priority:2" json:"status"`
	LastActiveAt      time.Time   `gorm:"column:last_active_at" json:"last_active_at"`
	UnbindRequestedAt *time.Time  `gorm:"column:unbind_requested_at" json:"unbind_requested_at,omitempty"`
	UnbindAvailableAt *time.Time  `gorm:"column:unbind_available_at;index" json:"unbind_available_at,omitempty"`
	UnboundAt         *time.Time  `gorm:"column:unbound_at" json:"unbound_at,omitempty"`
	CreatedAt         time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

func (DeviceBinding) TableName() string {
	return "device_bindings"
}

type RegionObservation struct {
	Region string    `json:"region"`
	SeenAt time.Time `json:"seen_at"`
}

const maxRecentRegions = 16

type LicenseTrustRecord struct {
	LicenseID            string         `gorm:"column:license_id;primaryKey" json:"license_id"`
	Email                string         `gorm:"column:email" json:"-"`
	EmailVerified        bool           `gorm:"column:email_verified" json:"email_verified"`
	BoundAt              time.Time      `gorm:"column:bound_at" json:"bound_at"`
	TrustLevel           trust.Level    `gorm:"column:trust_level;type:varchar(16);not null" json:"trust_level"`
	TrustLevelUpdatedAt  *time.Time     `gorm:"column:trust_level_updated_at" json:"trust_level_updated_at,omitempty"`
	TotalUnbindsCount    int            `gorm:"column:total_unbinds_count" json:"total_unbinds_count"`
	LastUnbindAt         *time.Time     `gorm:"column:last_unbind_at" json:"last_unbind_at,omitempty"`
	ConsecutiveLimitHits int            `gorm:"column:consecutive_limit_hits" json:"consecutive_limit_hits"`
	RecentRegions        datatypes.JSON `gorm:"column:recent_regions" json:"-"`
	CreatedAt            time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"column:updated_at" json:"updated_at"`

	// levelChanged is set when the level moved during the current transaction.
	levelChanged bool
}

func (LicenseTrustRecord) TableName() string {
	return "license_trust_records"
}

// Regions decodes recent_regions; a corrupt column reads as empty.
func (r *LicenseTrustRecord) Regions() []RegionObservation {
	if len(r.RecentRegions) == 0 {
		return nil
	}
	var out []RegionObservation
	if err := json.Unmarshal(r.RecentRegions, &out); err != nil {
		return nil
	}
	return out
}

func (r *LicenseTrustRecord) setRegions(regions []RegionObservation) {
	if len(regions) == 0 {
		r.RecentRegions = datatypes.JSON("[]")
		return
	}
	b, _ := json.Marshal(regions)
	r.RecentRegions = datatypes.JSON(b)
}

// ObserveRegion records region as seen at now, keeping one entry per region.
func (r *LicenseTrustRecord) ObserveRegion(region string, now time.Time) {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		return
	}

	regions := r.Regions()
	found := false
	for i := range regions {
		if regions[i].Region == region {
			regions[i].SeenAt = now
			found = true
		}
	}
	if !found {
		regions = append(regions, RegionObservation{Region: region, SeenAt: now})
	}
	r.setRegions(pruneRegions(regions, now))
}

// PruneRegions drops observations older than the region window and reports
// whether anything changed.
func (r *LicenseTrustRecord) PruneRegions(now time.Time) bool {
	before := r.Regions()
	after := pruneRegions(before, now)
	if len(after) == len(before) {
		return false
	}
	r.setRegions(after)
	return true
}

func pruneRegions(regions []RegionObservation, now time.Time) []RegionObservation {
	cutoff := now.Add(-trust.RegionWindow)
	kept := make([]RegionObservation, 0, len(regions))
	for _, o := range regions {
		if o.SeenAt.After(cutoff) {
			kept = append(kept, o)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].SeenAt.After(kept[j].SeenAt)
	})
	if len(kept) > maxRecentRegions {
		kept = kept[:maxRecentRegions]
	}
	return kept
}

func (r *LicenseTrustRecord) signals() trust.Signals {
	return trust.Signals{
		BoundAt:              r.BoundAt,
		ConsecutiveLimitHits: r.ConsecutiveLimitHits,
		RecentRegions:        len(r.Regions()),
	}
}

type UnbindReason string

const (
	UnbindReasonUserRequest UnbindReason = "user_request"
)

func (r UnbindReason) String() string {
	return string(r)
}

type UnbindHistoryEntry struct {
	ID                string       `gorm:"column:id;primaryKey" json:"id"`
	LicenseID         string       `gorm:"column:license_id;not null;index:idx_unbind_history_license_time,priority:1" json:"license_id"`
	DeviceID          string       `gorm:"column:device_id" json:"device_id"`
	DeviceFingerprint string       `gorm:"column:device_fingerprint" json:"-"`
	DeviceName        string       `gorm:"column:device_name" json:"device_name"`
	UnboundAt         time.Time    `gorm:"column:unbound_at;index:idx_unbind_history_license_time,priority:2" json:"unbound_at"`
	Reason            UnbindReason `gorm:"column:reason;type:varchar(32)" json:"reason"`
	CreatedAt         time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (UnbindHistoryEntry) TableName() string {
	return "unbind_history"
}

// UnbindChallenge is the single outstanding verification code for a license.
// Only the bcrypt hash of the code is stored.
type UnbindChallenge struct {
	LicenseID     string    `gorm:"column:license_id;primaryKey"`
	DeviceID      string    `gorm:"column:device_id;not null"`
	CodeHash      string    `gorm:"column:code_hash;not null"`
	CodeExpiresAt time.Time `gorm:"column:code_expires_at"`
	Attempts      int       `gorm:"column:attempts"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (UnbindChallenge) TableName() string {
	return "unbind_challenges"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{
		&LicenseTrustRecord{},
		&DeviceBinding{},
		&UnbindHistoryEntry{},
		&UnbindChallenge{},
	}
}

type DenyReason string

const (
	DenyReasonLastDevice    DenyReason = "last_device"
	DenyReasonPendingUnbind DenyReason = "pending_unbind"
	DenyReasonLimitReached  DenyReason = "limit_reached"
)

func (r DenyReason) String() string {
	return string(r)
}

type UnbindCheck struct {
	DeviceID         string     `json:"device_id"`
	Allowed          bool       `json:"allowed"`
	Reason           DenyReason `json:"reason,omitempty"`
	UnbindsUsed      int        `json:"unbinds_used"`
	UnbindsRemaining int        `json:"unbinds_remaining"`
	UnbindsResetAt   *time.Time `json:"unbinds_reset_at,omitempty"`
}

// Err maps a denial to its user-facing error; nil when allowed.
func (c *UnbindCheck) Err() error {
	if c.Allowed {
		return nil
	}
	switch c.Reason {
	case DenyReasonLastDevice:
		return ErrLastDeviceUnbindDenied
	case DenyReasonPendingUnbind:
		return ErrUnbindAlreadyPending
	case DenyReasonLimitReached:
		if c.UnbindsResetAt != nil {
			return rateLimitError(*c.UnbindsResetAt)
		}
		return ErrUnbindRateLimitExceeded
	default:
		return ErrUnbindRateLimitExceeded
	}
}

type UnbindRequest struct {
	DeviceID      string    `json:"device_id"`
	CodeExpiresAt time.Time `json:"code_expires_at"`
}

type UnbindConfirmation struct {
	DeviceID          string    `json:"device_id"`
	UnbindAvailableAt time.Time `json:"unbind_available_at"`
}

type TrustStatus struct {
	LicenseID            string              `json:"license_id"`
	TrustLevel           trust.Level         `json:"trust_level"`
	TrustLevelUpdatedAt  *time.Time          `json:"trust_level_updated_at,omitempty"`
	BoundAt              time.Time           `json:"bound_at"`
	MonthsActive         int                 `json:"months_active"`
	Policy               trust.Policy        `json:"policy"`
	DevicesInUse         int                 `json:"devices_in_use"`
	UnbindsUsed          int                 `json:"unbinds_used"`
	UnbindsRemaining     int                 `json:"unbinds_remaining"`
	UnbindsResetAt       *time.Time          `json:"unbinds_reset_at,omitempty"`
	TotalUnbindsCount    int                 `json:"total_unbinds_count"`
	LastUnbindAt         *time.Time          `json:"last_unbind_at,omitempty"`
	ConsecutiveLimitHits int                 `json:"consecutive_limit_hits"`
	RecentRegions        []RegionObservation `json:"recent_regions"`
	ContactEmailOnFile   bool                `json:"contact_email_on_file"`
}
