package licence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusExpired   Status = "EXPIRED"
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusExpired:
		return true
	}
	return false
}

type Licence struct {
	ID                  string    `gorm:"column:id;primaryKey" json:"id"`
	Slug                string    `gorm:"column:slug;uniqueIndex" json:"slug"`
	Wording             string    `gorm:"column:wording;index" json:"wording"`
	Description         string    `gorm:"column:description" json:"description"`
	MaxApps             int       `gorm:"column:max_apps" json:"max_apps"`
	MaxExecutionsPer24h int       `gorm:"column:max_executions_per_24h" json:"max_executions_per_24h"`
	ValidFrom           time.Time `gorm:"column:valid_from" json:"valid_from"`
	ValidTo             time.Time `gorm:"column:valid_to" json:"valid_to"`
	Status              Status    `gorm:"column:status" json:"status"`
	IsActive            bool      `gorm:"column:is_active" json:"is_enabled"`
	IsCustom            bool      `gorm:"column:is_custom;index" json:"is_custom"`
	CreatedByUserID     *string   `gorm:"column:created_by_user_id;index" json:"created_by_user_id,omitempty"`
	CreatedAt           time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Licence) TableName() string {
	return "licences"
}

// IsUsable reports whether the licence may be assigned at now.
func (l *Licence) IsUsable(now time.Time) bool {
	return l.IsActive && l.Status == StatusActive && !now.After(l.ValidTo)
}

// Version fingerprints every field a token is minted from. Two licences with
// the same version produce tokens with the same claims.
func (l *Licence) Version() string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d|%d|%d|%d|%s|%t|%t|%d",
		l.ID, l.Wording, l.Description,
		l.MaxApps, l.MaxExecutionsPer24h,
		l.ValidFrom.UnixNano(), l.ValidTo.UnixNano(),
		l.Status, l.IsActive, l.IsCustom,
		l.UpdatedAt.UnixNano(),
	))
	return hex.EncodeToString(sum[:8])
}

func (l *Licence) Validate() error {
	if strings.TrimSpace(l.Wording) == "" {
		return fmt.Errorf("wording is required")
	}
	if !l.ValidFrom.Before(l.ValidTo) {
		return fmt.Errorf("valid_from must be before valid_to")
	}
	if l.MaxApps < 0 || l.MaxExecutionsPer24h < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if !l.Status.Valid() {
		return fmt.Errorf("unknown status %q", l.Status)
	}
	return nil
}

type CreateLicenceParams struct {
	Wording             string
	Description         string
	MaxApps             int
	MaxExecutionsPer24h int
	ValidFrom           time.Time
	ValidTo             time.Time
	Status              Status
	IsCustom            bool
	CreatedByUserID     *string
}

type CustomLimits struct {
	Wording             string `json:"wording"`
	Description         string `json:"description"`
	MaxApps             int    `json:"max_apps"`
	MaxExecutionsPer24h int    `json:"max_executions_per_24h"`
}

// LimitsUpdate carries the fields an administrator may change. Nil fields are
// left untouched.
type LimitsUpdate struct {
	MaxApps             *int       `json:"max_apps"`
	MaxExecutionsPer24h *int       `json:"max_executions_per_24h"`
	ValidTo             *time.Time `json:"valid_to"`
	Status              *Status    `json:"status"`
	IsActive            *bool      `json:"is_enabled"`
}

type UpgradeResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Reason  error    `json:"-"`
	Licence *Licence `json:"licence,omitempty"`
}

type BatchReport struct {
	Generated int64 `json:"generated"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

type Statistics struct {
	Total         int64 `json:"total"`
	Usable        int64 `json:"usable"`
	Custom        int64 `json:"custom"`
	AssignedUsers int64 `json:"assigned_users"`
}
