package window

import (
	"time"

	"gorm.io/datatypes"
)

// Execution is one admitted job run. Rows are never deleted; cleanup only
// flips IsActive.
type Execution struct {
	ID             string         `gorm:"column:id;primaryKey" json:"id"`
	UserID         string         `gorm:"column:user_id;index:idx_user_application_job_window,priority:1" json:"user_id"`
	ApplicationID  string         `gorm:"column:application_id;index:idx_user_application_job_window,priority:2" json:"application_id"`
	JobReferenceID string         `gorm:"column:job_reference_id" json:"job_reference_id"`
	IsActive       bool           `gorm:"column:is_active;index" json:"is_active"`
	Metadata       datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;index:idx_user_application_job_window,priority:3" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Execution) TableName() string {
	return "user_application_job"
}

type Snapshot struct {
	Active      int64     `json:"active_count"`
	Max         int       `json:"max"`
	Remaining   int64     `json:"remaining"`
	Deactivated int64     `json:"deactivated"`
	CanAdmit    bool      `json:"can_admit"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}
