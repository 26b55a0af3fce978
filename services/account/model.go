package account

import "time"

type User struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	Name         string    `gorm:"column:name" json:"name"`
	Email        string    `gorm:"column:email;uniqueIndex" json:"email"`
	LicenceID    *string   `gorm:"column:licence_id;index" json:"licence_id"`
	LicenceToken string    `gorm:"column:licence_token;type:text" json:"licence_token"`
	IsActive     bool      `gorm:"column:is_active" json:"is_active"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) HasLicence() bool {
	return u.LicenceID != nil && *u.LicenceID != ""
}

type ApplicationStatus string

const (
	ApplicationActive  ApplicationStatus = "ACTIVE"
	ApplicationRetired ApplicationStatus = "RETIRED"
)

func (s ApplicationStatus) String() string {
	switch s {
	case ApplicationActive:
		return "ACTIVE"
	case ApplicationRetired:
		return "RETIRED"
	default:
		return "UNKNOWN"
	}
}

// Application rows are retired, never deleted.
type Application struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	UserID      string    `gorm:"column:user_id;index" json:"user_id"`
	Slug        string    `gorm:"column:slug;index" json:"slug"`
	Wording     string    `gorm:"column:wording" json:"wording"`
	Description string    `gorm:"column:description" json:"description"`
	IsActive    bool      `gorm:"column:is_active;index" json:"is_enabled"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Application) TableName() string {
	return "applications"
}

func (a *Application) Status() ApplicationStatus {
	if a.IsActive {
		return ApplicationActive
	}
	return ApplicationRetired
}

type CreateUserParams struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type CreateApplicationParams struct {
	Wording     string `json:"wording"`
	Description string `json:"description"`
}
