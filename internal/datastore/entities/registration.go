package entities

import "time"

// RegistrationID is the primary key of the single registration row.
const RegistrationID = 1

// Registration records which cache generation is active. There is one row.
type Registration struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ActiveVersion string     `gorm:"size:255;default:''" json:"active_version"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Registration) TableName() string {
	return "registrations"
}
