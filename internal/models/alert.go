package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// MonitoringAlert is the escalation record for a flagged message.
type MonitoringAlert struct {
	ID          string `gorm:"primaryKey" json:"id"`
	BookingID   string `gorm:"type:text;not null;index" json:"booking_id"`
	MessageID   string `gorm:"type:text;not null;index" json:"message_id"`
	EmployeeID  string `gorm:"type:text;not null;index" json:"employee_id"`
	RiskScore   int    `gorm:"not null" json:"risk_score"`
	Description string `gorm:"type:text" json:"description"`
	// Rules lists the policy rules that fired for the message.
	Rules           pq.StringArray `gorm:"type:text[]" json:"rules"`
	PolicyVersion   string         `gorm:"type:text" json:"policy_version"`
	IsResolved      bool           `gorm:"not null;default:false;index" json:"is_resolved"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      *string        `gorm:"type:text" json:"resolved_by,omitempty"`
	ResolutionNotes *string        `gorm:"type:text" json:"resolution_notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// BeforeCreate generates a UUID for the alert if the ID is not set yet.
func (a *MonitoringAlert) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return
}
