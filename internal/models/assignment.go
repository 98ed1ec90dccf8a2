package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ItemType identifies the kind of work an Assignment refers to.
type ItemType string

const (
	ItemFlaggedMessage    ItemType = "FLAGGED_MESSAGE"
	ItemVerification      ItemType = "VERIFICATION"
	ItemBookingMonitoring ItemType = "BOOKING_MONITORING"
)

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemFlaggedMessage, ItemVerification, ItemBookingMonitoring:
		return true
	}
	return false
}

// Assignment binds one unit of work to one staff member. At most one active
// assignment exists per (ItemID, ItemType).
type Assignment struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	EmployeeID  string     `gorm:"type:text;not null;index" json:"employee_id"`
	ItemID      string     `gorm:"type:text;not null;uniqueIndex:idx_assignment_active_item,where:is_active = true" json:"item_id"`
	ItemType    ItemType   `gorm:"type:text;not null;uniqueIndex:idx_assignment_active_item,where:is_active = true" json:"item_type"`
	IsActive    bool       `gorm:"not null;default:true;index" json:"is_active"`
	AssignedAt  time.Time  `gorm:"not null" json:"assigned_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BeforeCreate generates a UUID for the assignment if the ID is not set yet.
func (a *Assignment) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return
}

// RoundRobinCounter is the durable cursor for one assignment type.
type RoundRobinCounter struct {
	AssignmentType string    `gorm:"primaryKey" json:"assignment_type"`
	LastAssignedID *string   `gorm:"type:text" json:"last_assigned_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VerificationStatus is the review state of an identity verification.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationApproved VerificationStatus = "APPROVED"
	VerificationRejected VerificationStatus = "REJECTED"
)

// Verification is a pending identity verification awaiting staff review.
// Documents are held by the document store; only the review state lives here.
type Verification struct {
	ID                 string             `gorm:"primaryKey" json:"id"`
	UserID             string             `gorm:"type:text;not null;index" json:"user_id"`
	Status             VerificationStatus `gorm:"type:text;not null;default:'PENDING'" json:"status"`
	AssignedEmployeeID *string            `gorm:"type:text;index" json:"assigned_employee_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// BeforeCreate generates a UUID for the verification if the ID is not set yet.
func (v *Verification) BeforeCreate(tx *gorm.DB) (err error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	return
}
