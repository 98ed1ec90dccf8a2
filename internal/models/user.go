package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role is the platform role carried by every authenticated identity.
type Role string

const (
	RoleSeeker   Role = "SEEKER"
	RoleProvider Role = "PROVIDER"
	RoleEmployee Role = "EMPLOYEE"
	RoleManager  Role = "MANAGER"
	RoleAdmin    Role = "ADMIN"
)

// StaffRoles are the roles eligible to receive moderation, verification and
// monitoring work.
var StaffRoles = []Role{RoleEmployee, RoleManager, RoleAdmin}

// IsStaff reports whether the role belongs to the moderation staff.
func (r Role) IsStaff() bool {
	for _, s := range StaffRoles {
		if r == s {
			return true
		}
	}
	return false
}

// CanOverride reports whether the role may act on work assigned to someone else.
func (r Role) CanOverride() bool {
	return r == RoleManager || r == RoleAdmin
}

// User is the minimal view of an account that the pipeline needs. Registration
// and profile data live in the account service.
type User struct {
	ID         string `gorm:"primaryKey" json:"id"`
	Email      string `gorm:"uniqueIndex" json:"email"`
	Role       Role   `gorm:"type:text;not null;index" json:"role"`
	IsActive   bool   `gorm:"not null;default:true" json:"is_active"`
	IsVerified bool   `gorm:"not null;default:false" json:"is_verified"`
	// TelegramChatID links a staff member to the alert bot. Nil when not linked.
	TelegramChatID *int64    `gorm:"uniqueIndex" json:"telegram_chat_id,omitempty"`
	Language       string    `gorm:"type:text;not null;default:'en'" json:"language"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the user if the ID is not set yet.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID string
	Role   Role
}
