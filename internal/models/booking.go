package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BookingStatus is a state of the booking lifecycle.
type BookingStatus string

const (
	BookingPending    BookingStatus = "PENDING"
	BookingConfirmed  BookingStatus = "CONFIRMED"
	BookingInProgress BookingStatus = "IN_PROGRESS"
	BookingCompleted  BookingStatus = "COMPLETED"
	BookingCancelled  BookingStatus = "CANCELLED"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:    {BookingConfirmed, BookingCancelled},
	BookingConfirmed:  {BookingInProgress, BookingCancelled},
	BookingInProgress: {BookingCompleted, BookingCancelled},
}

// Valid reports whether s is a known status.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingInProgress, BookingCompleted, BookingCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

// HoldsEscrow reports whether a booking in status s keeps its tokens in escrow.
func (s BookingStatus) HoldsEscrow() bool {
	return s == BookingPending || s == BookingConfirmed || s == BookingInProgress
}

// CanTransition reports whether the state machine allows from -> to.
func (s BookingStatus) CanTransition(to BookingStatus) bool {
	for _, next := range bookingTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Booking is one scheduled engagement between a seeker and a provider.
// TokenAmount is fixed at creation.
type Booking struct {
	ID          string        `gorm:"primaryKey" json:"id"`
	SeekerID    string        `gorm:"type:text;not null;index" json:"seeker_id"`
	ProviderID  string        `gorm:"type:text;not null;index" json:"provider_id"`
	Status      BookingStatus `gorm:"type:text;not null;index" json:"status"`
	ScheduledAt time.Time     `gorm:"not null" json:"scheduled_at"`
	// Duration in minutes.
	Duration           int       `gorm:"not null" json:"duration"`
	TokenAmount        int64     `gorm:"not null" json:"token_amount"`
	AssignedEmployeeID *string   `gorm:"type:text;index" json:"assigned_employee_id,omitempty"`
	MessageSeq         int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the booking if the ID is not set yet.
func (b *Booking) BeforeCreate(tx *gorm.DB) (err error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return
}

// IsParticipant reports whether userID is the seeker or the provider.
func (b *Booking) IsParticipant(userID string) bool {
	return userID != "" && (userID == b.SeekerID || userID == b.ProviderID)
}

// Counterpart returns the other participant.
func (b *Booking) Counterpart(userID string) string {
	if userID == b.SeekerID {
		return b.ProviderID
	}
	return b.SeekerID
}

// Participants returns seeker and provider ids.
func (b *Booking) Participants() []string {
	return []string{b.SeekerID, b.ProviderID}
}
