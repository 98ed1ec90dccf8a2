package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message is a chat message posted in a booking's conversation.
// Only the moderation fields and the read receipt change after creation.
type Message struct {
	ID        string `gorm:"primaryKey" json:"id"`
	BookingID string `gorm:"type:text;not null;uniqueIndex:idx_booking_seq,priority:1" json:"booking_id"`
	// Seq is the per-booking insertion order, dense and starting at 1.
	Seq        int64     `gorm:"not null;uniqueIndex:idx_booking_seq,priority:2" json:"seq"`
	SenderID   string    `gorm:"type:text;not null;index" json:"sender_id"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	MediaURL   *string   `gorm:"type:text" json:"media_url,omitempty"`
	IsRead     bool      `gorm:"not null;default:false" json:"is_read"`
	IsFlagged  bool      `gorm:"not null;default:false;index" json:"is_flagged"`
	FlagReason *string   `gorm:"type:text" json:"flag_reason,omitempty"`
	RiskScore  int       `gorm:"not null;default:0" json:"risk_score"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate generates a UUID for the message if the ID is not set yet.
func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return
}
