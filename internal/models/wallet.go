package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransactionType enumerates ledger row kinds.
type TransactionType string

const (
	TxPurchase       TransactionType = "PURCHASE"
	TxEscrowHold     TransactionType = "ESCROW_HOLD"
	TxEscrowRelease  TransactionType = "ESCROW_RELEASE"
	TxBookingPayment TransactionType = "BOOKING_PAYMENT"
	TxBookingRefund  TransactionType = "BOOKING_REFUND"
)

// TokenWallet holds one user's tokens. Rows are mutated only by the escrow ledger.
type TokenWallet struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	UserID         string    `gorm:"type:text;not null;uniqueIndex" json:"user_id"`
	Balance        int64     `gorm:"not null;default:0;check:balance >= 0" json:"balance"`
	EscrowBalance  int64     `gorm:"not null;default:0;check:escrow_balance >= 0" json:"escrow_balance"`
	TotalPurchased int64     `gorm:"not null;default:0" json:"total_purchased"`
	TotalSpent     int64     `gorm:"not null;default:0" json:"total_spent"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the wallet if the ID is not set yet.
func (w *TokenWallet) BeforeCreate(tx *gorm.DB) (err error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	return
}

// Transaction is an append-only ledger row.
//
// Amount carries the conventional sign of the entry type. BalanceDelta and
// EscrowDelta are the exact changes applied to the wallet columns, so the sums
// of both over a wallet's rows equal its Balance and EscrowBalance.
type Transaction struct {
	ID           string          `gorm:"primaryKey" json:"id"`
	WalletID     string          `gorm:"type:text;not null;index" json:"wallet_id"`
	Type         TransactionType `gorm:"type:text;not null;index" json:"type"`
	Amount       int64           `gorm:"not null" json:"amount"`
	BalanceDelta int64           `gorm:"not null" json:"balance_delta"`
	EscrowDelta  int64           `gorm:"not null" json:"escrow_delta"`
	BookingID    *string         `gorm:"type:text;index" json:"booking_id,omitempty"`
	// Reference is the external payment reference for purchases.
	Reference   *string   `gorm:"type:text;uniqueIndex" json:"reference,omitempty"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// BeforeCreate generates a UUID for the transaction if the ID is not set yet.
func (t *Transaction) BeforeCreate(tx *gorm.DB) (err error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return
}
