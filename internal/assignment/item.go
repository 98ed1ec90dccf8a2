package assignment

import (
	"errors"
	"fmt"

	"safechat/backend/internal/errutil"
	"safechat/backend/internal/models"

	"gorm.io/gorm"
)

// WorkItem is one unit of staff work. Each variant carries the closures that
// check the underlying record and keep its denormalized assignee in sync.
type WorkItem struct {
	ID   string
	Type models.ItemType

	check func(tx *gorm.DB) error
	bind  func(tx *gorm.DB, employeeID string) error
}

// VerificationItem is a pending identity verification.
func VerificationItem(verificationID string) WorkItem {
	return WorkItem{
		ID:    verificationID,
		Type:  models.ItemVerification,
		check: exists(&models.Verification{}, "Verification", verificationID),
		bind:  setAssignee(&models.Verification{}, verificationID),
	}
}

// BookingMonitoringItem is a booking whose conversation is under monitoring.
// Completed and cancelled bookings cannot take new monitoring.
func BookingMonitoringItem(bookingID string) WorkItem {
	return WorkItem{
		ID:    bookingID,
		Type:  models.ItemBookingMonitoring,
		check: bookingOpen(bookingID),
		bind:  setAssignee(&models.Booking{}, bookingID),
	}
}

// FlaggedMessageItem is a flagged message awaiting review. Messages carry no
// assignee column, so binding is a no-op.
func FlaggedMessageItem(messageID string) WorkItem {
	return WorkItem{
		ID:    messageID,
		Type:  models.ItemFlaggedMessage,
		check: exists(&models.Message{}, "Message", messageID),
		bind:  func(*gorm.DB, string) error { return nil },
	}
}

// ItemFor resolves an (id, type) pair received from a caller into its variant.
func ItemFor(itemID string, itemType models.ItemType) (WorkItem, error) {
	if itemID == "" {
		return WorkItem{}, errutil.Validation("item id is required")
	}
	switch itemType {
	case models.ItemVerification:
		return VerificationItem(itemID), nil
	case models.ItemBookingMonitoring:
		return BookingMonitoringItem(itemID), nil
	case models.ItemFlaggedMessage:
		return FlaggedMessageItem(itemID), nil
	}
	return WorkItem{}, errutil.Validation("unknown item type", errutil.WithField("item_type", string(itemType)))
}

func exists(model interface{}, resource, id string) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
			return fmt.Errorf("look up %s %s: %w", resource, id, err)
		}
		if n == 0 {
			return errutil.NotFound(resource, id)
		}
		return nil
	}
}

func bookingOpen(id string) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		var b models.Booking
		err := tx.Select("id", "status").First(&b, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("Booking", id)
		}
		if err != nil {
			return fmt.Errorf("look up Booking %s: %w", id, err)
		}
		if b.Status.Terminal() {
			return errutil.Validation("booking is closed",
				errutil.WithField("booking_id", id),
				errutil.WithField("status", string(b.Status)))
		}
		return nil
	}
}

func setAssignee(model interface{}, id string) func(tx *gorm.DB, employeeID string) error {
	return func(tx *gorm.DB, employeeID string) error {
		res := tx.Model(model).Where("id = ?", id).Update("assigned_employee_id", employeeID)
		if res.Error != nil {
			return fmt.Errorf("set assignee on %s: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			return errutil.InvariantViolation("assigned item vanished during assignment",
				errutil.WithField("item_id", id))
		}
		return nil
	}
}
