package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"safechat/backend/internal/errutil"
	"safechat/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Storage is the persistence surface of the chat and moderation pipeline.
type Storage interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetBooking(ctx context.Context, bookingID string) (*models.Booking, error)

	SaveMessage(ctx context.Context, msg *models.Message) error
	FlaggedCount(ctx context.Context, senderID string) (int, error)
	MarkRead(ctx context.Context, bookingID, readerID string) (*models.ReadReceipt, error)
	ListMessages(ctx context.Context, bookingID string, afterSeq int64, limit int) ([]models.Message, error)

	CreateAlert(ctx context.Context, alert *models.MonitoringAlert) error
	GetAlert(ctx context.Context, alertID string) (*models.MonitoringAlert, error)
	ResolveAlert(ctx context.Context, alertID, resolverID, notes string) (*models.MonitoringAlert, error)
	CountOpenAlerts(ctx context.Context, messageID string) (int64, error)
}

type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{DB: db, Redis: rdb}
}

// Migrate creates or updates every table the pipeline owns.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(
		&models.User{},
		&models.Booking{},
		&models.Message{},
		&models.TokenWallet{},
		&models.Transaction{},
		&models.Assignment{},
		&models.RoundRobinCounter{},
		&models.Verification{},
		&models.MonitoringAlert{},
	)
}

func (s *Service) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("User", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &user, nil
}

// LinkTelegram stores the chat the alert bot delivers to. Only staff can be linked.
func (s *Service) LinkTelegram(ctx context.Context, userID string, chatID int64) (*models.User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Role.IsStaff() {
		return nil, errutil.Validation("only staff can receive alerts", errutil.WithField("role", string(user.Role)))
	}
	if err := s.DB.WithContext(ctx).Model(user).Update("telegram_chat_id", chatID).Error; err != nil {
		return nil, fmt.Errorf("link telegram for %s: %w", userID, err)
	}
	user.TelegramChatID = &chatID
	return user, nil
}

func (s *Service) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	var booking models.Booking
	err := s.DB.WithContext(ctx).First(&booking, "id = ?", bookingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("Booking", bookingID)
	}
	if err != nil {
		return nil, fmt.Errorf("get booking %s: %w", bookingID, err)
	}
	return &booking, nil
}

// SaveMessage persists msg and assigns its per-booking Seq. The booking row is
// locked for the insert, so concurrent senders on one booking get increasing
// seqs in commit order. Participant and status checks run under the same lock.
func (s *Service) SaveMessage(ctx context.Context, msg *models.Message) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var booking models.Booking
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&booking, "id = ?", msg.BookingID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("Booking", msg.BookingID)
		}
		if err != nil {
			return fmt.Errorf("lock booking %s: %w", msg.BookingID, err)
		}

		if !booking.IsParticipant(msg.SenderID) {
			return errutil.Validation("sender is not a participant of this booking",
				errutil.WithField("sender_id", msg.SenderID))
		}
		if booking.Status == models.BookingCancelled {
			return errutil.Validation("booking is cancelled",
				errutil.WithField("status", string(booking.Status)))
		}

		next := booking.MessageSeq + 1
		if err := tx.Model(&models.Booking{}).
			Where("id = ?", booking.ID).
			Update("message_seq", next).Error; err != nil {
			return fmt.Errorf("advance message seq: %w", err)
		}

		msg.Seq = next
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// FlaggedCount returns how many of the sender's messages were flagged.
func (s *Service) FlaggedCount(ctx context.Context, senderID string) (int, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&models.Message{}).
		Where("sender_id = ? AND is_flagged = ?", senderID, true).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count flagged messages for %s: %w", senderID, err)
	}
	return int(n), nil
}

// MarkRead marks every unread message in the booking not sent by the reader.
func (s *Service) MarkRead(ctx context.Context, bookingID, readerID string) (*models.ReadReceipt, error) {
	receipt := &models.ReadReceipt{ReaderID: readerID}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := tx.Model(&models.Message{}).
			Where("booking_id = ? AND sender_id <> ? AND is_read = ?", bookingID, readerID, false)

		var upTo sql.NullInt64
		if err := scope.Session(&gorm.Session{}).Select("MAX(seq)").Row().Scan(&upTo); err != nil {
			return fmt.Errorf("find last unread: %w", err)
		}
		if !upTo.Valid {
			return nil
		}

		res := scope.Session(&gorm.Session{}).Where("seq <= ?", upTo.Int64).Update("is_read", true)
		if res.Error != nil {
			return fmt.Errorf("mark read: %w", res.Error)
		}
		receipt.Count = res.RowsAffected
		receipt.UpToSeq = upTo.Int64
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListMessages returns the booking's messages with seq > afterSeq in order.
func (s *Service) ListMessages(ctx context.Context, bookingID string, afterSeq int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	var msgs []models.Message
	if err := s.DB.WithContext(ctx).
		Where("booking_id = ? AND seq > ?", bookingID, afterSeq).
		Order("seq asc").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", bookingID, err)
	}
	return msgs, nil
}

func (s *Service) CreateAlert(ctx context.Context, alert *models.MonitoringAlert) error {
	if err := s.DB.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("create alert for message %s: %w", alert.MessageID, err)
	}
	return nil
}

func (s *Service) GetAlert(ctx context.Context, alertID string) (*models.MonitoringAlert, error) {
	var alert models.MonitoringAlert
	err := s.DB.WithContext(ctx).First(&alert, "id = ?", alertID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("Alert", alertID)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", alertID, err)
	}
	return &alert, nil
}

// ResolveAlert marks an open alert resolved. A second resolution fails with a
// validation error rather than overwriting the first.
func (s *Service) ResolveAlert(ctx context.Context, alertID, resolverID, notes string) (*models.MonitoringAlert, error) {
	var alert models.MonitoringAlert
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&alert, "id = ?", alertID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("Alert", alertID)
		}
		if err != nil {
			return fmt.Errorf("lock alert %s: %w", alertID, err)
		}
		if alert.IsResolved {
			return errutil.Validation("alert is already resolved", errutil.WithField("alert_id", alertID))
		}

		now := time.Now().UTC()
		alert.IsResolved = true
		alert.ResolvedAt = &now
		alert.ResolvedBy = &resolverID
		if notes != "" {
			alert.ResolutionNotes = &notes
		}
		return tx.Model(&models.MonitoringAlert{}).
			Where("id = ? AND is_resolved = ?", alertID, false).
			Updates(map[string]interface{}{
				"is_resolved":      true,
				"resolved_at":      now,
				"resolved_by":      resolverID,
				"resolution_notes": alert.ResolutionNotes,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *Service) CountOpenAlerts(ctx context.Context, messageID string) (int64, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&models.MonitoringAlert{}).
		Where("message_id = ? AND is_resolved = ?", messageID, false).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count open alerts for %s: %w", messageID, err)
	}
	return n, nil
}

// PublishEvent publishes a fan-out envelope on a Redis channel so the other
// instances can deliver it to their own connections.
func (s *Service) PublishEvent(ctx context.Context, channel string, env RelayEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.Redis.Publish(ctx, channel, payload).Err()
}

// SubscribeRelay subscribes to every channel with the given prefix.
func (s *Service) SubscribeRelay(ctx context.Context, prefix string) *redis.PubSub {
	return s.Redis.PSubscribe(ctx, prefix+":*")
}

// RelayEnvelope is the Redis payload. Recipient travels outside Event because
// Event does not serialise it to clients.
type RelayEnvelope struct {
	Origin    string       `json:"origin,omitempty"`
	Recipient string       `json:"recipient,omitempty"`
	Event     models.Event `json:"event"`
}
