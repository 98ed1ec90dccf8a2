// Package escrow drives the booking state machine and the token custody that
// follows it. Every wallet mutation commits together with its Transaction
// rows and the booking status change, or not at all.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"safechat/backend/internal/errutil"
	"safechat/backend/internal/metrics"
	"safechat/backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateBookingRequest describes a new booking. TokenAmount is held from the
// seeker's balance when the booking is created.
type CreateBookingRequest struct {
	SeekerID    string    `json:"seeker_id"`
	ProviderID  string    `json:"provider_id" binding:"required"`
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
	Duration    int       `json:"duration" binding:"required"`
	TokenAmount int64     `json:"token_amount" binding:"required"`
}

// PurchaseRequest credits tokens bought through the payment gateway.
// CapturedAmount is the gateway-verified amount in currency units.
type PurchaseRequest struct {
	UserID         string `json:"user_id"`
	CapturedAmount int64  `json:"captured_amount" binding:"required"`
	Reference      string `json:"reference" binding:"required"`
}

type Ledger struct {
	db   *gorm.DB
	log  *zap.Logger
	rate int64
}

// NewLedger creates a ledger converting currency to tokens at rate units per token.
func NewLedger(db *gorm.DB, log *zap.Logger, rate int64) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if rate <= 0 {
		rate = 1
	}
	return &Ledger{db: db, log: log.Named("escrow"), rate: rate}
}

// Rate returns the currency units per token.
func (l *Ledger) Rate() int64 { return l.rate }

// CreateBooking inserts a PENDING booking and moves TokenAmount from the
// seeker's balance into escrow.
func (l *Ledger) CreateBooking(ctx context.Context, req CreateBookingRequest) (*models.Booking, error) {
	if err := validateBooking(req); err != nil {
		return nil, err
	}

	booking := models.Booking{
		SeekerID:    req.SeekerID,
		ProviderID:  req.ProviderID,
		Status:      models.BookingPending,
		ScheduledAt: req.ScheduledAt.UTC(),
		Duration:    req.Duration,
		TokenAmount: req.TokenAmount,
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := lockWallet(tx, req.SeekerID)
		if errutil.Is(err, errutil.StatusNotFound) {
			return errutil.InsufficientBalance(req.TokenAmount, 0)
		}
		if err != nil {
			return err
		}
		if wallet.Balance < req.TokenAmount {
			return errutil.InsufficientBalance(req.TokenAmount, wallet.Balance)
		}

		if err := tx.Create(&booking).Error; err != nil {
			return fmt.Errorf("create booking: %w", err)
		}

		return apply(tx, wallet, entry{
			Type:         models.TxEscrowHold,
			Amount:       -req.TokenAmount,
			BalanceDelta: -req.TokenAmount,
			EscrowDelta:  req.TokenAmount,
			BookingID:    booking.ID,
			Description:  "escrow hold for booking",
		})
	})
	metrics.LedgerTransitions.WithLabelValues(string(models.BookingPending), metrics.Result(err)).Inc()
	if err != nil {
		l.logFailure("create booking failed", err,
			zap.String("seeker_id", req.SeekerID),
			zap.Int64("token_amount", req.TokenAmount))
		return nil, err
	}

	l.log.Info("booking created",
		zap.String("booking_id", booking.ID),
		zap.String("seeker_id", booking.SeekerID),
		zap.String("provider_id", booking.ProviderID),
		zap.Int64("token_amount", booking.TokenAmount))
	return &booking, nil
}

// Transition moves the booking to next and applies the custody effect of the
// target status. The booking row is locked first, so concurrent transitions of
// one booking apply in acceptance order and an invalid one sees the new state.
func (l *Ledger) Transition(ctx context.Context, bookingID string, next models.BookingStatus) (*models.Booking, error) {
	if !next.Valid() {
		return nil, errutil.Validation("unknown booking status", errutil.WithField("status", string(next)))
	}

	var booking models.Booking
	var from models.BookingStatus
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&booking, "id = ?", bookingID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("Booking", bookingID)
		}
		if err != nil {
			return fmt.Errorf("lock booking %s: %w", bookingID, err)
		}

		from = booking.Status
		if !from.CanTransition(next) {
			return errutil.Validation("invalid booking status transition",
				errutil.WithField("from", string(from)),
				errutil.WithField("to", string(next)))
		}

		switch next {
		case models.BookingCompleted:
			err = l.release(tx, &booking)
		case models.BookingCancelled:
			err = l.refund(tx, &booking)
		}
		if err != nil {
			return err
		}

		res := tx.Model(&models.Booking{}).
			Where("id = ? AND status = ?", booking.ID, from).
			Update("status", next)
		if res.Error != nil {
			return fmt.Errorf("update booking status: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return errutil.InvariantViolation("booking status changed under lock",
				errutil.WithField("booking_id", booking.ID))
		}
		booking.Status = next
		return nil
	})
	metrics.LedgerTransitions.WithLabelValues(string(next), metrics.Result(err)).Inc()
	if err != nil {
		l.logFailure("booking transition failed", err,
			zap.String("booking_id", bookingID),
			zap.String("from", string(from)),
			zap.String("to", string(next)),
			zap.Int64("token_amount", booking.TokenAmount))
		return nil, err
	}

	l.log.Info("booking transitioned",
		zap.String("booking_id", booking.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)))
	return &booking, nil
}

// release pays the escrowed amount to the provider.
func (l *Ledger) release(tx *gorm.DB, b *models.Booking) error {
	wallets, err := lockWallets(tx, b.SeekerID, b.ProviderID)
	if err != nil {
		return err
	}
	seeker, provider := wallets[b.SeekerID], wallets[b.ProviderID]

	if err := apply(tx, seeker, entry{
		Type:        models.TxEscrowRelease,
		Amount:      -b.TokenAmount,
		EscrowDelta: -b.TokenAmount,
		Spent:       b.TokenAmount,
		BookingID:   b.ID,
		Description: "escrow released to provider",
	}); err != nil {
		return err
	}
	return apply(tx, provider, entry{
		Type:         models.TxBookingPayment,
		Amount:       b.TokenAmount,
		BalanceDelta: b.TokenAmount,
		BookingID:    b.ID,
		Description:  "payment for completed booking",
	})
}

// refund returns the escrowed amount to the seeker's spendable balance.
func (l *Ledger) refund(tx *gorm.DB, b *models.Booking) error {
	seeker, err := lockWallet(tx, b.SeekerID)
	if errutil.Is(err, errutil.StatusNotFound) {
		return errutil.InvariantViolation("escrowed booking has no seeker wallet",
			errutil.WithField("booking_id", b.ID))
	}
	if err != nil {
		return err
	}
	return apply(tx, seeker, entry{
		Type:         models.TxBookingRefund,
		Amount:       b.TokenAmount,
		BalanceDelta: b.TokenAmount,
		EscrowDelta:  -b.TokenAmount,
		BookingID:    b.ID,
		Description:  "refund for cancelled booking",
	})
}

// Purchase credits the tokens bought with a captured payment. A reference
// that was already credited returns the original transaction.
func (l *Ledger) Purchase(ctx context.Context, req PurchaseRequest) (*models.Transaction, error) {
	if req.UserID == "" || req.Reference == "" {
		return nil, errutil.Validation("user and payment reference are required")
	}
	if req.CapturedAmount <= 0 || req.CapturedAmount%l.rate != 0 {
		return nil, errutil.Validation("captured amount must buy a whole number of tokens",
			errutil.WithField("captured_amount", strconv.FormatInt(req.CapturedAmount, 10)),
			errutil.WithField("rate", strconv.FormatInt(l.rate, 10)))
	}
	tokens := req.CapturedAmount / l.rate

	var result models.Transaction
	duplicate := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := ensureWallet(tx, req.UserID)
		if err != nil {
			return err
		}

		err = tx.First(&result, "reference = ?", req.Reference).Error
		if err == nil {
			if result.WalletID != wallet.ID {
				return errutil.Validation("payment reference belongs to another wallet",
					errutil.WithField("reference", req.Reference))
			}
			duplicate = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("look up payment reference: %w", err)
		}

		ref := req.Reference
		e := entry{
			Type:         models.TxPurchase,
			Amount:       tokens,
			BalanceDelta: tokens,
			Purchased:    tokens,
			Reference:    &ref,
			Description:  fmt.Sprintf("purchase of %d tokens", tokens),
		}
		row, err := applyRow(tx, wallet, e)
		if err != nil {
			return err
		}
		result = *row
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent purchase with the same reference committed first.
		existing, lookupErr := l.purchaseByReference(ctx, req)
		switch {
		case lookupErr == nil:
			result, duplicate, err = *existing, true, nil
		case errutil.Is(lookupErr, errutil.StatusValidation):
			err = lookupErr
		}
	}
	if err != nil {
		l.logFailure("purchase failed", err, zap.String("user_id", req.UserID), zap.String("reference", req.Reference))
		return nil, err
	}

	if duplicate {
		l.log.Info("purchase already credited", zap.String("reference", req.Reference))
	} else {
		l.log.Info("tokens purchased",
			zap.String("user_id", req.UserID),
			zap.Int64("tokens", tokens),
			zap.String("reference", req.Reference))
	}
	return &result, nil
}

// purchaseByReference returns the purchase already credited under the request's
// reference to the request's wallet.
func (l *Ledger) purchaseByReference(ctx context.Context, req PurchaseRequest) (*models.Transaction, error) {
	w, err := l.Wallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	var row models.Transaction
	if err := l.db.WithContext(ctx).First(&row, "reference = ?", req.Reference).Error; err != nil {
		return nil, fmt.Errorf("look up payment reference: %w", err)
	}
	if row.WalletID != w.ID {
		return nil, errutil.Validation("payment reference belongs to another wallet",
			errutil.WithField("reference", req.Reference))
	}
	return &row, nil
}

func (l *Ledger) Wallet(ctx context.Context, userID string) (*models.TokenWallet, error) {
	var w models.TokenWallet
	err := l.db.WithContext(ctx).First(&w, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("Wallet", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet of %s: %w", userID, err)
	}
	return &w, nil
}

// Transactions lists the user's ledger rows, oldest first.
func (l *Ledger) Transactions(ctx context.Context, userID string) ([]models.Transaction, error) {
	w, err := l.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	var rows []models.Transaction
	if err := l.db.WithContext(ctx).
		Where("wallet_id = ?", w.ID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list transactions of %s: %w", userID, err)
	}
	return rows, nil
}

func validateBooking(req CreateBookingRequest) error {
	switch {
	case req.SeekerID == "" || req.ProviderID == "":
		return errutil.Validation("seeker and provider are required")
	case req.SeekerID == req.ProviderID:
		return errutil.Validation("seeker cannot book themselves")
	case req.TokenAmount <= 0:
		return errutil.Validation("token amount must be positive",
			errutil.WithField("token_amount", strconv.FormatInt(req.TokenAmount, 10)))
	case req.Duration <= 0:
		return errutil.Validation("duration must be positive")
	case req.ScheduledAt.IsZero():
		return errutil.Validation("scheduled time is required")
	}
	return nil
}

// lockWallets locks the wallets of the given users in user id order, creating
// missing ones, so two bookings between the same pair never deadlock.
func lockWallets(tx *gorm.DB, userIDs ...string) (map[string]*models.TokenWallet, error) {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)

	out := make(map[string]*models.TokenWallet, len(ids))
	for _, id := range ids {
		w, err := ensureWallet(tx, id)
		if err != nil {
			return nil, err
		}
		out[id] = w
	}
	return out, nil
}

func ensureWallet(tx *gorm.DB, userID string) (*models.TokenWallet, error) {
	seed := models.TokenWallet{UserID: userID}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("create wallet for %s: %w", userID, err)
	}
	return lockWallet(tx, userID)
}

func lockWallet(tx *gorm.DB, userID string) (*models.TokenWallet, error) {
	var w models.TokenWallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("Wallet", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet of %s: %w", userID, err)
	}
	return &w, nil
}

func (l *Ledger) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if errutil.StatusOf(err).Recoverable() {
		l.log.Warn(msg, fields...)
		return
	}
	l.log.Error(msg, fields...)
}
