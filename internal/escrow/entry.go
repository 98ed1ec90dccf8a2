package escrow

import (
	"context"
	"fmt"
	"strconv"

	"safechat/backend/internal/errutil"
	"safechat/backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// entry is one wallet mutation together with the ledger row recording it.
type entry struct {
	Type         models.TransactionType
	Amount       int64
	BalanceDelta int64
	EscrowDelta  int64
	Purchased    int64
	Spent        int64
	BookingID    string
	Reference    *string
	Description  string
}

func apply(tx *gorm.DB, w *models.TokenWallet, e entry) error {
	_, err := applyRow(tx, w, e)
	return err
}

// applyRow mutates the locked wallet and appends the Transaction row. The
// update is guarded so neither column can go negative; a rejected guard means
// the caller's checks and the row disagree, which is an invariant violation.
func applyRow(tx *gorm.DB, w *models.TokenWallet, e entry) (*models.Transaction, error) {
	res := tx.Model(&models.TokenWallet{}).
		Where("id = ? AND balance + ? >= 0 AND escrow_balance + ? >= 0", w.ID, e.BalanceDelta, e.EscrowDelta).
		Updates(map[string]interface{}{
			"balance":         gorm.Expr("balance + ?", e.BalanceDelta),
			"escrow_balance":  gorm.Expr("escrow_balance + ?", e.EscrowDelta),
			"total_purchased": gorm.Expr("total_purchased + ?", e.Purchased),
			"total_spent":     gorm.Expr("total_spent + ?", e.Spent),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update wallet %s: %w", w.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, errutil.InvariantViolation("wallet mutation rejected by balance guard",
			errutil.WithField("wallet_id", w.ID),
			errutil.WithField("type", string(e.Type)),
			errutil.WithField("balance_delta", strconv.FormatInt(e.BalanceDelta, 10)),
			errutil.WithField("escrow_delta", strconv.FormatInt(e.EscrowDelta, 10)))
	}

	row := models.Transaction{
		WalletID:     w.ID,
		Type:         e.Type,
		Amount:       e.Amount,
		BalanceDelta: e.BalanceDelta,
		EscrowDelta:  e.EscrowDelta,
		Reference:    e.Reference,
		Description:  e.Description,
	}
	if e.BookingID != "" {
		id := e.BookingID
		row.BookingID = &id
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("insert %s transaction: %w", e.Type, err)
	}

	w.Balance += e.BalanceDelta
	w.EscrowBalance += e.EscrowDelta
	w.TotalPurchased += e.Purchased
	w.TotalSpent += e.Spent
	return &row, nil
}

// Reconciliation compares a wallet's columns with the sums of its ledger rows.
type Reconciliation struct {
	UserID        string `json:"user_id"`
	WalletID      string `json:"wallet_id"`
	Balance       int64  `json:"balance"`
	EscrowBalance int64  `json:"escrow_balance"`
	LedgerBalance int64  `json:"ledger_balance"`
	LedgerEscrow  int64  `json:"ledger_escrow"`
}

// Balanced reports whether the wallet matches its ledger.
func (r Reconciliation) Balanced() bool {
	return r.Balance == r.LedgerBalance && r.EscrowBalance == r.LedgerEscrow
}

type ledgerSum struct {
	WalletID      string
	LedgerBalance int64
	LedgerEscrow  int64
}

// Reconcile checks one wallet. A mismatch is returned together with an
// InvariantViolation error.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	w, err := l.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	var sum ledgerSum
	if err := l.db.WithContext(ctx).Model(&models.Transaction{}).
		Select("wallet_id, COALESCE(SUM(balance_delta), 0) AS ledger_balance, COALESCE(SUM(escrow_delta), 0) AS ledger_escrow").
		Where("wallet_id = ?", w.ID).
		Group("wallet_id").
		Scan(&sum).Error; err != nil {
		return nil, fmt.Errorf("sum ledger of %s: %w", userID, err)
	}

	r := &Reconciliation{
		UserID:        userID,
		WalletID:      w.ID,
		Balance:       w.Balance,
		EscrowBalance: w.EscrowBalance,
		LedgerBalance: sum.LedgerBalance,
		LedgerEscrow:  sum.LedgerEscrow,
	}
	if !r.Balanced() {
		l.logMismatch(*r)
		return r, errutil.InvariantViolation("wallet does not match its ledger", errutil.WithField("wallet_id", w.ID))
	}
	return r, nil
}

// ReconcileAll checks every wallet and returns the ones that do not balance.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	db := l.db.WithContext(ctx)

	var wallets []models.TokenWallet
	if err := db.Order("user_id ASC").Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	var sums []ledgerSum
	if err := db.Model(&models.Transaction{}).
		Select("wallet_id, COALESCE(SUM(balance_delta), 0) AS ledger_balance, COALESCE(SUM(escrow_delta), 0) AS ledger_escrow").
		Group("wallet_id").
		Scan(&sums).Error; err != nil {
		return nil, fmt.Errorf("sum ledger: %w", err)
	}
	byWallet := make(map[string]ledgerSum, len(sums))
	for _, s := range sums {
		byWallet[s.WalletID] = s
	}

	var mismatched []Reconciliation
	for _, w := range wallets {
		s := byWallet[w.ID]
		r := Reconciliation{
			UserID:        w.UserID,
			WalletID:      w.ID,
			Balance:       w.Balance,
			EscrowBalance: w.EscrowBalance,
			LedgerBalance: s.LedgerBalance,
			LedgerEscrow:  s.LedgerEscrow,
		}
		if !r.Balanced() {
			l.logMismatch(r)
			mismatched = append(mismatched, r)
		}
	}
	return mismatched, nil
}

func (l *Ledger) logMismatch(r Reconciliation) {
	l.log.Error("wallet does not match its ledger",
		zap.String("user_id", r.UserID),
		zap.String("wallet_id", r.WalletID),
		zap.Int64("balance", r.Balance),
		zap.Int64("ledger_balance", r.LedgerBalance),
		zap.Int64("escrow_balance", r.EscrowBalance),
		zap.Int64("ledger_escrow", r.LedgerEscrow))
}
