package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"safechat/backend/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// AllModels lists every persisted model, in migration order.
var AllModels = []any{
	&models.User{},
	&models.Booking{},
	&models.Message{},
	&models.TokenWallet{},
	&models.Transaction{},
	&models.Assignment{},
	&models.RoundRobinCounter{},
	&models.Verification{},
	&models.MonitoringAlert{},
}

// NewTestDB creates an in-memory SQLite database migrated with every model.
// The pool is capped at one connection, so transactions serialize the way row
// locks serialize them on postgres.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(AllModels...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

// SeedUser inserts a user with the given role; staff are active and verified.
func SeedUser(t *testing.T, db *gorm.DB, role models.Role) *models.User {
	t.Helper()

	u := &models.User{Role: role, IsActive: true, IsVerified: role.IsStaff()}
	u.Email = fmt.Sprintf("%s-%d@example.com", strings.ToLower(string(role)), seq())
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

// SeedWallet inserts a wallet with a starting spendable balance and the
// matching PURCHASE row so the ledger reconciles.
func SeedWallet(t *testing.T, db *gorm.DB, userID string, balance int64) *models.TokenWallet {
	t.Helper()

	w := &models.TokenWallet{UserID: userID, Balance: balance, TotalPurchased: balance}
	if err := db.Create(w).Error; err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	if balance > 0 {
		tx := &models.Transaction{
			WalletID:     w.ID,
			Type:         models.TxPurchase,
			Amount:       balance,
			BalanceDelta: balance,
			Description:  "seed",
		}
		if err := db.Create(tx).Error; err != nil {
			t.Fatalf("seed purchase: %v", err)
		}
	}
	return w
}

// HideNextLookup makes the next query on table return no rows, as if a
// concurrent writer had not committed yet when the lookup ran.
func HideNextLookup(t *testing.T, db *gorm.DB, table string) {
	t.Helper()

	var armed atomic.Bool
	armed.Store(true)
	err := db.Callback().Query().Before("gorm:query").Register("testutil:hide_"+table, func(tx *gorm.DB) {
		if tx.Statement.Table == table && armed.CompareAndSwap(true, false) {
			tx.Statement.AddClause(clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "1 = 0"}}})
		}
	})
	if err != nil {
		t.Fatalf("register lookup hook: %v", err)
	}
}

var counter atomic.Int64

func seq() int64 {
	return counter.Add(1)
}
