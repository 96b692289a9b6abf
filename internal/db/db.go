package db

import (
	"campus-vending/internal/config"
	"campus-vending/internal/models"
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// LedgerDB stores cash movements. It has no update or delete methods.
type LedgerDB interface {
	InsertLedgerEntry(ctx context.Context, tx *sql.Tx, entry models.LedgerEntry) (int, time.Time, error)
	GetLedgerEntries(ctx context.Context, accountID int, direction models.Direction) ([]models.LedgerEntry, error)
	GetLedgerTotal(ctx context.Context, accountID int, direction models.Direction) (int64, error)
}

type VendingDB interface {
	LedgerDB
	BeginTx(ctx context.Context) (*sql.Tx, error)
	GetAccountForUpdate(ctx context.Context, tx *sql.Tx, accountID int) (models.Account, error)
	SetBalance(ctx context.Context, tx *sql.Tx, accountID int, balance decimal.Decimal) error
	GetProductForUpdate(ctx context.Context, tx *sql.Tx, productID int) (models.Product, error)
	DecreaseProductQuantity(ctx context.Context, tx *sql.Tx, productID, delta int) error
	InsertPurchase(ctx context.Context, tx *sql.Tx, p models.Purchase) (int, error)
	GetAccount(ctx context.Context, accountID int) (models.Account, error)
	GetProduct(ctx context.Context, productID int) (models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	GetPurchases(ctx context.Context, accountID int) ([]models.Purchase, error)
	GetPurchaseTotal(ctx context.Context, accountID int) (decimal.Decimal, error)
}

type AccountDB interface {
	GetOrCreateAccount(ctx context.Context, name, campus string) (models.Account, error)
}

func Connect(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
