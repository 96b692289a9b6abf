package service

import (
	"campus-vending/internal/cash"
	"campus-vending/internal/db"
	"campus-vending/internal/models"
	"campus-vending/pkg"
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// CashLedger appends cash movements inside the caller's transaction. Entries
// are never changed afterwards; a correction is a new entry.
type CashLedger struct {
	dbProv db.LedgerDB
	log    pkg.Logger
}

func NewCashLedger(dbProv db.LedgerDB, log pkg.Logger) *CashLedger {
	return &CashLedger{
		dbProv: dbProv,
		log:    log,
	}
}

// RecordInsertion stores cash put into the machine.
func (l *CashLedger) RecordInsertion(ctx context.Context, tx *sql.Tx, accountID int, v cash.Vector) (models.LedgerEntry, error) {
	return l.record(ctx, tx, accountID, models.DirectionInserted, v)
}

// RecordReturn stores change handed back to the student.
func (l *CashLedger) RecordReturn(ctx context.Context, tx *sql.Tx, accountID int, v cash.Vector) (models.LedgerEntry, error) {
	return l.record(ctx, tx, accountID, models.DirectionReturned, v)
}

func (l *CashLedger) record(ctx context.Context, tx *sql.Tx, accountID int, dir models.Direction, v cash.Vector) (models.LedgerEntry, error) {
	entry := models.LedgerEntry{
		AccountID: accountID,
		Direction: dir,
		Cash:      v,
	}
	id, createdAt, err := l.dbProv.InsertLedgerEntry(ctx, tx, entry)
	if err != nil {
		l.log.Error("failed to record ledger entry",
			zap.Int("accountID", accountID),
			zap.String("direction", string(dir)),
			zap.Int64("total", v.Total()),
			zap.Error(err))
		return models.LedgerEntry{}, storageErr("record ledger entry", err)
	}
	entry.ID = id
	entry.CreatedAt = createdAt
	return entry, nil
}

func (l *CashLedger) Entries(ctx context.Context, accountID int, dir models.Direction) ([]models.LedgerEntry, error) {
	entries, err := l.dbProv.GetLedgerEntries(ctx, accountID, dir)
	if err != nil {
		l.log.Error("failed to list ledger entries", zap.Int("accountID", accountID), zap.Error(err))
		return nil, storageErr("list ledger entries", err)
	}
	return entries, nil
}

func (l *CashLedger) Total(ctx context.Context, accountID int, dir models.Direction) (int64, error) {
	total, err := l.dbProv.GetLedgerTotal(ctx, accountID, dir)
	if err != nil {
		l.log.Error("failed to sum ledger entries", zap.Int("accountID", accountID), zap.Error(err))
		return 0, storageErr("sum ledger entries", err)
	}
	return total, nil
}
