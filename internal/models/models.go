package models

import (
	"time"

	"campus-vending/internal/cash"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Account struct {
	ID        int
	Name      string
	Campus    string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

type Product struct {
	ID       int
	Code     string
	Name     string
	Category string
	Price    decimal.Decimal
	Quantity int
}

type Direction string

const (
	DirectionInserted Direction = "INSERTED"
	DirectionReturned Direction = "RETURNED"
)

// LedgerEntry is one cash movement. Rows are written once and never updated.
type LedgerEntry struct {
	ID        int
	AccountID int
	Direction Direction
	Cash      cash.Vector
	CreatedAt time.Time
}

// Total is derived from the denominations rather than stored separately.
func (e LedgerEntry) Total() int64 {
	return e.Cash.Total()
}

type Purchase struct {
	ID        int
	OrderRef  uuid.UUID
	AccountID int
	ProductID int
	Quantity  int
	UnitPrice decimal.Decimal
	LineCost  decimal.Decimal
	CreatedAt time.Time
}
