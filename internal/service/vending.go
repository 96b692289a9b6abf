package service

import (
	"campus-vending/internal/cash"
	"campus-vending/internal/db"
	"campus-vending/internal/models"
	"campus-vending/pkg"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Line is one requested product in an order.
type Line struct {
	ProductID int
	Quantity  int
}

// Insertion is a number of identical notes or coins put into the machine.
type Insertion struct {
	Denomination int64
	Count        int64
}

type Deposit struct {
	Entry      models.LedgerEntry
	NewBalance decimal.Decimal
}

type PricedLine struct {
	ProductID int
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	LineCost  decimal.Decimal
}

type Preview struct {
	Lines     []PricedLine
	TotalCost decimal.Decimal
	Balance   decimal.Decimal
	Shortfall decimal.Decimal
}

type Receipt struct {
	OrderRef        uuid.UUID
	StudentName     string
	Campus          string
	Lines           []PricedLine
	TotalCost       decimal.Decimal
	BalanceBefore   decimal.Decimal
	Change          decimal.Decimal
	ChangeBreakdown cash.Vector
	NewBalance      decimal.Decimal
	CreatedAt       time.Time
}

type AccountInfo struct {
	Account   models.Account
	Inserted  []models.LedgerEntry
	Returned  []models.LedgerEntry
	Purchases []models.Purchase
}

// Reconciliation compares the stored balance with the one implied by the
// ledger and purchase history.
type Reconciliation struct {
	Stored   decimal.Decimal
	Expected decimal.Decimal
	Inserted int64
	Returned int64
	Spent    decimal.Decimal
	Balanced bool
}

type VendingService interface {
	InsertCash(ctx context.Context, accountID int, denomination, count int64) (Deposit, error)

	InsertBatch(ctx context.Context, accountID int, insertions []Insertion) (Deposit, error)

	PreviewPurchase(ctx context.Context, accountID int, lines []Line) (Preview, error)

	ConfirmPurchase(ctx context.Context, accountID int, lines []Line) (Receipt, error)

	DecomposeAmount(amount decimal.Decimal) (cash.Vector, error)

	ListProducts(ctx context.Context) ([]models.Product, error)

	AccountInfo(ctx context.Context, accountID int) (AccountInfo, error)

	ReconcileBalance(ctx context.Context, accountID int) (Reconciliation, error)
}

type vendingService struct {
	dbProv db.VendingDB
	ledger *CashLedger
	log    pkg.Logger
	newRef func() uuid.UUID
}

func NewVendingService(dbProv db.VendingDB, log pkg.Logger) VendingService {
	return &vendingService{
		dbProv: dbProv,
		ledger: NewCashLedger(dbProv, log),
		log:    log,
		newRef: uuid.New,
	}
}

func (s *vendingService) InsertCash(ctx context.Context, accountID int, denomination, count int64) (Deposit, error) {
	v, err := cash.Vector{}.Add(denomination, count)
	if err != nil {
		return Deposit{}, err
	}
	return s.deposit(ctx, accountID, v)
}

// InsertBatch collects several insertions into one pending vector and
// commits it as a single ledger entry.
func (s *vendingService) InsertBatch(ctx context.Context, accountID int, insertions []Insertion) (Deposit, error) {
	var pending cash.Vector
	for _, in := range insertions {
		one, err := cash.Vector{}.Add(in.Denomination, in.Count)
		if err != nil {
			return Deposit{}, err
		}
		if pending, err = cash.Merge(pending, one); err != nil {
			return Deposit{}, err
		}
	}
	return s.deposit(ctx, accountID, pending)
}

func (s *vendingService) deposit(ctx context.Context, accountID int, v cash.Vector) (Deposit, error) {
	if v.IsZero() {
		return Deposit{}, ErrEmptyInsertion
	}

	tx, err := s.dbProv.BeginTx(ctx)
	if err != nil {
		return Deposit{}, storageErr("begin deposit", err)
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := s.dbProv.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return Deposit{}, s.accountErr(accountID, err)
	}

	entry, err := s.ledger.RecordInsertion(ctx, tx, accountID, v)
	if err != nil {
		return Deposit{}, err
	}

	newBalance := acc.Balance.Add(decimal.NewFromInt(entry.Total()))
	if err := s.dbProv.SetBalance(ctx, tx, accountID, newBalance); err != nil {
		s.log.Error("failed to update balance", zap.Int("accountID", accountID), zap.Error(err))
		return Deposit{}, storageErr("update balance", err)
	}

	if err := tx.Commit(); err != nil {
		s.log.Error("failed to commit deposit", zap.Int("accountID", accountID), zap.Error(err))
		return Deposit{}, storageErr("commit deposit", err)
	}
	s.log.Info("Cash inserted",
		zap.Int("accountID", accountID),
		zap.Int64("amount", entry.Total()),
		zap.String("balance", newBalance.String()))
	return Deposit{Entry: entry, NewBalance: newBalance}, nil
}

func (s *vendingService) PreviewPurchase(ctx context.Context, accountID int, lines []Line) (Preview, error) {
	if _, err := aggregate(lines); err != nil {
		return Preview{}, err
	}

	acc, err := s.dbProv.GetAccount(ctx, accountID)
	if err != nil {
		return Preview{}, s.accountErr(accountID, err)
	}

	products := make(map[int]models.Product, len(lines))
	for _, l := range lines {
		if _, seen := products[l.ProductID]; seen {
			continue
		}
		p, err := s.dbProv.GetProduct(ctx, l.ProductID)
		if err != nil {
			return Preview{}, s.productErr(l.ProductID, err)
		}
		products[l.ProductID] = p
	}

	priced, total := price(lines, products)
	shortfall := decimal.Max(total.Sub(acc.Balance), decimal.Zero)
	return Preview{
		Lines:     priced,
		TotalCost: total,
		Balance:   acc.Balance,
		Shortfall: shortfall,
	}, nil
}

// ConfirmPurchase settles an order in one transaction. Nothing is written
// unless every line is in stock and the balance covers the total.
func (s *vendingService) ConfirmPurchase(ctx context.Context, accountID int, lines []Line) (Receipt, error) {
	wanted, err := aggregate(lines)
	if err != nil {
		return Receipt{}, err
	}

	tx, err := s.dbProv.BeginTx(ctx)
	if err != nil {
		return Receipt{}, storageErr("begin purchase", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock order: account first, then products by ascending id.
	acc, err := s.dbProv.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return Receipt{}, s.accountErr(accountID, err)
	}

	ids := make([]int, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	products := make(map[int]models.Product, len(ids))
	for _, id := range ids {
		p, err := s.dbProv.GetProductForUpdate(ctx, tx, id)
		if err != nil {
			return Receipt{}, s.productErr(id, err)
		}
		if wanted[id] > p.Quantity {
			s.log.Warn("purchase rejected: insufficient stock",
				zap.Int("accountID", accountID),
				zap.Int("productID", id),
				zap.Int("requested", wanted[id]),
				zap.Int("available", p.Quantity))
			return Receipt{}, &InsufficientStockError{
				ProductID: id,
				Name:      p.Name,
				Requested: wanted[id],
				Available: p.Quantity,
			}
		}
		products[id] = p
	}

	priced, total := price(lines, products)
	if total.GreaterThan(acc.Balance) {
		shortfall := total.Sub(acc.Balance)
		s.log.Warn("purchase rejected: insufficient balance",
			zap.Int("accountID", accountID),
			zap.String("balance", acc.Balance.String()),
			zap.String("shortfall", shortfall.String()))
		return Receipt{}, &InsufficientBalanceError{
			Balance:   acc.Balance,
			TotalCost: total,
			Shortfall: shortfall,
		}
	}

	orderRef := s.newRef()
	for _, l := range priced {
		if err := s.dbProv.DecreaseProductQuantity(ctx, tx, l.ProductID, l.Quantity); err != nil {
			s.log.Error("failed to decrease stock", zap.Int("productID", l.ProductID), zap.Error(err))
			return Receipt{}, storageErr("decrease stock", err)
		}
		_, err := s.dbProv.InsertPurchase(ctx, tx, models.Purchase{
			OrderRef:  orderRef,
			AccountID: accountID,
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			LineCost:  l.LineCost,
		})
		if err != nil {
			s.log.Error("failed to insert purchase", zap.Int("productID", l.ProductID), zap.Error(err))
			return Receipt{}, storageErr("insert purchase", err)
		}
	}

	change := decimal.Max(acc.Balance.Sub(total), decimal.Zero)
	breakdown, err := cash.DecomposeDecimal(change)
	if err != nil {
		return Receipt{}, err
	}
	entry, err := s.ledger.RecordReturn(ctx, tx, accountID, breakdown)
	if err != nil {
		return Receipt{}, err
	}

	newBalance := change
	if err := s.dbProv.SetBalance(ctx, tx, accountID, newBalance); err != nil {
		s.log.Error("failed to update balance", zap.Int("accountID", accountID), zap.Error(err))
		return Receipt{}, storageErr("update balance", err)
	}

	if err := tx.Commit(); err != nil {
		s.log.Error("failed to commit purchase", zap.Int("accountID", accountID), zap.Error(err))
		return Receipt{}, storageErr("commit purchase", err)
	}
	s.log.Info("Order confirmed",
		zap.Int("accountID", accountID),
		zap.String("orderRef", orderRef.String()),
		zap.String("total", total.String()),
		zap.String("change", change.String()))

	return Receipt{
		OrderRef:        orderRef,
		StudentName:     acc.Name,
		Campus:          acc.Campus,
		Lines:           priced,
		TotalCost:       total,
		BalanceBefore:   acc.Balance,
		Change:          change,
		ChangeBreakdown: breakdown,
		NewBalance:      newBalance,
		CreatedAt:       entry.CreatedAt,
	}, nil
}

func (s *vendingService) DecomposeAmount(amount decimal.Decimal) (cash.Vector, error) {
	whole, err := cash.WholeAmount(amount)
	if err != nil {
		return cash.Vector{}, err
	}
	return cash.Decompose(whole)
}

func (s *vendingService) ListProducts(ctx context.Context) ([]models.Product, error) {
	products, err := s.dbProv.ListProducts(ctx)
	if err != nil {
		s.log.Error("failed to list products", zap.Error(err))
		return nil, storageErr("list products", err)
	}
	return products, nil
}

func (s *vendingService) AccountInfo(ctx context.Context, accountID int) (AccountInfo, error) {
	var info AccountInfo

	acc, err := s.dbProv.GetAccount(ctx, accountID)
	if err != nil {
		return AccountInfo{}, s.accountErr(accountID, err)
	}
	info.Account = acc

	if info.Inserted, err = s.ledger.Entries(ctx, accountID, models.DirectionInserted); err != nil {
		return AccountInfo{}, err
	}
	if info.Returned, err = s.ledger.Entries(ctx, accountID, models.DirectionReturned); err != nil {
		return AccountInfo{}, err
	}

	info.Purchases, err = s.dbProv.GetPurchases(ctx, accountID)
	if err != nil {
		s.log.Error("failed to get purchases", zap.Int("accountID", accountID), zap.Error(err))
		return AccountInfo{}, storageErr("list purchases", err)
	}
	return info, nil
}

// ReconcileBalance rebuilds the balance as everything inserted minus
// everything spent. Returned change is dispensed and does not count.
func (s *vendingService) ReconcileBalance(ctx context.Context, accountID int) (Reconciliation, error) {
	acc, err := s.dbProv.GetAccount(ctx, accountID)
	if err != nil {
		return Reconciliation{}, s.accountErr(accountID, err)
	}
	inserted, err := s.ledger.Total(ctx, accountID, models.DirectionInserted)
	if err != nil {
		return Reconciliation{}, err
	}
	returned, err := s.ledger.Total(ctx, accountID, models.DirectionReturned)
	if err != nil {
		return Reconciliation{}, err
	}
	spent, err := s.dbProv.GetPurchaseTotal(ctx, accountID)
	if err != nil {
		s.log.Error("failed to sum purchases", zap.Int("accountID", accountID), zap.Error(err))
		return Reconciliation{}, storageErr("sum purchases", err)
	}

	expected := decimal.NewFromInt(inserted).Sub(spent)
	r := Reconciliation{
		Stored:   acc.Balance,
		Expected: expected,
		Inserted: inserted,
		Returned: returned,
		Spent:    spent,
		Balanced: expected.Equal(acc.Balance),
	}
	if !r.Balanced {
		s.log.Warn("balance does not match ledger",
			zap.Int("accountID", accountID),
			zap.String("stored", acc.Balance.String()),
			zap.String("expected", expected.String()))
	}
	return r, nil
}

func (s *vendingService) accountErr(accountID int, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Warn("account not found", zap.Int("accountID", accountID))
		return fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	s.log.Error("failed to load account", zap.Int("accountID", accountID), zap.Error(err))
	return storageErr("load account", err)
}

func (s *vendingService) productErr(productID int, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Warn("product not found", zap.Int("productID", productID))
		return fmt.Errorf("%w: %d", ErrItemNotFound, productID)
	}
	s.log.Error("failed to load product", zap.Int("productID", productID), zap.Error(err))
	return storageErr("load product", err)
}

// MaxQuantity bounds the quantity of one product in an order, per line and
// summed over repeated lines. Stock is an INTEGER column.
const MaxQuantity = math.MaxInt32

// aggregate sums requested quantities per product so repeated lines are
// checked against stock together.
func aggregate(lines []Line) (map[int]int, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}
	wanted := make(map[int]int, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 || l.Quantity > MaxQuantity {
			return nil, fmt.Errorf("%w: %d for product %d", ErrInvalidQuantity, l.Quantity, l.ProductID)
		}
		if wanted[l.ProductID] > MaxQuantity-l.Quantity {
			return nil, fmt.Errorf("%w: more than %d of product %d", ErrInvalidQuantity, MaxQuantity, l.ProductID)
		}
		wanted[l.ProductID] += l.Quantity
	}
	return wanted, nil
}

func price(lines []Line, products map[int]models.Product) ([]PricedLine, decimal.Decimal) {
	total := decimal.Zero
	priced := make([]PricedLine, 0, len(lines))
	for _, l := range lines {
		p := products[l.ProductID]
		cost := p.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
		priced = append(priced, PricedLine{
			ProductID: l.ProductID,
			Name:      p.Name,
			Quantity:  l.Quantity,
			UnitPrice: p.Price,
			LineCost:  cost,
		})
		total = total.Add(cost)
	}
	return priced, total
}
