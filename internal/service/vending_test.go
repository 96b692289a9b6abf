package service

import (
	"campus-vending/internal/cash"
	"campus-vending/internal/db"
	"context"
	"database/sql"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type mockLogger struct{}

func (m *mockLogger) Info(msg string, fields ...zap.Field)  {}
func (m *mockLogger) Warn(msg string, fields ...zap.Field)  {}
func (m *mockLogger) Error(msg string, fields ...zap.Field) {}
func (m *mockLogger) Sync() error                           { return nil }

var (
	qAccountForUpdate = regexp.QuoteMeta("SELECT id, name, campus, balance, created_at FROM accounts WHERE id=$1 FOR UPDATE")
	qAccount          = regexp.QuoteMeta("SELECT id, name, campus, balance, created_at FROM accounts WHERE id=$1")
	qProductForUpdate = regexp.QuoteMeta("SELECT id, code, name, category, price, quantity FROM products WHERE id=$1 FOR UPDATE")
	qProduct          = regexp.QuoteMeta("SELECT id, code, name, category, price, quantity FROM products WHERE id=$1")
	qDecreaseStock    = regexp.QuoteMeta("UPDATE products SET quantity = quantity - $1 WHERE id=$2 AND quantity >= $1")
	qInsertPurchase   = regexp.QuoteMeta("INSERT INTO purchases")
	qInsertLedger     = regexp.QuoteMeta("INSERT INTO cash_ledger")
	qSetBalance       = regexp.QuoteMeta("UPDATE accounts SET balance = $1 WHERE id=$2")
)

var testOrderRef = uuid.MustParse("6f1c2a43-57a1-4a43-9a53-2d0f1f9a3c11")

func newSQLMockService(t *testing.T) (*vendingService, sqlmock.Sqlmock) {
	t.Helper()
	dbConn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { dbConn.Close() })

	dbProv := db.NewVendingDB(dbConn)
	svc := &vendingService{
		dbProv: dbProv,
		ledger: NewCashLedger(dbProv, &mockLogger{}),
		log:    &mockLogger{},
		newRef: func() uuid.UUID { return testOrderRef },
	}
	return svc, mock
}

func accountRow(balance string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "campus", "balance", "created_at"}).
		AddRow(1, "Asha", "Ebene", balance, time.Now())
}

func productRow(id int, name, price string, qty int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "code", "name", "category", "price", "quantity"}).
		AddRow(id, "CK-001", name, "Cake", price, qty)
}

func ledgerRow(id int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id, time.Now())
}

func TestVendingService_ConfirmPurchase_Success(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(1).WillReturnRows(accountRow("150.00"))
	mock.ExpectQuery(qProductForUpdate).WithArgs(7).WillReturnRows(productRow(7, "Chocolate Cake", "40.00", 5))
	mock.ExpectExec(qDecreaseStock).WithArgs(2, 7).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(qInsertPurchase).
		WithArgs(sqlmock.AnyArg(), 1, 7, 2, decimal.NewFromInt(40), decimal.NewFromInt(80)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(qInsertLedger).
		WithArgs(1, "RETURNED", 0, 0, 1, 0, 1, 0, 0, 0).
		WillReturnRows(ledgerRow(3))
	mock.ExpectExec(qSetBalance).WithArgs(decimal.NewFromInt(70), 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	receipt, err := svc.ConfirmPurchase(context.Background(), 1, []Line{{ProductID: 7, Quantity: 2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !receipt.TotalCost.Equal(decimal.NewFromInt(80)) {
		t.Errorf("expected total 80, got %s", receipt.TotalCost)
	}
	if !receipt.NewBalance.Equal(decimal.NewFromInt(70)) {
		t.Errorf("expected new balance 70, got %s", receipt.NewBalance)
	}
	if !receipt.BalanceBefore.Equal(decimal.NewFromInt(150)) {
		t.Errorf("expected balance before 150, got %s", receipt.BalanceBefore)
	}
	want, _ := cash.FromCounts([cash.Size]int64{0, 0, 1, 0, 1, 0, 0, 0})
	if receipt.ChangeBreakdown != want {
		t.Errorf("expected change {50:1, 20:1}, got %v", receipt.ChangeBreakdown)
	}
	if receipt.OrderRef != testOrderRef || receipt.StudentName != "Asha" || receipt.Campus != "Ebene" {
		t.Errorf("unexpected receipt header: %+v", receipt)
	}
	if len(receipt.Lines) != 1 || receipt.Lines[0].Name != "Chocolate Cake" || !receipt.Lines[0].LineCost.Equal(decimal.NewFromInt(80)) {
		t.Errorf("unexpected receipt lines: %+v", receipt.Lines)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_ConfirmPurchase_InsufficientStock(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(1).WillReturnRows(accountRow("500.00"))
	mock.ExpectQuery(qProductForUpdate).WithArgs(7).WillReturnRows(productRow(7, "Chocolate Cake", "40.00", 1))
	mock.ExpectRollback()

	_, err := svc.ConfirmPurchase(context.Background(), 1, []Line{{ProductID: 7, Quantity: 2}})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	var se *InsufficientStockError
	if !errors.As(err, &se) || se.ProductID != 7 || se.Requested != 2 || se.Available != 1 {
		t.Errorf("unexpected stock error detail: %+v", se)
	}
	// No UPDATE or INSERT was expected, so any write would fail here.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_ConfirmPurchase_DuplicateLinesCheckedTogether(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(1).WillReturnRows(accountRow("500.00"))
	mock.ExpectQuery(qProductForUpdate).WithArgs(7).WillReturnRows(productRow(7, "Chocolate Cake", "40.00", 1))
	mock.ExpectRollback()

	lines := []Line{{ProductID: 7, Quantity: 1}, {ProductID: 7, Quantity: 1}}
	_, err := svc.ConfirmPurchase(context.Background(), 1, lines)
	var se *InsufficientStockError
	if !errors.As(err, &se) || se.Requested != 2 {
		t.Fatalf("expected aggregated stock error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_ConfirmPurchase_InsufficientBalance(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(1).WillReturnRows(accountRow("50.00"))
	mock.ExpectQuery(qProductForUpdate).WithArgs(7).WillReturnRows(productRow(7, "Chocolate Cake", "40.00", 5))
	mock.ExpectRollback()

	_, err := svc.ConfirmPurchase(context.Background(), 1, []Line{{ProductID: 7, Quantity: 2}})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	var be *InsufficientBalanceError
	if !errors.As(err, &be) || !be.Shortfall.Equal(decimal.NewFromInt(30)) {
		t.Errorf("expected shortfall 30, got %+v", be)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_ConfirmPurchase_LocksProductsInIDOrder(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(1).WillReturnRows(accountRow("100.00"))
	mock.ExpectQuery(qProductForUpdate).WithArgs(3).WillReturnRows(productRow(3, "Cola", "30.00", 4))
	mock.ExpectQuery(qProductForUpdate).WithArgs(9).WillReturnRows(productRow(9, "Cupcake", "25.00", 4))
	mock.ExpectExec(qDecreaseStock).WithArgs(1, 9).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(qInsertPurchase).
		WithArgs(sqlmock.AnyArg(), 1, 9, 1, decimal.NewFromInt(25), decimal.NewFromInt(25)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(qDecreaseStock).WithArgs(2, 3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(qInsertPurchase).
		WithArgs(sqlmock.AnyArg(), 1, 3, 2, decimal.NewFromInt(30), decimal.NewFromInt(60)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectQuery(qInsertLedger).
		WithArgs(1, "RETURNED", 0, 0, 0, 0, 0, 1, 1, 0).
		WillReturnRows(ledgerRow(4))
	mock.ExpectExec(qSetBalance).WithArgs(decimal.NewFromInt(15), 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lines := []Line{{ProductID: 9, Quantity: 1}, {ProductID: 3, Quantity: 2}}
	receipt, err := svc.ConfirmPurchase(context.Background(), 1, lines)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !receipt.Change.Equal(decimal.NewFromInt(15)) {
		t.Errorf("expected change 15, got %s", receipt.Change)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_ConfirmPurchase_TruncatesFractionalChange(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(1).WillReturnRows(accountRow("100.00"))
	mock.ExpectQuery(qProductForUpdate).WithArgs(7).WillReturnRows(productRow(7, "Muffin", "12.50", 5))
	mock.ExpectExec(qDecreaseStock).WithArgs(1, 7).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(qInsertPurchase).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	// 87.50 of change: 50 + 25 + 10 + 1 + 1, the half unit is dropped.
	mock.ExpectQuery(qInsertLedger).
		WithArgs(1, "RETURNED", 0, 0, 1, 1, 0, 1, 0, 2).
		WillReturnRows(ledgerRow(5))
	mock.ExpectExec(qSetBalance).WithArgs(decimal.RequireFromString("87.5"), 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	receipt, err := svc.ConfirmPurchase(context.Background(), 1, []Line{{ProductID: 7, Quantity: 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.ChangeBreakdown.Total() != 87 {
		t.Errorf("expected 87 dispensed, got %d", receipt.ChangeBreakdown.Total())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_ConfirmPurchase_StorageFailureRollsBack(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(1).WillReturnRows(accountRow("150.00"))
	mock.ExpectQuery(qProductForUpdate).WithArgs(7).WillReturnRows(productRow(7, "Chocolate Cake", "40.00", 5))
	mock.ExpectExec(qDecreaseStock).WithArgs(2, 7).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(qInsertPurchase).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := svc.ConfirmPurchase(context.Background(), 1, []Line{{ProductID: 7, Quantity: 2}})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_ConfirmPurchase_ItemNotFound(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(1).WillReturnRows(accountRow("150.00"))
	mock.ExpectQuery(qProductForUpdate).WithArgs(42).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.ConfirmPurchase(context.Background(), 1, []Line{{ProductID: 42, Quantity: 1}})
	if !errors.Is(err, ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_ConfirmPurchase_InvalidLines(t *testing.T) {
	svc, mock := newSQLMockService(t)

	if _, err := svc.ConfirmPurchase(context.Background(), 1, nil); !errors.Is(err, ErrEmptyOrder) {
		t.Errorf("expected ErrEmptyOrder, got %v", err)
	}
	_, err := svc.ConfirmPurchase(context.Background(), 1, []Line{{ProductID: 7, Quantity: 0}})
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database access: %v", err)
	}
}

func TestVendingService_ConfirmPurchase_QuantityBounds(t *testing.T) {
	svc, mock := newSQLMockService(t)
	ctx := context.Background()

	cases := map[string][]Line{
		"single line above max": {{ProductID: 7, Quantity: MaxQuantity + 1}},
		"repeated lines sum above max": {
			{ProductID: 7, Quantity: MaxQuantity},
			{ProductID: 7, Quantity: 1},
		},
		"platform max int": {
			{ProductID: 7, Quantity: math.MaxInt},
			{ProductID: 7, Quantity: 1},
		},
	}
	for name, lines := range cases {
		if _, err := svc.ConfirmPurchase(ctx, 1, lines); !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("%s: expected ErrInvalidQuantity, got %v", name, err)
		}
		if _, err := svc.PreviewPurchase(ctx, 1, lines); !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("%s: preview expected ErrInvalidQuantity, got %v", name, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database access: %v", err)
	}
}

func TestVendingService_InsertBatch_Success(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(1).WillReturnRows(accountRow("0.00"))
	mock.ExpectQuery(qInsertLedger).
		WithArgs(1, "INSERTED", 0, 1, 0, 2, 0, 0, 0, 0).
		WillReturnRows(ledgerRow(1))
	mock.ExpectExec(qSetBalance).WithArgs(decimal.NewFromInt(150), 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dep, err := svc.InsertBatch(context.Background(), 1, []Insertion{
		{Denomination: 100, Count: 1},
		{Denomination: 25, Count: 1},
		{Denomination: 25, Count: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dep.Entry.Total() != 150 {
		t.Errorf("expected ledger total 150, got %d", dep.Entry.Total())
	}
	if !dep.NewBalance.Equal(decimal.NewFromInt(150)) {
		t.Errorf("expected balance 150, got %s", dep.NewBalance)
	}
	if dep.Entry.ID != 1 {
		t.Errorf("expected entry id 1, got %d", dep.Entry.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_InsertCash_AddsToBalance(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(1).WillReturnRows(accountRow("70.00"))
	mock.ExpectQuery(qInsertLedger).
		WithArgs(1, "INSERTED", 0, 0, 0, 0, 0, 0, 3, 0).
		WillReturnRows(ledgerRow(2))
	mock.ExpectExec(qSetBalance).WithArgs(decimal.NewFromInt(85), 1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dep, err := svc.InsertCash(context.Background(), 1, 5, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dep.NewBalance.Equal(decimal.NewFromInt(85)) {
		t.Errorf("expected balance 85, got %s", dep.NewBalance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_InsertCash_Rejections(t *testing.T) {
	svc, mock := newSQLMockService(t)
	ctx := context.Background()

	if _, err := svc.InsertCash(ctx, 1, 30, 1); !errors.Is(err, cash.ErrInvalidDenomination) {
		t.Errorf("expected ErrInvalidDenomination, got %v", err)
	}
	if _, err := svc.InsertCash(ctx, 1, 20, -1); !errors.Is(err, cash.ErrInvalidCount) {
		t.Errorf("expected ErrInvalidCount, got %v", err)
	}
	if _, err := svc.InsertCash(ctx, 1, 20, 0); !errors.Is(err, ErrEmptyInsertion) {
		t.Errorf("expected ErrEmptyInsertion, got %v", err)
	}
	if _, err := svc.InsertCash(ctx, 1, 200, math.MaxInt64/100); !errors.Is(err, cash.ErrInvalidCount) {
		t.Errorf("expected ErrInvalidCount for an oversized count, got %v", err)
	}
	_, err := svc.InsertBatch(ctx, 1, []Insertion{
		{Denomination: 1, Count: cash.MaxCount},
		{Denomination: 1, Count: 1},
	})
	if !errors.Is(err, cash.ErrInvalidCount) {
		t.Errorf("expected ErrInvalidCount for a batch above the face limit, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database access: %v", err)
	}
}

func TestVendingService_InsertCash_AccountNotFound(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(qAccountForUpdate).WithArgs(99).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if _, err := svc.InsertCash(context.Background(), 99, 100, 1); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_PreviewPurchase(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectQuery(qAccount).WithArgs(1).WillReturnRows(accountRow("50.00"))
	mock.ExpectQuery(qProduct).WithArgs(7).WillReturnRows(productRow(7, "Chocolate Cake", "40.00", 5))

	preview, err := svc.PreviewPurchase(context.Background(), 1, []Line{{ProductID: 7, Quantity: 2}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !preview.TotalCost.Equal(decimal.NewFromInt(80)) {
		t.Errorf("expected total 80, got %s", preview.TotalCost)
	}
	if !preview.Shortfall.Equal(decimal.NewFromInt(30)) {
		t.Errorf("expected shortfall 30, got %s", preview.Shortfall)
	}
	if len(preview.Lines) != 1 || !preview.Lines[0].LineCost.Equal(decimal.NewFromInt(80)) {
		t.Errorf("unexpected lines: %+v", preview.Lines)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestVendingService_PreviewPurchase_ItemNotFound(t *testing.T) {
	svc, mock := newSQLMockService(t)

	mock.ExpectQuery(qAccount).WithArgs(1).WillReturnRows(accountRow("50.00"))
	mock.ExpectQuery(qProduct).WithArgs(8).WillReturnError(sql.ErrNoRows)

	_, err := svc.PreviewPurchase(context.Background(), 1, []Line{{ProductID: 8, Quantity: 1}})
	if !errors.Is(err, ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func TestVendingService_DecomposeAmount(t *testing.T) {
	svc := &vendingService{log: &mockLogger{}}

	v, err := svc.DecomposeAmount(decimal.NewFromInt(70))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Count(50) != 1 || v.Count(20) != 1 || v.Total() != 70 {
		t.Errorf("unexpected breakdown: %v", v)
	}
	for _, s := range []string{"1.5", "18446744073709551716"} {
		if _, err := svc.DecomposeAmount(decimal.RequireFromString(s)); !errors.Is(err, cash.ErrInvalidAmount) {
			t.Errorf("%s: expected ErrInvalidAmount, got %v", s, err)
		}
	}
}
