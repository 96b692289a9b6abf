package db

import (
	"campus-vending/internal/cash"
	"campus-vending/internal/models"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const ledgerColumns = "notes_200, notes_100, notes_50, notes_25, coins_20, coins_10, coins_5, coins_1"

const ledgerTotalExpr = "notes_200*200 + notes_100*100 + notes_50*50 + notes_25*25 + " +
	"coins_20*20 + coins_10*10 + coins_5*5 + coins_1"

type vendingDBImplementation struct {
	db *sql.DB
}

func NewVendingDB(dbConn *sql.DB) VendingDB {
	return &vendingDBImplementation{
		db: dbConn,
	}
}

type accountDBImplementation struct {
	db *sql.DB
}

func NewAccountDB(dbConn *sql.DB) AccountDB {
	return &accountDBImplementation{
		db: dbConn,
	}
}

func (a *accountDBImplementation) GetOrCreateAccount(ctx context.Context, name, campus string) (models.Account, error) {
	var acc models.Account
	err := a.db.QueryRowContext(ctx, `
INSERT INTO accounts (name, campus) VALUES ($1, $2)
ON CONFLICT (name, campus) DO UPDATE SET name = EXCLUDED.name
RETURNING id, name, campus, balance, created_at`, name, campus).
		Scan(&acc.ID, &acc.Name, &acc.Campus, &acc.Balance, &acc.CreatedAt)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to get or create account %q at %q: %w", name, campus, err)
	}
	return acc, nil
}

func (v *vendingDBImplementation) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

func (v *vendingDBImplementation) GetAccountForUpdate(ctx context.Context, tx *sql.Tx, accountID int) (models.Account, error) {
	var acc models.Account
	err := tx.QueryRowContext(ctx,
		"SELECT id, name, campus, balance, created_at FROM accounts WHERE id=$1 FOR UPDATE", accountID).
		Scan(&acc.ID, &acc.Name, &acc.Campus, &acc.Balance, &acc.CreatedAt)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to get account %d for update: %w", accountID, err)
	}
	return acc, nil
}

func (v *vendingDBImplementation) SetBalance(ctx context.Context, tx *sql.Tx, accountID int, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, "UPDATE accounts SET balance = $1 WHERE id=$2", balance, accountID)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return nil
}

func (v *vendingDBImplementation) GetProductForUpdate(ctx context.Context, tx *sql.Tx, productID int) (models.Product, error) {
	var p models.Product
	var code sql.NullString
	err := tx.QueryRowContext(ctx,
		"SELECT id, code, name, category, price, quantity FROM products WHERE id=$1 FOR UPDATE", productID).
		Scan(&p.ID, &code, &p.Name, &p.Category, &p.Price, &p.Quantity)
	if err != nil {
		return models.Product{}, fmt.Errorf("failed to get product %d for update: %w", productID, err)
	}
	p.Code = code.String
	return p, nil
}

func (v *vendingDBImplementation) DecreaseProductQuantity(ctx context.Context, tx *sql.Tx, productID, delta int) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE products SET quantity = quantity - $1 WHERE id=$2 AND quantity >= $1", delta, productID)
	if err != nil {
		return fmt.Errorf("failed to decrease product quantity: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to decrease product quantity: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("failed to decrease product %d by %d: no row updated", productID, delta)
	}
	return nil
}

func (v *vendingDBImplementation) InsertPurchase(ctx context.Context, tx *sql.Tx, p models.Purchase) (int, error) {
	var id int
	err := tx.QueryRowContext(ctx, `
INSERT INTO purchases (order_ref, account_id, product_id, quantity, unit_price, line_cost)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		p.OrderRef, p.AccountID, p.ProductID, p.Quantity, p.UnitPrice, p.LineCost).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert purchase: %w", err)
	}
	return id, nil
}

func (v *vendingDBImplementation) InsertLedgerEntry(ctx context.Context, tx *sql.Tx, entry models.LedgerEntry) (int, time.Time, error) {
	var (
		id        int
		createdAt time.Time
	)
	c := entry.Cash.Counts()
	err := tx.QueryRowContext(ctx, `
INSERT INTO cash_ledger (account_id, direction, `+ledgerColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id, created_at`,
		entry.AccountID, string(entry.Direction), c[0], c[1], c[2], c[3], c[4], c[5], c[6], c[7]).
		Scan(&id, &createdAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return id, createdAt, nil
}

func (v *vendingDBImplementation) GetLedgerEntries(ctx context.Context, accountID int, direction models.Direction) ([]models.LedgerEntry, error) {
	rows, err := v.db.QueryContext(ctx, `
SELECT id, created_at, `+ledgerColumns+`
FROM cash_ledger
WHERE account_id=$1 AND direction=$2
ORDER BY id`, accountID, string(direction))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s ledger entries: %w", direction, err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var (
			e models.LedgerEntry
			c [cash.Size]int64
		)
		if err := rows.Scan(&e.ID, &e.CreatedAt, &c[0], &c[1], &c[2], &c[3], &c[4], &c[5], &c[6], &c[7]); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if e.Cash, err = cash.FromCounts(c); err != nil {
			return nil, fmt.Errorf("corrupt ledger entry %d: %w", e.ID, err)
		}
		e.AccountID = accountID
		e.Direction = direction
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger entries: %w", err)
	}
	return entries, nil
}

func (v *vendingDBImplementation) GetLedgerTotal(ctx context.Context, accountID int, direction models.Direction) (int64, error) {
	var total int64
	err := v.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM("+ledgerTotalExpr+"), 0) FROM cash_ledger WHERE account_id=$1 AND direction=$2",
		accountID, string(direction)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum %s ledger entries: %w", direction, err)
	}
	return total, nil
}

func (v *vendingDBImplementation) GetAccount(ctx context.Context, accountID int) (models.Account, error) {
	var acc models.Account
	err := v.db.QueryRowContext(ctx,
		"SELECT id, name, campus, balance, created_at FROM accounts WHERE id=$1", accountID).
		Scan(&acc.ID, &acc.Name, &acc.Campus, &acc.Balance, &acc.CreatedAt)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to get account %d: %w", accountID, err)
	}
	return acc, nil
}

func (v *vendingDBImplementation) GetProduct(ctx context.Context, productID int) (models.Product, error) {
	var p models.Product
	var code sql.NullString
	err := v.db.QueryRowContext(ctx,
		"SELECT id, code, name, category, price, quantity FROM products WHERE id=$1", productID).
		Scan(&p.ID, &code, &p.Name, &p.Category, &p.Price, &p.Quantity)
	if err != nil {
		return models.Product{}, fmt.Errorf("failed to get product %d: %w", productID, err)
	}
	p.Code = code.String
	return p, nil
}

func (v *vendingDBImplementation) ListProducts(ctx context.Context) ([]models.Product, error) {
	rows, err := v.db.QueryContext(ctx, "SELECT id, code, name, category, price, quantity FROM products ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		var p models.Product
		var code sql.NullString
		if err := rows.Scan(&p.ID, &code, &p.Name, &p.Category, &p.Price, &p.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		p.Code = code.String
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read products: %w", err)
	}
	return products, nil
}

func (v *vendingDBImplementation) GetPurchases(ctx context.Context, accountID int) ([]models.Purchase, error) {
	rows, err := v.db.QueryContext(ctx, `
SELECT id, order_ref, product_id, quantity, unit_price, line_cost, created_at
FROM purchases
WHERE account_id=$1
ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []models.Purchase
	for rows.Next() {
		p := models.Purchase{AccountID: accountID}
		if err := rows.Scan(&p.ID, &p.OrderRef, &p.ProductID, &p.Quantity, &p.UnitPrice, &p.LineCost, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read purchases: %w", err)
	}
	return purchases, nil
}

func (v *vendingDBImplementation) GetPurchaseTotal(ctx context.Context, accountID int) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := v.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(line_cost), 0) FROM purchases WHERE account_id=$1", accountID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum purchases: %w", err)
	}
	return total, nil
}
