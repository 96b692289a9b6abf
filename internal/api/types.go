package api

import (
	"campus-vending/internal/cash"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

// ServerInterface lists every endpoint of the vending API.
type ServerInterface interface {
	PostApiSession(ctx echo.Context) error
	GetApiProducts(ctx echo.Context) error
	GetApiChange(ctx echo.Context, amount string) error
	GetApiAccount(ctx echo.Context) error
	PostApiCash(ctx echo.Context) error
	PostApiCashBatch(ctx echo.Context) error
	PostApiOrdersPreview(ctx echo.Context) error
	PostApiOrders(ctx echo.Context) error
	GetApiLedgerReconcile(ctx echo.Context) error
}

// PublicPaths are served without a session token.
var PublicPaths = []string{"/api/session", "/api/products", "/api/change/:amount"}

func RegisterHandlers(router *echo.Echo, si ServerInterface) {
	router.POST("/api/session", si.PostApiSession)
	router.GET("/api/products", si.GetApiProducts)
	router.GET("/api/change/:amount", func(ctx echo.Context) error {
		return si.GetApiChange(ctx, ctx.Param("amount"))
	})
	router.GET("/api/account", si.GetApiAccount)
	router.POST("/api/cash", si.PostApiCash)
	router.POST("/api/cash/batch", si.PostApiCashBatch)
	router.POST("/api/orders/preview", si.PostApiOrdersPreview)
	router.POST("/api/orders", si.PostApiOrders)
	router.GET("/api/ledger/reconcile", si.GetApiLedgerReconcile)
}

type SessionRequest struct {
	Name   string `json:"name" validate:"required,max=100"`
	Campus string `json:"campus" validate:"required,max=50"`
}

type SessionResponse struct {
	Token     string          `json:"token"`
	AccountID int             `json:"accountId"`
	Balance   decimal.Decimal `json:"balance"`
}

// InsertCashRequest inserts Count pieces of one denomination; Count
// defaults to 1.
type InsertCashRequest struct {
	Denomination int64  `json:"denomination" validate:"required"`
	Count        *int64 `json:"count,omitempty"`
}

type InsertBatchRequest struct {
	Insertions []InsertCashRequest `json:"insertions" validate:"required,min=1,dive"`
}

type LedgerEntryResponse struct {
	ID            int         `json:"id"`
	Direction     string      `json:"direction"`
	Total         int64       `json:"total"`
	Denominations cash.Vector `json:"denominations"`
	CreatedAt     time.Time   `json:"createdAt"`
}

type DepositResponse struct {
	Balance decimal.Decimal     `json:"balance"`
	Entry   LedgerEntryResponse `json:"entry"`
}

type OrderLine struct {
	ProductID int `json:"productId" validate:"required"`
	Quantity  int `json:"quantity" validate:"lte=2147483647"`
}

type OrderRequest struct {
	Lines []OrderLine `json:"lines" validate:"required,min=1,dive"`
}

type LineResponse struct {
	ProductID int             `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	LineCost  decimal.Decimal `json:"lineCost"`
}

type PreviewResponse struct {
	Lines     []LineResponse  `json:"lines"`
	TotalCost decimal.Decimal `json:"totalCost"`
	Balance   decimal.Decimal `json:"balance"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

type ReceiptResponse struct {
	OrderRef        string          `json:"orderRef"`
	StudentName     string          `json:"studentName"`
	Campus          string          `json:"campus"`
	Lines           []LineResponse  `json:"lines"`
	TotalCost       decimal.Decimal `json:"totalCost"`
	InsertedMoney   decimal.Decimal `json:"insertedMoney"`
	Change          decimal.Decimal `json:"change"`
	ChangeBreakdown cash.Vector     `json:"changeBreakdown"`
	Balance         decimal.Decimal `json:"balance"`
	Date            time.Time       `json:"date"`
}

type ProductResponse struct {
	ID       int             `json:"id"`
	Code     string          `json:"code,omitempty"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

type PurchaseResponse struct {
	OrderRef  string          `json:"orderRef"`
	ProductID int             `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	LineCost  decimal.Decimal `json:"lineCost"`
	CreatedAt time.Time       `json:"createdAt"`
}

type AccountResponse struct {
	ID        int                   `json:"id"`
	Name      string                `json:"name"`
	Campus    string                `json:"campus"`
	Balance   decimal.Decimal       `json:"balance"`
	Inserted  []LedgerEntryResponse `json:"inserted"`
	Returned  []LedgerEntryResponse `json:"returned"`
	Purchases []PurchaseResponse    `json:"purchases"`
}

type ChangeResponse struct {
	Amount int64       `json:"amount"`
	Change cash.Vector `json:"change"`
}

type ReconcileResponse struct {
	Stored   decimal.Decimal `json:"stored"`
	Expected decimal.Decimal `json:"expected"`
	Inserted int64           `json:"inserted"`
	Returned int64           `json:"returned"`
	Spent    decimal.Decimal `json:"spent"`
	Balanced bool            `json:"balanced"`
}

type ErrorResponse struct {
	Errors *string      `json:"errors,omitempty"`
	Detail *ErrorDetail `json:"detail,omitempty"`
}

// ErrorDetail carries what a client needs to explain a rejected order.
type ErrorDetail struct {
	ProductID *int             `json:"productId,omitempty"`
	Requested *int             `json:"requested,omitempty"`
	Available *int             `json:"available,omitempty"`
	Shortfall *decimal.Decimal `json:"shortfall,omitempty"`
}
