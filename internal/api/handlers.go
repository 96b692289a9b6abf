package api

import (
	"campus-vending/internal/cash"
	"campus-vending/internal/models"
	"campus-vending/internal/service"
	"campus-vending/pkg"
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handlers struct {
	SessionService service.SessionService
	VendingService service.VendingService
	Logger         pkg.Logger
}

var _ ServerInterface = (*Handlers)(nil)

func (h *Handlers) PostApiSession(ctx echo.Context) error {
	var req SessionRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorResponse{Errors: ptr("Invalid request body")})
	}
	if err := ctx.Validate(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorResponse{Errors: ptr("Name and campus are required")})
	}

	token, acc, err := h.SessionService.OpenSession(ctx.Request().Context(), req.Name, req.Campus)
	if err != nil {
		return h.fail(ctx, err, "failed to open session", zap.String("name", req.Name))
	}
	return ctx.JSON(http.StatusOK, SessionResponse{Token: token, AccountID: acc.ID, Balance: acc.Balance})
}

func (h *Handlers) GetApiProducts(ctx echo.Context) error {
	products, err := h.VendingService.ListProducts(ctx.Request().Context())
	if err != nil {
		return h.fail(ctx, err, "failed to list products")
	}
	resp := make([]ProductResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, ProductResponse{
			ID:       p.ID,
			Code:     p.Code,
			Name:     p.Name,
			Category: p.Category,
			Price:    p.Price,
			Quantity: p.Quantity,
		})
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (h *Handlers) GetApiChange(ctx echo.Context, amount string) error {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorResponse{Errors: ptr("Amount must be a number")})
	}
	v, err := h.VendingService.DecomposeAmount(d)
	if err != nil {
		return h.fail(ctx, err, "failed to decompose amount")
	}
	return ctx.JSON(http.StatusOK, ChangeResponse{Amount: v.Total(), Change: v})
}

func (h *Handlers) GetApiAccount(ctx echo.Context) error {
	accountID, err := getAccountIDFromContext(ctx)
	if err != nil {
		return ctx.JSON(http.StatusUnauthorized, ErrorResponse{Errors: ptr(err.Error())})
	}

	info, err := h.VendingService.AccountInfo(ctx.Request().Context(), accountID)
	if err != nil {
		return h.fail(ctx, err, "failed to get account info", zap.Int("accountID", accountID))
	}
	return ctx.JSON(http.StatusOK, convertToAccountResponse(info))
}

func (h *Handlers) PostApiCash(ctx echo.Context) error {
	accountID, err := getAccountIDFromContext(ctx)
	if err != nil {
		return ctx.JSON(http.StatusUnauthorized, ErrorResponse{Errors: ptr(err.Error())})
	}

	var req InsertCashRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorResponse{Errors: ptr("Invalid request body")})
	}
	if err := ctx.Validate(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorResponse{Errors: ptr("Denomination is required")})
	}

	dep, err := h.VendingService.InsertCash(ctx.Request().Context(), accountID, req.Denomination, countOrOne(req.Count))
	if err != nil {
		return h.fail(ctx, err, "failed to insert cash", zap.Int("accountID", accountID))
	}
	return ctx.JSON(http.StatusOK, DepositResponse{Balance: dep.NewBalance, Entry: convertEntry(dep.Entry)})
}

func (h *Handlers) PostApiCashBatch(ctx echo.Context) error {
	accountID, err := getAccountIDFromContext(ctx)
	if err != nil {
		return ctx.JSON(http.StatusUnauthorized, ErrorResponse{Errors: ptr(err.Error())})
	}

	var req InsertBatchRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorResponse{Errors: ptr("Invalid request body")})
	}
	if err := ctx.Validate(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, ErrorResponse{Errors: ptr("Insert some notes or coins first")})
	}

	insertions := make([]service.Insertion, 0, len(req.Insertions))
	for _, in := range req.Insertions {
		insertions = append(insertions, service.Insertion{Denomination: in.Denomination, Count: countOrOne(in.Count)})
	}
	dep, err := h.VendingService.InsertBatch(ctx.Request().Context(), accountID, insertions)
	if err != nil {
		return h.fail(ctx, err, "failed to insert cash batch", zap.Int("accountID", accountID))
	}
	return ctx.JSON(http.StatusOK, DepositResponse{Balance: dep.NewBalance, Entry: convertEntry(dep.Entry)})
}

func (h *Handlers) PostApiOrdersPreview(ctx echo.Context) error {
	accountID, lines, reqErr := h.bindOrder(ctx)
	if reqErr != nil {
		return ctx.JSON(reqErr.status, ErrorResponse{Errors: ptr(reqErr.msg)})
	}

	preview, err := h.VendingService.PreviewPurchase(ctx.Request().Context(), accountID, lines)
	if err != nil {
		return h.fail(ctx, err, "failed to preview order", zap.Int("accountID", accountID))
	}
	return ctx.JSON(http.StatusOK, PreviewResponse{
		Lines:     convertLines(preview.Lines),
		TotalCost: preview.TotalCost,
		Balance:   preview.Balance,
		Shortfall: preview.Shortfall,
	})
}

func (h *Handlers) PostApiOrders(ctx echo.Context) error {
	accountID, lines, reqErr := h.bindOrder(ctx)
	if reqErr != nil {
		return ctx.JSON(reqErr.status, ErrorResponse{Errors: ptr(reqErr.msg)})
	}

	receipt, err := h.VendingService.ConfirmPurchase(ctx.Request().Context(), accountID, lines)
	if err != nil {
		return h.fail(ctx, err, "failed to confirm order", zap.Int("accountID", accountID))
	}
	return ctx.JSON(http.StatusOK, ReceiptResponse{
		OrderRef:        receipt.OrderRef.String(),
		StudentName:     receipt.StudentName,
		Campus:          receipt.Campus,
		Lines:           convertLines(receipt.Lines),
		TotalCost:       receipt.TotalCost,
		InsertedMoney:   receipt.BalanceBefore,
		Change:          receipt.Change,
		ChangeBreakdown: receipt.ChangeBreakdown,
		Balance:         receipt.NewBalance,
		Date:            receipt.CreatedAt,
	})
}

func (h *Handlers) GetApiLedgerReconcile(ctx echo.Context) error {
	accountID, err := getAccountIDFromContext(ctx)
	if err != nil {
		return ctx.JSON(http.StatusUnauthorized, ErrorResponse{Errors: ptr(err.Error())})
	}

	r, err := h.VendingService.ReconcileBalance(ctx.Request().Context(), accountID)
	if err != nil {
		return h.fail(ctx, err, "failed to reconcile balance", zap.Int("accountID", accountID))
	}
	return ctx.JSON(http.StatusOK, ReconcileResponse{
		Stored:   r.Stored,
		Expected: r.Expected,
		Inserted: r.Inserted,
		Returned: r.Returned,
		Spent:    r.Spent,
		Balanced: r.Balanced,
	})
}

// requestError is a request rejected before it reaches a service.
type requestError struct {
	status int
	msg    string
}

func (h *Handlers) bindOrder(ctx echo.Context) (int, []service.Line, *requestError) {
	accountID, err := getAccountIDFromContext(ctx)
	if err != nil {
		return 0, nil, &requestError{status: http.StatusUnauthorized, msg: err.Error()}
	}

	var req OrderRequest
	if err := ctx.Bind(&req); err != nil {
		return 0, nil, &requestError{status: http.StatusBadRequest, msg: "Invalid request body"}
	}
	if err := ctx.Validate(&req); err != nil {
		return 0, nil, &requestError{status: http.StatusBadRequest, msg: "Select at least one product in a valid quantity"}
	}

	lines := make([]service.Line, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, service.Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return accountID, lines, nil
}

// fail maps a service error to a response. Only unexpected errors are
// logged here; rejections were already logged by the service.
func (h *Handlers) fail(ctx echo.Context, err error, msg string, fields ...zap.Field) error {
	var (
		stockErr   *service.InsufficientStockError
		balanceErr *service.InsufficientBalanceError
	)
	switch {
	case errors.As(err, &stockErr):
		return ctx.JSON(http.StatusConflict, ErrorResponse{
			Errors: ptr(err.Error()),
			Detail: &ErrorDetail{
				ProductID: &stockErr.ProductID,
				Requested: &stockErr.Requested,
				Available: &stockErr.Available,
			},
		})
	case errors.As(err, &balanceErr):
		return ctx.JSON(http.StatusConflict, ErrorResponse{
			Errors: ptr(err.Error()),
			Detail: &ErrorDetail{Shortfall: &balanceErr.Shortfall},
		})
	case errors.Is(err, service.ErrItemNotFound), errors.Is(err, service.ErrAccountNotFound):
		return ctx.JSON(http.StatusNotFound, ErrorResponse{Errors: ptr(err.Error())})
	case errors.Is(err, cash.ErrInvalidDenomination),
		errors.Is(err, cash.ErrInvalidCount),
		errors.Is(err, cash.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrEmptyOrder),
		errors.Is(err, service.ErrEmptyInsertion),
		errors.Is(err, service.ErrInvalidCampus),
		errors.Is(err, service.ErrInvalidName):
		return ctx.JSON(http.StatusBadRequest, ErrorResponse{Errors: ptr(err.Error())})
	}
	h.Logger.Error(msg, append(fields, zap.Error(err))...)
	return ctx.JSON(http.StatusInternalServerError, ErrorResponse{Errors: ptr("Internal server error")})
}

func getAccountIDFromContext(ctx echo.Context) (int, error) {
	claims := ctx.Get("user")
	if claims == nil {
		return 0, errors.New("Unauthorized")
	}
	jwtClaims, ok := claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("Invalid token claims")
	}
	idFloat, ok := jwtClaims["account_id"].(float64)
	if !ok {
		return 0, errors.New("Invalid token claims")
	}
	return int(idFloat), nil
}

func countOrOne(count *int64) int64 {
	if count == nil {
		return 1
	}
	return *count
}

func convertEntry(e models.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:            e.ID,
		Direction:     string(e.Direction),
		Total:         e.Total(),
		Denominations: e.Cash,
		CreatedAt:     e.CreatedAt,
	}
}

func convertLines(lines []service.PricedLine) []LineResponse {
	out := make([]LineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, LineResponse{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			LineCost:  l.LineCost,
		})
	}
	return out
}

func convertToAccountResponse(info service.AccountInfo) AccountResponse {
	resp := AccountResponse{
		ID:        info.Account.ID,
		Name:      info.Account.Name,
		Campus:    info.Account.Campus,
		Balance:   info.Account.Balance,
		Inserted:  make([]LedgerEntryResponse, 0, len(info.Inserted)),
		Returned:  make([]LedgerEntryResponse, 0, len(info.Returned)),
		Purchases: make([]PurchaseResponse, 0, len(info.Purchases)),
	}
	for _, e := range info.Inserted {
		resp.Inserted = append(resp.Inserted, convertEntry(e))
	}
	for _, e := range info.Returned {
		resp.Returned = append(resp.Returned, convertEntry(e))
	}
	for _, p := range info.Purchases {
		resp.Purchases = append(resp.Purchases, PurchaseResponse{
			OrderRef:  p.OrderRef.String(),
			ProductID: p.ProductID,
			Quantity:  p.Quantity,
			UnitPrice: p.UnitPrice,
			LineCost:  p.LineCost,
			CreatedAt: p.CreatedAt,
		})
	}
	return resp
}

func ptr(s string) *string {
	return &s
}
