package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"economy-api/internal/models"
	"economy-api/internal/service"
)

// LedgerController exposes currency balances and the audit trail. Credit and
// debit are internal-only endpoints; players never mint or burn currency
// directly.
type LedgerController struct {
	ledgerService service.LedgerService
}

func NewLedgerController(ledgerService service.LedgerService) *LedgerController {
	return &LedgerController{ledgerService: ledgerService}
}

type CreditRequest struct {
	CurrencyID     string `json:"currency_id" binding:"required,assetid"`
	Amount         int64  `json:"amount" binding:"required,min=1"`
	Reason         string `json:"reason" binding:"required"`
	ReferenceID    string `json:"reference_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type DebitRequest struct {
	CurrencyID     string `json:"currency_id" binding:"required,assetid"`
	Amount         int64  `json:"amount" binding:"required,min=1"`
	Reason         string `json:"reason" binding:"required"`
	ReferenceID    string `json:"reference_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type TransferRequest struct {
	Legs        []models.TransferLeg `json:"legs" binding:"required,min=1,dive"`
	Reason      string               `json:"reason" binding:"required"`
	ReferenceID string               `json:"reference_id,omitempty"`
}

type BalanceResponse struct {
	UserID     int64  `json:"user_id"`
	CurrencyID string `json:"currency_id"`
	Amount     int64  `json:"amount"`
}

// @Summary Credit a balance
// @Description Add currency to a user's balance and append an audit entry
// @Tags ledger
// @Accept json
// @Produce json
// @Param userId path int true "User ID"
// @Param request body CreditRequest true "Credit request"
// @Success 200 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/internal/users/{userId}/ledger/credit [post]
func (c *LedgerController) Credit(ctx *gin.Context) {
	userID, err := userIDFromPath(ctx)
	if err != nil {
		writeBadRequest(ctx, "Invalid user ID", err)
		return
	}

	var req CreditRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	entry, err := c.ledgerService.Credit(ctx.Request.Context(), &service.CreditRequest{
		UserID:         userID,
		CurrencyID:     req.CurrencyID,
		Amount:         req.Amount,
		Reason:         models.LedgerReason(req.Reason),
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, entry)
}

// @Summary Debit a balance
// @Description Remove currency from a user's balance; rejected whole when funds are short
// @Tags ledger
// @Accept json
// @Produce json
// @Param userId path int true "User ID"
// @Param request body DebitRequest true "Debit request"
// @Success 200 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/internal/users/{userId}/ledger/debit [post]
func (c *LedgerController) Debit(ctx *gin.Context) {
	userID, err := userIDFromPath(ctx)
	if err != nil {
		writeBadRequest(ctx, "Invalid user ID", err)
		return
	}

	var req DebitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	entry, err := c.ledgerService.Debit(ctx.Request.Context(), &service.DebitRequest{
		UserID:         userID,
		CurrencyID:     req.CurrencyID,
		Amount:         req.Amount,
		Reason:         models.LedgerReason(req.Reason),
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, entry)
}

// @Summary Transfer currency between users
// @Description Apply a batch of transfer legs atomically; all legs commit or none
// @Tags ledger
// @Accept json
// @Produce json
// @Param request body TransferRequest true "Transfer request"
// @Success 200 {array} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/internal/ledger/transfer [post]
func (c *LedgerController) Transfer(ctx *gin.Context) {
	var req TransferRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	entries, err := c.ledgerService.TransferBatch(ctx.Request.Context(), req.Legs, models.LedgerReason(req.Reason), req.ReferenceID)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, entries)
}

// @Summary Get a balance
// @Description Get the current amount of one currency for a user
// @Tags ledger
// @Produce json
// @Param userId path int true "User ID"
// @Param currencyId path string true "Currency ID"
// @Success 200 {object} BalanceResponse
// @Failure 400 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/users/{userId}/balances/{currencyId} [get]
func (c *LedgerController) GetBalance(ctx *gin.Context) {
	userID, err := userIDFromPath(ctx)
	if err != nil {
		writeBadRequest(ctx, "Invalid user ID", err)
		return
	}
	currencyID := ctx.Param("currencyId")

	amount, err := c.ledgerService.GetBalance(ctx.Request.Context(), userID, currencyID)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, BalanceResponse{
		UserID:     userID,
		CurrencyID: currencyID,
		Amount:     amount,
	})
}

// @Summary List balances
// @Description List every currency balance a user holds
// @Tags ledger
// @Produce json
// @Param userId path int true "User ID"
// @Success 200 {array} models.Balance
// @Failure 400 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/users/{userId}/balances [get]
func (c *LedgerController) ListBalances(ctx *gin.Context) {
	userID, err := userIDFromPath(ctx)
	if err != nil {
		writeBadRequest(ctx, "Invalid user ID", err)
		return
	}

	balances, err := c.ledgerService.ListBalances(ctx.Request.Context(), userID)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, balances)
}

// @Summary List ledger entries
// @Description Page through the audit trail for one user and currency
// @Tags ledger
// @Produce json
// @Param userId path int true "User ID"
// @Param currencyId path string true "Currency ID"
// @Param limit query int false "Page size" default(50)
// @Param offset query int false "Page offset" default(0)
// @Success 200 {array} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/users/{userId}/balances/{currencyId}/entries [get]
func (c *LedgerController) ListEntries(ctx *gin.Context) {
	userID, err := userIDFromPath(ctx)
	if err != nil {
		writeBadRequest(ctx, "Invalid user ID", err)
		return
	}
	currencyID := ctx.Param("currencyId")
	limit, offset := paginationFromQuery(ctx)

	entries, err := c.ledgerService.ListEntries(ctx.Request.Context(), userID, currencyID, limit, offset)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, entries)
}
