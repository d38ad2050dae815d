package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"economy-api/internal/engine"
	"economy-api/internal/models"
	"economy-api/internal/service"
)

// AdminController hosts the operator surface: manual balance adjustments,
// ledger reconciliation, NFT minting and an on-demand expiry sweep. Every
// mutation lands in the same audit trail as player activity.
type AdminController struct {
	ledgerService        service.LedgerService
	inventoryService     service.InventoryService
	reconciliationEngine engine.ReconciliationEngine
	tradeEngine          engine.TradeEngine
}

func NewAdminController(
	ledgerService service.LedgerService,
	inventoryService service.InventoryService,
	reconciliationEngine engine.ReconciliationEngine,
	tradeEngine engine.TradeEngine,
) *AdminController {
	return &AdminController{
		ledgerService:        ledgerService,
		inventoryService:     inventoryService,
		reconciliationEngine: reconciliationEngine,
		tradeEngine:          tradeEngine,
	}
}

type AdjustBalanceRequest struct {
	CurrencyID     string `json:"currency_id" binding:"required,assetid"`
	Amount         string `json:"amount" binding:"required"`
	Decimals       int32  `json:"decimals" binding:"min=0,max=8"`
	Reason         string `json:"reason" binding:"required,min=1,max=500"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type ReconcileBalanceRequest struct {
	UserID     int64  `json:"user_id" binding:"required,min=1"`
	CurrencyID string `json:"currency_id" binding:"required,assetid"`
}

type ReconcileAllRequest struct {
	BatchSize int `json:"batch_size" binding:"omitempty,min=1,max=1000"`
}

type MintNFTRequest struct {
	TemplateItemID string `json:"template_item_id" binding:"required,assetid"`
	OwnerUserID    int64  `json:"owner_user_id" binding:"required,min=1"`
	Rarity         string `json:"rarity,omitempty"`
}

type SweepResponse struct {
	ExpiredCount int64 `json:"expired_count"`
}

// @Summary Adjust a balance
// @Description Credit or debit a user by a signed decimal amount in major units
// @Tags admin
// @Accept json
// @Produce json
// @Param userId path int true "User ID"
// @Param request body AdjustBalanceRequest true "Adjustment request"
// @Success 200 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Security AdminAuth
// @Router /api/admin/users/{userId}/adjust [post]
func (c *AdminController) AdjustBalance(ctx *gin.Context) {
	userID, err := userIDFromPath(ctx)
	if err != nil {
		writeBadRequest(ctx, "Invalid user ID", err)
		return
	}

	var req AdjustBalanceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	minor, err := models.ParseMajorUnits(req.Amount, req.Decimals)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}

	var entry *models.LedgerEntry
	switch {
	case minor > 0:
		entry, err = c.ledgerService.Credit(ctx.Request.Context(), &service.CreditRequest{
			UserID:         userID,
			CurrencyID:     req.CurrencyID,
			Amount:         minor,
			Reason:         models.ReasonAdminAdjust,
			ReferenceID:    c.adminReference(ctx, req.Reason),
			IdempotencyKey: req.IdempotencyKey,
		})
	case minor < 0:
		entry, err = c.ledgerService.Debit(ctx.Request.Context(), &service.DebitRequest{
			UserID:         userID,
			CurrencyID:     req.CurrencyID,
			Amount:         -minor,
			Reason:         models.ReasonAdminAdjust,
			ReferenceID:    c.adminReference(ctx, req.Reason),
			IdempotencyKey: req.IdempotencyKey,
		})
	default:
		ctx.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid amount",
			Message: "Adjustment amount cannot be zero",
		})
		return
	}
	if err != nil {
		writeDomainError(ctx, err)
		return
	}

	c.logAdminAction(ctx, "balance_adjustment", logrus.Fields{
		"user_id":     userID,
		"currency_id": req.CurrencyID,
		"amount":      req.Amount,
		"delta":       entry.Delta,
		"reason":      req.Reason,
	})
	ctx.JSON(http.StatusOK, entry)
}

// @Summary Reconcile one balance
// @Description Compare a stored balance against the sum of its ledger entries
// @Tags admin
// @Accept json
// @Produce json
// @Param request body ReconcileBalanceRequest true "Reconcile request"
// @Success 200 {object} engine.ReconciliationResult
// @Failure 400 {object} ErrorResponse
// @Security AdminAuth
// @Router /api/admin/reconcile [post]
func (c *AdminController) ReconcileBalance(ctx *gin.Context) {
	var req ReconcileBalanceRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	result, err := c.reconciliationEngine.ReconcileBalance(ctx.Request.Context(), req.UserID, req.CurrencyID)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}

	c.logAdminAction(ctx, "balance_reconciliation", logrus.Fields{
		"user_id":     req.UserID,
		"currency_id": req.CurrencyID,
		"consistent":  result.Consistent,
	})
	ctx.JSON(http.StatusOK, result)
}

// @Summary Reconcile all balances
// @Description Walk every balance and report rows that disagree with the ledger
// @Tags admin
// @Accept json
// @Produce json
// @Param request body ReconcileAllRequest true "Batch reconcile request"
// @Success 200 {object} engine.BatchReconciliationResult
// @Failure 400 {object} ErrorResponse
// @Security AdminAuth
// @Router /api/admin/reconcile/batch [post]
func (c *AdminController) ReconcileAll(ctx *gin.Context) {
	var req ReconcileAllRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	result, err := c.reconciliationEngine.ReconcileAll(ctx.Request.Context(), req.BatchSize)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}

	c.logAdminAction(ctx, "batch_reconciliation", logrus.Fields{
		"total_balances": result.TotalBalances,
		"discrepancies":  result.DiscrepanciesFound,
	})
	ctx.JSON(http.StatusOK, result)
}

// @Summary Mint an NFT instance
// @Description Create a new unique instance from an item template for a user
// @Tags admin
// @Accept json
// @Produce json
// @Param request body MintNFTRequest true "Mint request"
// @Success 201 {object} models.NFTInstance
// @Failure 400 {object} ErrorResponse
// @Security AdminAuth
// @Router /api/admin/nfts/mint [post]
func (c *AdminController) MintNFT(ctx *gin.Context) {
	var req MintNFTRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	instance, err := c.inventoryService.MintNFT(ctx.Request.Context(), req.TemplateItemID, req.OwnerUserID, req.Rarity)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}

	c.logAdminAction(ctx, "nft_mint", logrus.Fields{
		"nft_instance_id":  instance.InstanceID,
		"template_item_id": req.TemplateItemID,
		"owner_user_id":    req.OwnerUserID,
	})
	ctx.JSON(http.StatusCreated, instance)
}

// @Summary Sweep expired trades
// @Description Mark every pending trade past its deadline as expired
// @Tags admin
// @Produce json
// @Success 200 {object} SweepResponse
// @Failure 500 {object} ErrorResponse
// @Security AdminAuth
// @Router /api/admin/trades/sweep [post]
func (c *AdminController) SweepExpiredTrades(ctx *gin.Context) {
	count, err := c.tradeEngine.SweepExpired(ctx.Request.Context())
	if err != nil {
		writeDomainError(ctx, err)
		return
	}

	c.logAdminAction(ctx, "trade_sweep", logrus.Fields{"expired_count": count})
	ctx.JSON(http.StatusOK, SweepResponse{ExpiredCount: count})
}

func (c *AdminController) adminReference(ctx *gin.Context, reason string) string {
	adminID := c.adminID(ctx)
	if adminID == "" {
		return reason
	}
	return adminID + ": " + reason
}

func (c *AdminController) adminID(ctx *gin.Context) string {
	if username, exists := ctx.Get("username"); exists {
		if s, ok := username.(string); ok {
			return s
		}
	}
	return ctx.GetHeader("X-Admin-ID")
}

func (c *AdminController) logAdminAction(ctx *gin.Context, action string, fields logrus.Fields) {
	fields["action"] = action
	fields["admin_id"] = c.adminID(ctx)
	fields["client_ip"] = ctx.ClientIP()
	logrus.WithFields(fields).Info("Admin action")
}
