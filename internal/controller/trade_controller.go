package controller

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"economy-api/internal/engine"
	"economy-api/internal/models"
)

// TradeController exposes the escrow trade lifecycle. All mutation endpoints
// act on behalf of the authenticated user; the token identity is the actor.
type TradeController struct {
	tradeEngine engine.TradeEngine
}

func NewTradeController(tradeEngine engine.TradeEngine) *TradeController {
	return &TradeController{tradeEngine: tradeEngine}
}

type ProposeTradeRequest struct {
	CounterpartyID  int64               `json:"counterparty_id" binding:"required,min=1"`
	OfferedAssets   []models.TradeAsset `json:"offered_assets" binding:"omitempty,dive"`
	RequestedAssets []models.TradeAsset `json:"requested_assets" binding:"omitempty,dive"`
	TTLHours        int                 `json:"ttl_hours,omitempty" binding:"omitempty,min=1"`
}

type TradeListResponse struct {
	Trades []*models.Trade `json:"trades"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// @Summary Propose a trade
// @Description Open a pending trade offering assets to a counterparty
// @Tags trades
// @Accept json
// @Produce json
// @Param request body ProposeTradeRequest true "Trade proposal"
// @Success 201 {object} models.Trade
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/trades [post]
func (c *TradeController) Propose(ctx *gin.Context) {
	proposerID, ok := authenticatedUserID(ctx)
	if !ok {
		return
	}

	var req ProposeTradeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	trade, err := c.tradeEngine.Propose(ctx.Request.Context(), &engine.ProposeRequest{
		ProposerID:      proposerID,
		CounterpartyID:  req.CounterpartyID,
		OfferedAssets:   req.OfferedAssets,
		RequestedAssets: req.RequestedAssets,
		TTL:             time.Duration(req.TTLHours) * time.Hour,
	})
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, trade)
}

// @Summary Accept a trade
// @Description Settle a pending trade atomically; both sides move or neither does
// @Tags trades
// @Produce json
// @Param tradeId path string true "Trade ID"
// @Success 200 {object} models.Trade
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 410 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/trades/{tradeId}/accept [post]
func (c *TradeController) Accept(ctx *gin.Context) {
	accepterID, ok := authenticatedUserID(ctx)
	if !ok {
		return
	}

	trade, err := c.tradeEngine.Accept(ctx.Request.Context(), ctx.Param("tradeId"), accepterID)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, trade)
}

// @Summary Cancel a trade
// @Description Withdraw a pending trade; either participant may cancel
// @Tags trades
// @Produce json
// @Param tradeId path string true "Trade ID"
// @Success 200 {object} models.Trade
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/trades/{tradeId}/cancel [post]
func (c *TradeController) Cancel(ctx *gin.Context) {
	userID, ok := authenticatedUserID(ctx)
	if !ok {
		return
	}

	trade, err := c.tradeEngine.Cancel(ctx.Request.Context(), ctx.Param("tradeId"), userID)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, trade)
}

// @Summary Get a trade
// @Tags trades
// @Produce json
// @Param tradeId path string true "Trade ID"
// @Success 200 {object} models.Trade
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/trades/{tradeId} [get]
func (c *TradeController) GetTrade(ctx *gin.Context) {
	userID, ok := authenticatedUserID(ctx)
	if !ok {
		return
	}

	trade, err := c.tradeEngine.GetTrade(ctx.Request.Context(), ctx.Param("tradeId"))
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	if !trade.Participant(userID) && !isAdmin(ctx) {
		writeDomainError(ctx, models.ErrOwnershipMismatch)
		return
	}
	ctx.JSON(http.StatusOK, trade)
}

// @Summary List my trades
// @Description List trades where the authenticated user is a participant
// @Tags trades
// @Produce json
// @Param status query string false "Filter by status"
// @Param limit query int false "Page size" default(50)
// @Param offset query int false "Page offset" default(0)
// @Success 200 {object} TradeListResponse
// @Security BearerAuth
// @Router /api/trades [get]
func (c *TradeController) ListTrades(ctx *gin.Context) {
	userID, ok := authenticatedUserID(ctx)
	if !ok {
		return
	}
	limit, offset := paginationFromQuery(ctx)
	status := models.TradeStatus(ctx.Query("status"))

	trades, err := c.tradeEngine.ListTrades(ctx.Request.Context(), userID, status, limit, offset)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, TradeListResponse{Trades: trades, Limit: limit, Offset: offset})
}

func authenticatedUserID(ctx *gin.Context) (int64, bool) {
	raw, exists := ctx.Get("user_id")
	if !exists {
		ctx.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "Authentication required",
		})
		ctx.Abort()
		return 0, false
	}
	userID, ok := raw.(int64)
	if !ok || userID <= 0 {
		ctx.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "Unauthorized",
			Message: "Invalid token identity",
		})
		ctx.Abort()
		return 0, false
	}
	return userID, true
}

func isAdmin(ctx *gin.Context) bool {
	role, _ := ctx.Get("role")
	return role == "admin" || role == "game_master"
}
