package controller

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"economy-api/internal/models"
	"economy-api/internal/service"
)

// InventoryController exposes stackable item holdings and NFT instances.
// Stack grants and removals are internal endpoints driven by game systems.
type InventoryController struct {
	inventoryService service.InventoryService
}

func NewInventoryController(inventoryService service.InventoryService) *InventoryController {
	return &InventoryController{inventoryService: inventoryService}
}

type StackMutationRequest struct {
	ItemID   string `json:"item_id" binding:"required,assetid"`
	Quantity int64  `json:"quantity" binding:"required,min=1"`
}

type StackResponse struct {
	UserID   int64  `json:"user_id"`
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

type MoveBatchRequest struct {
	Moves []models.AssetMove `json:"moves" binding:"required,min=1,dive"`
}

type TransferNFTRequest struct {
	FromUserID int64 `json:"from_user_id" binding:"required,min=1"`
	ToUserID   int64 `json:"to_user_id" binding:"required,min=1"`
}

type UpgradeNFTRequest struct {
	UpgradeLevel int                    `json:"upgrade_level" binding:"required,min=1"`
	Stats        map[string]interface{} `json:"stats,omitempty"`
}

type InventoryResponse struct {
	UserID int64                 `json:"user_id"`
	Stacks []*models.ItemStack   `json:"stacks"`
	NFTs   []*models.NFTInstance `json:"nfts"`
}

// @Summary Grant stackable items
// @Description Add quantity to a user's stack, creating it on first grant
// @Tags inventory
// @Accept json
// @Produce json
// @Param userId path int true "User ID"
// @Param request body StackMutationRequest true "Grant request"
// @Success 200 {object} StackResponse
// @Failure 400 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/internal/users/{userId}/inventory/grant [post]
func (c *InventoryController) GrantStack(ctx *gin.Context) {
	userID, err := userIDFromPath(ctx)
	if err != nil {
		writeBadRequest(ctx, "Invalid user ID", err)
		return
	}

	var req StackMutationRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	quantity, err := c.inventoryService.AddStack(ctx.Request.Context(), userID, req.ItemID, req.Quantity)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, StackResponse{UserID: userID, ItemID: req.ItemID, Quantity: quantity})
}

// @Summary Consume stackable items
// @Description Remove quantity from a user's stack; rejected whole when the holding is short
// @Tags inventory
// @Accept json
// @Produce json
// @Param userId path int true "User ID"
// @Param request body StackMutationRequest true "Consume request"
// @Success 200 {object} StackResponse
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/internal/users/{userId}/inventory/consume [post]
func (c *InventoryController) ConsumeStack(ctx *gin.Context) {
	userID, err := userIDFromPath(ctx)
	if err != nil {
		writeBadRequest(ctx, "Invalid user ID", err)
		return
	}

	var req StackMutationRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	quantity, err := c.inventoryService.RemoveStack(ctx.Request.Context(), userID, req.ItemID, req.Quantity)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, StackResponse{UserID: userID, ItemID: req.ItemID, Quantity: quantity})
}

// @Summary Move assets between users
// @Description Apply a batch of stack and NFT moves atomically
// @Tags inventory
// @Accept json
// @Produce json
// @Param request body MoveBatchRequest true "Move batch"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/internal/inventory/move [post]
func (c *InventoryController) MoveBatch(ctx *gin.Context) {
	var req MoveBatchRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	if err := c.inventoryService.MoveBatch(ctx.Request.Context(), req.Moves); err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

// @Summary List a user's inventory
// @Description List stacks and NFT instances the user currently owns
// @Tags inventory
// @Produce json
// @Param userId path int true "User ID"
// @Success 200 {object} InventoryResponse
// @Failure 400 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/users/{userId}/inventory [get]
func (c *InventoryController) ListInventory(ctx *gin.Context) {
	userID, err := userIDFromPath(ctx)
	if err != nil {
		writeBadRequest(ctx, "Invalid user ID", err)
		return
	}

	stacks, nfts, err := c.inventoryService.ListInventory(ctx.Request.Context(), userID)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, InventoryResponse{UserID: userID, Stacks: stacks, NFTs: nfts})
}

// @Summary Get an NFT instance
// @Tags inventory
// @Produce json
// @Param instanceId path string true "NFT instance ID"
// @Success 200 {object} models.NFTInstance
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/nfts/{instanceId} [get]
func (c *InventoryController) GetNFT(ctx *gin.Context) {
	instance, err := c.inventoryService.GetNFT(ctx.Request.Context(), ctx.Param("instanceId"))
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, instance)
}

// @Summary Transfer an NFT instance
// @Description Move a unique instance between users under the per-instance lock
// @Tags inventory
// @Accept json
// @Produce json
// @Param instanceId path string true "NFT instance ID"
// @Param request body TransferNFTRequest true "Transfer request"
// @Success 204
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /api/internal/nfts/{instanceId}/transfer [post]
func (c *InventoryController) TransferNFT(ctx *gin.Context) {
	var req TransferNFTRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	err := c.inventoryService.TransferNFT(ctx.Request.Context(), ctx.Param("instanceId"), req.FromUserID, req.ToUserID)
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

// @Summary Upgrade an NFT instance
// @Description Raise the upgrade level and merge stat changes on an owned instance
// @Tags inventory
// @Accept json
// @Produce json
// @Param userId path int true "Owner user ID"
// @Param instanceId path string true "NFT instance ID"
// @Param request body UpgradeNFTRequest true "Upgrade request"
// @Success 200 {object} models.NFTInstance
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/users/{userId}/nfts/{instanceId}/upgrade [post]
func (c *InventoryController) UpgradeNFT(ctx *gin.Context) {
	userID, err := userIDFromPath(ctx)
	if err != nil {
		writeBadRequest(ctx, "Invalid user ID", err)
		return
	}

	var req UpgradeNFTRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		writeBadRequest(ctx, "Invalid request format", err)
		return
	}

	instance, err := c.inventoryService.ApplyNFTMutation(ctx.Request.Context(), ctx.Param("instanceId"), userID,
		func(instance *models.NFTInstance) error {
			if req.UpgradeLevel <= instance.UpgradeLevel {
				return fmt.Errorf("%w: upgrade level must increase, current %d", models.ErrInvalidAmount, instance.UpgradeLevel)
			}
			instance.UpgradeLevel = req.UpgradeLevel
			for key, value := range req.Stats {
				instance.Stats[key] = value
			}
			return nil
		})
	if err != nil {
		writeDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, instance)
}
