package controller

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"economy-api/internal/models"
)

// Currency and item identifiers are lowercase slugs defined by game content,
// e.g. "gold" or "ore_iron".
var assetIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("assetid", func(fl validator.FieldLevel) bool {
			return assetIDPattern.MatchString(fl.Field().String())
		})
	}
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses. Every
// handler funnels service errors through here so a given failure always looks
// the same on the wire.
func writeDomainError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	label := "Internal error"

	switch {
	case errors.Is(err, models.ErrInvalidAmount):
		status, label = http.StatusBadRequest, "Invalid amount"
	case errors.Is(err, models.ErrInvalidOffer):
		status, label = http.StatusBadRequest, "Invalid offer"
	case errors.Is(err, models.ErrInsufficientFunds):
		status, label = http.StatusUnprocessableEntity, "Insufficient funds"
	case errors.Is(err, models.ErrInsufficientQuantity):
		status, label = http.StatusUnprocessableEntity, "Insufficient quantity"
	case errors.Is(err, models.ErrOwnershipMismatch):
		status, label = http.StatusForbidden, "Ownership mismatch"
	case errors.Is(err, models.ErrNotFound):
		status, label = http.StatusNotFound, "Not found"
	case errors.Is(err, models.ErrInvalidState):
		status, label = http.StatusConflict, "Invalid state"
	case errors.Is(err, models.ErrExpired):
		status, label = http.StatusGone, "Expired"
	case errors.Is(err, models.ErrLockContention):
		status, label = http.StatusConflict, "Resource busy"
	case errors.Is(err, models.ErrTransientFailure):
		status, label = http.StatusServiceUnavailable, "Transient failure, retry"
	}

	if se, ok := models.IsSettlementError(err); ok {
		// Settlement failures keep their 4xx cause but carry the failing leg.
		ctx.JSON(status, ErrorResponse{
			Error:     "Trade settlement failed",
			Message:   se.Error(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			RequestID: ctx.GetHeader("X-Request-ID"),
		})
		return
	}

	ctx.JSON(status, ErrorResponse{
		Error:     label,
		Message:   err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: ctx.GetHeader("X-Request-ID"),
	})
}

func writeBadRequest(ctx *gin.Context, label string, err error) {
	ctx.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   label,
		Message: err.Error(),
	})
}

func userIDFromPath(ctx *gin.Context) (int64, error) {
	return strconv.ParseInt(ctx.Param("userId"), 10, 64)
}

func paginationFromQuery(ctx *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(ctx.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(ctx.DefaultQuery("offset", "0"))
	return limit, offset
}
