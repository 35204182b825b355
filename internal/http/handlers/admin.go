package handlers

import (
	"net/http"
	"strconv"

	"flowgate/internal/repo"
	"flowgate/internal/services"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// AdminHandler exposes tenant provisioning, credit administration and
// dead-letter review. These routes sit outside the tenant-scoped API.
type AdminHandler struct {
	tenantRepo *repo.TenantRepository
	deadRepo   *repo.DeadLetterRepository
	credits    *services.CreditLedger
}

// NewAdminHandler creates an admin handler
func NewAdminHandler(tenantRepo *repo.TenantRepository, deadRepo *repo.DeadLetterRepository, credits *services.CreditLedger) *AdminHandler {
	return &AdminHandler{tenantRepo: tenantRepo, deadRepo: deadRepo, credits: credits}
}

// SetCreditsRequest is the credit administration payload
type SetCreditsRequest struct {
	Value int64  `json:"value" validate:"gte=0"`
	Mode  string `json:"mode" validate:"required,oneof=add set"`
}

// SetCredits adjusts a tenant's credit balance
func (h *AdminHandler) SetCredits(c echo.Context) error {
	tenantID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant id")
	}

	var req SetCreditsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	balance, err := h.credits.SetCredits(c.Request().Context(), tenantID, req.Value, req.Mode)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update credits")
	}
	return c.JSON(http.StatusOK, map[string]int64{"credit_balance": balance})
}

// ListDeadLetters pages through persisted dead-letter items
func (h *AdminHandler) ListDeadLetters(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	items, err := h.deadRepo.List(limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list dead letters")
	}
	return c.JSON(http.StatusOK, items)
}

// ReviewDeadLetter marks a dead-letter item as reviewed
func (h *AdminHandler) ReviewDeadLetter(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid dead letter id")
	}
	if err := h.deadRepo.MarkReviewed(id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to mark reviewed")
	}
	return c.NoContent(http.StatusNoContent)
}
