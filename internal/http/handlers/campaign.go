package handlers

import (
	"net/http"

	"flowgate/internal/http/middleware"
	"flowgate/internal/repo"
	"flowgate/internal/services"
	"flowgate/pkg/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// CampaignHandler exposes campaign lifecycle operations
type CampaignHandler struct {
	campaignRepo *repo.CampaignRepository
	campaigns    *services.CampaignService
}

// NewCampaignHandler creates a campaign handler
func NewCampaignHandler(campaignRepo *repo.CampaignRepository, campaigns *services.CampaignService) *CampaignHandler {
	return &CampaignHandler{campaignRepo: campaignRepo, campaigns: campaigns}
}

// Create creates a draft campaign
func (h *CampaignHandler) Create(c echo.Context) error {
	tenantID := middleware.TenantFromContext(c)

	var campaign models.Campaign
	if err := c.Bind(&campaign); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid campaign payload")
	}
	campaign.ID = uuid.Nil
	campaign.TenantID = tenantID
	campaign.Status = models.CampaignDraft
	if campaign.ScheduledAt != nil {
		campaign.Status = models.CampaignScheduled
	}

	if err := c.Validate(&campaign); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if percent := totalPercent(campaign.Variants); percent > 100 {
		return echo.NewHTTPError(http.StatusBadRequest, "variant percentages exceed 100")
	}

	if err := h.campaignRepo.Create(&campaign); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create campaign")
	}
	return c.JSON(http.StatusCreated, campaign)
}

// Get returns one campaign with its stats
func (h *CampaignHandler) Get(c echo.Context) error {
	tenantID := middleware.TenantFromContext(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaignRepo.GetByID(tenantID, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "campaign not found")
	}
	return c.JSON(http.StatusOK, campaign)
}

// Launch starts dispatching a draft or scheduled campaign
func (h *CampaignHandler) Launch(c echo.Context) error {
	tenantID := middleware.TenantFromContext(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid campaign id")
	}

	if err := h.campaigns.Launch(c.Request().Context(), tenantID, id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// Cancel stops a scheduled or processing campaign
func (h *CampaignHandler) Cancel(c echo.Context) error {
	tenantID := middleware.TenantFromContext(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid campaign id")
	}

	if err := h.campaigns.Cancel(c.Request().Context(), tenantID, id); err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func totalPercent(variants models.CampaignVariantList) int {
	total := 0
	for _, v := range variants {
		total += v.Percent
	}
	return total
}
