package http

import (
	"flowgate/internal/http/handlers"
	"flowgate/internal/http/middleware"
	"flowgate/internal/webhook"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// Validator adapts validator/v10 to echo's request validation hook
type Validator struct {
	validate *validator.Validate
}

func (v *Validator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// Handlers groups everything the router mounts
type Handlers struct {
	Health   *handlers.HealthHandler
	Campaign *handlers.CampaignHandler
	Message  *handlers.MessageHandler
	Admin    *handlers.AdminHandler
	Intake   *webhook.Intake
}

// NewRouter builds the echo instance with middleware and all routes
func NewRouter(h Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &Validator{validate: validator.New()}

	e.Use(echomw.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.Telemetry())

	e.GET("/health", h.Health.Health)

	// Provider webhook, signature-authenticated
	e.GET("/webhook", h.Intake.Verify)
	e.POST("/webhook", h.Intake.Receive)

	// Tenant-scoped API
	api := e.Group("/api/v1", middleware.TenantID())
	api.POST("/campaigns", h.Campaign.Create)
	api.GET("/campaigns/:id", h.Campaign.Get)
	api.POST("/campaigns/:id/launch", h.Campaign.Launch)
	api.POST("/campaigns/:id/cancel", h.Campaign.Cancel)
	api.POST("/conversations/:id/messages", h.Message.Send)
	api.GET("/messages/:id", h.Message.Get)

	// Operator surface
	admin := e.Group("/admin")
	admin.POST("/tenants/:id/credits", h.Admin.SetCredits)
	admin.GET("/dead-letters", h.Admin.ListDeadLetters)
	admin.POST("/dead-letters/:id/review", h.Admin.ReviewDeadLetter)

	return e
}
