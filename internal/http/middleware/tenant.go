package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// TenantID resolves the tenant scope for API requests from the X-Tenant-ID
// header. Requests without a valid tenant id are rejected.
func TenantID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get("X-Tenant-ID")
			if raw == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "X-Tenant-ID header is required")
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "X-Tenant-ID must be a UUID")
			}
			c.Set("tenant_id", id.String())
			return next(c)
		}
	}
}

// TenantFromContext returns the tenant id set by TenantID
func TenantFromContext(c echo.Context) uuid.UUID {
	if v, ok := c.Get("tenant_id").(string); ok {
		if id, err := uuid.Parse(v); err == nil {
			return id
		}
	}
	return uuid.Nil
}
