package ledger

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/regiflex/regiflex/internal/platform/auth"
	"github.com/regiflex/regiflex/pkg/pagination"
)

type Handler struct {
	ledger *Ledger
}

func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	operator := api.Group("/admin", auth.RequireRole(auth.RolePlatformAdmin))
	operator.GET("/billing-events", h.ListEvents)
}

func (h *Handler) ListEvents(c echo.Context) error {
	p := pagination.FromContext(c)
	f := Filter{EventType: c.QueryParam("event_type"), Action: c.QueryParam("action")}
	if raw := c.QueryParam("clinic_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic_id")
		}
		f.ClinicID = &id
	}

	records, total, err := h.ledger.List(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := pagination.NewResponse(records, total, p.Limit, p.Offset)
	resp.Links = p.Links(c.Request().URL.Path, c.QueryParams(), total)
	return c.JSON(http.StatusOK, resp)
}
