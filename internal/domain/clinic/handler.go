package clinic

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/regiflex/regiflex/internal/platform/auth"
	"github.com/regiflex/regiflex/internal/platform/db"
	"github.com/regiflex/regiflex/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	scoped := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleProfessional, auth.RoleReceptionist), db.ClinicScope())
	scoped.GET("/clinic", h.GetOwnClinic)

	operator := api.Group("/admin", auth.RequireRole(auth.RolePlatformAdmin))
	operator.GET("/clinics", h.ListClinics)
}

type clinicResponse struct {
	Clinic   *Clinic                `json:"clinic"`
	Settings map[string]interface{} `json:"settings"`
}

func (h *Handler) GetOwnClinic(c echo.Context) error {
	ctx := c.Request().Context()
	clinicID, ok := db.ClinicFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "token is not bound to a clinic")
	}

	cl, err := h.svc.Get(ctx, clinicID)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "clinic not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	settings, err := h.svc.Settings(ctx, clinicID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := clinicResponse{Clinic: cl, Settings: make(map[string]interface{}, len(settings))}
	for _, s := range settings {
		resp.Settings[s.Key] = s.Value
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListClinics(c echo.Context) error {
	p := pagination.FromContext(c)
	status := Status(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status filter")
	}
	clinics, total, err := h.svc.List(c.Request().Context(), status, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(clinics, total, p.Limit, p.Offset))
}
