package provisioning

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/regiflex/regiflex/internal/domain/clinic"
	"github.com/regiflex/regiflex/internal/platform/auth"
)

// Handler serves the operator provisioning endpoint.
type Handler struct {
	svc *Service
	// showStack adds the failure stack trace to 500 responses.
	showStack bool
}

func NewHandler(svc *Service, production bool) *Handler {
	return &Handler{svc: svc, showStack: !production}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	ops := g.Group("", auth.RequireRole(auth.RolePlatformAdmin))
	ops.POST("/provision-client", h.Provision)
}

type provisionRequest struct {
	Clinic *ClinicInfo `json:"clinic"`
	Admin  *AdminInfo  `json:"admin"`
	Plan   string      `json:"plan"`
}

type clinicSummary struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Email       string        `json:"email"`
	Plan        string        `json:"plan"`
	Status      clinic.Status `json:"status"`
	TrialEndsAt *time.Time    `json:"trial_ends_at,omitempty"`
}

type adminSummary struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	Email    string    `json:"email"`
	Username string    `json:"username"`
}

type accessSummary struct {
	LoginURL string `json:"login_url"`
	Credentials
}

type provisionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		Clinic clinicSummary `json:"clinic"`
		Admin  adminSummary  `json:"admin"`
		Access accessSummary `json:"access"`
	} `json:"data"`
}

func (h *Handler) Provision(c echo.Context) error {
	var req provisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Clinic == nil || req.Admin == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "clinic and admin are required")
	}

	res, err := h.svc.Provision(c.Request().Context(), *req.Clinic, *req.Admin, req.Plan)
	if err != nil {
		return h.provisionError(c, err)
	}

	var out provisionResponse
	out.Success = true
	out.Message = "clinic provisioned"
	out.Data.Clinic = clinicSummary{
		ID:          res.Clinic.ID,
		Name:        res.Clinic.Name,
		Email:       res.Clinic.Email,
		Plan:        res.Clinic.Plan,
		Status:      res.Clinic.Status,
		TrialEndsAt: res.Clinic.TrialEndsAt,
	}
	out.Data.Admin = adminSummary{
		ID:       res.Admin.ID,
		FullName: res.Admin.FullName,
		Email:    res.Admin.Email,
		Username: res.Admin.Username,
	}
	out.Data.Access = accessSummary{LoginURL: res.LoginURL, Credentials: res.Credentials}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) provisionError(c echo.Context, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "validation failed",
			"details": ve.Violations,
		})
	}
	if errors.Is(err, clinic.ErrEmailTaken) || errors.Is(err, auth.ErrEmailTaken) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	body := map[string]interface{}{
		"success": false,
		"error":   "provisioning failed",
		"message": err.Error(),
	}
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		body["step"] = pe.Step
		if h.showStack {
			body["details"] = pe.ErrorStack()
		}
	}
	return c.JSON(http.StatusInternalServerError, body)
}
