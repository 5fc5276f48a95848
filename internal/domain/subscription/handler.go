package subscription

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/regiflex/regiflex/internal/domain/clinic"
	"github.com/regiflex/regiflex/internal/domain/lifecycle"
	"github.com/regiflex/regiflex/internal/platform/auth"
	"github.com/regiflex/regiflex/internal/platform/billing"
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
	admin := api.Group("/billing", auth.RequireRole(auth.RoleAdmin), db.ClinicScope())
	admin.POST("/checkout", h.Checkout)
	admin.GET("/subscription", h.GetSubscription)
	admin.POST("/subscription/cancel", h.Cancel)
	admin.POST("/subscription/reactivate", h.Reactivate)
	admin.POST("/subscription/plan", h.ChangePlan)
	admin.GET("/invoices", h.ListInvoices)
	admin.POST("/invoices/:id/retry", h.RetryInvoice)
	admin.POST("/coupons/apply", h.ApplyCoupon)
	admin.GET("/payment-methods", h.ListPaymentMethods)
	admin.POST("/payment-methods/default", h.SetDefaultPaymentMethod)
	admin.DELETE("/payment-methods/:id", h.DetachPaymentMethod)

	operator := api.Group("/admin", auth.RequireRole(auth.RolePlatformAdmin))
	operator.POST("/coupons", h.CreateCoupon)
	operator.GET("/coupons", h.ListCoupons)
	operator.GET("/coupons/:id", h.GetCoupon)
	operator.DELETE("/coupons/:id", h.DeleteCoupon)
	operator.GET("/reports/revenue", h.RevenueReport)
	operator.GET("/reports/subscriptions", h.SubscriptionStats)
}

func clinicID(c echo.Context) (uuid.UUID, error) {
	id, ok := db.ClinicFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "token is not bound to a clinic")
	}
	return id, nil
}

type checkoutRequest struct {
	Plan string `json:"plan"`
}

func (h *Handler) Checkout(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	var req checkoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	session, err := h.svc.Checkout(c.Request().Context(), id, req.Plan)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, session)
}

func (h *Handler) GetSubscription(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Current(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

type cancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cl, err := h.svc.Cancel(c.Request().Context(), id, req.AtPeriodEnd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) Reactivate(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	cl, err := h.svc.Reactivate(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type planRequest struct {
	Plan string `json:"plan"`
}

func (h *Handler) ChangePlan(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	var req planRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sub, err := h.svc.ChangePlan(c.Request().Context(), id, req.Plan)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	invoices, err := h.svc.Invoices(c.Request().Context(), id, p.Limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": invoices})
}

func (h *Handler) RetryInvoice(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.RetryInvoice(c.Request().Context(), id, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

type applyCouponRequest struct {
	CouponID string `json:"coupon_id"`
}

func (h *Handler) ApplyCoupon(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	var req applyCouponRequest
	if err := c.Bind(&req); err != nil || req.CouponID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "coupon_id is required")
	}
	sub, err := h.svc.ApplyCoupon(c.Request().Context(), id, req.CouponID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) ListPaymentMethods(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	methods, err := h.svc.PaymentMethods(c.Request().Context(), id, c.QueryParam("type"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": methods})
}

type defaultPaymentMethodRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

func (h *Handler) SetDefaultPaymentMethod(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	var req defaultPaymentMethodRequest
	if err := c.Bind(&req); err != nil || req.PaymentMethodID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "payment_method_id is required")
	}
	cus, err := h.svc.SetDefaultPaymentMethod(c.Request().Context(), id, req.PaymentMethodID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cus)
}

func (h *Handler) DetachPaymentMethod(c echo.Context) error {
	id, err := clinicID(c)
	if err != nil {
		return err
	}
	pm, err := h.svc.DetachPaymentMethod(c.Request().Context(), id, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pm)
}

func (h *Handler) CreateCoupon(c echo.Context) error {
	var req billing.CouponParams
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cp, err := h.svc.CreateCoupon(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cp)
}

func (h *Handler) ListCoupons(c echo.Context) error {
	p := pagination.FromContext(c)
	coupons, err := h.svc.ListCoupons(c.Request().Context(), p.Limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": coupons})
}

func (h *Handler) GetCoupon(c echo.Context) error {
	cp, err := h.svc.GetCoupon(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cp)
}

func (h *Handler) DeleteCoupon(c echo.Context) error {
	if err := h.svc.DeleteCoupon(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RevenueReport takes from and to as RFC 3339 timestamps or YYYY-MM-DD
// dates; a bare to date covers that whole day.
func (h *Handler) RevenueReport(c echo.Context) error {
	fromRaw, toRaw := c.QueryParam("from"), c.QueryParam("to")
	if fromRaw == "" || toRaw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "from and to are required")
	}
	from, _, err := parseReportTime(fromRaw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from: "+err.Error())
	}
	to, dateOnly, err := parseReportTime(toRaw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to: "+err.Error())
	}
	if dateOnly {
		to = to.Add(24*time.Hour - time.Second)
	}
	r, err := h.svc.RevenueReport(c.Request().Context(), from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func parseReportTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	return t.UTC(), false, err
}

func (h *Handler) SubscriptionStats(c echo.Context) error {
	st, err := h.svc.SubscriptionStats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// httpError maps service and processor failures to HTTP responses.
func httpError(err error) error {
	var rejected *billing.RejectedError
	var transport *billing.TransportError
	switch {
	case errors.As(err, &rejected):
		switch rejected.Code {
		case "resource_missing":
			return echo.NewHTTPError(http.StatusNotFound, rejected.Message)
		case "card_declined", "card_error", "expired_card", "insufficient_funds":
			return echo.NewHTTPError(http.StatusPaymentRequired, rejected.Message)
		}
		return echo.NewHTTPError(http.StatusBadRequest, rejected.Message)
	case errors.As(err, &transport):
		return echo.NewHTTPError(http.StatusBadGateway, "payment processor unavailable")
	case errors.Is(err, clinic.ErrNotFound), errors.Is(err, ErrNotOwned):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUnknownPlan), errors.Is(err, ErrInvalidCoupon), errors.Is(err, ErrInvalidPeriod):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoSubscription),
		errors.Is(err, lifecycle.ErrAlreadyCancelled),
		errors.Is(err, lifecycle.ErrNotReactivatable),
		errors.Is(err, lifecycle.ErrProcessorInactive),
		errors.Is(err, clinic.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
