package reconciliation

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/regiflex/regiflex/internal/platform/middleware"
)

// SignatureHeader carries the processor's webhook signature.
const SignatureHeader = "Stripe-Signature"

const maxPayload = "1M"

// Handler serves the processor webhook. The route is public: the signature
// is the only credential.
type Handler struct {
	driver *Driver
}

func NewHandler(d *Driver) *Handler {
	return &Handler{driver: d}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/billing/webhook", h.Webhook, middleware.BodyLimit(maxPayload))
}

// Webhook hands the raw body to the driver unparsed; re-encoding it would
// break the signature.
func (h *Handler) Webhook(c echo.Context) error {
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	resp := h.driver.HandleInboundEvent(c.Request().Context(), payload, c.Request().Header.Get(SignatureHeader))
	return c.JSON(resp.Status, resp.Body)
}
