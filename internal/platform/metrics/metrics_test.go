package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_RecordBillingEvent(t *testing.T) {
	c := New()
	c.RecordBillingEvent("customer.subscription.created", "processed", 20*time.Millisecond)
	c.RecordBillingEvent("customer.subscription.created", "processed", 10*time.Millisecond)
	c.RecordBillingEvent("invoice.payment_failed", "already_processed", time.Millisecond)

	if got := testutil.ToFloat64(c.BillingEvents.WithLabelValues("customer.subscription.created", "processed")); got != 2 {
		t.Errorf("expected 2 processed created events, got %v", got)
	}
	if got := testutil.ToFloat64(c.BillingEvents.WithLabelValues("invoice.payment_failed", "already_processed")); got != 1 {
		t.Errorf("expected 1 duplicate, got %v", got)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.RecordBillingEvent("x", "y", time.Second)
	c.RecordProvisioning("clinic", "ok")
	c.RecordGatewayCall("customers.create", "ok")
	c.RecordTransition("trial", "active")
}

func TestCollector_Middleware(t *testing.T) {
	c := New()
	e := echo.New()
	e.Use(c.Middleware())
	e.GET("/api/v1/clinic", func(ctx echo.Context) error { return ctx.NoContent(http.StatusOK) })
	e.GET("/boom", func(ctx echo.Context) error { return echo.NewHTTPError(http.StatusBadGateway, "x") })

	for _, p := range []string{"/api/v1/clinic", "/api/v1/clinic", "/boom"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(c.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/clinic", "200")); got != 2 {
		t.Errorf("expected 2 requests recorded, got %v", got)
	}
	if got := testutil.ToFloat64(c.HTTPRequestsTotal.WithLabelValues("GET", "/boom", "502")); got != 1 {
		t.Errorf("expected error status recorded, got %v", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.RecordProvisioning("clinic", "success")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `regiflex_provisioning_total{kind="clinic",result="success"} 1`) {
		t.Errorf("expected provisioning counter in exposition, got:\n%s", body)
	}
}
