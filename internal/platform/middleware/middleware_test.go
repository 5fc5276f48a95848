package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// logLines decodes the JSON lines zerolog wrote to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func webhookContext(e *echo.Echo, deliveryID string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", strings.NewReader(`{"id":"evt_1"}`))
	if deliveryID != "" {
		req.Header.Set(RequestIDHeader, deliveryID)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequestID_WebhookDelivery(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"propagated", "whdel_42", "whdel_42"},
		{"generated", "", ""},
		{"oversized replaced", strings.Repeat("r", 129), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := webhookContext(echo.New(), tt.header)

			var seen string
			err := RequestID()(func(c echo.Context) error {
				seen, _ = c.Get("request_id").(string)
				return c.NoContent(http.StatusOK)
			})(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := rec.Header().Get(RequestIDHeader)
			if got != seen {
				t.Errorf("response header %q differs from context value %q", got, seen)
			}
			if tt.want != "" && got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
			if tt.want == "" && len(got) != 36 {
				t.Errorf("expected a generated uuid, got %q", got)
			}
		})
	}
}

func TestLogger_ClinicRequestFields(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/billing/subscription/cancel", nil), httptest.NewRecorder())
	c.Set("request_id", "req-7")
	c.Set("jwt_clinic_id", "clinic-1")

	err := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := logLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	l := lines[0]
	if l["level"] != "info" || l["clinic_id"] != "clinic-1" || l["request_id"] != "req-7" {
		t.Errorf("unexpected log fields: %v", l)
	}
	if l["status"] != float64(http.StatusOK) || l["path"] != "/api/v1/billing/subscription/cancel" {
		t.Errorf("unexpected status or path: %v", l)
	}
}

func TestLogger_WebhookHasNoClinic(t *testing.T) {
	var buf bytes.Buffer
	c, _ := webhookContext(echo.New(), "")

	want := echo.NewHTTPError(http.StatusServiceUnavailable, "deferred")
	err := Logger(zerolog.New(&buf))(func(c echo.Context) error { return want })(c)
	if err != want {
		t.Errorf("expected handler error returned unchanged, got %v", err)
	}

	l := logLines(t, &buf)[0]
	if _, ok := l["clinic_id"]; ok {
		t.Errorf("webhook request should carry no clinic_id, got %v", l["clinic_id"])
	}
	if l["level"] != "error" || l["status"] != float64(http.StatusServiceUnavailable) {
		t.Errorf("expected error level with status 503, got %v", l)
	}
}

func TestLogger_RejectedWebhookIsWarning(t *testing.T) {
	var buf bytes.Buffer
	c, _ := webhookContext(echo.New(), "")

	_ = Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	})(c)

	if l := logLines(t, &buf)[0]; l["level"] != "warn" {
		t.Errorf("expected warn for a 400, got %v", l["level"])
	}
}

func TestRecovery_PanickingWebhook(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c, _ := webhookContext(e, "whdel_9")

	h := RequestID()(Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic("nil subscription on event")
	}))
	err := h(c)

	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}

	l := logLines(t, &buf)[0]
	if l["request_id"] != "whdel_9" {
		t.Errorf("expected delivery request id in log, got %v", l["request_id"])
	}
	if !strings.Contains(l["panic"].(string), "nil subscription on event") {
		t.Errorf("expected panic value in log, got %v", l["panic"])
	}
	if s, _ := l["stack"].(string); s == "" {
		t.Error("expected a stack trace in the log")
	}
}

func TestRecovery_ClinicRequestUntouched(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/billing/subscription", nil), rec)
	c.Set("jwt_clinic_id", "clinic-1")

	err := Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"clinic_id": c.Get("jwt_clinic_id").(string)})
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "clinic-1") {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if buf.Len() != 0 {
		t.Errorf("expected no log output, got %s", buf.String())
	}
}
