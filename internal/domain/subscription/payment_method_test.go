package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/regiflex/regiflex/internal/domain/clinic"
	"github.com/regiflex/regiflex/internal/platform/billing"
)

func seedPaymentMethods(env *testEnv) {
	env.gateway.Customers["cus_1"] = billing.Customer{ID: "cus_1"}
	env.gateway.Customers["cus_2"] = billing.Customer{ID: "cus_2"}
	env.gateway.PaymentMethods["cus_1"] = []billing.PaymentMethod{
		{ID: "pm_1", CustomerID: "cus_1", Type: "card", Brand: "visa", Last4: "4242"},
		{ID: "pm_2", CustomerID: "cus_1", Type: "card", Brand: "mastercard", Last4: "5454"},
	}
	env.gateway.PaymentMethods["cus_2"] = []billing.PaymentMethod{
		{ID: "pm_9", CustomerID: "cus_2", Type: "card"},
	}
}

func TestPaymentMethods_List(t *testing.T) {
	env := newTestService()
	seedPaymentMethods(env)
	c := env.seed(t, clinic.StatusActive, "cus_1", "sub_1")

	methods, err := env.svc.PaymentMethods(context.Background(), c.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(methods) != 2 {
		t.Errorf("expected 2 cards, got %d", len(methods))
	}
}

func TestPaymentMethods_NoCustomer(t *testing.T) {
	env := newTestService()
	c := env.seed(t, clinic.StatusTrial, "", "")

	methods, err := env.svc.PaymentMethods(context.Background(), c.ID, "card")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(methods) != 0 {
		t.Errorf("expected no payment methods, got %d", len(methods))
	}
	if env.gateway.Called("list_payment_methods") {
		t.Error("no processor call expected without a customer")
	}
}

func TestSetDefaultPaymentMethod(t *testing.T) {
	env := newTestService()
	seedPaymentMethods(env)
	c := env.seed(t, clinic.StatusActive, "cus_1", "sub_1")

	cus, err := env.svc.SetDefaultPaymentMethod(context.Background(), c.ID, "pm_2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cus.DefaultPaymentMethod != "pm_2" {
		t.Errorf("expected default pm_2, got %q", cus.DefaultPaymentMethod)
	}
}

func TestForeignPaymentMethodIsNotOwned(t *testing.T) {
	env := newTestService()
	seedPaymentMethods(env)
	c := env.seed(t, clinic.StatusActive, "cus_1", "sub_1")

	if _, err := env.svc.SetDefaultPaymentMethod(context.Background(), c.ID, "pm_9"); !errors.Is(err, ErrNotOwned) {
		t.Errorf("expected ErrNotOwned on set default, got %v", err)
	}
	if _, err := env.svc.DetachPaymentMethod(context.Background(), c.ID, "pm_9"); !errors.Is(err, ErrNotOwned) {
		t.Errorf("expected ErrNotOwned on detach, got %v", err)
	}
	if env.gateway.Called("set_default_payment_method") || env.gateway.Called("detach_payment_method") {
		t.Error("a foreign payment method must never reach the processor")
	}
	if len(env.gateway.PaymentMethods["cus_2"]) != 1 {
		t.Error("foreign payment method was detached")
	}
}

func TestDetachPaymentMethod(t *testing.T) {
	env := newTestService()
	seedPaymentMethods(env)
	c := env.seed(t, clinic.StatusActive, "cus_1", "sub_1")

	pm, err := env.svc.DetachPaymentMethod(context.Background(), c.ID, "pm_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pm.ID != "pm_1" {
		t.Errorf("unexpected payment method %+v", pm)
	}
	if left := env.gateway.PaymentMethods["cus_1"]; len(left) != 1 || left[0].ID != "pm_2" {
		t.Errorf("expected only pm_2 left, got %+v", left)
	}
}

func TestRevenueReport(t *testing.T) {
	env := newTestService()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	env.gateway.Charges = []billing.Charge{
		{ID: "ch_1", Amount: 9900, Paid: true, Created: day.Add(time.Hour)},
		{ID: "ch_2", Amount: 19900, Paid: false, Created: day.Add(2 * time.Hour)},
		{ID: "ch_3", Amount: 9900, Paid: true, Created: day.AddDate(0, 1, 0)},
	}

	r, err := env.svc.RevenueReport(context.Background(), day, day.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.TotalCharges != 2 || r.TotalRevenue != 9900 || r.AverageCharge != 4950 {
		t.Errorf("unexpected report %+v", r)
	}

	if _, err := env.svc.RevenueReport(context.Background(), day, day.Add(-time.Second)); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("expected ErrInvalidPeriod, got %v", err)
	}
}

func TestSubscriptionStats(t *testing.T) {
	env := newTestService()
	env.gateway.Subscriptions["sub_1"] = billing.Subscription{ID: "sub_1", Status: "active", UnitAmount: 9900}
	env.gateway.Subscriptions["sub_2"] = billing.Subscription{ID: "sub_2", Status: "active", UnitAmount: 19900}
	env.gateway.Subscriptions["sub_3"] = billing.Subscription{ID: "sub_3", Status: "past_due", UnitAmount: 9900}

	st, err := env.svc.SubscriptionStats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Total != 3 || st.ByStatus["active"] != 2 || st.ByStatus["past_due"] != 1 {
		t.Errorf("unexpected counts %+v", st)
	}
	if st.MonthlyRevenue != 29800 {
		t.Errorf("expected 29800, got %d", st.MonthlyRevenue)
	}
}
