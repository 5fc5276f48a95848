package lifecycle

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/regiflex/regiflex/internal/domain/clinic"
	"github.com/regiflex/regiflex/internal/platform/billing"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func trialClinic() *clinic.Clinic {
	return &clinic.Clinic{
		ID:               uuid.New(),
		Name:             "Clinica Aurora",
		Email:            "contato@aurora.com.br",
		Plan:             clinic.PlanIndividual,
		Status:           clinic.StatusTrial,
		StripeCustomerID: clinic.StrPtr("cus_1"),
		VersionID:        1,
	}
}

func meta(id, typ string, sec int) billing.Meta {
	return billing.Meta{ID: id, Type: typ, Created: at(sec)}
}

func subCreated(id, subID string, sec int) billing.Event {
	return billing.SubscriptionCreated{
		Meta:         meta(id, billing.TypeSubscriptionCreated, sec),
		Subscription: billing.SubscriptionSnapshot{ID: subID, CustomerID: "cus_1", Status: "active"},
	}
}

func subUpdated(id, subID, status string, sec int) billing.Event {
	return billing.SubscriptionUpdated{
		Meta:         meta(id, billing.TypeSubscriptionUpdated, sec),
		Subscription: billing.SubscriptionSnapshot{ID: subID, CustomerID: "cus_1", Status: status},
	}
}

func subDeleted(id, subID string, sec int) billing.Event {
	return billing.SubscriptionDeleted{
		Meta:         meta(id, billing.TypeSubscriptionDeleted, sec),
		Subscription: billing.SubscriptionSnapshot{ID: subID, CustomerID: "cus_1", Status: "canceled"},
	}
}

func invoicePaid(id, subID string, sec int) billing.Event {
	return billing.InvoicePaymentSucceeded{
		Meta:    meta(id, billing.TypeInvoicePaymentSucceeded, sec),
		Invoice: billing.InvoiceSnapshot{ID: "in_" + id, CustomerID: "cus_1", SubscriptionID: subID, Status: "paid"},
	}
}

func invoiceFailed(id, subID string, sec int) billing.Event {
	return billing.InvoicePaymentFailed{
		Meta:    meta(id, billing.TypeInvoicePaymentFailed, sec),
		Invoice: billing.InvoiceSnapshot{ID: "in_" + id, CustomerID: "cus_1", SubscriptionID: subID, Status: "open"},
	}
}

// run feeds events to the state machine in order, applying each decision.
func run(c *clinic.Clinic, evs ...billing.Event) *clinic.Clinic {
	for _, ev := range evs {
		c = Decide(ev, c).Apply(c)
	}
	return c
}

func TestDecide_SubscriptionCreatedActivatesTrial(t *testing.T) {
	c := trialClinic()
	d := Decide(subCreated("evt_1", "sub_1", 0), c)

	if d.NewStatus != clinic.StatusActive {
		t.Errorf("expected active, got %q", d.NewStatus)
	}
	if d.Action != ActionActivated {
		t.Errorf("expected activated, got %q", d.Action)
	}
	if !d.ProvisionAdmin {
		t.Error("expected admin provisioning to be requested")
	}
	if d.Changes.StripeSubscriptionID == nil || *d.Changes.StripeSubscriptionID != "sub_1" {
		t.Errorf("expected subscription attached, got %v", d.Changes.StripeSubscriptionID)
	}
	if d.Changes.StripeCustomerID != nil {
		t.Error("customer ID already recorded, should not be rewritten")
	}

	out := d.Apply(c)
	if out.Status != clinic.StatusActive || out.SubscriptionID() != "sub_1" {
		t.Errorf("unexpected clinic after apply: status=%s sub=%s", out.Status, out.SubscriptionID())
	}
	if out.StatusEventAt == nil || !out.StatusEventAt.Equal(at(0)) {
		t.Errorf("expected watermark at event time, got %v", out.StatusEventAt)
	}
	if c.Status != clinic.StatusTrial {
		t.Error("Apply must not modify its input")
	}
}

func TestDecide_Transitions(t *testing.T) {
	active := func() *clinic.Clinic {
		return run(trialClinic(), subCreated("evt_0", "sub_1", 0))
	}
	cancelled := func() *clinic.Clinic {
		return run(active(), subDeleted("evt_00", "sub_1", 5))
	}

	tests := []struct {
		name       string
		clinic     func() *clinic.Clinic
		ev         billing.Event
		wantStatus clinic.Status
		wantAction Action
		check      func(t *testing.T, out *clinic.Clinic)
	}{
		{
			name: "updated to past_due suspends", clinic: active,
			ev: subUpdated("evt_1", "sub_1", "past_due", 10), wantStatus: clinic.StatusSuspended, wantAction: ActionSuspended,
			check: func(t *testing.T, out *clinic.Clinic) {
				if out.ProcessorStatus == nil || *out.ProcessorStatus != "past_due" {
					t.Errorf("expected processor status past_due, got %v", out.ProcessorStatus)
				}
			},
		},
		{
			name: "updated to trialing stays active", clinic: active,
			ev: subUpdated("evt_1", "sub_1", "trialing", 10), wantStatus: clinic.StatusActive, wantAction: ActionActivated,
		},
		{
			name: "deleted cancels", clinic: active,
			ev: subDeleted("evt_1", "sub_1", 10), wantStatus: clinic.StatusCancelled, wantAction: ActionCancelled,
			check: func(t *testing.T, out *clinic.Clinic) {
				if out.CancelledAt == nil || !out.CancelledAt.Equal(at(10)) {
					t.Errorf("expected cancellation at event time, got %v", out.CancelledAt)
				}
			},
		},
		{
			name: "payment failure suspends", clinic: active,
			ev: invoiceFailed("evt_1", "sub_1", 10), wantStatus: clinic.StatusSuspended, wantAction: ActionPaymentFailed,
			check: func(t *testing.T, out *clinic.Clinic) {
				if out.PaymentFailedAt == nil || !out.PaymentFailedAt.Equal(at(10)) {
					t.Errorf("expected payment failure time recorded, got %v", out.PaymentFailedAt)
				}
			},
		},
		{
			name: "payment recovers suspended clinic",
			clinic: func() *clinic.Clinic {
				return run(active(), invoiceFailed("evt_f", "sub_1", 5))
			},
			ev: invoicePaid("evt_1", "sub_1", 10), wantStatus: clinic.StatusActive, wantAction: ActionPaymentRecorded,
			check: func(t *testing.T, out *clinic.Clinic) {
				if out.LastPaymentAt == nil || !out.LastPaymentAt.Equal(at(10)) {
					t.Errorf("expected last payment recorded, got %v", out.LastPaymentAt)
				}
			},
		},
		{
			name: "cancelled ignores payment but records it", clinic: cancelled,
			ev: invoicePaid("evt_1", "sub_1", 10), wantStatus: clinic.StatusCancelled, wantAction: ActionIgnored,
			check: func(t *testing.T, out *clinic.Clinic) {
				if out.LastPaymentAt == nil {
					t.Error("expected payment timestamp recorded on cancelled clinic")
				}
			},
		},
		{
			name: "cancelled ignores update to active", clinic: cancelled,
			ev: subUpdated("evt_1", "sub_1", "active", 10), wantStatus: clinic.StatusCancelled, wantAction: ActionIgnored,
		},
		{
			name: "cancelled ignores creation replay", clinic: cancelled,
			ev: subCreated("evt_1", "sub_1", 10), wantStatus: clinic.StatusCancelled, wantAction: ActionIgnored,
		},
		{
			name: "new subscription reactivates cancelled clinic", clinic: cancelled,
			ev: subCreated("evt_1", "sub_2", 10), wantStatus: clinic.StatusActive, wantAction: ActionReactivated,
			check: func(t *testing.T, out *clinic.Clinic) {
				if out.SubscriptionID() != "sub_2" {
					t.Errorf("expected sub_2 recorded, got %s", out.SubscriptionID())
				}
				if out.CancelledAt != nil {
					t.Error("expected cancellation timestamp cleared")
				}
			},
		},
		{
			name: "event for another subscription is stale", clinic: active,
			ev: subUpdated("evt_1", "sub_other", "past_due", 10), wantStatus: clinic.StatusActive, wantAction: ActionStale,
		},
		{
			name: "invoice for another subscription is stale", clinic: active,
			ev: invoiceFailed("evt_1", "sub_other", 10), wantStatus: clinic.StatusActive, wantAction: ActionStale,
			check: func(t *testing.T, out *clinic.Clinic) {
				if out.PaymentFailedAt == nil {
					t.Error("expected failure timestamp recorded for a stale invoice")
				}
			},
		},
		{
			name: "older update is stale", clinic: active,
			ev: subUpdated("evt_1", "sub_1", "past_due", -10), wantStatus: clinic.StatusActive, wantAction: ActionStale,
		},
		{
			name: "older payment failure keeps timestamp but not status", clinic: active,
			ev: invoiceFailed("evt_1", "sub_1", -10), wantStatus: clinic.StatusActive, wantAction: ActionStale,
			check: func(t *testing.T, out *clinic.Clinic) {
				if out.PaymentFailedAt == nil || !out.PaymentFailedAt.Equal(at(-10)) {
					t.Errorf("expected failure timestamp recorded, got %v", out.PaymentFailedAt)
				}
			},
		},
		{
			name: "equal timestamp more severe wins", clinic: active,
			ev: invoiceFailed("evt_1", "sub_1", 0), wantStatus: clinic.StatusSuspended, wantAction: ActionPaymentFailed,
		},
		{
			name: "equal timestamp less severe loses",
			clinic: func() *clinic.Clinic {
				return run(active(), invoiceFailed("evt_f", "sub_1", 10))
			},
			ev: invoicePaid("evt_1", "sub_1", 10), wantStatus: clinic.StatusSuspended, wantAction: ActionStale,
		},
		{
			name: "deletion wins over newer state", clinic: func() *clinic.Clinic {
				return run(active(), subUpdated("evt_u", "sub_1", "active", 50))
			},
			ev: subDeleted("evt_1", "sub_1", 10), wantStatus: clinic.StatusCancelled, wantAction: ActionCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.clinic()
			d := Decide(tt.ev, c)
			if d.Action != tt.wantAction {
				t.Errorf("expected action %q, got %q", tt.wantAction, d.Action)
			}
			if (d.Action == ActionStale) != d.Stale {
				t.Errorf("stale flag %v does not match action %q", d.Stale, d.Action)
			}
			out := d.Apply(c)
			if out.Status != tt.wantStatus {
				t.Errorf("expected status %q, got %q", tt.wantStatus, out.Status)
			}
			if tt.check != nil {
				tt.check(t, out)
			}
		})
	}
}

func TestDecide_CustomerCreated(t *testing.T) {
	ev := billing.CustomerCreated{
		Meta:     meta("evt_c", billing.TypeCustomerCreated, 0),
		Customer: billing.CustomerSnapshot{ID: "cus_9", Email: "contato@aurora.com.br"},
	}

	c := trialClinic()
	c.StripeCustomerID = nil
	d := Decide(ev, c)
	if d.Action != ActionCustomerAttached {
		t.Fatalf("expected customer_attached, got %q", d.Action)
	}
	if out := d.Apply(c); out.CustomerID() != "cus_9" {
		t.Errorf("expected cus_9 attached, got %q", out.CustomerID())
	}
	if d.NewStatus != "" {
		t.Error("customer creation must not change status")
	}

	d = Decide(ev, trialClinic())
	if d.Action != ActionIgnored || d.Changed() {
		t.Errorf("expected ignored no-op for clinic with a customer, got %q changed=%v", d.Action, d.Changed())
	}
}

func TestDecide_UnhandledAndUnmatched(t *testing.T) {
	d := Decide(billing.Unhandled{Meta: meta("evt_x", "charge.refunded", 0)}, trialClinic())
	if d.Action != ActionIgnored || d.Changed() {
		t.Errorf("expected ignored no-op, got %q changed=%v", d.Action, d.Changed())
	}

	d = Decide(subCreated("evt_1", "sub_1", 0), nil)
	if d.Action != ActionUnmatched {
		t.Errorf("expected unmatched, got %q", d.Action)
	}
}

func TestDecide_DuplicateIsNoop(t *testing.T) {
	ev := subUpdated("evt_1", "sub_1", "past_due", 10)
	c := run(trialClinic(), subCreated("evt_0", "sub_1", 0), ev)

	d := Decide(ev, c)
	if d.Changed() {
		t.Errorf("expected replay to change nothing, got %+v", d)
	}
}

func TestDecide_OlderSubscriptionCreationIsStale(t *testing.T) {
	older := billing.SubscriptionCreated{
		Meta:         meta("evt_old", billing.TypeSubscriptionCreated, 100),
		Subscription: billing.SubscriptionSnapshot{ID: "sub_old", CustomerID: "cus_1", Status: "active", StartedAt: ptr(at(-100))},
	}
	newer := billing.SubscriptionCreated{
		Meta:         meta("evt_new", billing.TypeSubscriptionCreated, 0),
		Subscription: billing.SubscriptionSnapshot{ID: "sub_new", CustomerID: "cus_1", Status: "active", StartedAt: ptr(at(0))},
	}

	c := run(trialClinic(), newer)
	d := Decide(older, c)
	if !d.Stale {
		t.Fatalf("expected older subscription to be stale, got %q", d.Action)
	}
	if !d.ProvisionAdmin {
		t.Error("creation events always request provisioning")
	}
	if out := d.Apply(c); out.SubscriptionID() != "sub_new" {
		t.Errorf("expected sub_new to stay current, got %s", out.SubscriptionID())
	}
}

func TestDecide_NewSubscriptionEventsBeforeCreation(t *testing.T) {
	prefix := []billing.Event{subCreated("evt_1", "sub_1", 0), subDeleted("evt_2", "sub_1", 10)}
	created := startedSub(subCreated("evt_3", "sub_2", 20), 20)

	tests := []struct {
		name  string
		early billing.Event
		want  clinic.Status
	}{
		{"update", startedSub(subUpdated("evt_4", "sub_2", "past_due", 30), 20), clinic.StatusSuspended},
		{"deletion", startedSub(subDeleted("evt_4", "sub_2", 30), 20), clinic.StatusCancelled},
		{"payment failure", invoiceFailed("evt_4", "sub_2", 30), clinic.StatusSuspended},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inOrder := deliver(trialClinic(), append(append([]billing.Event{}, prefix...), created, tt.early)...)
			early := deliver(trialClinic(), append(append([]billing.Event{}, prefix...), tt.early, created)...)
			if inOrder.Status != tt.want {
				t.Fatalf("expected %s in order, got %s", tt.want, inOrder.Status)
			}
			if early.Status != tt.want || early.SubscriptionID() != "sub_2" {
				t.Errorf("expected %s on sub_2 when %s arrives first, got %s on %s",
					tt.want, tt.name, early.Status, early.SubscriptionID())
			}
		})
	}
}

func TestDecide_UnknownSubscriptionIsDeferred(t *testing.T) {
	c := run(trialClinic(), subCreated("evt_1", "sub_1", 0), subDeleted("evt_2", "sub_1", 10))

	d := Decide(invoiceFailed("evt_3", "sub_2", 30), c)
	if !d.Deferred || !d.Stale {
		t.Errorf("expected a deferred stale decision, got deferred=%v action=%q", d.Deferred, d.Action)
	}

	// Nothing after the recorded subscription started can be ruled out, but
	// anything before it can.
	d = Decide(invoiceFailed("evt_4", "sub_0", -5), c)
	if d.Deferred || !d.Stale {
		t.Errorf("expected an older invoice to be plainly stale, got deferred=%v action=%q", d.Deferred, d.Action)
	}

	d = Decide(invoicePaid("evt_5", "sub_1", 0), trialClinic())
	if !d.Deferred || d.Action != ActionPaymentRecorded {
		t.Errorf("expected an invoice before any subscription to be deferred, got deferred=%v action=%q", d.Deferred, d.Action)
	}

	d = Decide(startedSub(subUpdated("evt_6", "sub_2", "active", 30), 20), c)
	if d.Deferred || d.Action != ActionReactivated {
		t.Errorf("expected a dated update to switch subscriptions, got deferred=%v action=%q", d.Deferred, d.Action)
	}
}

func TestDecide_SyncsPlan(t *testing.T) {
	dc := NewDecider(map[string]string{clinic.PlanIndividual: "price_ind", clinic.PlanClinic: "price_cli"})
	c := trialClinic()

	c = dc.Decide(priced(subCreated("evt_1", "sub_1", 0), "price_ind"), c).Apply(c)
	if c.Plan != clinic.PlanIndividual {
		t.Fatalf("expected individual, got %s", c.Plan)
	}

	d := dc.Decide(priced(subUpdated("evt_2", "sub_1", "active", 20), "price_cli"), c)
	if d.Changes.Plan == nil || *d.Changes.Plan != clinic.PlanClinic {
		t.Fatalf("expected a switch to clinic, got %v", d.Changes.Plan)
	}
	c = d.Apply(c)

	older := dc.Decide(priced(subUpdated("evt_3", "sub_1", "active", 10), "price_ind"), c)
	if older.Changes.Plan != nil {
		t.Errorf("an older price must not replace a newer one, got %v", *older.Changes.Plan)
	}

	unknownPrice := dc.Decide(priced(subUpdated("evt_4", "sub_1", "active", 30), "price_legacy"), c)
	if unknownPrice.Changes.Plan != nil || unknownPrice.Changes.PlanEventAt != nil {
		t.Error("an unconfigured price must leave the plan alone")
	}

	if d := Decide(priced(subUpdated("evt_5", "sub_1", "active", 40), "price_ind"), c); d.Changes.Plan != nil {
		t.Error("a decider without prices never changes plans")
	}
}

func TestChangePlan(t *testing.T) {
	c := run(trialClinic(), subCreated("evt_1", "sub_1", 0))

	d, err := ChangePlan(c, clinic.PlanClinic, at(60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := d.Apply(c)
	if out.Plan != clinic.PlanClinic || out.PlanEventAt == nil || !out.PlanEventAt.Equal(at(60)) {
		t.Errorf("expected clinic plan at 60s, got %s %v", out.Plan, out.PlanEventAt)
	}
	if d.Action != ActionPlanChanged || d.NewStatus != "" {
		t.Errorf("expected plan_changed without status change, got %q %q", d.Action, d.NewStatus)
	}

	dc := NewDecider(map[string]string{clinic.PlanIndividual: "price_ind", clinic.PlanClinic: "price_cli"})
	if late := dc.Decide(priced(subUpdated("evt_2", "sub_1", "active", 30), "price_ind"), out); late.Changes.Plan != nil {
		t.Error("a price event older than the change must not undo it")
	}

	if _, err := ChangePlan(trialClinic(), clinic.PlanClinic, at(0)); !errors.Is(err, ErrNoSubscription) {
		t.Errorf("expected ErrNoSubscription, got %v", err)
	}
}

func TestDecide_ConvergesUnderReordering(t *testing.T) {
	scenarios := map[string][]billing.Event{
		"payment trouble then recovery": {
			subCreated("evt_1", "sub_1", 0),
			invoicePaid("evt_2", "sub_1", 10),
			invoiceFailed("evt_3", "sub_1", 20),
			subUpdated("evt_4", "sub_1", "past_due", 21),
			invoicePaid("evt_5", "sub_1", 30),
		},
		"cancellation": {
			subCreated("evt_1", "sub_1", 0),
			invoicePaid("evt_2", "sub_1", 10),
			subUpdated("evt_3", "sub_1", "active", 40),
			subDeleted("evt_4", "sub_1", 30),
		},
		"resubscribe after cancellation": {
			subCreated("evt_1", "sub_1", 0),
			subDeleted("evt_2", "sub_1", 10),
			subCreated("evt_3", "sub_2", 20),
			invoicePaid("evt_4", "sub_1", 5),
		},
		"new subscription falls behind": {
			subCreated("evt_1", "sub_1", 0),
			subDeleted("evt_2", "sub_1", 10),
			startedSub(subCreated("evt_3", "sub_2", 20), 20),
			startedSub(subUpdated("evt_4", "sub_2", "past_due", 30), 20),
		},
		"new subscription payment fails": {
			subCreated("evt_1", "sub_1", 0),
			subDeleted("evt_2", "sub_1", 10),
			subCreated("evt_3", "sub_2", 20),
			invoiceFailed("evt_4", "sub_2", 30),
		},
		"same-timestamp conflict": {
			subCreated("evt_1", "sub_1", 0),
			invoicePaid("evt_2", "sub_1", 10),
			invoiceFailed("evt_3", "sub_1", 10),
		},
	}

	for name, evs := range scenarios {
		t.Run(name, func(t *testing.T) {
			want := fingerprint(run(trialClinic(), evs...))
			for _, order := range permutations(evs) {
				// Every event once, then each one replayed under its own ID.
				got := deliver(trialClinic(), append(append([]billing.Event{}, order...), order...)...)
				if fp := fingerprint(got); fp != want {
					t.Fatalf("order %v diverged:\n got  %s\n want %s", ids(order), fp, want)
				}
				for _, ev := range order {
					if d := Decide(ev, got); d.Changed() && !d.Deferred {
						t.Fatalf("order %v: replaying %s would change %+v", ids(order), ev.EventID(), d)
					}
				}
			}
		})
	}
}

func TestReactivate(t *testing.T) {
	active := billing.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "active"}

	c := run(trialClinic(), subCreated("evt_1", "sub_1", 0), subDeleted("evt_2", "sub_1", 10))
	d, err := Reactivate(c, active, at(60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := d.Apply(c)
	if out.Status != clinic.StatusActive || out.CancelledAt != nil {
		t.Errorf("expected active with cleared cancellation, got %s %v", out.Status, out.CancelledAt)
	}
	if d.Action != ActionReactivated {
		t.Errorf("expected reactivated, got %q", d.Action)
	}
	// Events older than the reactivation no longer move status.
	if late := Decide(invoiceFailed("evt_3", "sub_1", 30), out); !late.Stale {
		t.Errorf("expected older failure to be stale after reactivation, got %q", late.Action)
	}

	if _, err := Reactivate(trialClinic(), active, at(0)); !errors.Is(err, ErrNotReactivatable) {
		t.Errorf("expected ErrNotReactivatable, got %v", err)
	}
	if _, err := Reactivate(c, billing.Subscription{ID: "sub_1", Status: "canceled"}, at(0)); !errors.Is(err, ErrProcessorInactive) {
		t.Errorf("expected ErrProcessorInactive, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	c := run(trialClinic(), subCreated("evt_1", "sub_1", 0))

	d, err := Cancel(c, billing.Subscription{ID: "sub_1", Status: "active", CancelAtPeriodEnd: true}, true, at(60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Action != ActionCancelScheduled || d.NewStatus != "" {
		t.Errorf("expected scheduled cancellation without status change, got %q %q", d.Action, d.NewStatus)
	}

	d, err = Cancel(c, billing.Subscription{ID: "sub_1", Status: "canceled"}, false, at(60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := d.Apply(c)
	if out.Status != clinic.StatusCancelled || out.CancelledAt == nil || !out.CancelledAt.Equal(at(60)) {
		t.Errorf("expected cancelled at 60s, got %s %v", out.Status, out.CancelledAt)
	}

	if _, err := Cancel(out, billing.Subscription{}, false, at(70)); !errors.Is(err, ErrAlreadyCancelled) {
		t.Errorf("expected ErrAlreadyCancelled, got %v", err)
	}
}

func fingerprint(c *clinic.Clinic) string {
	return fmt.Sprintf("status=%s sub=%s cancelled=%v paid=%v failed=%v",
		c.Status, c.SubscriptionID(), fmtTime(c.CancelledAt), fmtTime(c.LastPaymentAt), fmtTime(c.PaymentFailedAt))
}

func fmtTime(p *time.Time) string {
	if p == nil {
		return "-"
	}
	return p.Sub(t0).String()
}

func permutations(evs []billing.Event) [][]billing.Event {
	if len(evs) <= 1 {
		return [][]billing.Event{append([]billing.Event{}, evs...)}
	}
	var out [][]billing.Event
	for i := range evs {
		rest := make([]billing.Event, 0, len(evs)-1)
		rest = append(rest, evs[:i]...)
		rest = append(rest, evs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]billing.Event{evs[i]}, p...))
		}
	}
	return out
}

// deliver applies events the way the webhook pipeline does. An event ID is
// applied at most once. A deferred event goes back to the end of the queue
// and is applied as decided once nothing else is left to change the outcome.
func deliver(c *clinic.Clinic, evs ...billing.Event) *clinic.Clinic {
	done := map[string]bool{}
	queue := evs
	for len(queue) > 0 {
		var retry []billing.Event
		progress := false
		for _, ev := range queue {
			if done[ev.EventID()] {
				continue
			}
			d := Decide(ev, c)
			if d.Deferred {
				retry = append(retry, ev)
				continue
			}
			c = d.Apply(c)
			done[ev.EventID()] = true
			progress = true
		}
		if !progress {
			for _, ev := range retry {
				if !done[ev.EventID()] {
					c = Decide(ev, c).Apply(c)
					done[ev.EventID()] = true
				}
			}
			break
		}
		queue = retry
	}
	return c
}

func ids(evs []billing.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.EventID()
	}
	return out
}

func ptr[T any](v T) *T { return &v }

// startedSub stamps a subscription event's snapshot with its start time.
func startedSub(ev billing.Event, sec int) billing.Event {
	start := ptr(at(sec))
	switch e := ev.(type) {
	case billing.SubscriptionCreated:
		e.Subscription.StartedAt = start
		return e
	case billing.SubscriptionUpdated:
		e.Subscription.StartedAt = start
		return e
	case billing.SubscriptionDeleted:
		e.Subscription.StartedAt = start
		return e
	}
	return ev
}

func priced(ev billing.Event, priceID string) billing.Event {
	switch e := ev.(type) {
	case billing.SubscriptionCreated:
		e.Subscription.PriceID = priceID
		return e
	case billing.SubscriptionUpdated:
		e.Subscription.PriceID = priceID
		return e
	}
	return ev
}
