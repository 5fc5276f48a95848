package lifecycle

import (
	"errors"
	"time"

	"github.com/regiflex/regiflex/internal/domain/clinic"
	"github.com/regiflex/regiflex/internal/platform/billing"
)

var (
	ErrNotReactivatable  = errors.New("clinic is neither cancelled nor suspended")
	ErrProcessorInactive = errors.New("subscription is not active at the processor")
	ErrAlreadyCancelled  = errors.New("clinic is already cancelled")
	ErrNoSubscription    = errors.New("clinic has no subscription")
)

type subscriptionKind int

const (
	kindCreated subscriptionKind = iota
	kindUpdated
	kindDeleted
)

// Decider turns processor events into decisions. The zero value is ready to
// use and never syncs plans.
type Decider struct {
	// plans maps processor price IDs to plans.
	plans map[string]string
}

// NewDecider builds a Decider that keeps each clinic's plan in line with the
// price of its subscription. priceIDs maps plans to price IDs, as configured
// for checkout.
func NewDecider(priceIDs map[string]string) Decider {
	plans := make(map[string]string, len(priceIDs))
	for plan, price := range priceIDs {
		if price != "" {
			plans[price] = plan
		}
	}
	return Decider{plans: plans}
}

// Decide computes how clinic t responds to ev without plan sync.
func Decide(ev billing.Event, t *clinic.Clinic) Decision {
	return Decider{}.Decide(ev, t)
}

// Decide computes how clinic t responds to ev. A nil t means no clinic
// matched the event.
//
// Status follows the newest processor timestamp among the events that apply
// to the clinic's current subscription, with equal timestamps resolved by
// status severity. Deletion of the current subscription is final until a
// newer subscription shows up, so the outcome does not depend on the order
// or number of deliveries.
func (dc Decider) Decide(ev billing.Event, t *clinic.Clinic) Decision {
	if t == nil {
		return Decision{Action: ActionUnmatched}
	}
	at := ev.CreatedAt().UTC()

	switch e := ev.(type) {
	case billing.SubscriptionCreated:
		return dc.decideSubscription(t, e.Subscription, at, kindCreated)
	case billing.SubscriptionUpdated:
		return dc.decideSubscription(t, e.Subscription, at, kindUpdated)
	case billing.SubscriptionDeleted:
		return dc.decideSubscription(t, e.Subscription, at, kindDeleted)
	case billing.InvoicePaymentSucceeded:
		return decideInvoice(t, e.Invoice, at, true)
	case billing.InvoicePaymentFailed:
		return decideInvoice(t, e.Invoice, at, false)
	case billing.CustomerCreated:
		var d Decision
		d.Action = ActionIgnored
		if t.CustomerID() == "" && e.Customer.ID != "" {
			d.Changes.StripeCustomerID = strPtr(e.Customer.ID)
			d.Action = ActionCustomerAttached
		}
		return d
	}
	return Decision{Action: ActionIgnored}
}

func (dc Decider) decideSubscription(t *clinic.Clinic, s billing.SubscriptionSnapshot, at time.Time, kind subscriptionKind) Decision {
	var d Decision
	d.Changes.StripeCustomerID = attach(t.StripeCustomerID, s.CustomerID)
	// Provisioning is idempotent, so every creation asks for it.
	d.ProvisionAdmin = kind == kindCreated

	// Only a creation, or a snapshot that says when it started, can show that
	// s is newer than what the clinic has.
	dated := kind == kindCreated || s.StartedAt != nil

	recorded := t.SubscriptionID()
	if recorded != "" && recorded != s.ID {
		if !dated {
			return unknown(stale(d), t, at)
		}
		if !newerSubscription(t, s, at) {
			return stale(d)
		}
		return dc.switchSubscription(d, t, s, at, kind)
	}
	if recorded == "" {
		if dated && t.Status == clinic.StatusCancelled {
			return dc.switchSubscription(d, t, s, at, kind)
		}
		d.Changes.StripeSubscriptionID = strPtr(s.ID)
		d.Changes.SubscriptionStarted = startedAt(s, at)
	}

	if kind == kindDeleted {
		d.Changes.ProcessorStatus = setString(t.ProcessorStatus, deletedStatus(s))
		if t.CancelledAt == nil {
			cancelled := canceledAt(s, at)
			d.Changes.CancelledAt = &cancelled
		}
		d.NewStatus = changedStatus(t.Status, clinic.StatusCancelled)
		d.StatusEventAt = later(t.StatusEventAt, at)
		d.Action = ActionCancelled
		return d
	}

	dc.syncPlan(&d, t, s, at)
	if t.Status == clinic.StatusCancelled {
		d.StatusEventAt = later(t.StatusEventAt, at)
		d.Action = ActionIgnored
		return d
	}

	target, action := clinic.StatusActive, ActionActivated
	if kind == kindUpdated && !processorActive(s.Status) {
		target, action = clinic.StatusSuspended, ActionSuspended
	}
	if !supersedes(t, target, at) {
		return stale(d)
	}
	d.NewStatus = changedStatus(t.Status, target)
	d.StatusEventAt = later(t.StatusEventAt, at)
	d.Changes.ProcessorStatus = setString(t.ProcessorStatus, s.Status)
	d.Action = action
	return d
}

// switchSubscription makes s the clinic's current subscription and applies
// the event to it. The status and plan watermarks restart at the event since
// events of the previous subscription no longer apply.
func (dc Decider) switchSubscription(d Decision, t *clinic.Clinic, s billing.SubscriptionSnapshot, at time.Time, kind subscriptionKind) Decision {
	d.Changes.StripeSubscriptionID = strPtr(s.ID)
	d.Changes.SubscriptionStarted = startedAt(s, at)
	if t.StatusEventAt == nil || !t.StatusEventAt.Equal(at) {
		d.StatusEventAt = &at
	}

	if kind == kindDeleted {
		d.Changes.ProcessorStatus = setString(t.ProcessorStatus, deletedStatus(s))
		if cancelled := canceledAt(s, at); t.CancelledAt == nil || !t.CancelledAt.Equal(cancelled) {
			d.Changes.CancelledAt = &cancelled
		}
		d.NewStatus = changedStatus(t.Status, clinic.StatusCancelled)
		d.Action = ActionCancelled
		return d
	}

	if plan := dc.plans[s.PriceID]; plan != "" {
		if t.PlanEventAt == nil || !t.PlanEventAt.Equal(at) {
			d.Changes.PlanEventAt = &at
		}
		if plan != t.Plan {
			d.Changes.Plan = strPtr(plan)
		}
	}
	d.Changes.ProcessorStatus = setString(t.ProcessorStatus, s.Status)
	d.Changes.ClearCancelledAt = t.CancelledAt != nil
	if kind == kindUpdated && !processorActive(s.Status) {
		d.NewStatus = changedStatus(t.Status, clinic.StatusSuspended)
		d.Action = ActionSuspended
		return d
	}
	d.NewStatus = changedStatus(t.Status, clinic.StatusActive)
	d.Action = ActionActivated
	if t.Status == clinic.StatusCancelled || t.Status == clinic.StatusSuspended {
		d.Action = ActionReactivated
	}
	return d
}

// syncPlan follows the price of the current subscription. Plans keep their
// own watermark so that invoices never hold back a price change.
func (dc Decider) syncPlan(d *Decision, t *clinic.Clinic, s billing.SubscriptionSnapshot, at time.Time) {
	plan := dc.plans[s.PriceID]
	if plan == "" {
		return
	}
	if t.PlanEventAt != nil {
		if at.Before(*t.PlanEventAt) || (at.Equal(*t.PlanEventAt) && plan <= t.Plan) {
			return
		}
	}
	d.Changes.PlanEventAt = later(t.PlanEventAt, at)
	if plan != t.Plan {
		d.Changes.Plan = strPtr(plan)
	}
}

func decideInvoice(t *clinic.Clinic, inv billing.InvoiceSnapshot, at time.Time, paid bool) Decision {
	var d Decision
	d.Changes.StripeCustomerID = attach(t.StripeCustomerID, inv.CustomerID)

	// Payment timestamps are facts about the customer and are kept even
	// when the invoice cannot move status.
	target, action := clinic.StatusActive, ActionPaymentRecorded
	if paid {
		d.Changes.LastPaymentAt = later(t.LastPaymentAt, at)
	} else {
		d.Changes.PaymentFailedAt = later(t.PaymentFailedAt, at)
		target, action = clinic.StatusSuspended, ActionPaymentFailed
	}

	if recorded := t.SubscriptionID(); inv.SubscriptionID != "" && inv.SubscriptionID != recorded {
		if recorded != "" {
			return unknown(stale(d), t, at)
		}
		// The invoice's subscription has not been created here yet.
		d.Deferred = true
	}

	if t.Status == clinic.StatusCancelled {
		d.StatusEventAt = later(t.StatusEventAt, at)
		d.Action = ActionIgnored
		return d
	}
	if !supersedes(t, target, at) {
		return stale(d)
	}
	d.NewStatus = changedStatus(t.Status, target)
	d.StatusEventAt = later(t.StatusEventAt, at)
	d.Action = action
	return d
}

// unknown defers d unless the event predates the recorded subscription, in
// which case it cannot be about a newer one.
func unknown(d Decision, t *clinic.Clinic, at time.Time) Decision {
	if t.SubscriptionStarted != nil && !at.After(*t.SubscriptionStarted) {
		return d
	}
	d.Deferred = true
	return d
}

// Reactivate moves a cancelled or suspended clinic back to active once the
// processor reports sub in good standing.
func Reactivate(t *clinic.Clinic, sub billing.Subscription, now time.Time) (Decision, error) {
	if t.Status != clinic.StatusCancelled && t.Status != clinic.StatusSuspended {
		return Decision{}, ErrNotReactivatable
	}
	if !sub.Active() {
		return Decision{}, ErrProcessorInactive
	}
	now = now.UTC()
	d := Decision{
		NewStatus:     clinic.StatusActive,
		StatusEventAt: later(t.StatusEventAt, now),
		Action:        ActionReactivated,
	}
	d.Changes.ClearCancelledAt = t.CancelledAt != nil
	d.Changes.ProcessorStatus = setString(t.ProcessorStatus, sub.Status)
	d.Changes.StripeCustomerID = attach(t.StripeCustomerID, sub.CustomerID)
	if sub.ID != t.SubscriptionID() {
		d.Changes.StripeSubscriptionID = strPtr(sub.ID)
		d.Changes.SubscriptionStarted = sub.StartedAt
	}
	return d, nil
}

// Cancel records an administrative cancellation that the processor has
// already accepted. A cancellation at period end leaves the status alone;
// the processor's deletion event finishes it later.
func Cancel(t *clinic.Clinic, sub billing.Subscription, atPeriodEnd bool, now time.Time) (Decision, error) {
	if t.Status == clinic.StatusCancelled {
		return Decision{}, ErrAlreadyCancelled
	}
	now = now.UTC()
	var d Decision
	d.Changes.ProcessorStatus = setString(t.ProcessorStatus, sub.Status)
	if atPeriodEnd {
		d.Action = ActionCancelScheduled
		return d, nil
	}
	d.NewStatus = clinic.StatusCancelled
	d.StatusEventAt = later(t.StatusEventAt, now)
	d.Changes.CancelledAt = &now
	d.Action = ActionCancelled
	return d, nil
}

// ChangePlan records a plan change the processor has already accepted. The
// plan watermark moves to now so that older price events cannot undo it.
func ChangePlan(t *clinic.Clinic, plan string, now time.Time) (Decision, error) {
	if t.SubscriptionID() == "" {
		return Decision{}, ErrNoSubscription
	}
	now = now.UTC()
	d := Decision{Action: ActionPlanChanged}
	if plan != t.Plan {
		d.Changes.Plan = strPtr(plan)
	}
	d.Changes.PlanEventAt = later(t.PlanEventAt, now)
	return d, nil
}

// supersedes reports whether an event at the given time may move t to
// target.
func supersedes(t *clinic.Clinic, target clinic.Status, at time.Time) bool {
	if t.StatusEventAt == nil {
		return true
	}
	switch {
	case at.After(*t.StatusEventAt):
		return true
	case at.Before(*t.StatusEventAt):
		return false
	}
	return target.Severity() >= t.Status.Severity()
}

func newerSubscription(t *clinic.Clinic, s billing.SubscriptionSnapshot, at time.Time) bool {
	if t.SubscriptionStarted == nil {
		return true
	}
	return startedAt(s, at).After(*t.SubscriptionStarted)
}

func startedAt(s billing.SubscriptionSnapshot, at time.Time) *time.Time {
	v := at
	if s.StartedAt != nil {
		v = s.StartedAt.UTC()
	}
	return &v
}

func deletedStatus(s billing.SubscriptionSnapshot) string {
	if s.Status == "" {
		return "canceled"
	}
	return s.Status
}

func canceledAt(s billing.SubscriptionSnapshot, at time.Time) time.Time {
	if s.CanceledAt != nil {
		return s.CanceledAt.UTC()
	}
	return at
}

func processorActive(status string) bool {
	return status == "active" || status == "trialing"
}

func stale(d Decision) Decision {
	d.Stale = true
	d.Action = ActionStale
	return d
}

func changedStatus(cur, next clinic.Status) clinic.Status {
	if cur == next {
		return ""
	}
	return next
}

// attach sets a processor ID only when none is recorded yet.
func attach(cur *string, id string) *string {
	if id == "" || (cur != nil && *cur != "") {
		return nil
	}
	return strPtr(id)
}

func setString(cur *string, v string) *string {
	if v == "" || (cur != nil && *cur == v) {
		return nil
	}
	return strPtr(v)
}

// later returns at when it moves cur forward.
func later(cur *time.Time, at time.Time) *time.Time {
	if cur != nil && !at.After(*cur) {
		return nil
	}
	return &at
}

func strPtr(s string) *string { return &s }
