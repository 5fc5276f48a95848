// Package lifecycle decides how a clinic's subscription status responds to
// processor events and administrative actions. Everything here is pure: the
// caller loads the clinic, asks for a Decision, applies it and persists the
// result.
package lifecycle

import (
	"time"

	"github.com/regiflex/regiflex/internal/domain/clinic"
)

// Action tags what a decision did. It is stored in the billing ledger.
type Action string

const (
	ActionActivated        Action = "activated"
	ActionReactivated      Action = "reactivated"
	ActionSuspended        Action = "suspended"
	ActionCancelled        Action = "cancelled"
	ActionCancelScheduled  Action = "cancel_scheduled"
	ActionPaymentRecorded  Action = "payment_recorded"
	ActionPaymentFailed    Action = "payment_failed"
	ActionCustomerAttached Action = "customer_attached"
	ActionPlanChanged      Action = "plan_changed"
	ActionIgnored          Action = "ignored"
	ActionStale            Action = "stale"
	ActionUnmatched        Action = "unmatched"
)

// Changes lists the ancillary fields a decision writes. Nil means untouched.
type Changes struct {
	StripeCustomerID     *string
	StripeSubscriptionID *string
	SubscriptionStarted  *time.Time
	ProcessorStatus      *string
	CancelledAt          *time.Time
	ClearCancelledAt     bool
	LastPaymentAt        *time.Time
	PaymentFailedAt      *time.Time
	Plan                 *string
	PlanEventAt          *time.Time
}

func (c Changes) empty() bool {
	return c.StripeCustomerID == nil && c.StripeSubscriptionID == nil && c.SubscriptionStarted == nil &&
		c.ProcessorStatus == nil && c.CancelledAt == nil && !c.ClearCancelledAt &&
		c.LastPaymentAt == nil && c.PaymentFailedAt == nil && c.Plan == nil && c.PlanEventAt == nil
}

// Decision is the outcome of one event or administrative action against
// one clinic.
type Decision struct {
	// NewStatus is empty when the status does not change.
	NewStatus clinic.Status
	// StatusEventAt is the new status watermark, nil when unchanged.
	StatusEventAt *time.Time
	Changes       Changes
	Action        Action
	// ProvisionAdmin asks the caller to make sure the clinic has its
	// auto-provisioned administrator.
	ProvisionAdmin bool
	// Stale is set when the event lost to newer state and left status alone.
	Stale bool
	// Deferred is set when the event names a subscription the clinic has not
	// recorded yet and that may still turn out to be its newest. The rest of
	// the decision is what to do if that subscription never shows up; callers
	// may instead ask the processor to deliver the event again later.
	Deferred bool
}

// Changed reports whether applying d writes anything.
func (d Decision) Changed() bool {
	return d.NewStatus != "" || d.StatusEventAt != nil || !d.Changes.empty()
}

// Apply returns a copy of c with the decision applied. c is not modified.
func (d Decision) Apply(c *clinic.Clinic) *clinic.Clinic {
	out := c.Clone()
	ch := d.Changes
	if ch.StripeCustomerID != nil {
		out.StripeCustomerID = ch.StripeCustomerID
	}
	if ch.StripeSubscriptionID != nil {
		out.StripeSubscriptionID = ch.StripeSubscriptionID
	}
	if ch.SubscriptionStarted != nil {
		out.SubscriptionStarted = ch.SubscriptionStarted
	}
	if ch.ProcessorStatus != nil {
		out.ProcessorStatus = ch.ProcessorStatus
	}
	if ch.ClearCancelledAt {
		out.CancelledAt = nil
	}
	if ch.CancelledAt != nil {
		out.CancelledAt = ch.CancelledAt
	}
	if ch.LastPaymentAt != nil {
		out.LastPaymentAt = ch.LastPaymentAt
	}
	if ch.PaymentFailedAt != nil {
		out.PaymentFailedAt = ch.PaymentFailedAt
	}
	if ch.Plan != nil {
		out.Plan = *ch.Plan
	}
	if ch.PlanEventAt != nil {
		out.PlanEventAt = ch.PlanEventAt
	}
	if d.NewStatus != "" {
		out.Status = d.NewStatus
	}
	if d.StatusEventAt != nil {
		out.StatusEventAt = d.StatusEventAt
	}
	return out
}
