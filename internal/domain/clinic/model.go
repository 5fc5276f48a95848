package clinic

import (
	"time"

	"github.com/google/uuid"
)

// Status is the internal subscription status of a clinic.
type Status string

const (
	StatusUnprovisioned Status = "unprovisioned"
	StatusTrial         Status = "trial"
	StatusActive        Status = "active"
	StatusSuspended     Status = "suspended"
	StatusCancelled     Status = "cancelled"
)

// Severity orders statuses for tie-breaking events that carry the same
// processor timestamp. Higher wins.
func (s Status) Severity() int {
	switch s {
	case StatusCancelled:
		return 3
	case StatusSuspended:
		return 2
	case StatusActive:
		return 1
	}
	return 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUnprovisioned, StatusTrial, StatusActive, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

const (
	PlanIndividual = "individual"
	PlanClinic     = "clinic"
)

// ValidPlan reports whether plan is one of the sold plans.
func ValidPlan(plan string) bool {
	return plan == PlanIndividual || plan == PlanClinic
}

// Clinic maps to the clinics table. It is the tenant: every clinic-scoped
// row elsewhere carries its ID.
type Clinic struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	Name                 string     `db:"name" json:"name"`
	Email                string     `db:"email" json:"email"`
	Phone                *string    `db:"phone" json:"phone,omitempty"`
	TaxID                *string    `db:"tax_id" json:"tax_id,omitempty"`
	Address              *string    `db:"address" json:"address,omitempty"`
	Plan                 string     `db:"plan" json:"plan"`
	Status               Status     `db:"status" json:"status"`
	ProcessorStatus      *string    `db:"processor_status" json:"processor_status,omitempty"`
	StripeCustomerID     *string    `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string    `db:"stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	SubscriptionStarted  *time.Time `db:"subscription_started_at" json:"subscription_started_at,omitempty"`
	TrialEndsAt          *time.Time `db:"trial_ends_at" json:"trial_ends_at,omitempty"`
	CancelledAt          *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	LastPaymentAt        *time.Time `db:"last_payment_at" json:"last_payment_at,omitempty"`
	PaymentFailedAt      *time.Time `db:"payment_failed_at" json:"payment_failed_at,omitempty"`
	StatusEventAt        *time.Time `db:"status_event_at" json:"status_event_at,omitempty"`
	PlanEventAt          *time.Time `db:"plan_event_at" json:"plan_event_at,omitempty"`
	VersionID            int        `db:"version_id" json:"version_id"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (c *Clinic) GetVersionID() int { return c.VersionID }

// SetVersionID sets the current version.
func (c *Clinic) SetVersionID(v int) { c.VersionID = v }

func (c *Clinic) CustomerID() string     { return strVal(c.StripeCustomerID) }
func (c *Clinic) SubscriptionID() string { return strVal(c.StripeSubscriptionID) }

// Clone returns a copy that shares no pointers with c.
func (c *Clinic) Clone() *Clinic {
	if c == nil {
		return nil
	}
	out := *c
	out.Phone = clonePtr(c.Phone)
	out.TaxID = clonePtr(c.TaxID)
	out.Address = clonePtr(c.Address)
	out.ProcessorStatus = clonePtr(c.ProcessorStatus)
	out.StripeCustomerID = clonePtr(c.StripeCustomerID)
	out.StripeSubscriptionID = clonePtr(c.StripeSubscriptionID)
	out.SubscriptionStarted = clonePtr(c.SubscriptionStarted)
	out.TrialEndsAt = clonePtr(c.TrialEndsAt)
	out.CancelledAt = clonePtr(c.CancelledAt)
	out.LastPaymentAt = clonePtr(c.LastPaymentAt)
	out.PaymentFailedAt = clonePtr(c.PaymentFailedAt)
	out.StatusEventAt = clonePtr(c.StatusEventAt)
	out.PlanEventAt = clonePtr(c.PlanEventAt)
	return &out
}

// Setting is one clinic_settings row.
type Setting struct {
	ClinicID  uuid.UUID   `db:"clinic_id" json:"clinic_id"`
	Key       string      `db:"key" json:"key"`
	Value     interface{} `db:"value" json:"value"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

type DayHours struct {
	Open   string `json:"open,omitempty"`
	Close  string `json:"close,omitempty"`
	Closed bool   `json:"closed"`
}

const (
	SettingBusinessHours  = "business_hours"
	SettingSessionMinutes = "default_session_minutes"
	SettingBufferMinutes  = "session_buffer_minutes"
	DefaultSessionMinutes = 50
	DefaultBufferMinutes  = 10
)

// DefaultSettings is the configuration every new clinic starts with.
func DefaultSettings() map[string]interface{} {
	weekday := DayHours{Open: "08:00", Close: "18:00"}
	return map[string]interface{}{
		SettingBusinessHours: map[string]DayHours{
			"monday":    weekday,
			"tuesday":   weekday,
			"wednesday": weekday,
			"thursday":  weekday,
			"friday":    weekday,
			"saturday":  {Open: "08:00", Close: "12:00"},
			"sunday":    {Closed: true},
		},
		SettingSessionMinutes: DefaultSessionMinutes,
		SettingBufferMinutes:  DefaultBufferMinutes,
	}
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StrPtr returns nil for the empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
