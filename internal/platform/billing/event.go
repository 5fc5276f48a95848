package billing

import (
	"bytes"
	"encoding/json"
	"time"
)

// Processor event type tags.
const (
	TypeSubscriptionCreated     = "customer.subscription.created"
	TypeSubscriptionUpdated     = "customer.subscription.updated"
	TypeSubscriptionDeleted     = "customer.subscription.deleted"
	TypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	TypeInvoicePaid             = "invoice.paid"
	TypeInvoicePaymentFailed    = "invoice.payment_failed"
	TypeCustomerCreated         = "customer.created"
)

// Event is a verified, decoded processor event. The set of implementations
// is closed; anything not recognised decodes to Unhandled.
type Event interface {
	EventID() string
	EventType() string
	CreatedAt() time.Time
	isEvent()
}

// Meta carries the fields common to every event.
type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Created  time.Time `json:"created"`
	Received time.Time `json:"received"`
	Livemode bool      `json:"livemode"`
	// Source names the webhook secret that verified the event.
	Source string `json:"source,omitempty"`
}

func (m Meta) EventID() string      { return m.ID }
func (m Meta) EventType() string    { return m.Type }
func (m Meta) CreatedAt() time.Time { return m.Created }
func (Meta) isEvent()               {}

// SubscriptionSnapshot is the subscription state reported by an event.
type SubscriptionSnapshot struct {
	ID                string            `json:"id"`
	CustomerID        string            `json:"customer_id"`
	CustomerEmail     string            `json:"customer_email,omitempty"`
	Status            string            `json:"status"`
	PriceID           string            `json:"price_id,omitempty"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CurrentPeriodEnd  *time.Time        `json:"current_period_end,omitempty"`
	CanceledAt        *time.Time        `json:"canceled_at,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// InvoiceSnapshot is the invoice state reported by an event.
type InvoiceSnapshot struct {
	ID             string            `json:"id"`
	CustomerID     string            `json:"customer_id"`
	CustomerEmail  string            `json:"customer_email,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	Status         string            `json:"status"`
	AmountDue      int64             `json:"amount_due"`
	AmountPaid     int64             `json:"amount_paid"`
	Currency       string            `json:"currency"`
	AttemptCount   int64             `json:"attempt_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CustomerSnapshot is the customer record reported by an event.
type CustomerSnapshot struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type SubscriptionCreated struct {
	Meta
	Subscription SubscriptionSnapshot `json:"subscription"`
}

type SubscriptionUpdated struct {
	Meta
	Subscription SubscriptionSnapshot `json:"subscription"`
}

type SubscriptionDeleted struct {
	Meta
	Subscription SubscriptionSnapshot `json:"subscription"`
}

// InvoicePaymentSucceeded covers both invoice.payment_succeeded and
// invoice.paid; Meta.Type keeps the original tag.
type InvoicePaymentSucceeded struct {
	Meta
	Invoice InvoiceSnapshot `json:"invoice"`
}

type InvoicePaymentFailed struct {
	Meta
	Invoice InvoiceSnapshot `json:"invoice"`
}

type CustomerCreated struct {
	Meta
	Customer CustomerSnapshot `json:"customer"`
}

// Unhandled is a verified event of a type this service does not act on.
type Unhandled struct {
	Meta
}

// Subject identifies who an event is about, for tenant matching.
type Subject struct {
	CustomerID     string
	SubscriptionID string
	Email          string
	Metadata       map[string]string
}

// SubjectOf extracts the matching keys from any event.
func SubjectOf(ev Event) Subject {
	switch e := ev.(type) {
	case SubscriptionCreated:
		return subscriptionSubject(e.Subscription)
	case SubscriptionUpdated:
		return subscriptionSubject(e.Subscription)
	case SubscriptionDeleted:
		return subscriptionSubject(e.Subscription)
	case InvoicePaymentSucceeded:
		return invoiceSubject(e.Invoice)
	case InvoicePaymentFailed:
		return invoiceSubject(e.Invoice)
	case CustomerCreated:
		return Subject{CustomerID: e.Customer.ID, Email: e.Customer.Email, Metadata: e.Customer.Metadata}
	}
	return Subject{}
}

func subscriptionSubject(s SubscriptionSnapshot) Subject {
	return Subject{CustomerID: s.CustomerID, SubscriptionID: s.ID, Email: s.CustomerEmail, Metadata: s.Metadata}
}

func invoiceSubject(i InvoiceSnapshot) Subject {
	return Subject{CustomerID: i.CustomerID, SubscriptionID: i.SubscriptionID, Email: i.CustomerEmail, Metadata: i.Metadata}
}

// ObjectID returns the ID of the processor object the event carries.
func ObjectID(ev Event) string {
	switch e := ev.(type) {
	case SubscriptionCreated:
		return e.Subscription.ID
	case SubscriptionUpdated:
		return e.Subscription.ID
	case SubscriptionDeleted:
		return e.Subscription.ID
	case InvoicePaymentSucceeded:
		return e.Invoice.ID
	case InvoicePaymentFailed:
		return e.Invoice.ID
	case CustomerCreated:
		return e.Customer.ID
	}
	return ""
}

// expandableID decodes a processor reference that is either a bare ID string
// or an expanded object carrying "id" (and, for customers, "email").
type expandableID struct {
	ID    string
	Email string
}

func (x *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &x.ID)
	}
	var obj struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	x.ID, x.Email = obj.ID, obj.Email
	return nil
}

type wireSubscription struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	StartDate         int64             `json:"start_date"`
	Created           int64             `json:"created"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (w wireSubscription) snapshot() SubscriptionSnapshot {
	s := SubscriptionSnapshot{
		ID:                w.ID,
		CustomerID:        w.Customer.ID,
		CustomerEmail:     w.Customer.Email,
		Status:            w.Status,
		CancelAtPeriodEnd: w.CancelAtPeriodEnd,
		Metadata:          w.Metadata,
		CanceledAt:        unixPtr(w.CanceledAt),
	}
	if w.StartDate > 0 {
		s.StartedAt = unixPtr(w.StartDate)
	} else {
		s.StartedAt = unixPtr(w.Created)
	}
	periodEnd := w.CurrentPeriodEnd
	if len(w.Items.Data) > 0 {
		s.PriceID = w.Items.Data[0].Price.ID
		if periodEnd == 0 {
			periodEnd = w.Items.Data[0].CurrentPeriodEnd
		}
	}
	s.CurrentPeriodEnd = unixPtr(periodEnd)
	return s
}

type wireInvoice struct {
	ID            string            `json:"id"`
	Customer      expandableID      `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  expandableID      `json:"subscription"`
	Status        string            `json:"status"`
	AmountDue     int64             `json:"amount_due"`
	AmountPaid    int64             `json:"amount_paid"`
	Currency      string            `json:"currency"`
	AttemptCount  int64             `json:"attempt_count"`
	Metadata      map[string]string `json:"metadata"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (w wireInvoice) snapshot() InvoiceSnapshot {
	inv := InvoiceSnapshot{
		ID:             w.ID,
		CustomerID:     w.Customer.ID,
		CustomerEmail:  w.CustomerEmail,
		SubscriptionID: w.Subscription.ID,
		Status:         w.Status,
		AmountDue:      w.AmountDue,
		AmountPaid:     w.AmountPaid,
		Currency:       w.Currency,
		AttemptCount:   w.AttemptCount,
		Metadata:       w.Metadata,
	}
	// Newer API versions move the subscription under parent.
	details := w.Parent.SubscriptionDetails
	if inv.SubscriptionID == "" {
		inv.SubscriptionID = details.Subscription.ID
	}
	if len(inv.Metadata) == 0 && len(details.Metadata) > 0 {
		inv.Metadata = details.Metadata
	}
	if inv.CustomerEmail == "" {
		inv.CustomerEmail = w.Customer.Email
	}
	return inv
}

type wireCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
