package billing

import (
	"context"
	"fmt"
	"time"
)

// Result is the uniform outcome of a gateway operation. Processor-side
// rejections (declined card, unknown ID, invalid request) come back with
// Success false and a nil error; only transport faults produce an error.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Ok wraps data in a successful Result.
func Ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// Fail builds a rejected Result.
func Fail[T any](message, code string) Result[T] {
	return Result[T]{Error: message, Code: code}
}

// Value returns the data of a successful result, or a *RejectedError naming
// operation when the processor refused it.
func (r Result[T]) Value(operation string) (T, error) {
	if !r.Success {
		var zero T
		return zero, &RejectedError{Operation: operation, Message: r.Error, Code: r.Code}
	}
	return r.Data, nil
}

// RejectedError is a processor-side refusal lifted out of a Result.
type RejectedError struct {
	Operation string
	Message   string
	Code      string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("billing: %s rejected (%s): %s", e.Operation, e.Code, e.Message)
	}
	return fmt.Sprintf("billing: %s rejected: %s", e.Operation, e.Message)
}

// TransportError is a network or processor-availability fault. Callers may
// retry the operation.
type TransportError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("billing: %s: processor unavailable (status %d): %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("billing: %s: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Customer struct {
	ID                   string            `json:"id"`
	Email                string            `json:"email"`
	Name                 string            `json:"name"`
	Phone                string            `json:"phone,omitempty"`
	DefaultPaymentMethod string            `json:"default_payment_method,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

type CustomerParams struct {
	Email    string
	Name     string
	Phone    string
	ClinicID string
	Plan     string
	Metadata map[string]string
}

type Subscription struct {
	ID                string            `json:"id"`
	CustomerID        string            `json:"customer_id"`
	Status            string            `json:"status"`
	PriceID           string            `json:"price_id,omitempty"`
	UnitAmount        int64             `json:"unit_amount,omitempty"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CurrentPeriodEnd  *time.Time        `json:"current_period_end,omitempty"`
	TrialEnd          *time.Time        `json:"trial_end,omitempty"`
	CanceledAt        *time.Time        `json:"canceled_at,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the processor considers the subscription in good
// standing.
func (s Subscription) Active() bool {
	return s.Status == "active" || s.Status == "trialing"
}

type SubscriptionParams struct {
	CustomerID string
	PriceID    string
	TrialDays  int64
	CouponID   string
	Metadata   map[string]string
}

type CheckoutParams struct {
	CustomerID string
	PriceID    string
	ClinicID   string
	Plan       string
	SuccessURL string
	CancelURL  string
	TrialDays  int64
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Invoice struct {
	ID               string    `json:"id"`
	Number           string    `json:"number,omitempty"`
	Status           string    `json:"status"`
	AmountDue        int64     `json:"amount_due"`
	AmountPaid       int64     `json:"amount_paid"`
	Currency         string    `json:"currency"`
	HostedInvoiceURL string    `json:"hosted_invoice_url,omitempty"`
	Created          time.Time `json:"created"`
}

type Coupon struct {
	ID               string  `json:"id"`
	Name             string  `json:"name,omitempty"`
	PercentOff       float64 `json:"percent_off,omitempty"`
	AmountOff        int64   `json:"amount_off,omitempty"`
	Currency         string  `json:"currency,omitempty"`
	Duration         string  `json:"duration"`
	DurationInMonths int64   `json:"duration_in_months,omitempty"`
	Valid            bool    `json:"valid"`
}

// CouponParams describes a new coupon. Currency defaults to brl and
// Duration to once.
type CouponParams struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	PercentOff       float64 `json:"percent_off"`
	AmountOff        int64   `json:"amount_off"`
	Currency         string  `json:"currency"`
	Duration         string  `json:"duration"`
	DurationInMonths int64   `json:"duration_in_months"`
}

type PaymentMethod struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id,omitempty"`
	Type       string `json:"type"`
	Brand      string `json:"brand,omitempty"`
	Last4      string `json:"last4,omitempty"`
	ExpMonth   int64  `json:"exp_month,omitempty"`
	ExpYear    int64  `json:"exp_year,omitempty"`
}

type Charge struct {
	ID       string    `json:"id"`
	Amount   int64     `json:"amount"`
	Currency string    `json:"currency"`
	Paid     bool      `json:"paid"`
	Created  time.Time `json:"created"`
}

// ReportLimit caps how many processor objects a report reads.
const ReportLimit = 100

// RevenueReport sums the paid charges created within [From, To]. The average
// is taken over every charge in the period, paid or not.
type RevenueReport struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	TotalRevenue  int64     `json:"total_revenue"`
	TotalCharges  int       `json:"total_charges"`
	AverageCharge float64   `json:"average_charge"`
}

// SummarizeCharges builds a RevenueReport from the charges of a period.
func SummarizeCharges(from, to time.Time, charges []Charge) RevenueReport {
	r := RevenueReport{From: from, To: to, TotalCharges: len(charges)}
	for _, c := range charges {
		if c.Paid {
			r.TotalRevenue += c.Amount
		}
	}
	if r.TotalCharges > 0 {
		r.AverageCharge = float64(r.TotalRevenue) / float64(r.TotalCharges)
	}
	return r
}

// SubscriptionStats counts subscriptions by processor status. MonthlyRevenue
// is the sum of the first item's unit price over active subscriptions.
type SubscriptionStats struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	MonthlyRevenue int64          `json:"monthly_revenue"`
}

func SummarizeSubscriptions(subs []Subscription) SubscriptionStats {
	st := SubscriptionStats{Total: len(subs), ByStatus: map[string]int{}}
	for _, s := range subs {
		st.ByStatus[s.Status]++
		if s.Status == "active" {
			st.MonthlyRevenue += s.UnitAmount
		}
	}
	return st
}

// Gateway is the narrow surface of the payment processor this service uses.
type Gateway interface {
	CreateCustomer(ctx context.Context, p CustomerParams) (Result[Customer], error)
	GetCustomer(ctx context.Context, id string) (Result[Customer], error)
	FindCustomerByEmail(ctx context.Context, email string) (Result[Customer], error)
	UpdateCustomer(ctx context.Context, id string, p CustomerParams) (Result[Customer], error)
	DeleteCustomer(ctx context.Context, id string) (Result[bool], error)

	ListPaymentMethods(ctx context.Context, customerID, pmType string) (Result[[]PaymentMethod], error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (Result[Customer], error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) (Result[PaymentMethod], error)

	CreateSubscription(ctx context.Context, p SubscriptionParams) (Result[Subscription], error)
	GetSubscription(ctx context.Context, id string) (Result[Subscription], error)
	UpdateSubscriptionPrice(ctx context.Context, id, priceID string) (Result[Subscription], error)
	CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (Result[Subscription], error)
	ReactivateSubscription(ctx context.Context, id string) (Result[Subscription], error)

	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (Result[CheckoutSession], error)

	ListInvoices(ctx context.Context, customerID string, limit int64) (Result[[]Invoice], error)
	RetryInvoicePayment(ctx context.Context, invoiceID string) (Result[Invoice], error)

	CreateCoupon(ctx context.Context, p CouponParams) (Result[Coupon], error)
	GetCoupon(ctx context.Context, id string) (Result[Coupon], error)
	DeleteCoupon(ctx context.Context, id string) (Result[bool], error)
	ListCoupons(ctx context.Context, limit int64) (Result[[]Coupon], error)
	ApplyCoupon(ctx context.Context, subscriptionID, couponID string) (Result[Subscription], error)

	RevenueReport(ctx context.Context, from, to time.Time) (Result[RevenueReport], error)
	SubscriptionStats(ctx context.Context) (Result[SubscriptionStats], error)
}
