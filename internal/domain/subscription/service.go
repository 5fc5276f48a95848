// Package subscription is the clinic-facing billing API, backed by the
// payment processor gateway. It also serves the operator's coupon
// management and revenue reports.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/regiflex/regiflex/internal/domain/clinic"
	"github.com/regiflex/regiflex/internal/domain/lifecycle"
	"github.com/regiflex/regiflex/internal/platform/billing"
)

var (
	ErrNoSubscription = lifecycle.ErrNoSubscription
	ErrUnknownPlan    = errors.New("no price is configured for this plan")
	ErrNotOwned       = errors.New("billing object does not belong to this clinic")
	ErrInvalidCoupon  = errors.New("invalid coupon")
	ErrInvalidPeriod  = errors.New("invalid report period")
)

// Transitions applies administrative changes to a clinic after the processor
// accepted them. Writes are serialized with webhook processing.
type Transitions interface {
	Cancel(ctx context.Context, clinicID uuid.UUID, atPeriodEnd bool) (*clinic.Clinic, error)
	Reactivate(ctx context.Context, clinicID uuid.UUID, subscriptionID string) (*clinic.Clinic, error)
	ChangePlan(ctx context.Context, clinicID uuid.UUID, plan string) (*clinic.Clinic, error)
}

type Config struct {
	// PriceIDs maps plans to processor price IDs.
	PriceIDs map[string]string
	AppURL   string
}

type Service struct {
	gateway     billing.Gateway
	clinics     clinic.Repository
	transitions Transitions
	prices      map[string]string
	appURL      string
	logger      zerolog.Logger
}

func NewService(gateway billing.Gateway, clinics clinic.Repository, transitions Transitions, logger zerolog.Logger, cfg Config) *Service {
	return &Service{
		gateway:     gateway,
		clinics:     clinics,
		transitions: transitions,
		prices:      cfg.PriceIDs,
		appURL:      strings.TrimRight(cfg.AppURL, "/"),
		logger:      logger.With().Str("component", "subscription").Logger(),
	}
}

// View is a clinic's billing state as shown to its administrators.
type View struct {
	ClinicID     uuid.UUID             `json:"clinic_id"`
	Plan         string                `json:"plan"`
	Status       clinic.Status         `json:"status"`
	TrialEndsAt  *time.Time            `json:"trial_ends_at,omitempty"`
	Subscription *billing.Subscription `json:"subscription,omitempty"`
}

// Checkout opens a hosted checkout session for plan, or for the clinic's
// current plan when plan is empty. The clinic gets a processor customer
// first if it has none.
func (s *Service) Checkout(ctx context.Context, clinicID uuid.UUID, plan string) (*billing.CheckoutSession, error) {
	c, err := s.clinics.GetByID(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if plan == "" {
		plan = c.Plan
	}
	price, ok := s.prices[plan]
	if !ok || price == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}

	customerID, err := s.ensureCustomer(ctx, c)
	if err != nil {
		return nil, err
	}

	res, err := s.gateway.CreateCheckoutSession(ctx, billing.CheckoutParams{
		CustomerID: customerID,
		PriceID:    price,
		ClinicID:   c.ID.String(),
		Plan:       plan,
		SuccessURL: s.appURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.appURL + "/billing/cancel",
	})
	if err != nil {
		return nil, err
	}
	session, err := res.Value("create_checkout_session")
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ensureCustomer returns the clinic's processor customer, reusing one
// registered under the clinic's email before creating a new one.
func (s *Service) ensureCustomer(ctx context.Context, c *clinic.Clinic) (string, error) {
	if id := c.CustomerID(); id != "" {
		return id, nil
	}

	params := billing.CustomerParams{
		Email:    c.Email,
		Name:     c.Name,
		Phone:    strOr(c.Phone),
		ClinicID: c.ID.String(),
		Plan:     c.Plan,
	}

	var customer billing.Customer
	found, err := s.gateway.FindCustomerByEmail(ctx, c.Email)
	if err != nil {
		return "", err
	}
	if found.Success {
		customer = found.Data
		if customer.Metadata["clinic_id"] != c.ID.String() {
			res, err := s.gateway.UpdateCustomer(ctx, customer.ID, params)
			if err != nil {
				return "", err
			}
			if _, err := res.Value("update_customer"); err != nil {
				return "", err
			}
		}
	} else {
		res, err := s.gateway.CreateCustomer(ctx, params)
		if err != nil {
			return "", err
		}
		if customer, err = res.Value("create_customer"); err != nil {
			return "", err
		}
	}

	c.StripeCustomerID = &customer.ID
	if err := s.clinics.Update(ctx, c); err != nil {
		return "", fmt.Errorf("attach customer %s: %w", customer.ID, err)
	}
	s.logger.Info().Str("clinic_id", c.ID.String()).Str("customer_id", customer.ID).Msg("billing customer attached")
	return customer.ID, nil
}

// Current returns the clinic's status together with the processor's view of
// its subscription, if any.
func (s *Service) Current(ctx context.Context, clinicID uuid.UUID) (*View, error) {
	c, err := s.clinics.GetByID(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	v := &View{ClinicID: c.ID, Plan: c.Plan, Status: c.Status, TrialEndsAt: c.TrialEndsAt}
	if c.SubscriptionID() == "" {
		return v, nil
	}
	res, err := s.gateway.GetSubscription(ctx, c.SubscriptionID())
	if err != nil {
		return nil, err
	}
	sub, err := res.Value("get_subscription")
	if err != nil {
		return nil, err
	}
	v.Subscription = &sub
	return v, nil
}

func (s *Service) Cancel(ctx context.Context, clinicID uuid.UUID, atPeriodEnd bool) (*clinic.Clinic, error) {
	return s.transitions.Cancel(ctx, clinicID, atPeriodEnd)
}

func (s *Service) Reactivate(ctx context.Context, clinicID uuid.UUID) (*clinic.Clinic, error) {
	return s.transitions.Reactivate(ctx, clinicID, "")
}

// ChangePlan moves the clinic's subscription to the price of plan, prorating
// the difference.
func (s *Service) ChangePlan(ctx context.Context, clinicID uuid.UUID, plan string) (*billing.Subscription, error) {
	if !clinic.ValidPlan(plan) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	price, ok := s.prices[plan]
	if !ok || price == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	c, err := s.clinics.GetByID(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if c.SubscriptionID() == "" {
		return nil, ErrNoSubscription
	}

	res, err := s.gateway.UpdateSubscriptionPrice(ctx, c.SubscriptionID(), price)
	if err != nil {
		return nil, err
	}
	sub, err := res.Value("update_subscription_price")
	if err != nil {
		return nil, err
	}

	if _, err := s.transitions.ChangePlan(ctx, clinicID, plan); err != nil {
		return nil, fmt.Errorf("record plan change: %w", err)
	}
	return &sub, nil
}

func (s *Service) Invoices(ctx context.Context, clinicID uuid.UUID, limit int) ([]billing.Invoice, error) {
	c, err := s.clinics.GetByID(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if c.CustomerID() == "" {
		return []billing.Invoice{}, nil
	}
	res, err := s.gateway.ListInvoices(ctx, c.CustomerID(), int64(limit))
	if err != nil {
		return nil, err
	}
	return res.Value("list_invoices")
}

// RetryInvoice attempts payment of one of the clinic's open invoices.
func (s *Service) RetryInvoice(ctx context.Context, clinicID uuid.UUID, invoiceID string) (*billing.Invoice, error) {
	invoices, err := s.Invoices(ctx, clinicID, 100)
	if err != nil {
		return nil, err
	}
	owned := false
	for _, inv := range invoices {
		if inv.ID == invoiceID {
			owned = true
			break
		}
	}
	if !owned {
		return nil, ErrNotOwned
	}

	res, err := s.gateway.RetryInvoicePayment(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	inv, err := res.Value("retry_invoice_payment")
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ApplyCoupon attaches a coupon to the clinic's subscription.
func (s *Service) ApplyCoupon(ctx context.Context, clinicID uuid.UUID, couponID string) (*billing.Subscription, error) {
	c, err := s.clinics.GetByID(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if c.SubscriptionID() == "" {
		return nil, ErrNoSubscription
	}

	coupon, err := s.gateway.GetCoupon(ctx, couponID)
	if err != nil {
		return nil, err
	}
	cp, err := coupon.Value("get_coupon")
	if err != nil {
		return nil, err
	}
	if !cp.Valid {
		return nil, &billing.RejectedError{Operation: "apply_coupon", Message: "coupon is no longer valid", Code: "coupon_expired"}
	}

	res, err := s.gateway.ApplyCoupon(ctx, c.SubscriptionID(), couponID)
	if err != nil {
		return nil, err
	}
	sub, err := res.Value("apply_coupon")
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("clinic_id", c.ID.String()).Str("coupon_id", couponID).Msg("coupon applied")
	return &sub, nil
}

// -- Operator coupon management --

func (s *Service) CreateCoupon(ctx context.Context, p billing.CouponParams) (*billing.Coupon, error) {
	if p.PercentOff <= 0 && p.AmountOff <= 0 {
		return nil, fmt.Errorf("%w: percent_off or amount_off is required", ErrInvalidCoupon)
	}
	if p.PercentOff > 100 {
		return nil, fmt.Errorf("%w: percent_off cannot exceed 100", ErrInvalidCoupon)
	}
	res, err := s.gateway.CreateCoupon(ctx, p)
	if err != nil {
		return nil, err
	}
	cp, err := res.Value("create_coupon")
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Service) GetCoupon(ctx context.Context, id string) (*billing.Coupon, error) {
	res, err := s.gateway.GetCoupon(ctx, id)
	if err != nil {
		return nil, err
	}
	cp, err := res.Value("get_coupon")
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Service) ListCoupons(ctx context.Context, limit int) ([]billing.Coupon, error) {
	res, err := s.gateway.ListCoupons(ctx, int64(limit))
	if err != nil {
		return nil, err
	}
	return res.Value("list_coupons")
}

func (s *Service) DeleteCoupon(ctx context.Context, id string) error {
	res, err := s.gateway.DeleteCoupon(ctx, id)
	if err != nil {
		return err
	}
	_, err = res.Value("delete_coupon")
	return err
}

func strOr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
