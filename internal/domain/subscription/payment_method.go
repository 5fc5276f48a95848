package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/regiflex/regiflex/internal/platform/billing"
)

// DefaultPaymentMethodType is listed when the caller names no type.
const DefaultPaymentMethodType = "card"

func (s *Service) PaymentMethods(ctx context.Context, clinicID uuid.UUID, pmType string) ([]billing.PaymentMethod, error) {
	c, err := s.clinics.GetByID(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if c.CustomerID() == "" {
		return []billing.PaymentMethod{}, nil
	}
	if pmType == "" {
		pmType = DefaultPaymentMethodType
	}
	res, err := s.gateway.ListPaymentMethods(ctx, c.CustomerID(), pmType)
	if err != nil {
		return nil, err
	}
	return res.Value("list_payment_methods")
}

// SetDefaultPaymentMethod points the clinic's future invoices at one of its
// own payment methods.
func (s *Service) SetDefaultPaymentMethod(ctx context.Context, clinicID uuid.UUID, paymentMethodID string) (*billing.Customer, error) {
	customerID, err := s.owningCustomer(ctx, clinicID, paymentMethodID)
	if err != nil {
		return nil, err
	}
	res, err := s.gateway.SetDefaultPaymentMethod(ctx, customerID, paymentMethodID)
	if err != nil {
		return nil, err
	}
	cus, err := res.Value("set_default_payment_method")
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("clinic_id", clinicID.String()).Str("payment_method_id", paymentMethodID).Msg("default payment method set")
	return &cus, nil
}

func (s *Service) DetachPaymentMethod(ctx context.Context, clinicID uuid.UUID, paymentMethodID string) (*billing.PaymentMethod, error) {
	if _, err := s.owningCustomer(ctx, clinicID, paymentMethodID); err != nil {
		return nil, err
	}
	res, err := s.gateway.DetachPaymentMethod(ctx, paymentMethodID)
	if err != nil {
		return nil, err
	}
	pm, err := res.Value("detach_payment_method")
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("clinic_id", clinicID.String()).Str("payment_method_id", paymentMethodID).Msg("payment method detached")
	return &pm, nil
}

// owningCustomer returns the clinic's processor customer when the payment
// method is attached to it, and ErrNotOwned otherwise.
func (s *Service) owningCustomer(ctx context.Context, clinicID uuid.UUID, paymentMethodID string) (string, error) {
	c, err := s.clinics.GetByID(ctx, clinicID)
	if err != nil {
		return "", err
	}
	if c.CustomerID() == "" {
		return "", ErrNotOwned
	}
	res, err := s.gateway.ListPaymentMethods(ctx, c.CustomerID(), "")
	if err != nil {
		return "", err
	}
	methods, err := res.Value("list_payment_methods")
	if err != nil {
		return "", err
	}
	for _, pm := range methods {
		if pm.ID == paymentMethodID {
			return c.CustomerID(), nil
		}
	}
	return "", ErrNotOwned
}

// -- Operator reports --

func (s *Service) RevenueReport(ctx context.Context, from, to time.Time) (*billing.RevenueReport, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: end precedes start", ErrInvalidPeriod)
	}
	res, err := s.gateway.RevenueReport(ctx, from, to)
	if err != nil {
		return nil, err
	}
	r, err := res.Value("revenue_report")
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Service) SubscriptionStats(ctx context.Context) (*billing.SubscriptionStats, error) {
	res, err := s.gateway.SubscriptionStats(ctx)
	if err != nil {
		return nil, err
	}
	st, err := res.Value("subscription_stats")
	if err != nil {
		return nil, err
	}
	return &st, nil
}
