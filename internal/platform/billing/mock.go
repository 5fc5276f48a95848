package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockGateway is an in-memory Gateway for tests. Objects are seeded through
// its exported maps; Reject and Unavailable script processor failures per
// operation name.
type MockGateway struct {
	mu sync.Mutex

	Customers      map[string]Customer
	Subscriptions  map[string]Subscription
	Invoices       map[string][]Invoice       // by customer ID
	PaymentMethods map[string][]PaymentMethod // by customer ID
	Coupons        map[string]Coupon
	Charges        []Charge

	// Reject maps an operation name to the processor error code it fails with.
	Reject map[string]string
	// Unavailable lists operations that fail with a TransportError.
	Unavailable map[string]bool

	calls []string
	seq   int
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		Customers:      map[string]Customer{},
		Subscriptions:  map[string]Subscription{},
		Invoices:       map[string][]Invoice{},
		PaymentMethods: map[string][]PaymentMethod{},
		Coupons:        map[string]Coupon{},
		Reject:         map[string]string{},
		Unavailable:    map[string]bool{},
	}
}

// Calls returns the operations invoked so far, in order.
func (m *MockGateway) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Called reports whether op was invoked.
func (m *MockGateway) Called(op string) bool {
	for _, c := range m.Calls() {
		if c == op {
			return true
		}
	}
	return false
}

// begin records op and returns the scripted failure for it, if any. The
// caller must hold m.mu.
func (m *MockGateway) begin(op string) (code string, err error) {
	m.calls = append(m.calls, op)
	if m.Unavailable[op] {
		return "", &TransportError{Operation: op, StatusCode: 503, Err: fmt.Errorf("processor unavailable")}
	}
	return m.Reject[op], nil
}

func (m *MockGateway) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_mock%d", prefix, m.seq)
}

func mockResult[T any](code string, data T, found bool) Result[T] {
	if code != "" {
		return Fail[T]("rejected by mock", code)
	}
	if !found {
		return Fail[T]("no such object", "resource_missing")
	}
	return Ok(data)
}

func (m *MockGateway) CreateCustomer(_ context.Context, p CustomerParams) (Result[Customer], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("create_customer")
	if err != nil || code != "" {
		return mockResult(code, Customer{}, true), err
	}
	c := Customer{ID: m.nextID("cus"), Email: p.Email, Name: p.Name, Phone: p.Phone, Metadata: customerMetadata(p)}
	m.Customers[c.ID] = c
	return Ok(c), nil
}

func (m *MockGateway) GetCustomer(_ context.Context, id string) (Result[Customer], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("get_customer")
	if err != nil {
		return Result[Customer]{}, err
	}
	c, ok := m.Customers[id]
	return mockResult(code, c, ok), nil
}

func (m *MockGateway) FindCustomerByEmail(_ context.Context, email string) (Result[Customer], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("find_customer_by_email")
	if err != nil {
		return Result[Customer]{}, err
	}
	for _, c := range m.Customers {
		if strings.EqualFold(c.Email, email) {
			return mockResult(code, c, true), nil
		}
	}
	return mockResult(code, Customer{}, false), nil
}

func (m *MockGateway) UpdateCustomer(_ context.Context, id string, p CustomerParams) (Result[Customer], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("update_customer")
	if err != nil {
		return Result[Customer]{}, err
	}
	c, ok := m.Customers[id]
	if ok && code == "" {
		if p.Email != "" {
			c.Email = p.Email
		}
		if p.Name != "" {
			c.Name = p.Name
		}
		if c.Metadata == nil {
			c.Metadata = map[string]string{}
		}
		for k, v := range customerMetadata(p) {
			c.Metadata[k] = v
		}
		m.Customers[id] = c
	}
	return mockResult(code, c, ok), nil
}

func (m *MockGateway) DeleteCustomer(_ context.Context, id string) (Result[bool], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("delete_customer")
	if err != nil {
		return Result[bool]{}, err
	}
	_, ok := m.Customers[id]
	if ok && code == "" {
		delete(m.Customers, id)
	}
	return mockResult(code, true, ok), nil
}

func (m *MockGateway) ListPaymentMethods(_ context.Context, customerID, pmType string) (Result[[]PaymentMethod], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("list_payment_methods")
	if err != nil {
		return Result[[]PaymentMethod]{}, err
	}
	out := []PaymentMethod{}
	for _, pm := range m.PaymentMethods[customerID] {
		if pmType == "" || pm.Type == pmType {
			out = append(out, pm)
		}
	}
	return mockResult(code, out, true), nil
}

func (m *MockGateway) SetDefaultPaymentMethod(_ context.Context, customerID, paymentMethodID string) (Result[Customer], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("set_default_payment_method")
	if err != nil {
		return Result[Customer]{}, err
	}
	c, ok := m.Customers[customerID]
	if ok && code == "" {
		c.DefaultPaymentMethod = paymentMethodID
		m.Customers[customerID] = c
	}
	return mockResult(code, c, ok), nil
}

func (m *MockGateway) DetachPaymentMethod(_ context.Context, paymentMethodID string) (Result[PaymentMethod], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("detach_payment_method")
	if err != nil {
		return Result[PaymentMethod]{}, err
	}
	for cus, pms := range m.PaymentMethods {
		for i, pm := range pms {
			if pm.ID != paymentMethodID {
				continue
			}
			if code == "" {
				m.PaymentMethods[cus] = append(pms[:i:i], pms[i+1:]...)
				pm.CustomerID = ""
			}
			return mockResult(code, pm, true), nil
		}
	}
	return mockResult(code, PaymentMethod{}, false), nil
}

func (m *MockGateway) CreateSubscription(_ context.Context, p SubscriptionParams) (Result[Subscription], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("create_subscription")
	if err != nil || code != "" {
		return mockResult(code, Subscription{}, true), err
	}
	now := time.Now().UTC()
	s := Subscription{ID: m.nextID("sub"), CustomerID: p.CustomerID, Status: "active", PriceID: p.PriceID, StartedAt: &now, Metadata: p.Metadata}
	if p.TrialDays > 0 {
		end := now.AddDate(0, 0, int(p.TrialDays))
		s.Status = "trialing"
		s.TrialEnd = &end
	}
	m.Subscriptions[s.ID] = s
	return Ok(s), nil
}

func (m *MockGateway) GetSubscription(_ context.Context, id string) (Result[Subscription], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("get_subscription")
	if err != nil {
		return Result[Subscription]{}, err
	}
	s, ok := m.Subscriptions[id]
	return mockResult(code, s, ok), nil
}

func (m *MockGateway) UpdateSubscriptionPrice(_ context.Context, id, priceID string) (Result[Subscription], error) {
	return m.mutateSubscription("update_subscription_price", id, func(s *Subscription) { s.PriceID = priceID })
}

func (m *MockGateway) CancelSubscription(_ context.Context, id string, atPeriodEnd bool) (Result[Subscription], error) {
	return m.mutateSubscription("cancel_subscription", id, func(s *Subscription) {
		if atPeriodEnd {
			s.CancelAtPeriodEnd = true
			return
		}
		now := time.Now().UTC()
		s.Status = "canceled"
		s.CanceledAt = &now
	})
}

func (m *MockGateway) ReactivateSubscription(_ context.Context, id string) (Result[Subscription], error) {
	return m.mutateSubscription("reactivate_subscription", id, func(s *Subscription) {
		s.CancelAtPeriodEnd = false
		s.CanceledAt = nil
		if s.Status != "trialing" {
			s.Status = "active"
		}
	})
}

func (m *MockGateway) mutateSubscription(op, id string, fn func(*Subscription)) (Result[Subscription], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin(op)
	if err != nil {
		return Result[Subscription]{}, err
	}
	s, ok := m.Subscriptions[id]
	if ok && code == "" {
		fn(&s)
		m.Subscriptions[id] = s
	}
	return mockResult(code, s, ok), nil
}

func (m *MockGateway) CreateCheckoutSession(_ context.Context, p CheckoutParams) (Result[CheckoutSession], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("create_checkout_session")
	if err != nil || code != "" {
		return mockResult(code, CheckoutSession{}, true), err
	}
	id := m.nextID("cs")
	return Ok(CheckoutSession{ID: id, URL: "https://checkout.example.test/" + id}), nil
}

func (m *MockGateway) ListInvoices(_ context.Context, customerID string, limit int64) (Result[[]Invoice], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("list_invoices")
	if err != nil {
		return Result[[]Invoice]{}, err
	}
	out := append([]Invoice{}, m.Invoices[customerID]...)
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return mockResult(code, out, true), nil
}

func (m *MockGateway) RetryInvoicePayment(_ context.Context, invoiceID string) (Result[Invoice], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("retry_invoice_payment")
	if err != nil {
		return Result[Invoice]{}, err
	}
	for cus, invoices := range m.Invoices {
		for i, inv := range invoices {
			if inv.ID != invoiceID {
				continue
			}
			if code == "" {
				inv.Status = "paid"
				inv.AmountPaid = inv.AmountDue
				m.Invoices[cus][i] = inv
			}
			return mockResult(code, inv, true), nil
		}
	}
	return mockResult(code, Invoice{}, false), nil
}

func (m *MockGateway) CreateCoupon(_ context.Context, p CouponParams) (Result[Coupon], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("create_coupon")
	if err != nil || code != "" {
		return mockResult(code, Coupon{}, true), err
	}
	id := p.ID
	if id == "" {
		id = m.nextID("coupon")
	}
	c := Coupon{
		ID: id, Name: p.Name, PercentOff: p.PercentOff, AmountOff: p.AmountOff,
		Currency: p.Currency, Duration: p.Duration, DurationInMonths: p.DurationInMonths, Valid: true,
	}
	if c.Duration == "" {
		c.Duration = "once"
	}
	m.Coupons[id] = c
	return Ok(c), nil
}

func (m *MockGateway) GetCoupon(_ context.Context, id string) (Result[Coupon], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("get_coupon")
	if err != nil {
		return Result[Coupon]{}, err
	}
	c, ok := m.Coupons[id]
	return mockResult(code, c, ok), nil
}

func (m *MockGateway) DeleteCoupon(_ context.Context, id string) (Result[bool], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("delete_coupon")
	if err != nil {
		return Result[bool]{}, err
	}
	_, ok := m.Coupons[id]
	if ok && code == "" {
		delete(m.Coupons, id)
	}
	return mockResult(code, true, ok), nil
}

func (m *MockGateway) ListCoupons(_ context.Context, limit int64) (Result[[]Coupon], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("list_coupons")
	if err != nil {
		return Result[[]Coupon]{}, err
	}
	out := make([]Coupon, 0, len(m.Coupons))
	for _, c := range m.Coupons {
		out = append(out, c)
	}
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return mockResult(code, out, true), nil
}

func (m *MockGateway) ApplyCoupon(_ context.Context, subscriptionID, couponID string) (Result[Subscription], error) {
	return m.mutateSubscription("apply_coupon", subscriptionID, func(s *Subscription) {
		if s.Metadata == nil {
			s.Metadata = map[string]string{}
		}
		s.Metadata["coupon"] = couponID
	})
}

func (m *MockGateway) RevenueReport(_ context.Context, from, to time.Time) (Result[RevenueReport], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("revenue_report")
	if err != nil {
		return Result[RevenueReport]{}, err
	}
	var charges []Charge
	for _, c := range m.Charges {
		if !c.Created.Before(from) && !c.Created.After(to) {
			charges = append(charges, c)
		}
	}
	return mockResult(code, SummarizeCharges(from, to, charges), true), nil
}

func (m *MockGateway) SubscriptionStats(_ context.Context) (Result[SubscriptionStats], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, err := m.begin("subscription_stats")
	if err != nil {
		return Result[SubscriptionStats]{}, err
	}
	subs := make([]Subscription, 0, len(m.Subscriptions))
	for _, s := range m.Subscriptions {
		subs = append(subs, s)
	}
	return mockResult(code, SummarizeSubscriptions(subs), true), nil
}

func customerMetadata(p CustomerParams) map[string]string {
	md := make(map[string]string, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		md[k] = v
	}
	if p.ClinicID != "" {
		md["clinic_id"] = p.ClinicID
	}
	if p.Plan != "" {
		md["plan"] = p.Plan
	}
	return md
}

var _ Gateway = (*MockGateway)(nil)
