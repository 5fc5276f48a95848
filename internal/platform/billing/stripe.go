package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/regiflex/regiflex/internal/platform/metrics"
)

// StripeConfig configures the processor client. BackendURL and HTTPClient
// are only overridden in tests.
type StripeConfig struct {
	SecretKey  string
	BackendURL string
	HTTPClient *http.Client
	MaxRetries int64
}

// StripeGateway implements Gateway on an explicitly constructed client; it
// never touches the package-level stripe.Key.
type StripeGateway struct {
	sc      *client.API
	metrics *metrics.Collector
	now     func() time.Time
}

func NewStripeGateway(cfg StripeConfig, m *metrics.Collector) *StripeGateway {
	bcfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BackendURL != "" {
		bcfg.URL = stripe.String(cfg.BackendURL)
	}
	if cfg.HTTPClient != nil {
		bcfg.HTTPClient = cfg.HTTPClient
	}
	b := stripe.GetBackendWithConfig(stripe.APIBackend, bcfg)

	return &StripeGateway{
		sc:      client.New(cfg.SecretKey, &stripe.Backends{API: b, Connect: b, Uploads: b}),
		metrics: m,
		now:     time.Now,
	}
}

var _ Gateway = (*StripeGateway)(nil)

// settle converts a processor call outcome into a Result. 4xx responses other
// than 429 are processor rejections; everything else is a transport fault.
func settle[T any](g *StripeGateway, op string, data T, err error) (Result[T], error) {
	if err == nil {
		g.metrics.RecordGatewayCall(op, "ok")
		return Ok(data), nil
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
			g.metrics.RecordGatewayCall(op, "rejected")
			code := string(se.Code)
			if code == "" {
				code = string(se.Type)
			}
			return Fail[T](se.Msg, code), nil
		}
		g.metrics.RecordGatewayCall(op, "transport_error")
		return Result[T]{}, &TransportError{Operation: op, StatusCode: se.HTTPStatusCode, Err: err}
	}

	g.metrics.RecordGatewayCall(op, "transport_error")
	return Result[T]{}, &TransportError{Operation: op, Err: err}
}

// --- customers ---

func (g *StripeGateway) CreateCustomer(ctx context.Context, p CustomerParams) (Result[Customer], error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(p.Email),
		Name:  stripe.String(p.Name),
	}
	params.Context = ctx
	if p.Phone != "" {
		params.Phone = stripe.String(p.Phone)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.ClinicID != "" {
		params.AddMetadata("clinic_id", p.ClinicID)
	}
	if p.Plan != "" {
		params.AddMetadata("plan_type", p.Plan)
	}
	params.AddMetadata("created_via", "regiflex_api")

	c, err := g.sc.Customers.New(params)
	return settle(g, "create_customer", toCustomer(c), err)
}

func (g *StripeGateway) GetCustomer(ctx context.Context, id string) (Result[Customer], error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := g.sc.Customers.Get(id, params)
	if err == nil && c.Deleted {
		g.metrics.RecordGatewayCall("get_customer", "rejected")
		return Fail[Customer]("customer has been deleted", "resource_missing"), nil
	}
	return settle(g, "get_customer", toCustomer(c), err)
}

func (g *StripeGateway) FindCustomerByEmail(ctx context.Context, email string) (Result[Customer], error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	it := g.sc.Customers.List(params)
	for it.Next() {
		c := it.Customer()
		if c.Deleted {
			continue
		}
		return settle(g, "find_customer", toCustomer(c), nil)
	}
	if err := it.Err(); err != nil {
		return settle(g, "find_customer", Customer{}, err)
	}
	g.metrics.RecordGatewayCall("find_customer", "rejected")
	return Fail[Customer]("no customer with that email", "resource_missing"), nil
}

func (g *StripeGateway) UpdateCustomer(ctx context.Context, id string, p CustomerParams) (Result[Customer], error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if p.Email != "" {
		params.Email = stripe.String(p.Email)
	}
	if p.Name != "" {
		params.Name = stripe.String(p.Name)
	}
	if p.Phone != "" {
		params.Phone = stripe.String(p.Phone)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	c, err := g.sc.Customers.Update(id, params)
	return settle(g, "update_customer", toCustomer(c), err)
}

func (g *StripeGateway) DeleteCustomer(ctx context.Context, id string) (Result[bool], error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := g.sc.Customers.Del(id, params)
	return settle(g, "delete_customer", err == nil && c != nil && c.Deleted, err)
}

// --- payment methods ---

func (g *StripeGateway) ListPaymentMethods(ctx context.Context, customerID, pmType string) (Result[[]PaymentMethod], error) {
	params := &stripe.PaymentMethodListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	if pmType != "" {
		params.Type = stripe.String(pmType)
	}

	out := []PaymentMethod{}
	it := g.sc.PaymentMethods.List(params)
	for it.Next() {
		out = append(out, toPaymentMethod(it.PaymentMethod()))
	}
	if err := it.Err(); err != nil {
		return settle[[]PaymentMethod](g, "list_payment_methods", nil, err)
	}
	return settle(g, "list_payment_methods", out, nil)
}

// SetDefaultPaymentMethod makes the payment method the one future invoices
// are charged to.
func (g *StripeGateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (Result[Customer], error) {
	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	params.Context = ctx
	c, err := g.sc.Customers.Update(customerID, params)
	return settle(g, "set_default_payment_method", toCustomer(c), err)
}

func (g *StripeGateway) DetachPaymentMethod(ctx context.Context, paymentMethodID string) (Result[PaymentMethod], error) {
	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx
	pm, err := g.sc.PaymentMethods.Detach(paymentMethodID, params)
	return settle(g, "detach_payment_method", toPaymentMethod(pm), err)
}

// --- subscriptions ---

func (g *StripeGateway) CreateSubscription(ctx context.Context, p SubscriptionParams) (Result[Subscription], error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(p.CustomerID),
		Items:    []*stripe.SubscriptionItemsParams{{Price: stripe.String(p.PriceID)}},
	}
	params.Context = ctx
	if p.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(p.TrialDays)
	}
	if p.CouponID != "" {
		params.Discounts = []*stripe.SubscriptionDiscountParams{{Coupon: stripe.String(p.CouponID)}}
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	s, err := g.sc.Subscriptions.New(params)
	return settle(g, "create_subscription", toSubscription(s), err)
}

func (g *StripeGateway) GetSubscription(ctx context.Context, id string) (Result[Subscription], error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	s, err := g.sc.Subscriptions.Get(id, params)
	return settle(g, "get_subscription", toSubscription(s), err)
}

// UpdateSubscriptionPrice swaps the price on the subscription's first item,
// prorating the difference.
func (g *StripeGateway) UpdateSubscriptionPrice(ctx context.Context, id, priceID string) (Result[Subscription], error) {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	s, err := g.sc.Subscriptions.Get(id, getParams)
	if err != nil {
		return settle(g, "update_subscription", Subscription{}, err)
	}
	if s.Items == nil || len(s.Items.Data) == 0 {
		g.metrics.RecordGatewayCall("update_subscription", "rejected")
		return Fail[Subscription]("subscription has no items", "subscription_empty"), nil
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:    stripe.String(s.Items.Data[0].ID),
			Price: stripe.String(priceID),
		}},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx
	updated, err := g.sc.Subscriptions.Update(id, params)
	return settle(g, "update_subscription", toSubscription(updated), err)
}

// CancelSubscription either schedules cancellation at the end of the paid
// period or cancels immediately.
func (g *StripeGateway) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (Result[Subscription], error) {
	if !atPeriodEnd {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		s, err := g.sc.Subscriptions.Cancel(id, params)
		return settle(g, "cancel_subscription", toSubscription(s), err)
	}

	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	s, err := g.sc.Subscriptions.Update(id, params)
	return settle(g, "cancel_subscription", toSubscription(s), err)
}

func (g *StripeGateway) ReactivateSubscription(ctx context.Context, id string) (Result[Subscription], error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)}
	params.Context = ctx
	params.AddMetadata("reactivated_at", g.now().UTC().Format(time.RFC3339))
	s, err := g.sc.Subscriptions.Update(id, params)
	return settle(g, "reactivate_subscription", toSubscription(s), err)
}

// --- checkout ---

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (Result[CheckoutSession], error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(p.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.ClinicID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"clinic_id": p.ClinicID,
				"plan_type": p.Plan,
			},
		},
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(p.TrialDays)
	}

	s, err := g.sc.CheckoutSessions.New(params)
	var out CheckoutSession
	if s != nil {
		out = CheckoutSession{ID: s.ID, URL: s.URL}
	}
	return settle(g, "create_checkout", out, err)
}

// --- invoices ---

func (g *StripeGateway) ListInvoices(ctx context.Context, customerID string, limit int64) (Result[[]Invoice], error) {
	if limit <= 0 {
		limit = 10
	}
	params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	params.Limit = stripe.Int64(limit)

	out := make([]Invoice, 0, limit)
	it := g.sc.Invoices.List(params)
	for it.Next() && int64(len(out)) < limit {
		out = append(out, toInvoice(it.Invoice()))
	}
	if err := it.Err(); err != nil {
		return settle[[]Invoice](g, "list_invoices", nil, err)
	}
	return settle(g, "list_invoices", out, nil)
}

func (g *StripeGateway) RetryInvoicePayment(ctx context.Context, invoiceID string) (Result[Invoice], error) {
	params := &stripe.InvoicePayParams{}
	params.Context = ctx
	inv, err := g.sc.Invoices.Pay(invoiceID, params)
	return settle(g, "retry_invoice", toInvoice(inv), err)
}

// --- coupons ---

func (g *StripeGateway) CreateCoupon(ctx context.Context, p CouponParams) (Result[Coupon], error) {
	duration := p.Duration
	if duration == "" {
		duration = string(stripe.CouponDurationOnce)
	}
	params := &stripe.CouponParams{Duration: stripe.String(duration)}
	params.Context = ctx
	if p.ID != "" {
		params.ID = stripe.String(p.ID)
	}
	if p.Name != "" {
		params.Name = stripe.String(p.Name)
	}
	if p.PercentOff > 0 {
		params.PercentOff = stripe.Float64(p.PercentOff)
	} else if p.AmountOff > 0 {
		currency := p.Currency
		if currency == "" {
			currency = "brl"
		}
		params.AmountOff = stripe.Int64(p.AmountOff)
		params.Currency = stripe.String(currency)
	}
	if duration == string(stripe.CouponDurationRepeating) && p.DurationInMonths > 0 {
		params.DurationInMonths = stripe.Int64(p.DurationInMonths)
	}

	c, err := g.sc.Coupons.New(params)
	return settle(g, "create_coupon", toCoupon(c), err)
}

func (g *StripeGateway) GetCoupon(ctx context.Context, id string) (Result[Coupon], error) {
	params := &stripe.CouponParams{}
	params.Context = ctx
	c, err := g.sc.Coupons.Get(id, params)
	return settle(g, "get_coupon", toCoupon(c), err)
}

func (g *StripeGateway) DeleteCoupon(ctx context.Context, id string) (Result[bool], error) {
	params := &stripe.CouponParams{}
	params.Context = ctx
	c, err := g.sc.Coupons.Del(id, params)
	return settle(g, "delete_coupon", err == nil && c != nil && c.Deleted, err)
}

func (g *StripeGateway) ListCoupons(ctx context.Context, limit int64) (Result[[]Coupon], error) {
	if limit <= 0 {
		limit = 10
	}
	params := &stripe.CouponListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(limit)

	out := make([]Coupon, 0, limit)
	it := g.sc.Coupons.List(params)
	for it.Next() && int64(len(out)) < limit {
		out = append(out, toCoupon(it.Coupon()))
	}
	if err := it.Err(); err != nil {
		return settle[[]Coupon](g, "list_coupons", nil, err)
	}
	return settle(g, "list_coupons", out, nil)
}

func (g *StripeGateway) ApplyCoupon(ctx context.Context, subscriptionID, couponID string) (Result[Subscription], error) {
	params := &stripe.SubscriptionParams{
		Discounts: []*stripe.SubscriptionDiscountParams{{Coupon: stripe.String(couponID)}},
	}
	params.Context = ctx
	s, err := g.sc.Subscriptions.Update(subscriptionID, params)
	return settle(g, "apply_coupon", toSubscription(s), err)
}

// --- reports ---

// RevenueReport reads at most ReportLimit charges created within [from, to].
func (g *StripeGateway) RevenueReport(ctx context.Context, from, to time.Time) (Result[RevenueReport], error) {
	params := &stripe.ChargeListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: from.Unix(),
			LesserThanOrEqual:  to.Unix(),
		},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(ReportLimit)

	var charges []Charge
	it := g.sc.Charges.List(params)
	for it.Next() && len(charges) < ReportLimit {
		charges = append(charges, toCharge(it.Charge()))
	}
	if err := it.Err(); err != nil {
		return settle(g, "revenue_report", RevenueReport{}, err)
	}
	return settle(g, "revenue_report", SummarizeCharges(from, to, charges), nil)
}

// SubscriptionStats reads at most ReportLimit subscriptions of any status.
func (g *StripeGateway) SubscriptionStats(ctx context.Context) (Result[SubscriptionStats], error) {
	params := &stripe.SubscriptionListParams{Status: stripe.String("all")}
	params.Context = ctx
	params.Limit = stripe.Int64(ReportLimit)

	var subs []Subscription
	it := g.sc.Subscriptions.List(params)
	for it.Next() && len(subs) < ReportLimit {
		subs = append(subs, toSubscription(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return settle(g, "subscription_stats", SubscriptionStats{}, err)
	}
	return settle(g, "subscription_stats", SummarizeSubscriptions(subs), nil)
}

// --- conversions ---

func toCustomer(c *stripe.Customer) Customer {
	if c == nil {
		return Customer{}
	}
	out := Customer{ID: c.ID, Email: c.Email, Name: c.Name, Phone: c.Phone, Metadata: c.Metadata}
	if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil {
		out.DefaultPaymentMethod = c.InvoiceSettings.DefaultPaymentMethod.ID
	}
	return out
}

func toPaymentMethod(pm *stripe.PaymentMethod) PaymentMethod {
	if pm == nil {
		return PaymentMethod{}
	}
	out := PaymentMethod{ID: pm.ID, Type: string(pm.Type)}
	if pm.Customer != nil {
		out.CustomerID = pm.Customer.ID
	}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = pm.Card.ExpMonth
		out.ExpYear = pm.Card.ExpYear
	}
	return out
}

func toCharge(c *stripe.Charge) Charge {
	if c == nil {
		return Charge{}
	}
	return Charge{
		ID:       c.ID,
		Amount:   c.Amount,
		Currency: string(c.Currency),
		Paid:     c.Paid,
		Created:  time.Unix(c.Created, 0).UTC(),
	}
}

func toSubscription(s *stripe.Subscription) Subscription {
	if s == nil {
		return Subscription{}
	}
	out := Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		StartedAt:         unixPtr(s.StartDate),
		TrialEnd:          unixPtr(s.TrialEnd),
		CanceledAt:        unixPtr(s.CanceledAt),
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
			out.UnitAmount = item.Price.UnitAmount
		}
		out.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	return out
}

func toInvoice(inv *stripe.Invoice) Invoice {
	if inv == nil {
		return Invoice{}
	}
	return Invoice{
		ID:               inv.ID,
		Number:           inv.Number,
		Status:           string(inv.Status),
		AmountDue:        inv.AmountDue,
		AmountPaid:       inv.AmountPaid,
		Currency:         string(inv.Currency),
		HostedInvoiceURL: inv.HostedInvoiceURL,
		Created:          time.Unix(inv.Created, 0).UTC(),
	}
}

func toCoupon(c *stripe.Coupon) Coupon {
	if c == nil {
		return Coupon{}
	}
	return Coupon{
		ID:               c.ID,
		Name:             c.Name,
		PercentOff:       c.PercentOff,
		AmountOff:        c.AmountOff,
		Currency:         string(c.Currency),
		Duration:         string(c.Duration),
		DurationInMonths: c.DurationInMonths,
		Valid:            c.Valid,
	}
}
