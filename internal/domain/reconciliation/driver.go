// Package reconciliation applies verified payment processor events to
// clinics. It owns the webhook pipeline (verify, deduplicate, decide, write,
// record) and the administrative cancel and reactivate transitions, which
// serialize with webhook processing on the same per-clinic lock.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/regiflex/regiflex/internal/domain/clinic"
	"github.com/regiflex/regiflex/internal/domain/ledger"
	"github.com/regiflex/regiflex/internal/domain/lifecycle"
	"github.com/regiflex/regiflex/internal/domain/provisioning"
	"github.com/regiflex/regiflex/internal/platform/auth"
	"github.com/regiflex/regiflex/internal/platform/billing"
	"github.com/regiflex/regiflex/internal/platform/db"
	"github.com/regiflex/regiflex/internal/platform/inflight"
	"github.com/regiflex/regiflex/internal/platform/metrics"
	"github.com/regiflex/regiflex/internal/platform/notification"
)

// Webhook response statuses.
const (
	StatusProcessed        = "processed"
	StatusAlreadyProcessed = "already_processed"
	StatusIgnored          = "ignored"
	StatusUnmatched        = "unmatched"
	StatusInFlight         = "in_flight"
	StatusDeferred         = "deferred"
)

// DefaultDeferWindow is how long an event about a subscription the clinic
// has not recorded yet is sent back for redelivery before it is applied as
// it stands.
const DefaultDeferWindow = time.Hour

// Verifier authenticates and decodes a raw webhook payload.
type Verifier interface {
	Verify(rawPayload []byte, signatureHeader string) (billing.Event, error)
}

// AdminProvisioner gives a clinic its first administrator.
type AdminProvisioner interface {
	ProvisionAdmin(ctx context.Context, c *clinic.Clinic, ai provisioning.AdminInfo) (*provisioning.Result, error)
	SendWelcome(ctx context.Context, res *provisioning.Result)
}

// UnmatchedTenantError reports an event that names no known clinic.
type UnmatchedTenantError struct {
	EventID string
	Subject billing.Subject
}

func (e *UnmatchedTenantError) Error() string {
	return fmt.Sprintf("event %s matches no clinic (customer=%q subscription=%q email=%q)",
		e.EventID, e.Subject.CustomerID, e.Subject.SubscriptionID, e.Subject.Email)
}

// Response is the HTTP reply the webhook endpoint should send.
type Response struct {
	Status int
	Body   ResponseBody
}

type ResponseBody struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// errDuplicate rolls back a transaction whose event was recorded by someone
// else first.
var errDuplicate = errors.New("event already recorded")

// errDeferred rolls back an event that should be delivered again once the
// subscription it names has been recorded.
var errDeferred = errors.New("event names a subscription not recorded yet")

type Driver struct {
	verifier    Verifier
	ledger      *ledger.Ledger
	clinics     clinic.Repository
	provisioner AdminProvisioner
	gateway     billing.Gateway
	guard       inflight.Guard
	tx          db.Transactor
	metrics     *metrics.Collector
	logger      zerolog.Logger

	notifier   provisioning.Notifier
	billingURL string

	decider     lifecycle.Decider
	deferWindow time.Duration

	lock func(ctx context.Context, name string) error
	now  func() time.Time
}

// applied is what one committed event did.
type applied struct {
	status  string
	action  lifecycle.Action
	clinic  *clinic.Clinic
	welcome *provisioning.Result
	// moved is set when the clinic's status changed.
	moved bool
}

func NewDriver(verifier Verifier, l *ledger.Ledger, clinics clinic.Repository, provisioner AdminProvisioner,
	gateway billing.Gateway, guard inflight.Guard, tx db.Transactor, m *metrics.Collector, logger zerolog.Logger) *Driver {
	if guard == nil {
		guard = inflight.Noop{}
	}
	return &Driver{
		verifier:    verifier,
		ledger:      l,
		clinics:     clinics,
		provisioner: provisioner,
		gateway:     gateway,
		guard:       guard,
		tx:          tx,
		metrics:     m,
		logger:      logger.With().Str("component", "reconciliation").Logger(),
		deferWindow: DefaultDeferWindow,
		lock:        db.AdvisoryXactLock,
		now:         time.Now,
	}
}

// SetNotifier enables status emails to the clinic after activation, payment
// failure and cancellation. appURL is used to build the billing page link.
func (d *Driver) SetNotifier(n provisioning.Notifier, appURL string) {
	d.notifier = n
	d.billingURL = strings.TrimRight(appURL, "/") + "/billing"
}

// SetPlans makes subscription events keep each clinic's plan in line with
// its subscription price. priceIDs maps plans to processor price IDs.
func (d *Driver) SetPlans(priceIDs map[string]string) {
	d.decider = lifecycle.NewDecider(priceIDs)
}

func lockName(clinicID uuid.UUID) string {
	return "clinic:" + clinicID.String()
}

// HandleInboundEvent runs one webhook delivery through the pipeline. Nothing
// is recorded as processed unless every write for the event committed.
func (d *Driver) HandleInboundEvent(ctx context.Context, rawPayload []byte, signatureHeader string) Response {
	start := d.now()

	ev, err := d.verifier.Verify(rawPayload, signatureHeader)
	if err != nil {
		reason := "invalid"
		var verr *billing.VerificationError
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		d.logger.Warn().Err(err).Str("reason", reason).Msg("webhook rejected")
		d.metrics.RecordBillingEvent("unverified", "rejected", d.now().Sub(start))
		return Response{Status: http.StatusBadRequest, Body: ResponseBody{Error: err.Error()}}
	}

	log := d.logger.With().Str("event_id", ev.EventID()).Str("event_type", ev.EventType()).Logger()
	finish := func(status int, outcome string) Response {
		d.metrics.RecordBillingEvent(ev.EventType(), outcome, d.now().Sub(start))
		if status != http.StatusOK {
			return Response{Status: status, Body: ResponseBody{Status: outcome, Error: outcome}}
		}
		return Response{Status: status, Body: ResponseBody{Received: true, Status: outcome}}
	}

	done, err := d.ledger.HasProcessed(ctx, ev.EventID())
	if err != nil {
		log.Error().Err(err).Msg("ledger lookup failed")
		return finish(http.StatusInternalServerError, "failed")
	}
	if done {
		log.Debug().Msg("event already processed")
		return finish(http.StatusOK, StatusAlreadyProcessed)
	}

	release, ok, err := d.guard.Acquire(ctx, ev.EventID())
	switch {
	case err != nil:
		// The ledger still decides; a guard outage only costs duplicate work.
		log.Warn().Err(err).Msg("in-flight guard unavailable")
	case !ok:
		log.Info().Msg("event is being processed elsewhere")
		return finish(http.StatusConflict, StatusInFlight)
	default:
		defer release()
	}

	var res applied
	err = d.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = d.apply(ctx, ev, log)
		return err
	})
	if errors.Is(err, errDuplicate) {
		return finish(http.StatusOK, StatusAlreadyProcessed)
	}
	if errors.Is(err, errDeferred) {
		log.Info().Str("subscription_id", billing.SubjectOf(ev).SubscriptionID).Msg("event deferred until its subscription is recorded")
		return finish(http.StatusServiceUnavailable, StatusDeferred)
	}
	if err != nil {
		log.Error().Err(err).Msg("event processing failed")
		return finish(http.StatusInternalServerError, "failed")
	}

	d.provisioner.SendWelcome(ctx, res.welcome)
	d.notify(ctx, res, log)
	return finish(http.StatusOK, res.status)
}

// apply does the transactional part of event handling.
func (d *Driver) apply(ctx context.Context, ev billing.Event, log zerolog.Logger) (applied, error) {
	t, err := d.resolveTenant(ctx, ev)
	var unmatched *UnmatchedTenantError
	if errors.As(err, &unmatched) {
		log.Warn().Str("customer_id", unmatched.Subject.CustomerID).Str("subscription_id", unmatched.Subject.SubscriptionID).
			Msg("event matches no clinic, dropping")
		if err := d.mark(ctx, ev, nil, string(lifecycle.ActionUnmatched)); err != nil {
			return applied{}, err
		}
		return applied{status: StatusUnmatched, action: lifecycle.ActionUnmatched}, nil
	}
	if err != nil {
		return applied{}, err
	}

	if err := d.lock(ctx, lockName(t.ID)); err != nil {
		return applied{}, err
	}
	// Another delivery of the same event may have committed while we waited.
	done, err := d.ledger.HasProcessed(ctx, ev.EventID())
	if err != nil {
		return applied{}, err
	}
	if done {
		return applied{}, errDuplicate
	}
	// Re-read under the lock so the decision sees the latest committed row.
	if t, err = d.clinics.GetByID(ctx, t.ID); err != nil {
		return applied{}, fmt.Errorf("reload clinic: %w", err)
	}

	dec := d.decider.Decide(ev, t)
	if dec.Deferred && d.now().Sub(ev.CreatedAt()) < d.deferWindow {
		return applied{}, errDeferred
	}
	next := t
	if dec.Changed() {
		next = dec.Apply(t)
		if err := d.clinics.Update(ctx, next); err != nil {
			return applied{}, fmt.Errorf("update clinic %s: %w", t.ID, err)
		}
		if dec.NewStatus != "" && dec.NewStatus != t.Status {
			d.metrics.RecordTransition(string(t.Status), string(dec.NewStatus))
		}
	}

	var welcome *provisioning.Result
	if dec.ProvisionAdmin {
		welcome, err = d.provisionAdmin(ctx, ev, next, log)
		if err != nil {
			return applied{}, err
		}
	}

	if err := d.mark(ctx, ev, &next.ID, string(dec.Action)); err != nil {
		return applied{}, err
	}

	log.Info().Str("clinic_id", next.ID.String()).Str("action", string(dec.Action)).
		Str("from", string(t.Status)).Str("to", string(next.Status)).Msg("event applied")

	out := applied{status: StatusProcessed, action: dec.Action, clinic: next, welcome: welcome, moved: next.Status != t.Status}
	switch dec.Action {
	case lifecycle.ActionIgnored, lifecycle.ActionStale:
		out.status = StatusIgnored
	}
	return out, nil
}

func (d *Driver) provisionAdmin(ctx context.Context, ev billing.Event, c *clinic.Clinic, log zerolog.Logger) (*provisioning.Result, error) {
	ai := provisioning.AdminFor(c, billing.SubjectOf(ev).Metadata)
	res, err := d.provisioner.ProvisionAdmin(ctx, c, ai)
	// Neither failure below gets better on redelivery.
	var ve *provisioning.ValidationError
	if errors.As(err, &ve) {
		log.Warn().Strs("violations", ve.Violations).Str("clinic_id", c.ID.String()).Msg("administrator not provisioned")
		return nil, nil
	}
	if errors.Is(err, auth.ErrEmailTaken) {
		log.Warn().Str("clinic_id", c.ID.String()).Str("admin_email", ai.Email).Msg("administrator not provisioned, email already registered")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Driver) mark(ctx context.Context, ev billing.Event, clinicID *uuid.UUID, action string) error {
	inserted, err := d.ledger.MarkProcessed(ctx, ev.EventID(), ledger.Outcome{
		EventType: ev.EventType(),
		ClinicID:  clinicID,
		Action:    action,
		ObjectID:  billing.ObjectID(ev),
	})
	if err != nil {
		return err
	}
	if !inserted {
		return errDuplicate
	}
	return nil
}

// resolveTenant finds the clinic an event is about: by processor customer,
// then the clinic_id metadata tag, then subscription, then email. As a last
// resort the customer's email is fetched from the processor.
func (d *Driver) resolveTenant(ctx context.Context, ev billing.Event) (*clinic.Clinic, error) {
	subj := billing.SubjectOf(ev)

	if subj.CustomerID != "" {
		if c, err := found(d.clinics.GetByStripeCustomerID(ctx, subj.CustomerID)); c != nil || err != nil {
			return c, err
		}
	}
	if raw := subj.Metadata["clinic_id"]; raw != "" {
		if id, perr := uuid.Parse(raw); perr == nil {
			if c, err := found(d.clinics.GetByID(ctx, id)); c != nil || err != nil {
				return c, err
			}
		}
	}
	if subj.SubscriptionID != "" {
		if c, err := found(d.clinics.GetByStripeSubscriptionID(ctx, subj.SubscriptionID)); c != nil || err != nil {
			return c, err
		}
	}

	email := subj.Email
	if email == "" && subj.CustomerID != "" && d.gateway != nil {
		res, err := d.gateway.GetCustomer(ctx, subj.CustomerID)
		if err != nil {
			return nil, err
		}
		if res.Success {
			email = res.Data.Email
		}
	}
	if email != "" {
		if c, err := found(d.clinics.GetByEmail(ctx, email)); c != nil || err != nil {
			return c, err
		}
	}

	return nil, &UnmatchedTenantError{EventID: ev.EventID(), Subject: subj}
}

// notify emails the clinic when an event moved its status. Failures are
// logged only.
func (d *Driver) notify(ctx context.Context, res applied, log zerolog.Logger) {
	if d.notifier == nil || res.clinic == nil || !res.moved {
		return
	}
	var template string
	switch res.action {
	case lifecycle.ActionActivated, lifecycle.ActionReactivated:
		if res.welcome != nil {
			return
		}
		template = notification.TemplateSubscriptionOn
	case lifecycle.ActionPaymentFailed:
		template = notification.TemplatePaymentFailed
	case lifecycle.ActionCancelled:
		template = notification.TemplateCancelled
	default:
		return
	}
	err := d.notifier.Send(ctx, template, res.clinic.Email, map[string]string{
		"clinic_name": res.clinic.Name,
		"billing_url": d.billingURL,
	})
	if err != nil {
		log.Warn().Err(err).Str("clinic_id", res.clinic.ID.String()).Str("template", template).Msg("status email not sent")
	}
}

// found turns clinic.ErrNotFound into a nil clinic with a nil error.
func found(c *clinic.Clinic, err error) (*clinic.Clinic, error) {
	if errors.Is(err, clinic.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// Cancel cancels the clinic's subscription at the processor and records the
// result. With atPeriodEnd the clinic keeps its status until the processor
// reports the deletion.
func (d *Driver) Cancel(ctx context.Context, clinicID uuid.UUID, atPeriodEnd bool) (*clinic.Clinic, error) {
	t, err := d.clinics.GetByID(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if t.Status == clinic.StatusCancelled {
		return nil, lifecycle.ErrAlreadyCancelled
	}
	if t.SubscriptionID() == "" {
		return nil, lifecycle.ErrNoSubscription
	}

	res, err := d.gateway.CancelSubscription(ctx, t.SubscriptionID(), atPeriodEnd)
	if err != nil {
		return nil, err
	}
	sub, err := res.Value("cancel_subscription")
	if err != nil {
		return nil, err
	}

	return d.transition(ctx, clinicID, func(t *clinic.Clinic) (lifecycle.Decision, error) {
		return lifecycle.Cancel(t, sub, atPeriodEnd, d.now())
	})
}

// Reactivate returns a cancelled or suspended clinic to active once the
// processor confirms its subscription is in good standing. subscriptionID
// defaults to the clinic's recorded subscription. A subscription scheduled to
// cancel at period end is resumed first.
func (d *Driver) Reactivate(ctx context.Context, clinicID uuid.UUID, subscriptionID string) (*clinic.Clinic, error) {
	t, err := d.clinics.GetByID(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	if t.Status != clinic.StatusCancelled && t.Status != clinic.StatusSuspended {
		return nil, lifecycle.ErrNotReactivatable
	}
	if subscriptionID == "" {
		subscriptionID = t.SubscriptionID()
	}
	if subscriptionID == "" {
		return nil, lifecycle.ErrNoSubscription
	}

	res, err := d.gateway.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	sub, err := res.Value("get_subscription")
	if err != nil {
		return nil, err
	}
	if sub.CancelAtPeriodEnd && sub.Active() {
		resumed, err := d.gateway.ReactivateSubscription(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		if sub, err = resumed.Value("reactivate_subscription"); err != nil {
			return nil, err
		}
	}

	return d.transition(ctx, clinicID, func(t *clinic.Clinic) (lifecycle.Decision, error) {
		return lifecycle.Reactivate(t, sub, d.now())
	})
}

// ChangePlan records a plan change the processor has already accepted.
func (d *Driver) ChangePlan(ctx context.Context, clinicID uuid.UUID, plan string) (*clinic.Clinic, error) {
	return d.transition(ctx, clinicID, func(t *clinic.Clinic) (lifecycle.Decision, error) {
		return lifecycle.ChangePlan(t, plan, d.now())
	})
}

// transition applies an administrative decision under the clinic lock.
func (d *Driver) transition(ctx context.Context, clinicID uuid.UUID, decide func(*clinic.Clinic) (lifecycle.Decision, error)) (*clinic.Clinic, error) {
	var out *clinic.Clinic
	err := d.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := d.lock(ctx, lockName(clinicID)); err != nil {
			return err
		}
		t, err := d.clinics.GetByID(ctx, clinicID)
		if err != nil {
			return err
		}
		dec, err := decide(t)
		if err != nil {
			return err
		}
		out = t
		if !dec.Changed() {
			return nil
		}
		out = dec.Apply(t)
		if err := d.clinics.Update(ctx, out); err != nil {
			return fmt.Errorf("update clinic %s: %w", clinicID, err)
		}
		if dec.NewStatus != "" && dec.NewStatus != t.Status {
			d.metrics.RecordTransition(string(t.Status), string(dec.NewStatus))
		}
		d.logger.Info().Str("clinic_id", clinicID.String()).Str("action", string(dec.Action)).
			Str("from", string(t.Status)).Str("to", string(out.Status)).Msg("administrative transition")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
