package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader is the request header carrying the processor signature.
const SignatureHeader = "Stripe-Signature"

// Verification failure reasons.
const (
	ReasonMissingSignature   = "missing_signature"
	ReasonBadSignature       = "bad_signature"
	ReasonUndecodablePayload = "undecodable_payload"
)

// VerificationError reports why an inbound payload was rejected.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("billing: event verification failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("billing: event verification failed (%s)", e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Verify authenticates rawPayload against the signature header using secret
// and decodes it. It has no side effects.
func Verify(rawPayload []byte, signatureHeader, secret string) (Event, error) {
	return verifyWith(rawPayload, signatureHeader, secret, time.Now())
}

func verifyWith(rawPayload []byte, signatureHeader, secret string, received time.Time) (Event, error) {
	if signatureHeader == "" {
		return nil, &VerificationError{Reason: ReasonMissingSignature}
	}
	if secret == "" {
		return nil, &VerificationError{Reason: ReasonBadSignature, Err: errors.New("no signing secret configured")}
	}

	se, err := webhook.ConstructEventWithOptions(rawPayload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned):
			return nil, &VerificationError{Reason: ReasonMissingSignature, Err: err}
		case errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return nil, &VerificationError{Reason: ReasonBadSignature, Err: err}
		default:
			return nil, &VerificationError{Reason: ReasonUndecodablePayload, Err: err}
		}
	}
	return decode(se, received)
}

// Verifier checks payloads against a set of named secrets, one per
// processor endpoint, and accepts a payload signed by any of them.
type Verifier struct {
	names   []string
	secrets map[string]string
	now     func() time.Time
}

// NewVerifier builds a Verifier. Empty secrets are ignored.
func NewVerifier(secrets map[string]string) *Verifier {
	v := &Verifier{secrets: make(map[string]string, len(secrets)), now: time.Now}
	for name, s := range secrets {
		if s == "" {
			continue
		}
		v.secrets[name] = s
		v.names = append(v.names, name)
	}
	sort.Strings(v.names)
	return v
}

// Verify tries each configured secret in name order. A missing header or an
// undecodable payload fails immediately; a signature mismatch is reported
// only after every secret was tried.
func (v *Verifier) Verify(rawPayload []byte, signatureHeader string) (Event, error) {
	if signatureHeader == "" {
		return nil, &VerificationError{Reason: ReasonMissingSignature}
	}
	if len(v.names) == 0 {
		return nil, &VerificationError{Reason: ReasonBadSignature, Err: errors.New("no signing secret configured")}
	}

	received := v.now()
	var lastErr error
	for _, name := range v.names {
		ev, err := verifyWith(rawPayload, signatureHeader, v.secrets[name], received)
		if err == nil {
			return withSource(ev, name), nil
		}
		var verr *VerificationError
		if errors.As(err, &verr) && verr.Reason != ReasonBadSignature {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func withSource(ev Event, source string) Event {
	switch e := ev.(type) {
	case SubscriptionCreated:
		e.Source = source
		return e
	case SubscriptionUpdated:
		e.Source = source
		return e
	case SubscriptionDeleted:
		e.Source = source
		return e
	case InvoicePaymentSucceeded:
		e.Source = source
		return e
	case InvoicePaymentFailed:
		e.Source = source
		return e
	case CustomerCreated:
		e.Source = source
		return e
	case Unhandled:
		e.Source = source
		return e
	}
	return ev
}

func decode(se stripe.Event, received time.Time) (Event, error) {
	if se.ID == "" || se.Type == "" {
		return nil, &VerificationError{Reason: ReasonUndecodablePayload, Err: errors.New("event id or type missing")}
	}
	meta := Meta{
		ID:       se.ID,
		Type:     string(se.Type),
		Created:  time.Unix(se.Created, 0).UTC(),
		Received: received.UTC(),
		Livemode: se.Livemode,
	}

	var raw json.RawMessage
	if se.Data != nil {
		raw = se.Data.Raw
	}

	undecodable := func(err error) (Event, error) {
		return nil, &VerificationError{Reason: ReasonUndecodablePayload, Err: fmt.Errorf("decode %s: %w", meta.Type, err)}
	}

	switch meta.Type {
	case TypeSubscriptionCreated, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var w wireSubscription
		if err := unmarshalObject(raw, &w); err != nil {
			return undecodable(err)
		}
		if w.ID == "" {
			return undecodable(errors.New("subscription id missing"))
		}
		snap := w.snapshot()
		switch meta.Type {
		case TypeSubscriptionCreated:
			return SubscriptionCreated{Meta: meta, Subscription: snap}, nil
		case TypeSubscriptionUpdated:
			return SubscriptionUpdated{Meta: meta, Subscription: snap}, nil
		default:
			return SubscriptionDeleted{Meta: meta, Subscription: snap}, nil
		}

	case TypeInvoicePaymentSucceeded, TypeInvoicePaid, TypeInvoicePaymentFailed:
		var w wireInvoice
		if err := unmarshalObject(raw, &w); err != nil {
			return undecodable(err)
		}
		if w.ID == "" {
			return undecodable(errors.New("invoice id missing"))
		}
		if meta.Type == TypeInvoicePaymentFailed {
			return InvoicePaymentFailed{Meta: meta, Invoice: w.snapshot()}, nil
		}
		return InvoicePaymentSucceeded{Meta: meta, Invoice: w.snapshot()}, nil

	case TypeCustomerCreated:
		var w wireCustomer
		if err := unmarshalObject(raw, &w); err != nil {
			return undecodable(err)
		}
		if w.ID == "" {
			return undecodable(errors.New("customer id missing"))
		}
		return CustomerCreated{Meta: meta, Customer: CustomerSnapshot{
			ID: w.ID, Email: w.Email, Name: w.Name, Metadata: w.Metadata,
		}}, nil
	}

	return Unhandled{Meta: meta}, nil
}

func unmarshalObject(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return errors.New("event carries no data object")
	}
	return json.Unmarshal(raw, dst)
}
