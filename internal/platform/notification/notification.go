// Package notification renders and delivers outbound account and billing
// emails. Delivery is best-effort: callers log failures and carry on.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Template IDs.
const (
	TemplateWelcomeAdmin   = "welcome-admin"
	TemplatePaymentFailed  = "payment-failed"
	TemplateSubscriptionOn = "subscription-active"
	TemplateCancelled      = "subscription-cancelled"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateWelcomeAdmin,
			Subject: "Welcome to RegiFlex, {{clinic_name}}",
			Body: "Hello {{admin_name}},\n\n{{clinic_name}} is ready. Sign in at {{login_url}} with\n" +
				"email: {{admin_email}}\ntemporary password: {{temp_password}}\n\n" +
				"You will be asked to choose a new password on first login.",
		},
		{
			ID:      TemplatePaymentFailed,
			Subject: "Payment failed for {{clinic_name}}",
			Body:    "We could not collect the latest payment for {{clinic_name}}. Access is suspended until the invoice is paid: {{billing_url}}",
		},
		{
			ID:      TemplateSubscriptionOn,
			Subject: "{{clinic_name}} subscription is active",
			Body:    "Your subscription for {{clinic_name}} is active. Thank you.",
		},
		{
			ID:      TemplateCancelled,
			Subject: "{{clinic_name}} subscription cancelled",
			Body:    "The subscription for {{clinic_name}} was cancelled. You can reactivate it at any time from {{billing_url}}.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement on the template's subject and body.
// Placeholders without data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// Notifier renders a template and hands it to the configured sender.
type Notifier struct {
	sender    EmailSender
	templates *TemplateEngine
}

func NewNotifier(sender EmailSender, tpl *TemplateEngine) *Notifier {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Notifier{sender: sender, templates: tpl}
}

// Send renders templateID with data and emails it to recipient.
func (n *Notifier) Send(ctx context.Context, templateID, recipient string, data map[string]string) error {
	if recipient == "" {
		return errors.New("notification recipient is empty")
	}
	subject, body, err := n.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	if err := n.sender.SendEmail(ctx, recipient, subject, body); err != nil {
		return fmt.Errorf("send %s to %s: %w", templateID, recipient, err)
	}
	return nil
}

// LogSender writes messages to the structured log instead of delivering
// them. Used until an email provider is configured. Bodies are not logged
// because the welcome message carries a temporary password.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Msg("email queued")
	return nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
