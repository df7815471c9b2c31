// Package email is the delivery collaborator: it hands a rendered message
// to a provider and reports the outcome synchronously. Deduplication is not
// its job; the automation scheduler owns exactly-once.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	apperrors "skillpulse/internal/errors"
)

// Message is one outbound email.
type Message struct {
	To       string
	ToName   string
	Subject  string
	HTMLBody string
	TextBody string
}

// Sender delivers one message and reports success or failure. A failed
// send returns an error wrapping ErrDeliveryFailed so callers can
// distinguish transient delivery trouble from programming errors.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGridSender delivers through the SendGrid v3 mail API.
type SendGridSender struct {
	key      string
	from     *sgmail.Email
	subjPref string
	logger   *slog.Logger
}

var _ Sender = (*SendGridSender)(nil)

// NewSendGridSender builds a SendGrid-backed sender.
func NewSendGridSender(apiKey, fromName, fromAddr, subjectPrefix string, logger *slog.Logger) *SendGridSender {
	return &SendGridSender{
		key:      apiKey,
		from:     sgmail.NewEmail(fromName, fromAddr),
		subjPref: subjectPrefix,
		logger:   logger,
	}
}

// Send delivers one message, blocking until SendGrid accepts or rejects it.
func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	p := sgmail.NewPersonalization()
	p.Subject = s.subjPref + msg.Subject
	p.AddTos(sgmail.NewEmail(msg.ToName, msg.To))

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	contents := []*sgmail.Content{}
	if msg.TextBody != "" {
		contents = append(contents, sgmail.NewContent("text/plain", msg.TextBody))
	}
	if msg.HTMLBody != "" {
		contents = append(contents, sgmail.NewContent("text/html", msg.HTMLBody))
	}
	m.AddContent(contents...)

	req := sendgrid.GetRequest(s.key, sendgridEndpoint, sendgridHost)
	req.Method = "POST"
	req.Body = sgmail.GetRequestBody(m)

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		s.logger.Error("email send failed",
			slog.String("to", msg.To),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: sendgrid: %v", apperrors.ErrDeliveryFailed, err)
	}
	if res.StatusCode >= 400 {
		s.logger.Error("email send rejected",
			slog.String("to", msg.To),
			slog.Int("status", res.StatusCode),
			slog.String("body", res.Body))
		return fmt.Errorf("%w: sendgrid status %d", apperrors.ErrDeliveryFailed, res.StatusCode)
	}
	return nil
}

// ConsoleSender logs messages instead of delivering them and records them
// for inspection. Used in development and tests.
type ConsoleSender struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
}

var _ Sender = (*ConsoleSender)(nil)

// NewConsoleSender builds a console sender.
func NewConsoleSender(logger *slog.Logger) *ConsoleSender {
	return &ConsoleSender{logger: logger}
}

// Send records the message and logs it.
func (c *ConsoleSender) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	c.logger.Info("email (console)",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject))
	return nil
}

// Sent returns a copy of everything recorded so far.
func (c *ConsoleSender) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.sent))
	copy(out, c.sent)
	return out
}
