package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"azure-utilities/internal/config"
)

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailNotifier sends HTML alerts over SMTP.
type EmailNotifier struct {
	sender  string
	to      []string
	subject string
	client  mailSender
	logger  zerolog.Logger
}

// NewEmailNotifier builds the SMTP client. Port 465 uses implicit TLS, any
// other port requires STARTTLS.
func NewEmailNotifier(cfg config.EmailConfig, logger zerolog.Logger) (*EmailNotifier, error) {
	if cfg.Sender == "" || cfg.Password == "" {
		return nil, errors.New("email sender and password are required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("at least one email recipient is required")
	}
	host := cfg.Host
	if host == "" {
		host = "smtp.gmail.com"
	}
	port := cfg.Port
	if port == 0 {
		port = 465
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Sender),
		mail.WithPassword(cfg.Password),
		mail.WithTimeout(timeout),
	}
	if port == 465 {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return newEmailNotifier(client, cfg.Sender, cfg.To, cfg.Subject, logger), nil
}

func newEmailNotifier(client mailSender, sender string, to []string, subject string, logger zerolog.Logger) *EmailNotifier {
	return &EmailNotifier{
		sender:  sender,
		to:      to,
		subject: subject,
		client:  client,
		logger:  logger.With().Str("component", "alert_email").Logger(),
	}
}

// Notify implements Notifier.
func (n *EmailNotifier) Notify(ctx context.Context, note Notification) error {
	msg, err := n.message(note)
	if err != nil {
		return err
	}
	if err := n.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	n.logger.Info().Str("source", note.Source).
		Str("to", strings.Join(n.to, ",")).
		Int("violations", len(note.Violations)).
		Msg("alert sent (email)")
	return nil
}

func (n *EmailNotifier) message(note Notification) (*mail.Msg, error) {
	if note.Subject == "" {
		note.Subject = n.subject
	}
	html, err := RenderHTML(note)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.From(n.sender); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", n.sender, err)
	}
	if err := msg.To(n.to...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(SubjectOf(note))
	msg.SetBodyString(mail.TypeTextPlain, RenderText(note))
	msg.AddAlternativeString(mail.TypeTextHTML, html)
	return msg, nil
}

var _ Notifier = (*EmailNotifier)(nil)
