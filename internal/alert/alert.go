// Package alert sends one-shot threshold notifications through an SMTP relay.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"modbus_logger/internal/types"
)

var (
	// ErrConfig means the dispatcher could not be built. Fatal at startup.
	ErrConfig = errors.New("alert configuration invalid")
	// ErrSend covers every delivery failure. It is never retried here.
	ErrSend = errors.New("alert send failed")
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "Modbus Alert"

// HeaderAlertID carries the event id so mails can be matched with log lines.
const HeaderAlertID = "X-Alert-ID"

// Config describes the relay and the single sender/recipient pair.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
	Subject  string
	TLS      string // "mandatory" (default), "opportunistic" or "none"
	Timeout  time.Duration
}

// Dispatcher formats and submits alert mails. It keeps no retry or cool-down state.
type Dispatcher struct {
	cfg    Config
	client *mail.Client
	logger zerolog.Logger
}

// New validates both mailboxes and prepares the relay client.
func New(cfg Config, logger zerolog.Logger) (*Dispatcher, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: smtp host not set", ErrConfig)
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = mail.DefaultTimeout
	}
	if cfg.TLS == "" {
		cfg.TLS = "mandatory"
	}

	probe := mail.NewMsg()
	if err := probe.From(cfg.From); err != nil {
		return nil, fmt.Errorf("%w: from address %q: %w", ErrConfig, cfg.From, err)
	}
	if err := probe.To(cfg.To); err != nil {
		return nil, fmt.Errorf("%w: to address %q: %w", ErrConfig, cfg.To, err)
	}

	policy, err := tlsPolicy(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(policy),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: smtp client: %w", ErrConfig, err)
	}

	logger.Info().
		Str("relay", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).
		Str("to", cfg.To).
		Bool("auth", cfg.Username != "").
		Str("tls", cfg.TLS).
		Msg("alert dispatcher ready")

	return &Dispatcher{cfg: cfg, client: client, logger: logger}, nil
}

// tlsPolicy maps the configured STARTTLS mode. Empty means mandatory.
func tlsPolicy(mode string) (mail.TLSPolicy, error) {
	switch mode {
	case "", "mandatory":
		return mail.TLSMandatory, nil
	case "opportunistic":
		return mail.TLSOpportunistic, nil
	case "none":
		return mail.NoTLS, nil
	default:
		return mail.NoTLS, fmt.Errorf("unknown tls mode %q", mode)
	}
}

// Send delivers body as a plain-text mail with the fixed subject.
func (d *Dispatcher) Send(ctx context.Context, body string) error {
	return d.deliver(ctx, body, uuid.NewString())
}

// Notify delivers an event and tags the mail with the event id.
func (d *Dispatcher) Notify(ctx context.Context, ev types.AlertEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return d.deliver(ctx, ev.Message, ev.ID)
}

func (d *Dispatcher) deliver(ctx context.Context, body, id string) error {
	msg, err := d.buildMessage(body, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if err := d.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("%w: alert %s via %s: %w", ErrSend, id, d.cfg.Host, err)
	}
	d.logger.Info().Str("alert_id", id).Str("to", d.cfg.To).Msg("alert sent")
	return nil
}

func (d *Dispatcher) buildMessage(body, id string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(d.cfg.From); err != nil {
		return nil, err
	}
	if err := msg.To(d.cfg.To); err != nil {
		return nil, err
	}
	msg.Subject(d.cfg.Subject)
	msg.SetGenHeader(mail.Header(HeaderAlertID), id)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

// FormatAlert renders the alert body for one register value.
func FormatAlert(address uint16, value float32) string {
	return fmt.Sprintf("Modbus alarm: register %d = %.2f", address, value)
}

// NewEvent builds an event for a threshold breach at the current time.
func NewEvent(address uint16, value, threshold float32, at time.Time) types.AlertEvent {
	return types.AlertEvent{
		ID:             uuid.NewString(),
		Message:        FormatAlert(address, value),
		TriggeredValue: value,
		Threshold:      threshold,
		At:             at,
	}
}
