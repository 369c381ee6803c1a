// Package mail sends the email a fired job carries.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	gomail "github.com/wneessen/go-mail"
)

// Message is a single UTF-8 HTML email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

func (m Message) validate() error {
	if strings.TrimSpace(m.From) == "" {
		return errors.New("mail: sender address is empty")
	}
	if strings.TrimSpace(m.To) == "" {
		return errors.New("mail: recipient address is empty")
	}
	return nil
}

// Sender delivers a message. A returned error means the message was not accepted.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type TLSPolicy string

const (
	TLSOpportunistic TLSPolicy = "opportunistic"
	TLSMandatory     TLSPolicy = "mandatory"
	TLSNone          TLSPolicy = "none"
)

// SMTPConfig holds the SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      TLSPolicy
}

// SMTPSender sends messages through an SMTP relay, one connection per message.
type SMTPSender struct {
	config SMTPConfig
	dial   func(ctx context.Context, client *gomail.Client, msg *gomail.Msg) error
}

func NewSMTPSender(config SMTPConfig) *SMTPSender {
	return &SMTPSender{
		config: config,
		dial: func(ctx context.Context, client *gomail.Client, msg *gomail.Msg) error {
			return client.DialAndSendWithContext(ctx, msg)
		},
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	m, err := buildMsg(msg)
	if err != nil {
		return err
	}

	client, err := gomail.NewClient(s.config.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("mail: smtp client: %w", err)
	}

	if err := s.dial(ctx, client, m); err != nil {
		return fmt.Errorf("mail: send to %s: %w", msg.To, err)
	}
	return nil
}

func (s *SMTPSender) clientOptions() []gomail.Option {
	opts := []gomail.Option{
		gomail.WithPort(s.config.Port),
		gomail.WithTLSPolicy(tlsPolicy(s.config.TLS)),
	}
	if s.config.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.config.Username),
			gomail.WithPassword(s.config.Password),
		)
	}
	return opts
}

func buildMsg(msg Message) (*gomail.Msg, error) {
	m := gomail.NewMsg(gomail.WithCharset(gomail.CharsetUTF8))
	if err := m.From(msg.From); err != nil {
		return nil, fmt.Errorf("mail: from %q: %w", msg.From, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("mail: to %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextHTML, msg.HTML)
	return m, nil
}

func tlsPolicy(p TLSPolicy) gomail.TLSPolicy {
	switch p {
	case TLSMandatory:
		return gomail.TLSMandatory
	case TLSNone:
		return gomail.NoTLS
	default:
		return gomail.TLSOpportunistic
	}
}

// LogSender logs messages instead of sending them. Used for local development.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	s.log.Info().
		Str("from", msg.From).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("body_bytes", len(msg.HTML)).
		Msg("mail not sent (log driver)")
	return nil
}
