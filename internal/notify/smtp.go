package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// SMTPConfig configures an SMTP relay.
type SMTPConfig struct {
	Addr     string // host:port
	User     string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPSender delivers notices through an SMTP relay, upgrading to TLS when
// the server offers STARTTLS.
type SMTPSender struct {
	cfg    SMTPConfig
	client *mail.Client
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("smtp addr %q: %w", cfg.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("smtp addr %q: bad port: %w", cfg.Addr, err)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp: from address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPSender{cfg: cfg, client: client}, nil
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Deliver(ctx context.Context, msg *Message) error {
	m, err := compose(s.cfg.From, msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.client.DialAndSendWithContext(ctx, m)
}

// compose renders msg as a plain-text message.
func compose(from string, msg *Message) (*mail.Msg, error) {
	m := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("smtp: from %q: %w", from, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("smtp: to %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(msg.CreatedAt)
	m.SetMessageIDWithValue(msg.ID + "@" + domainOf(from))

	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	m.SetBodyString(mail.TypeTextPlain, body)
	return m, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}
