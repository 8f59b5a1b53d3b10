// Package notify delivers sale notices to buyers and sellers.
//
// A Dispatcher hands each notice to one primary Sender (SMTP in production,
// the log in development) and, best effort, to any mirrors such as an
// operator webhook. A notice counts as delivered when the primary accepts it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/xmrescrow/internal/idgen"
	"github.com/mbd888/xmrescrow/internal/retry"
)

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "xmrescrow",
	Subsystem: "notify",
	Name:      "deliveries_total",
	Help:      "Notice deliveries by sender and result.",
}, []string{"sender", "result"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// ErrInvalidRecipient is returned for a recipient that is not an email address.
var ErrInvalidRecipient = errors.New("notify: invalid recipient")

// Message is one notice.
type Message struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sender transports a message.
type Sender interface {
	Name() string
	Deliver(ctx context.Context, msg *Message) error
}

// Deliveries retry a few times with short backoff; the notice worker picks
// up anything still undelivered on its next pass.
var deliveryPolicy = retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

// Dispatcher sends notices.
type Dispatcher struct {
	primary Sender
	mirrors []Sender
	logger  *slog.Logger
	policy  retry.Policy
}

// NewDispatcher creates a dispatcher delivering through primary.
func NewDispatcher(primary Sender, logger *slog.Logger, mirrors ...Sender) *Dispatcher {
	return &Dispatcher{
		primary: primary,
		mirrors: mirrors,
		logger:  logger,
		policy:  deliveryPolicy,
	}
}

// Send delivers a notice and reports whether the primary sender accepted it.
func (d *Dispatcher) Send(ctx context.Context, subject, body, recipient string) (bool, error) {
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}

	msg := &Message{
		ID:        idgen.WithPrefix("ntc_"),
		Subject:   subject,
		Body:      body,
		To:        addr.Address,
		CreatedAt: time.Now().UTC(),
	}

	if err := d.deliver(ctx, d.primary, msg); err != nil {
		return false, err
	}

	for _, m := range d.mirrors {
		if err := d.deliver(ctx, m, msg); err != nil {
			d.logger.Warn("notice mirror failed", "sender", m.Name(), "noticeId", msg.ID, "error", err)
		}
	}
	return true, nil
}

func (d *Dispatcher) deliver(ctx context.Context, s Sender, msg *Message) error {
	err := retry.Do(ctx, d.policy, func() error {
		return s.Deliver(ctx, msg)
	})
	if err != nil {
		deliveriesTotal.WithLabelValues(s.Name(), "error").Inc()
		return fmt.Errorf("notify: %s: %w", s.Name(), err)
	}
	deliveriesTotal.WithLabelValues(s.Name(), "ok").Inc()
	return nil
}

// LogSender writes notices to the log instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (l *LogSender) Name() string { return "log" }

func (l *LogSender) Deliver(_ context.Context, msg *Message) error {
	l.logger.Info("notice", "noticeId", msg.ID, "to", msg.To, "subject", msg.Subject, "body", msg.Body)
	return nil
}
