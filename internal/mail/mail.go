// Package mail delivers plain-text email to item owners.
//
// A Mailer opens a Session per run; the session owns at most one transport
// connection, dials it lazily on the first Send and closes it on Close.
package mail

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "labkeeper/pkg/logx"
)

var (
	ErrClosed = errors.New("mail session closed")
	ErrNoTo   = errors.New("mail message has no recipient")
)

// Message is one outgoing email.
type Message struct {
	To      string
	ToName  string
	Subject string
	Body    string
	// Tag is carried into logs only (item id, run id).
	Tag string
}

// Session sends messages over one logical connection. Not safe for concurrent use.
type Session interface {
	Send(ctx context.Context, m Message) error
	Close() error
}

// Mailer opens sessions.
type Mailer interface {
	Open(ctx context.Context) (Session, error)
}

// Config configures the mail transport.
//
// Driver values:
//   - "smtp": deliver through an SMTP relay (default)
//   - "log": write messages to the log instead of sending
type Config struct {
	Driver   string
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	ReplyTo  string
	// TLS is "mandatory" (STARTTLS required, default), "opportunistic", "ssl"
	// (implicit TLS) or "none".
	TLS string

	// SendTimeout bounds one message including retries.
	SendTimeout   time.Duration
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 587
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if strings.TrimSpace(c.TLS) == "" {
		c.TLS = "mandatory"
	}
	return c
}

// New builds the configured mailer.
func New(cfg Config, log logx.Logger) (Mailer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "smtp":
		return newSMTP(cfg, log)
	case "log":
		return &LogMailer{log: log.With(logx.String("comp", "mail"))}, nil
	default:
		return nil, errors.New("unknown mail driver: " + cfg.Driver)
	}
}

// LogMailer writes messages to the log. Used for local development and dry setups.
type LogMailer struct {
	log logx.Logger
}

func NewLogMailer(log logx.Logger) *LogMailer { return &LogMailer{log: log} }

func (m *LogMailer) Open(ctx context.Context) (Session, error) {
	_ = ctx
	return &logSession{log: m.log}, nil
}

type logSession struct {
	log    logx.Logger
	closed bool
}

func (s *logSession) Send(ctx context.Context, m Message) error {
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(m.To) == "" {
		return ErrNoTo
	}
	s.log.Info("mail (log driver)",
		logx.String("to", m.To),
		logx.String("subject", m.Subject),
		logx.String("tag", m.Tag),
		logx.Int("body_len", len(m.Body)),
	)
	s.log.Debug("mail body", logx.String("tag", m.Tag), logx.String("body", m.Body))
	return nil
}

func (s *logSession) Close() error {
	s.closed = true
	return nil
}
