package mail

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	logx "labkeeper/pkg/logx"
)

// SMTPMailer delivers through an SMTP relay using go-mail.
type SMTPMailer struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
	opts    []gomail.Option
	dial    func(ctx context.Context) (smtpConn, error)
}

// smtpConn is the part of *gomail.Client a session uses.
type smtpConn interface {
	Send(msgs ...*gomail.Msg) error
	Close() error
}

func newSMTP(cfg Config, log logx.Logger) (*SMTPMailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail sender (from) is required")
	}

	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTimeout(cfg.SendTimeout),
	}
	switch strings.ToLower(cfg.TLS) {
	case "mandatory":
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	case "opportunistic":
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	case "ssl":
		opts = append(opts, gomail.WithSSL())
	case "none":
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	default:
		return nil, fmt.Errorf("unknown mail tls mode %q", cfg.TLS)
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}

	m := &SMTPMailer{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "mail"), logx.String("host", cfg.Host)),
		opts: opts,
		// Burst = rate per sec, so a short batch is not throttled too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	m.dial = m.dialClient
	return m, nil
}

func (m *SMTPMailer) dialClient(ctx context.Context) (smtpConn, error) {
	c, err := gomail.NewClient(m.cfg.Host, m.opts...)
	if err != nil {
		return nil, err
	}
	if err := c.DialWithContext(ctx); err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}
	return c, nil
}

// Open returns a session without dialing. The first Send connects.
func (m *SMTPMailer) Open(ctx context.Context) (Session, error) {
	_ = ctx
	return &smtpSession{m: m}, nil
}

type smtpSession struct {
	m      *SMTPMailer
	client smtpConn
	closed bool
}

func (s *smtpSession) Close() error {
	s.closed = true
	return s.dropClient()
}

func (s *smtpSession) dropClient() error {
	c := s.client
	s.client = nil
	if c == nil {
		return nil
	}
	return c.Close()
}

// Send delivers m, retrying transient failures with backoff. The whole call,
// retries included, is bounded by Config.SendTimeout.
func (s *smtpSession) Send(ctx context.Context, m Message) error {
	if s.closed {
		return ErrClosed
	}
	msg, err := s.m.build(m)
	if err != nil {
		return err
	}

	cfg := s.m.cfg
	ctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.m.limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := s.sendOnce(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		// A failed connection is not reused; the next attempt redials.
		_ = s.dropClient()
		s.m.log.Debug("smtp send failed",
			logx.String("tag", m.Tag), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))

		if !retryable(err) || attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return lastErr
		}
	}
	return lastErr
}

func (s *smtpSession) sendOnce(ctx context.Context, msg *gomail.Msg) error {
	if s.client == nil {
		c, err := s.m.dial(ctx)
		if err != nil {
			return err
		}
		s.client = c
	}

	// go-mail's Send is not context aware; the client timeout bounds each
	// command and ctx bounds how long we wait for it.
	c := s.client
	done := make(chan error, 1)
	go func() { done <- c.Send(msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The session stops using c now; it is closed once the send returns,
		// which the client timeout bounds.
		s.client = nil
		go func() {
			<-done
			if err := c.Close(); err != nil {
				s.m.log.Debug("abandoned smtp connection close failed", logx.Err(err))
			}
		}()
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

func (m *SMTPMailer) build(in Message) (*gomail.Msg, error) {
	if strings.TrimSpace(in.To) == "" {
		return nil, ErrNoTo
	}
	msg := gomail.NewMsg()
	var err error
	if m.cfg.FromName != "" {
		err = msg.FromFormat(m.cfg.FromName, m.cfg.From)
	} else {
		err = msg.From(m.cfg.From)
	}
	if err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}
	if in.ToName != "" {
		err = msg.AddToFormat(in.ToName, in.To)
	} else {
		err = msg.To(in.To)
	}
	if err != nil {
		return nil, fmt.Errorf("mail to: %w", err)
	}
	if m.cfg.ReplyTo != "" {
		if err := msg.ReplyTo(m.cfg.ReplyTo); err != nil {
			return nil, fmt.Errorf("mail reply-to: %w", err)
		}
	}
	msg.Subject(in.Subject)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(gomail.TypeTextPlain, in.Body)
	return msg, nil
}

// retryable reports whether err may succeed on another attempt. Permanent
// SMTP rejections (5xx) are not retried.
func retryable(err error) bool {
	var se *gomail.SendError
	if errors.As(err, &se) {
		return se.IsTemp()
	}
	return !errors.Is(err, context.Canceled)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
