// Package notify runs the daily expiration notification pass: evaluate every
// active item, mail the owners that are due a notification and record the
// sends in the ledger.
package notify

import (
	"context"
	"errors"
	"time"

	"labkeeper/internal/eventbus"
	"labkeeper/internal/expiry"
	"labkeeper/internal/inventory"
	"labkeeper/internal/ledger"
	"labkeeper/internal/mail"
	logx "labkeeper/pkg/logx"
)

// Summary is the outcome of one run. It is produced even when sends fail.
type Summary struct {
	RunID  string `json:"run_id"`
	Date   string `json:"date"`
	DryRun bool   `json:"dry_run"`
	// Checked counts every item looked at, invalid ones included.
	Checked int `json:"checked"`
	Sent    int `json:"sent"`
	// Planned counts notifications a dry run would have sent.
	Planned      int           `json:"planned"`
	Invalid      int           `json:"invalid"`
	Errors       int           `json:"errors"`
	LedgerErrors int           `json:"ledger_errors"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration_ms"`
}

func (s Summary) logFields() []logx.Field {
	return []logx.Field{
		logx.String("run", s.RunID),
		logx.String("date", s.Date),
		logx.Bool("dry_run", s.DryRun),
		logx.Int("checked", s.Checked),
		logx.Int("sent", s.Sent),
		logx.Int("planned", s.Planned),
		logx.Int("invalid", s.Invalid),
		logx.Int("errors", s.Errors),
		logx.Int("ledger_errors", s.LedgerErrors),
		logx.Duration("took", s.Duration),
	}
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	// Location is the timezone calendar dates are observed in.
	Location *time.Location
	// GateAll applies the same-day ledger check to warning and due as well.
	GateAll bool
	// SendTimeout bounds each message. 0 means 30s.
	SendTimeout time.Duration
}

// Dispatcher evaluates items and sends the resulting mails. Items are
// processed sequentially and independently: one failure never stops the run.
type Dispatcher struct {
	composer *Composer
	mailer   mail.Mailer
	cfg      DispatcherConfig
	log      logx.Logger
	bus      eventbus.Bus
}

func NewDispatcher(composer *Composer, mailer mail.Mailer, cfg DispatcherConfig, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Dispatcher{composer: composer, mailer: mailer, cfg: cfg, log: log, bus: bus}
}

// Run processes records for the calendar date today. Successful sends are
// recorded in l; l is not persisted here. In a dry run nothing is sent and l
// is not touched.
func (d *Dispatcher) Run(ctx context.Context, runID string, records []inventory.Record, today time.Time, l *ledger.Ledger, dryRun bool) Summary {
	sum := Summary{RunID: runID, Date: expiry.FormatDay(today), DryRun: dryRun}
	log := d.log.With(logx.String("run", runID))
	opts := expiry.Options{GateAll: d.cfg.GateAll}

	var (
		sess    mail.Session
		sessErr error
	)
	defer func() {
		if sess != nil {
			if err := sess.Close(); err != nil {
				log.Debug("mail session close failed", logx.Err(err))
			}
		}
	}()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			log.Warn("run cancelled; remaining items skipped", logx.Int("remaining", len(records)-sum.Checked), logx.Err(err))
			break
		}
		sum.Checked++

		it, err := rec.Validate(d.cfg.Location)
		if err != nil {
			sum.Invalid++
			log.Warn("skipping invalid item", logx.String("item", rec.ID), logx.Err(err))
			eventbus.Emit(d.bus, eventbus.NotifyInvalid, eventbus.NotifyEvent{RunID: runID, ItemID: rec.ID, Error: err.Error()})
			continue
		}
		if it.ExpiryMismatch(d.cfg.Location) {
			log.Warn("stored expiryDate disagrees with dateAdded + timePeriod; using derived due date",
				logx.String("item", it.ID),
				logx.String("expiryDate", rec.ExpiryDate),
				logx.String("due", expiry.FormatDay(it.DueDate(d.cfg.Location))))
		}

		dec := expiry.Evaluate(it.Schedule(d.cfg.Location), today, l, opts)
		if !dec.Notify {
			continue
		}
		ilog := log.With(logx.String("item", it.ID), logx.String("category", string(dec.Category)))

		msg, err := d.composer.Compose(it, dec)
		if err != nil {
			sum.Errors++
			ilog.Error("compose failed", logx.Err(err))
			continue
		}
		msg.Tag = it.ID

		if dryRun {
			sum.Planned++
			ilog.Info("dry run: would send", logx.String("to", msg.To), logx.String("subject", msg.Subject))
			eventbus.Emit(d.bus, eventbus.NotifyPlanned, eventbus.NotifyEvent{RunID: runID, ItemID: it.ID, Category: string(dec.Category)})
			continue
		}

		if sess == nil && sessErr == nil {
			sess, sessErr = d.mailer.Open(ctx)
			if sessErr != nil {
				log.Error("mail session open failed", logx.Err(sessErr))
			}
		}
		if sessErr != nil {
			d.fail(&sum, ilog, runID, it.ID, dec.Category, sessErr)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err = sess.Send(sendCtx, msg)
		cancel()
		if err != nil {
			if errors.Is(err, mail.ErrClosed) {
				sess, sessErr = nil, nil
			}
			d.fail(&sum, ilog, runID, it.ID, dec.Category, err)
			continue
		}

		l.MarkNotified(it.ID, dec.Category, today)
		sum.Sent++
		ilog.Info("notification sent", logx.String("to", msg.To), logx.Int("days_from_due", dec.DaysFromDue))
		eventbus.Emit(d.bus, eventbus.NotifySent, eventbus.NotifyEvent{RunID: runID, ItemID: it.ID, Category: string(dec.Category)})
	}
	return sum
}

func (d *Dispatcher) fail(sum *Summary, log logx.Logger, runID, itemID string, c expiry.Category, err error) {
	sum.Errors++
	log.Error("notification send failed", logx.Err(err))
	eventbus.Emit(d.bus, eventbus.NotifyFailed, eventbus.NotifyEvent{RunID: runID, ItemID: itemID, Category: string(c), Error: err.Error()})
}
