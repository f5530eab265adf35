package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"labkeeper/internal/eventbus"
	"labkeeper/internal/expiry"
	"labkeeper/internal/inventory"
	"labkeeper/internal/ledger"
	logx "labkeeper/pkg/logx"
)

var (
	ErrLoadItems     = errors.New("load items")
	ErrLoadLedger    = errors.New("load ledger")
	ErrRunInProgress = errors.New("notification run already in progress")
)

// Source lists the active items to check.
type Source interface {
	ListActive(ctx context.Context) ([]inventory.Record, error)
}

// RunOptions controls one RunOnce call.
type RunOptions struct {
	DryRun bool
	// Today overrides the current calendar date (as from expiry.ParseDay).
	Today time.Time
}

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	Location *time.Location
	// LockTimeout bounds waiting for another run's ledger lock. 0 means 30s.
	LockTimeout time.Duration
	// SaveTimeout bounds the final ledger write. 0 means 30s.
	SaveTimeout time.Duration
}

// Runner performs a complete notification run: lock, load, dispatch, save once, unlock.
type Runner struct {
	source Source
	store  ledger.Store
	disp   *Dispatcher
	cfg    RunnerConfig
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	// running guards against overlapping runs in this process; the ledger
	// lock covers other processes.
	running sync.Mutex
}

func NewRunner(source Source, store ledger.Store, disp *Dispatcher, cfg RunnerConfig, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}
	return &Runner{source: source, store: store, disp: disp, cfg: cfg, log: log, bus: bus, now: time.Now}
}

// Today is the current calendar date in the runner's timezone.
func (r *Runner) Today() time.Time { return expiry.DateOf(r.now(), r.cfg.Location) }

// RunOnce executes one run. The returned error is non-nil only for failures
// that prevented the run (items or ledger could not be loaded, lock timeout);
// per-item failures are reported in the Summary.
func (r *Runner) RunOnce(ctx context.Context, opts RunOptions) (sum Summary, err error) {
	start := time.Now()
	runID := uuid.NewString()
	today := r.Today()
	if !opts.Today.IsZero() {
		y, m, d := opts.Today.Date()
		today = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	log := r.log.With(logx.String("run", runID))
	sum = Summary{RunID: runID, Date: expiry.FormatDay(today), DryRun: opts.DryRun}

	defer func() {
		sum.Duration = time.Since(start)
		sum.DurationMS = sum.Duration.Milliseconds()
		ev := eventbus.RunEvent{
			RunID: sum.RunID, DryRun: sum.DryRun, Checked: sum.Checked, Sent: sum.Sent,
			Planned: sum.Planned, Invalid: sum.Invalid, Errors: sum.Errors,
			LedgerErrors: sum.LedgerErrors, Duration: sum.Duration,
		}
		if err != nil {
			ev.Err = err.Error()
			log.Error("notification run failed", append(sum.logFields(), logx.Err(err))...)
		} else {
			log.Info("notification run complete", sum.logFields()...)
		}
		eventbus.Emit(r.bus, eventbus.NotifyRun, ev)
	}()

	if !opts.DryRun {
		if !r.running.TryLock() {
			return sum, ErrRunInProgress
		}
		defer r.running.Unlock()

		lctx, cancel := context.WithTimeout(ctx, r.cfg.LockTimeout)
		unlock, lerr := r.store.Lock(lctx)
		cancel()
		if lerr != nil {
			if errors.Is(lerr, ledger.ErrLocked) {
				return sum, fmt.Errorf("%w: %v", ErrRunInProgress, lerr)
			}
			return sum, fmt.Errorf("acquire ledger lock: %w", lerr)
		}
		defer func() {
			if uerr := unlock(); uerr != nil {
				log.Warn("ledger unlock failed", logx.Err(uerr))
			}
		}()
	}

	l, lerr := r.store.Load(ctx)
	if lerr != nil {
		return sum, fmt.Errorf("%w: %v", ErrLoadLedger, lerr)
	}

	records, serr := r.source.ListActive(ctx)
	if serr != nil {
		return sum, fmt.Errorf("%w: %v", ErrLoadItems, serr)
	}
	if len(records) == 0 {
		log.Info("no active items")
	}

	res := r.disp.Run(ctx, runID, records, today, l, opts.DryRun)
	sum.Checked, sum.Sent, sum.Planned = res.Checked, res.Sent, res.Planned
	sum.Invalid, sum.Errors = res.Invalid, res.Errors

	if opts.DryRun {
		return sum, nil
	}

	if !l.Dirty() {
		log.Debug("ledger unchanged; save skipped")
		return sum, nil
	}

	// Save even if ctx was cancelled mid-run so completed sends are not repeated.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SaveTimeout)
	defer cancel()
	if perr := r.store.Save(sctx, l); perr != nil {
		sum.LedgerErrors = 1
		log.Error("ledger save failed; sends from this run may repeat", logx.Err(perr))
	}
	return sum, nil
}
