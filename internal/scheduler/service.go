// Package scheduler triggers named jobs on cron or interval schedules.
//
// A trigger that fires while the previous run of the same job is still in
// flight is skipped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"labkeeper/internal/eventbus"
	logx "labkeeper/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrNotRunning = errors.New("scheduler not running")
	ErrBusy       = errors.New("job already running")
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means local time
}

// Job is the work a schedule triggers.
type Job func(ctx context.Context) error

type jobState struct {
	running atomic.Bool

	mu        sync.Mutex
	runs      uint64
	skips     uint64
	lastStart time.Time
	lastDur   time.Duration
	lastErr   string
}

type jobDef struct {
	name     string
	schedule Schedule
	timeout  time.Duration
	run      Job
	entryID  cron.EntryID
	state    *jobState
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Next         time.Time     `json:"next,omitzero"`
	Prev         time.Time     `json:"prev,omitzero"`
	Running      bool          `json:"running"`
	Runs         uint64        `json:"runs"`
	Skips        uint64        `json:"skips"`
	LastStart    time.Time     `json:"last_start,omitzero"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	// manual triggers; cron tracks its own
	manual sync.WaitGroup

	defs []*jobDef
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change re-registers every job on a new
// cron instance; jobs in flight keep running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.c.Stop()
		s.startCronLocked()
		s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
	}
}

// Add registers or replaces the job called name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	sch, err := Parse(schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(sch.Spec()); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state := &jobState{}
	for i, d := range s.defs {
		if d.name == name {
			// Keep counters and the overlap guard across replacement.
			state = d.state
			if s.c != nil {
				s.c.Remove(d.entryID)
			}
			s.defs = append(s.defs[:i], s.defs[i+1:]...)
			break
		}
	}
	d := &jobDef{name: name, schedule: sch, timeout: timeout, run: job, state: state}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return err
		}
	}
	return nil
}

// Remove unregisters name. It reports whether a job was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.defs {
		if d.name == name {
			if s.c != nil {
				s.c.Remove(d.entryID)
			}
			s.defs = append(s.defs[:i], s.defs[i+1:]...)
			s.log.Debug("job removed", logx.String("name", name))
			return true
		}
	}
	return false
}

// Start begins triggering. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
	)
	for _, d := range s.defs {
		_ = s.registerLocked(d)
	}
	s.c.Start()
}

func (s *Service) registerLocked(d *jobDef) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(d.schedule.Spec(), func() { s.fire(ctx, d) })
	if err != nil {
		s.log.Error("job register failed", logx.String("name", d.name), logx.String("spec", d.schedule.Spec()), logx.Err(err))
		return err
	}
	d.entryID = id
	fields := []logx.Field{logx.String("name", d.name), logx.String("spec", d.schedule.Spec())}
	// Next is only computed once the cron loop runs.
	if next := s.c.Entry(id).Next; !next.IsZero() {
		fields = append(fields, logx.Time("next", next))
	}
	s.log.Info("job registered", fields...)
	return nil
}

// Trigger runs name now, outside its schedule, under the same overlap guard.
// It returns without waiting for the run.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	var def *jobDef
	for _, d := range s.defs {
		if d.name == name {
			def = d
			break
		}
	}
	if def == nil {
		s.mu.Unlock()
		return ErrUnknownJob
	}
	if def.state.running.Load() {
		s.mu.Unlock()
		return ErrBusy
	}
	ctx := s.ctx
	s.manual.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.manual.Done()
		s.fire(ctx, def)
	}()
	return nil
}

func (s *Service) fire(ctx context.Context, d *jobDef) {
	if !d.state.running.CompareAndSwap(false, true) {
		d.state.mu.Lock()
		d.state.skips++
		d.state.mu.Unlock()
		s.log.Warn("previous run still in flight; trigger skipped", logx.String("name", d.name))
		eventbus.Emit(s.bus, eventbus.ScheduleSkipped, eventbus.ScheduleEvent{Name: d.name})
		return
	}
	defer d.state.running.Store(false)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := runGuarded(ctx, d.run)
	took := time.Since(start)

	d.state.mu.Lock()
	d.state.runs++
	d.state.lastStart = start
	d.state.lastDur = took
	d.state.lastErr = ""
	if err != nil {
		d.state.lastErr = err.Error()
	}
	d.state.mu.Unlock()

	ev := eventbus.ScheduleEvent{Name: d.name, Duration: took}
	if err != nil {
		ev.Error = err.Error()
		s.log.Error("job failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("name", d.name), logx.Duration("took", took))
	}
	eventbus.Emit(s.bus, eventbus.ScheduleFired, ev)
}

func runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

// Stop stops triggering, waits for runs in flight within ctx, then cancels them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	manual := make(chan struct{})
	go func() {
		s.manual.Wait()
		close(manual)
	}()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	select {
	case <-manual:
	case <-ctx.Done():
	}
	cancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Timezone: loc.String(),
		Jobs:     make([]JobInfo, 0, len(s.defs)),
	}
	for _, d := range s.defs {
		info := JobInfo{Name: d.name, Spec: d.schedule.Spec(), Running: d.state.running.Load()}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		d.state.mu.Lock()
		info.Runs, info.Skips = d.state.runs, d.state.skips
		info.LastStart, info.LastDuration, info.LastError = d.state.lastStart, d.state.lastDur, d.state.lastErr
		d.state.mu.Unlock()
		snap.Jobs = append(snap.Jobs, info)
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's own logging into logx. Its Info output is
// per-tick chatter, so it goes to debug.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
