package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"labkeeper/internal/eventbus"
	"labkeeper/internal/expiry"
	"labkeeper/internal/inventory"
	"labkeeper/internal/ledger"
	"labkeeper/internal/mail"
	logx "labkeeper/pkg/logx"
)

// ---- fakes ----

type fakeMailer struct {
	mu     sync.Mutex
	fail   map[string]bool // by recipient
	sent   []mail.Message
	opens  int
	closes int
}

func (f *fakeMailer) Open(ctx context.Context) (mail.Session, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	return &fakeSession{f: f}, nil
}

type fakeSession struct{ f *fakeMailer }

func (s *fakeSession) Send(ctx context.Context, m mail.Message) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.f.fail[m.To] {
		return errors.New("451 temporary failure")
	}
	s.f.sent = append(s.f.sent, m)
	return nil
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	s.f.closes++
	s.f.mu.Unlock()
	return nil
}

type memLedgerStore struct {
	mu      sync.Mutex
	entries []ledger.Entry
	saves   int
	locks   int
	saveErr error
	lockErr error
}

func (m *memLedgerStore) Load(ctx context.Context) (*ledger.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ledger.FromEntries(m.entries), nil
}

func (m *memLedgerStore) Save(ctx context.Context, l *ledger.Ledger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.entries = l.Entries()
	return nil
}

func (m *memLedgerStore) Lock(ctx context.Context) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return nil, m.lockErr
	}
	m.locks++
	return func() error { return nil }, nil
}

func (m *memLedgerStore) Close() error { return nil }

type sliceSource []inventory.Record

func (s sliceSource) ListActive(ctx context.Context) ([]inventory.Record, error) { return s, nil }

type errSource struct{ err error }

func (s errSource) ListActive(ctx context.Context) ([]inventory.Record, error) { return nil, s.err }

type blockingSource struct {
	entered chan struct{}
	release chan struct{}
}

func (s blockingSource) ListActive(ctx context.Context) ([]inventory.Record, error) {
	close(s.entered)
	<-s.release
	return nil, nil
}

// ---- helpers ----

func record(id, email string, added string, period int) inventory.Record {
	return inventory.Record{
		ID:           id,
		OwnerName:    "Owner " + id,
		EmailID:      email,
		ObjectStored: "Sample " + id,
		UniqueID:     "TAG-" + id,
		Location:     "Bench 1",
		TimePeriod:   inventory.FlexInt(period),
		DateAdded:    added,
	}
}

func newTestRunner(t *testing.T, src Source, st ledger.Store, m mail.Mailer, bus eventbus.Bus) *Runner {
	t.Helper()
	comp, err := NewComposer(ComposerConfig{LabName: "AMTC Lab", AppURL: "http://localhost:8084", Location: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	disp := NewDispatcher(comp, m, DispatcherConfig{Location: time.UTC, SendTimeout: time.Second}, logx.Nop(), bus)
	return NewRunner(src, st, disp, RunnerConfig{Location: time.UTC, LockTimeout: 200 * time.Millisecond}, logx.Nop(), bus)
}

func today(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := expiry.ParseDay(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// ---- tests ----

func TestRunOnceOneFailureOutOfFive(t *testing.T) {
	t.Parallel()
	var src sliceSource
	for i := 1; i <= 5; i++ {
		src = append(src, record(fmt.Sprint(i), fmt.Sprintf("owner%d@example.com", i), "2025-01-01T08:00:00Z", 10))
	}
	m := &fakeMailer{fail: map[string]bool{"owner3@example.com": true}}
	st := &memLedgerStore{}
	r := newTestRunner(t, src, st, m, nil)
	day := today(t, "2025-01-15")

	sum, err := r.RunOnce(context.Background(), RunOptions{Today: day})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Checked != 5 || sum.Sent != 4 || sum.Errors != 1 || sum.LedgerErrors != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if st.saves != 1 || st.locks != 1 {
		t.Fatalf("saves=%d locks=%d, want 1/1", st.saves, st.locks)
	}
	l := ledger.FromEntries(st.entries)
	for i := 1; i <= 5; i++ {
		got := l.WasNotifiedOn(fmt.Sprint(i), expiry.Overdue, day)
		if want := i != 3; got != want {
			t.Fatalf("item %d ledger entry = %v, want %v", i, got, want)
		}
	}
	if m.opens != 1 || m.closes != 1 {
		t.Fatalf("sessions opened=%d closed=%d, want 1/1", m.opens, m.closes)
	}
	for _, msg := range m.sent {
		if c, ok := CategoryFromSubject(msg.Subject); !ok || c != expiry.Overdue {
			t.Fatalf("subject %q does not carry the overdue prefix", msg.Subject)
		}
		if !strings.Contains(msg.Subject, "(4 days)") {
			t.Fatalf("subject %q missing day count", msg.Subject)
		}
	}

	// Same day again: only the previously failed item is retried.
	delete(m.fail, "owner3@example.com")
	sum, err = r.RunOnce(context.Background(), RunOptions{Today: day})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 1 || sum.Errors != 0 || len(m.sent) != 5 {
		t.Fatalf("rerun summary = %+v, total sent %d", sum, len(m.sent))
	}
}

func TestRunOnceScenarioAcrossDays(t *testing.T) {
	t.Parallel()
	src := sliceSource{record("item-1", "ada@example.com", "2025-01-01T09:00:00Z", 10)}
	m := &fakeMailer{}
	st := &memLedgerStore{}
	r := newTestRunner(t, src, st, m, nil)

	want := map[string]expiry.Category{
		"2025-01-08": "",
		"2025-01-09": expiry.Warning,
		"2025-01-10": "",
		"2025-01-11": expiry.Due,
		"2025-01-12": expiry.Overdue,
		"2025-01-15": expiry.Overdue,
	}
	for _, d := range []string{"2025-01-08", "2025-01-09", "2025-01-10", "2025-01-11", "2025-01-12", "2025-01-15"} {
		before := len(m.sent)
		if _, err := r.RunOnce(context.Background(), RunOptions{Today: today(t, d)}); err != nil {
			t.Fatalf("%s: %v", d, err)
		}
		if want[d] == "" {
			if len(m.sent) != before {
				t.Fatalf("%s: unexpected mail %q", d, m.sent[len(m.sent)-1].Subject)
			}
			continue
		}
		if len(m.sent) != before+1 {
			t.Fatalf("%s: expected one mail, got %d", d, len(m.sent)-before)
		}
		got, _ := CategoryFromSubject(m.sent[len(m.sent)-1].Subject)
		if got != want[d] {
			t.Fatalf("%s: category %q, want %q", d, got, want[d])
		}
	}
	last := m.sent[len(m.sent)-1]
	if !strings.Contains(last.Body, "Days Overdue: 4 days") || !strings.Contains(last.Body, "January 11, 2025") {
		t.Fatalf("overdue body:\n%s", last.Body)
	}
}

func TestRunOnceEmptySource(t *testing.T) {
	t.Parallel()
	m := &fakeMailer{}
	st := &memLedgerStore{}
	r := newTestRunner(t, sliceSource(nil), st, m, nil)
	sum, err := r.RunOnce(context.Background(), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Checked != 0 || sum.Sent != 0 || sum.Errors != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if m.opens != 0 {
		t.Fatal("no session should be opened when nothing is due")
	}
	if st.saves != 0 || st.locks != 1 {
		t.Fatalf("unchanged ledger: saves=%d locks=%d, want 0/1", st.saves, st.locks)
	}
}

func TestRunOnceDryRun(t *testing.T) {
	t.Parallel()
	src := sliceSource{
		record("a", "a@example.com", "2025-01-01T00:00:00Z", 10),
		record("b", "b@example.com", "2025-01-05T00:00:00Z", 10),
	}
	m := &fakeMailer{}
	st := &memLedgerStore{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	r := newTestRunner(t, src, st, m, bus)

	sum, err := r.RunOnce(context.Background(), RunOptions{DryRun: true, Today: today(t, "2025-01-13")})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Planned != 2 || sum.Sent != 0 || !sum.DryRun {
		t.Fatalf("summary = %+v", sum)
	}
	if len(m.sent) != 0 || m.opens != 0 {
		t.Fatal("dry run must not send")
	}
	if st.saves != 0 || st.locks != 0 {
		t.Fatalf("dry run touched the ledger: saves=%d locks=%d", st.saves, st.locks)
	}

	planned := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.NotifyPlanned {
			planned++
		}
	}
	if planned != 2 {
		t.Fatalf("planned events = %d, want 2", planned)
	}
}

func TestRunOnceSkipsInvalidItems(t *testing.T) {
	t.Parallel()
	bad := record("bad", "", "2025-01-01T00:00:00Z", 10)
	alsoBad := record("worse", "w@example.com", "not-a-date", 10)
	good := record("good", "g@example.com", "2025-01-01T00:00:00Z", 10)
	m := &fakeMailer{}
	r := newTestRunner(t, sliceSource{bad, alsoBad, good}, &memLedgerStore{}, m, nil)

	sum, err := r.RunOnce(context.Background(), RunOptions{Today: today(t, "2025-01-11")})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Checked != 3 || sum.Invalid != 2 || sum.Sent != 1 || sum.Errors != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunOnceSaveFailure(t *testing.T) {
	t.Parallel()
	st := &memLedgerStore{saveErr: errors.New("disk full")}
	r := newTestRunner(t, sliceSource{record("a", "a@example.com", "2025-01-01T00:00:00Z", 10)}, st, &fakeMailer{}, nil)
	sum, err := r.RunOnce(context.Background(), RunOptions{Today: today(t, "2025-01-11")})
	if err != nil {
		t.Fatalf("save failure must not fail the run: %v", err)
	}
	if sum.Sent != 1 || sum.LedgerErrors != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunOnceFatalErrors(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, errSource{err: errors.New("connection refused")}, &memLedgerStore{}, &fakeMailer{}, nil)
	if _, err := r.RunOnce(context.Background(), RunOptions{}); !errors.Is(err, ErrLoadItems) {
		t.Fatalf("source failure: got %v", err)
	}

	locked := &memLedgerStore{lockErr: fmt.Errorf("%w: deadline", ledger.ErrLocked)}
	r = newTestRunner(t, sliceSource(nil), locked, &fakeMailer{}, nil)
	if _, err := r.RunOnce(context.Background(), RunOptions{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("lock timeout: got %v", err)
	}
}

func TestRunOnceRejectsOverlap(t *testing.T) {
	t.Parallel()
	src := blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	r := newTestRunner(t, src, &memLedgerStore{}, &fakeMailer{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.RunOnce(context.Background(), RunOptions{})
		done <- err
	}()
	<-src.entered

	if _, err := r.RunOnce(context.Background(), RunOptions{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("overlapping run: got %v", err)
	}
	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestRunOnceWithFileLedger(t *testing.T) {
	t.Parallel()
	st, err := ledger.Open(ledger.Config{Driver: "file", Path: t.TempDir() + "/notification_history.json"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	m := &fakeMailer{}
	r := newTestRunner(t, sliceSource{record("x", "x@example.com", "2025-01-01T00:00:00Z", 10)}, st, m, nil)
	day := today(t, "2025-01-14")
	for i := 0; i < 3; i++ {
		if _, err := r.RunOnce(context.Background(), RunOptions{Today: day}); err != nil {
			t.Fatal(err)
		}
	}
	if len(m.sent) != 1 {
		t.Fatalf("overdue sent %d times on one day, want 1", len(m.sent))
	}
}

func TestGateAllSuppressesSameDayWarning(t *testing.T) {
	t.Parallel()
	comp, err := NewComposer(ComposerConfig{Location: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	day := today(t, "2025-01-09")
	src := sliceSource{record("w", "w@example.com", "2025-01-01T00:00:00Z", 10)}

	for _, gate := range []bool{false, true} {
		m := &fakeMailer{}
		disp := NewDispatcher(comp, m, DispatcherConfig{Location: time.UTC, GateAll: gate}, logx.Nop(), nil)
		r := NewRunner(src, &memLedgerStore{}, disp, RunnerConfig{Location: time.UTC}, logx.Nop(), nil)
		for i := 0; i < 2; i++ {
			if _, err := r.RunOnce(context.Background(), RunOptions{Today: day}); err != nil {
				t.Fatal(err)
			}
		}
		want := 2
		if gate {
			want = 1
		}
		if len(m.sent) != want {
			t.Fatalf("gate=%v: sent %d, want %d", gate, len(m.sent), want)
		}
	}
}

func TestRunOnceSavesOnlyWhenLedgerChanged(t *testing.T) {
	t.Parallel()
	st := &memLedgerStore{}
	m := &fakeMailer{}
	// Overdue on day 3 after due: recorded on the first run, gated on the second.
	r := newTestRunner(t, sliceSource{record("o", "o@example.com", "2025-01-01T00:00:00Z", 10)}, st, m, nil)
	day := today(t, "2025-01-14")

	if _, err := r.RunOnce(context.Background(), RunOptions{Today: day}); err != nil {
		t.Fatal(err)
	}
	if st.saves != 1 {
		t.Fatalf("first run saves = %d, want 1", st.saves)
	}
	sum, err := r.RunOnce(context.Background(), RunOptions{Today: day})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sent != 0 || st.saves != 1 || st.locks != 2 {
		t.Fatalf("second run: sent=%d saves=%d locks=%d", sum.Sent, st.saves, st.locks)
	}
}
