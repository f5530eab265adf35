package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"labkeeper/internal/eventbus"
	"labkeeper/internal/mail"
	logx "labkeeper/pkg/logx"
)

type recMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (m *recMailer) Open(ctx context.Context) (mail.Session, error) { return recSession{m}, nil }

type recSession struct{ m *recMailer }

func (s recSession) Send(ctx context.Context, msg mail.Message) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.err != nil {
		return s.m.err
	}
	s.m.sent = append(s.m.sent, msg)
	return nil
}

func (s recSession) Close() error { return nil }

func (m *recMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyDeliversAndDedups(t *testing.T) {
	t.Parallel()
	m := &recMailer{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	s := New(Config{Enabled: true, Workers: 2, QueueSize: 8, DedupWindow: time.Minute}, m, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	msg := mail.Message{To: "ada@example.com", Subject: "Lab - Item Stored: flask", Body: "hello"}
	if err := s.Notify(context.Background(), "storage", "1", msg); err != nil {
		t.Fatal(err)
	}
	if err := s.Notify(context.Background(), "storage", "1", msg); err != nil {
		t.Fatalf("duplicate should be dropped silently: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot()) == 1 })
	if m.count() != 1 {
		t.Fatalf("sent = %d, want 1", m.count())
	}

	seen := map[string]int{}
	for len(events) > 0 {
		seen[(<-events).Type]++
	}
	if seen[eventbus.ConfirmQueued] != 1 || seen[eventbus.ConfirmDeduped] != 1 {
		t.Fatalf("events = %v", seen)
	}

	other := msg
	other.Body = "different"
	if err := s.Notify(context.Background(), "storage", "1", other); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return m.count() == 2 })
}

func TestNotifyFailureReleasesDedup(t *testing.T) {
	t.Parallel()
	m := &recMailer{err: errors.New("550 mailbox unavailable")}
	s := New(Config{Enabled: true, DedupWindow: time.Hour}, m, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	msg := mail.Message{To: "bo@example.com", Subject: "s", Body: "b"}
	if err := s.Notify(context.Background(), "pickup", "9", msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.Snapshot()) == 1 })
	if h := s.Snapshot()[0]; h.Error == "" || h.Kind != "pickup" || h.ItemID != "9" {
		t.Fatalf("history = %+v", h)
	}

	m.mu.Lock()
	m.err = nil
	m.mu.Unlock()
	if err := s.Notify(context.Background(), "pickup", "9", msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return m.count() == 1 })
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	msg := mail.Message{To: "x@example.com", Subject: "s"}

	off := New(Config{}, &recMailer{}, logx.Nop(), nil)
	if err := off.Notify(context.Background(), "storage", "1", msg); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: got %v", err)
	}

	idle := New(Config{Enabled: true}, &recMailer{}, logx.Nop(), nil)
	if err := idle.Notify(context.Background(), "storage", "1", msg); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: got %v", err)
	}

	m := &recMailer{}
	s := New(Config{Enabled: true}, m, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), "storage", "1", msg); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if m.count() != 1 {
		t.Fatalf("queued mail not drained on stop: sent %d", m.count())
	}
	if err := s.Notify(context.Background(), "storage", "2", msg); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: got %v", err)
	}
}
