package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"labkeeper/internal/expiry"
	logx "labkeeper/pkg/logx"
)

func mustDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := expiry.ParseDay(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestLedgerMarkAndQuery(t *testing.T) {
	t.Parallel()
	l := New()
	d1 := mustDay(t, "2025-01-14")
	d2 := mustDay(t, "2025-01-15")

	if l.WasNotifiedOn("a", expiry.Overdue, d1) {
		t.Fatal("empty ledger reported a send")
	}
	l.MarkNotified("a", expiry.Overdue, d1)
	if !l.WasNotifiedOn("a", expiry.Overdue, d1) || l.WasNotifiedOn("a", expiry.Overdue, d2) {
		t.Fatal("WasNotifiedOn mismatch after first mark")
	}
	if l.WasNotifiedOn("a", expiry.Due, d1) {
		t.Fatal("categories must be independent")
	}

	l.MarkNotified("a", expiry.Overdue, d2)
	l.MarkNotified("a", expiry.Overdue, d2) // idempotent
	l.MarkNotified("a", expiry.Overdue, d1) // older date ignored
	got, ok := l.LastSent("a", expiry.Overdue)
	if !ok || !got.Equal(d2) {
		t.Fatalf("LastSent = %v, %v; want %v", got, ok, d2)
	}
	if l.Len() != 1 || !l.Dirty() {
		t.Fatalf("Len=%d Dirty=%v", l.Len(), l.Dirty())
	}
}

func TestNilLedgerIsEmpty(t *testing.T) {
	t.Parallel()
	var l *Ledger
	if l.WasNotifiedOn("a", expiry.Warning, mustDay(t, "2025-01-01")) {
		t.Fatal("nil ledger reported a send")
	}
}

func storeRoundTrip(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	l, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d entries", l.Len())
	}

	l.MarkNotified("item-1", expiry.Warning, mustDay(t, "2025-01-09"))
	l.MarkNotified("item-1", expiry.Overdue, mustDay(t, "2025-01-15"))
	l.MarkNotified("item-2", expiry.Due, mustDay(t, "2025-02-01"))
	if err := st.Save(ctx, l); err != nil {
		t.Fatalf("Save: %v", err)
	}

	back, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.Len() != 3 {
		t.Fatalf("Len = %d, want 3", back.Len())
	}
	if !back.WasNotifiedOn("item-1", expiry.Overdue, mustDay(t, "2025-01-15")) {
		t.Fatal("overdue entry lost")
	}
}

// upsertKeepsNewer checks row-level stores never move a date backwards when
// an older ledger is saved over a newer one.
func upsertKeepsNewer(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	stale := New()
	stale.MarkNotified("item-1", expiry.Overdue, mustDay(t, "2025-01-10"))
	if err := st.Save(ctx, stale); err != nil {
		t.Fatalf("Save stale: %v", err)
	}
	back, err := st.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := back.LastSent("item-1", expiry.Overdue); expiry.FormatDay(got) != "2025-01-15" {
		t.Fatalf("date moved backwards: %s", expiry.FormatDay(got))
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "notification_history.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	storeRoundTrip(t, st)
}

func TestFileStoreLegacyLayout(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "notification_history.json")
	legacy := `{
  "1736000000000": {"last_warning": "2025-01-09", "last_overdue": "2025-01-15"},
  "1736000000001": {"last_due": "2025-02-01", "last_unknown": "2025-02-01"}
}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	l, err := st.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	if !l.WasNotifiedOn("1736000000000", expiry.Overdue, mustDay(t, "2025-01-15")) {
		t.Fatal("legacy overdue entry not read")
	}

	if err := st.Save(context.Background(), l); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"last_warning": "2025-01-09"`) {
		t.Fatalf("saved file lost legacy layout:\n%s", b)
	}
}

func TestFileStoreEmptyAndCorrupt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, _ := Open(Config{Path: empty}, logx.Nop())
	if l, err := st.Load(context.Background()); err != nil || l.Len() != 0 {
		t.Fatalf("empty file: %v, %v", l, err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, _ = Open(Config{Path: bad}, logx.Nop())
	l, err := st.Load(context.Background())
	if err != nil || l.Len() != 0 {
		t.Fatalf("corrupt file: %v, %v", l, err)
	}
	matches, _ := filepath.Glob(bad + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("corrupt file not moved aside: %v", matches)
	}
}

func TestFileStoreLockIsExclusive(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "h.json")
	a, _ := Open(Config{Path: path}, logx.Nop())
	b, _ := Open(Config{Path: path}, logx.Nop())

	unlock, err := a.Lock(context.Background())
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock: got %v, want ErrLocked", err)
	}

	if err := unlock(); err != nil {
		t.Fatal(err)
	}
	unlock2, err := b.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	_ = unlock2()
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ledger.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	storeRoundTrip(t, st)
	upsertKeepsNewer(t, st)

	unlock, err := st.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := unlock(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	prefix := "labkeeper-test:" + time.Now().Format("150405.000") + ":"
	st := newRedisStore(client, Config{LockTTL: 5 * time.Second, Redis: RedisConfig{Prefix: prefix}}, logx.Nop())
	defer func() {
		client.Del(context.Background(), prefix+"ledger", prefix+"ledger:lock")
		_ = st.Close()
	}()

	storeRoundTrip(t, st)
	upsertKeepsNewer(t, st)

	unlock, err := st.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	if _, err := st.Lock(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock: got %v, want ErrLocked", err)
	}
	if err := unlock(); err != nil {
		t.Fatal(err)
	}
}

func TestSplitRedisField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		field string
		id    string
		cat   expiry.Category
		ok    bool
	}{
		{field: "42|overdue", id: "42", cat: expiry.Overdue, ok: true},
		{field: "rack|B|3|due", id: "rack|B|3", cat: expiry.Due, ok: true},
		{field: "42|later", ok: false},
		{field: "|warning", ok: false},
		{field: "no-separator", ok: false},
	}
	for _, tt := range tests {
		id, cat, ok := splitField(tt.field)
		if ok != tt.ok || id != tt.id || cat != tt.cat {
			t.Errorf("splitField(%q) = %q, %q, %v", tt.field, id, cat, ok)
		}
	}
}

func TestRedisLockOutlivesTTL(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	prefix := "labkeeper-test-renew:" + time.Now().Format("150405.000") + ":"
	st := newRedisStore(client, Config{LockTTL: 300 * time.Millisecond, Redis: RedisConfig{Prefix: prefix}}, logx.Nop())
	defer func() {
		client.Del(context.Background(), prefix+"ledger", prefix+"ledger:lock")
		_ = st.Close()
	}()

	unlock, err := st.Lock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Hold well past the TTL; renewal must keep other runs out.
	time.Sleep(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	if _, err := st.Lock(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("Lock while held past TTL: got %v, want ErrLocked", err)
	}
	if err := unlock(); err != nil {
		t.Fatal(err)
	}

	unlock2, err := st.Lock(context.Background())
	if err != nil {
		t.Fatalf("Lock after unlock: %v", err)
	}
	_ = unlock2()
}
