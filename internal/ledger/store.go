package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "labkeeper/pkg/logx"
)

var (
	// ErrLocked is returned by Lock when another run holds the lock past the timeout.
	ErrLocked = errors.New("ledger locked by another run")
)

// Store loads and saves the ledger and provides the run-scoped exclusive lock.
type Store interface {
	// Load returns the persisted ledger. A missing or empty backing store
	// yields an empty ledger.
	Load(ctx context.Context) (*Ledger, error)
	// Save replaces the persisted ledger with l.
	Save(ctx context.Context, l *Ledger) error
	// Lock blocks until the run lock is held or ctx is done.
	Lock(ctx context.Context) (unlock func() error, err error)
	Close() error
}

// Config configures the ledger store.
//
// Driver values:
//   - "file": legacy notification_history.json layout (default)
//   - "sqlite": notification_history table in a SQLite database
//   - "redis": one hash per deployment
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
	LockTTL     time.Duration // redis only; 0 means 10m
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown ledger driver: " + driver)
	}
}

// lockRetry is the poll interval while waiting for a held lock.
const lockRetry = 250 * time.Millisecond
