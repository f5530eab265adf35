package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"labkeeper/internal/inventory"
	logx "labkeeper/pkg/logx"
)

// Store is the inventory persistence API used by the HTTP layer and the
// notification source.
type Store interface {
	ListActive(ctx context.Context) ([]inventory.Record, error)
	ListArchived(ctx context.Context) ([]inventory.Record, error)
	Get(ctx context.Context, id string) (inventory.Record, error)
	// Add validates r, assigns an id when empty and computes expiryDate.
	Add(ctx context.Context, r inventory.Record) (inventory.Item, error)
	Update(ctx context.Context, id string, p inventory.Patch) (inventory.Item, error)
	Delete(ctx context.Context, id string) error
	// Archive moves the item into the archived table in one transaction.
	Archive(ctx context.Context, id string, pickup time.Time) error
	Import(ctx context.Context, records []inventory.Record) (ImportResult, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// Open initializes the configured store and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "mysql":
		return openMySQL(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
