package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"labkeeper/internal/expiry"
	logx "labkeeper/pkg/logx"
)

//go:embed migrations/sqlite.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db       *sql.DB
	lockPath string
	log      logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("ledger sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, lockPath: path + ".lock", log: log.With(logx.String("ledger", "sqlite"))}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Lock(ctx context.Context) (func() error, error) {
	return flockAcquire(ctx, s.lockPath)
}

func (s *sqliteStore) Load(ctx context.Context) (*Ledger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id, category, last_sent FROM notification_history`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var id, cat, day string
		if err := rows.Scan(&id, &cat, &day); err != nil {
			return nil, err
		}
		c, err := expiry.ParseCategory(cat)
		if err != nil {
			s.log.Warn("skipping ledger row", logx.String("item", id), logx.Err(err))
			continue
		}
		d, err := expiry.ParseDay(day)
		if err != nil {
			s.log.Warn("skipping ledger row", logx.String("item", id), logx.Err(err))
			continue
		}
		entries = append(entries, Entry{ItemID: id, Category: c, LastSent: d})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return FromEntries(entries), nil
}

func (s *sqliteStore) Save(ctx context.Context, l *Ledger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO notification_history(item_id, category, last_sent) VALUES(?,?,?)
		 ON CONFLICT(item_id, category) DO UPDATE SET last_sent = excluded.last_sent
		 WHERE excluded.last_sent > notification_history.last_sent`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range l.Entries() {
		if _, err := stmt.ExecContext(ctx, e.ItemID, string(e.Category), expiry.FormatDay(e.LastSent)); err != nil {
			return fmt.Errorf("save ledger entry %s/%s: %w", e.ItemID, e.Category, err)
		}
	}
	return tx.Commit()
}
