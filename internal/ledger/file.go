package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"labkeeper/internal/expiry"
	logx "labkeeper/pkg/logx"
)

// fileStore keeps the ledger in the legacy history layout:
//
//	{"<itemID>": {"last_warning": "2025-01-09", "last_due": "...", "last_overdue": "..."}}
//
// Writes go to a temp file that is renamed over the target. The run lock is
// an flock on <path>.lock.
type fileStore struct {
	path     string
	lockPath string
	log      logx.Logger
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "notification_history.json"
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &fileStore{path: path, lockPath: path + ".lock", log: log.With(logx.String("ledger", "file"))}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Lock(ctx context.Context) (func() error, error) {
	return flockAcquire(ctx, s.lockPath)
}

func (s *fileStore) Load(ctx context.Context) (*Ledger, error) {
	_ = ctx
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return New(), nil
	}

	var raw map[string]map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		// Keep the unreadable file for inspection and start over.
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if rerr := os.Rename(s.path, aside); rerr != nil {
			return nil, fmt.Errorf("decode ledger: %w", err)
		}
		s.log.Error("ledger file unreadable; starting empty", logx.String("moved_to", aside), logx.Err(err))
		return New(), nil
	}

	entries := make([]Entry, 0, len(raw)*2)
	for itemID, row := range raw {
		for field, v := range row {
			c, ok := categoryFromField(field)
			if !ok {
				continue
			}
			day, err := expiry.ParseDay(strings.TrimSpace(v))
			if err != nil {
				s.log.Warn("skipping ledger entry with bad date",
					logx.String("item", itemID), logx.String("field", field), logx.String("value", v))
				continue
			}
			entries = append(entries, Entry{ItemID: itemID, Category: c, LastSent: day})
		}
	}
	return FromEntries(entries), nil
}

func (s *fileStore) Save(ctx context.Context, l *Ledger) error {
	_ = ctx
	raw := map[string]map[string]string{}
	for _, e := range l.Entries() {
		row := raw[e.ItemID]
		if row == nil {
			row = map[string]string{}
			raw[e.ItemID] = row
		}
		row[fieldFor(e.Category)] = expiry.FormatDay(e.LastSent)
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func fieldFor(c expiry.Category) string { return "last_" + string(c) }

func categoryFromField(field string) (expiry.Category, bool) {
	name, ok := strings.CutPrefix(field, "last_")
	if !ok {
		return "", false
	}
	c, err := expiry.ParseCategory(name)
	return c, err == nil
}

func flockAcquire(ctx context.Context, path string) (func() error, error) {
	fl := flock.New(path)
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrLocked, err)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return fl.Unlock, nil
}
