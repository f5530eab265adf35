package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("item not found")
	ErrDuplicate = errors.New("duplicate item id or unique id")
)

// Config configures the item store.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "mysql": MySQL server reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxOpen     int           // mysql only; 0 means 10
	// Location interprets zone-less timestamps found in old rows. nil means UTC.
	Location *time.Location
}

// ImportResult reports a bulk import. Duplicates are listed, not fatal.
type ImportResult struct {
	Count  int      `json:"count"`
	Errors []string `json:"errors"`
}

// Counts is the size of both tables.
type Counts struct {
	Active   int `json:"current"`
	Archived int `json:"archived"`
}
