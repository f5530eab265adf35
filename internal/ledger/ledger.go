// Package ledger persists which expiration notifications were sent, per item
// and category, so that the daily run does not repeat them.
//
// A Ledger is an in-memory table loaded from a Store at the start of a run and
// saved back once at the end. Only the dispatcher mutates it.
package ledger

import (
	"sort"
	"sync"
	"time"

	"labkeeper/internal/expiry"
)

type key struct {
	item string
	cat  expiry.Category
}

// Entry is one (item, category) -> last-sent date row.
type Entry struct {
	ItemID   string
	Category expiry.Category
	LastSent time.Time // calendar date, see expiry.DateOf
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	entries map[key]time.Time
	dirty   bool
}

func New() *Ledger {
	return &Ledger{entries: map[key]time.Time{}}
}

// FromEntries builds a ledger from stored rows. Later rows for the same key
// win only when they are newer.
func FromEntries(entries []Entry) *Ledger {
	l := New()
	for _, e := range entries {
		l.set(e.ItemID, e.Category, e.LastSent)
	}
	return l
}

// WasNotifiedOn reports whether a notification of category c was recorded
// for itemID on day.
func (l *Ledger) WasNotifiedOn(itemID string, c expiry.Category, day time.Time) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	last, ok := l.entries[key{itemID, c}]
	return ok && last.Equal(day)
}

// LastSent returns the last recorded date for (itemID, c).
func (l *Ledger) LastSent(itemID string, c expiry.Category) (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	last, ok := l.entries[key{itemID, c}]
	return last, ok
}

// MarkNotified records a send. Dates never move backwards: an older day than
// the stored one is ignored.
func (l *Ledger) MarkNotified(itemID string, c expiry.Category, day time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set(itemID, c, day) {
		l.dirty = true
	}
}

func (l *Ledger) set(itemID string, c expiry.Category, day time.Time) bool {
	if itemID == "" || !c.Valid() || day.IsZero() {
		return false
	}
	k := key{itemID, c}
	if last, ok := l.entries[k]; ok && !day.After(last) {
		return false
	}
	l.entries[k] = day
	return true
}

// Dirty reports whether MarkNotified changed anything since load.
func (l *Ledger) Dirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dirty
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a sorted copy of all rows.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for k, v := range l.entries {
		out = append(out, Entry{ItemID: k.item, Category: k.cat, LastSent: v})
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemID != out[j].ItemID {
			return out[i].ItemID < out[j].ItemID
		}
		return out[i].Category < out[j].Category
	})
	return out
}

var _ expiry.History = (*Ledger)(nil)
