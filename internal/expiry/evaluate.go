// Package expiry decides which expiration notification, if any, an item is due today.
//
// Evaluate is a pure function of its inputs: the item's schedule, today's
// calendar date and a read-only view of the notification history.
package expiry

import (
	"fmt"
	"time"
)

// Category is the kind of expiration notification.
type Category string

const (
	Warning Category = "warning"
	Due     Category = "due"
	Overdue Category = "overdue"
)

// Categories lists every category in evaluation priority order.
var Categories = []Category{Warning, Due, Overdue}

// WarningLead is how many days before the due date the warning fires.
const WarningLead = 2

func (c Category) Valid() bool {
	switch c {
	case Warning, Due, Overdue:
		return true
	}
	return false
}

// ParseCategory accepts the lowercase names used in storage and config.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown notification category %q", s)
	}
	return c, nil
}

// History is the read-only view of the notification ledger the evaluator needs.
type History interface {
	WasNotifiedOn(itemID string, c Category, day time.Time) bool
}

// Schedule is the part of an item the evaluator looks at.
type Schedule struct {
	ItemID string
	// Added is the calendar date the item was checked in (see DateOf).
	Added time.Time
	// PeriodDays is the storage period; must be >= 0.
	PeriodDays int
}

// DueDate is Added + PeriodDays.
func (s Schedule) DueDate() time.Time { return AddDays(s.Added, s.PeriodDays) }

// WarningDate is DueDate - WarningLead days.
func (s Schedule) WarningDate() time.Time { return AddDays(s.DueDate(), -WarningLead) }

// Decision is the outcome of one evaluation. It is never persisted.
type Decision struct {
	Notify   bool
	Category Category // empty when Notify is false
	// DaysFromDue is today - due: positive = overdue, negative = days remaining.
	DaysFromDue int
	DueDate     time.Time
	WarningDate time.Time
}

// Options tune evaluation.
type Options struct {
	// GateAll extends the "already sent today" ledger check from Overdue to
	// Warning and Due, making every category at-most-once per day.
	GateAll bool
}

// Evaluate computes the notification decision for s on today.
// history may be nil (treated as empty).
func Evaluate(s Schedule, today time.Time, history History, opt Options) Decision {
	due := s.DueDate()
	warn := s.WarningDate()
	d := Decision{
		DaysFromDue: DaysBetween(due, today),
		DueDate:     due,
		WarningDate: warn,
	}

	sentToday := func(c Category) bool {
		return history != nil && history.WasNotifiedOn(s.ItemID, c, today)
	}

	switch {
	case today.Equal(warn):
		if !opt.GateAll || !sentToday(Warning) {
			d.Category = Warning
		}
	case today.Equal(due):
		if !opt.GateAll || !sentToday(Due) {
			d.Category = Due
		}
	case d.DaysFromDue > 0:
		if !sentToday(Overdue) {
			d.Category = Overdue
		}
	}
	d.Notify = d.Category != ""
	return d
}
