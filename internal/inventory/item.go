// Package inventory holds the lab storage item model.
//
// Items arrive in the legacy loosely typed shape (Record) from the database,
// the HTTP API or a JSON export, and are validated into Item exactly once.
// Everything downstream works with Item only.
package inventory

import (
	"time"

	"labkeeper/internal/expiry"
)

// Item is a validated active inventory item.
type Item struct {
	ID         string
	OwnerName  string
	OwnerEmail string
	SSOID      string
	Object     string
	UniqueID   string
	Location   string
	TimePeriod int
	DateAdded  time.Time
	// ExpiryDate is the persisted legacy value; zero when absent.
	// DueDate is authoritative.
	ExpiryDate time.Time
}

// ArchivedItem is an item that was picked up.
type ArchivedItem struct {
	Item
	PickupDate time.Time
}

// AddedDay is the calendar date the item was checked in, as observed in loc.
func (it Item) AddedDay(loc *time.Location) time.Time {
	return expiry.DateOf(it.DateAdded, loc)
}

// DueDate is the calendar date of DateAdded in loc plus TimePeriod days.
func (it Item) DueDate(loc *time.Location) time.Time {
	return expiry.AddDays(it.AddedDay(loc), it.TimePeriod)
}

// Schedule returns the evaluator's view of the item.
func (it Item) Schedule(loc *time.Location) expiry.Schedule {
	return expiry.Schedule{ItemID: it.ID, Added: it.AddedDay(loc), PeriodDays: it.TimePeriod}
}

// ExpiryMismatch reports whether the persisted expiry date disagrees with the
// derived due date. Items without a persisted expiry never mismatch.
func (it Item) ExpiryMismatch(loc *time.Location) bool {
	if it.ExpiryDate.IsZero() {
		return false
	}
	return !expiry.DateOf(it.ExpiryDate, loc).Equal(it.DueDate(loc))
}

// Tag is the identifier shown to owners: the unique tag id, or the item id.
func (it Item) Tag() string {
	if it.UniqueID != "" {
		return it.UniqueID
	}
	return it.ID
}

// ComputeExpiry is the timestamp stored in expiryDate: DateAdded + TimePeriod days.
func (it Item) ComputeExpiry() time.Time {
	return it.DateAdded.AddDate(0, 0, it.TimePeriod)
}

// Record converts the item back to its wire/row shape.
func (it Item) Record() Record {
	r := Record{
		ID:           it.ID,
		OwnerName:    it.OwnerName,
		EmailID:      it.OwnerEmail,
		SSOID:        it.SSOID,
		ObjectStored: it.Object,
		UniqueID:     it.UniqueID,
		Location:     it.Location,
		TimePeriod:   FlexInt(it.TimePeriod),
		DateAdded:    FormatTimestamp(it.DateAdded),
	}
	if !it.ExpiryDate.IsZero() {
		r.ExpiryDate = FormatTimestamp(it.ExpiryDate)
	}
	return r
}

// Record converts the archived item back to its wire/row shape.
func (a ArchivedItem) Record() Record {
	r := a.Item.Record()
	if !a.PickupDate.IsZero() {
		r.PickupDate = FormatTimestamp(a.PickupDate)
	}
	return r
}
