package eventbus

import "time"

// Event types published by the notification run.
const (
	NotifySent    = "notify.sent"
	NotifyFailed  = "notify.failed"
	NotifyPlanned = "notify.planned" // dry run
	NotifyInvalid = "notify.invalid"
	NotifyRun     = "notify.run"

	// Confirmation mails queued from the web UI.
	ConfirmQueued  = "confirm.queued"
	ConfirmSent    = "confirm.sent"
	ConfirmFailed  = "confirm.failed"
	ConfirmDeduped = "confirm.deduped"
	ConfirmDropped = "confirm.dropped"

	// Scheduler triggers.
	ScheduleFired   = "schedule.fired"
	ScheduleSkipped = "schedule.skipped"
)

// NotifyEvent is the payload of notify.sent/failed/planned/invalid.
type NotifyEvent struct {
	RunID    string `json:"run_id"`
	ItemID   string `json:"item_id"`
	Category string `json:"category,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RunEvent is the payload of notify.run, published once per completed run.
type RunEvent struct {
	RunID        string        `json:"run_id"`
	DryRun       bool          `json:"dry_run"`
	Checked      int           `json:"checked"`
	Sent         int           `json:"sent"`
	Planned      int           `json:"planned"`
	Invalid      int           `json:"invalid"`
	Errors       int           `json:"errors"`
	LedgerErrors int           `json:"ledger_errors"`
	Duration     time.Duration `json:"duration"`
	Err          string        `json:"error,omitempty"`
}

// ConfirmEvent is the payload of confirm.* events.
type ConfirmEvent struct {
	Kind   string `json:"kind"`
	ItemID string `json:"item_id"`
	Key    string `json:"key"`
	Error  string `json:"error,omitempty"`
}

// ScheduleEvent is the payload of schedule.* events. Error is set on a
// fired trigger whose job returned an error.
type ScheduleEvent struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
