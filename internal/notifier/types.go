package notifier

import "time"

// Config controls the async confirmation pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	DedupWindow     time.Duration
	DedupMaxEntries int
	// SendTimeout bounds one delivery. 0 means 30s.
	SendTimeout time.Duration
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	ItemID  string    `json:"item_id"`
	Subject string    `json:"subject"`
	Error   string    `json:"error,omitempty"`
}
