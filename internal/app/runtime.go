package app

import (
	"time"

	"labkeeper/internal/eventbus"
	"labkeeper/internal/runtime/supervisor"
	"labkeeper/internal/scheduler"
)

type runtimeInfo struct {
	Uptime        string                 `json:"uptime"`
	Tasks         []supervisor.TaskStats `json:"tasks"`
	FirstError    string                 `json:"first_error,omitempty"`
	HTTPTasks     []supervisor.TaskStats `json:"http_tasks,omitempty"`
	Scheduler     scheduler.Snapshot     `json:"scheduler"`
	Notifier      notifierInfo           `json:"notifier"`
	EventsDropped uint64                 `json:"events_dropped"`
}

type notifierInfo struct {
	Enabled bool `json:"enabled"`
	Recent  int  `json:"recent"`
	Failed  int  `json:"recent_failed"`
}

// runtimeSnapshot is the runtime block of /api/health.
func (a *App) runtimeSnapshot() any {
	info := runtimeInfo{}
	if !a.startedAt.IsZero() {
		info.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		info.Tasks = snap.Tasks
		info.FirstError = snap.FirstError
	}
	if sup := a.http.Supervisor(); sup != nil {
		info.HTTPTasks = sup.Snapshot().Tasks
	}
	info.Scheduler = a.sched.Snapshot()
	info.EventsDropped = eventbus.Dropped(a.bus)

	info.Notifier.Enabled = a.notif.Enabled()
	hist := a.notif.Snapshot()
	info.Notifier.Recent = len(hist)
	for _, h := range hist {
		if h.Error != "" {
			info.Notifier.Failed++
		}
	}
	return info
}
