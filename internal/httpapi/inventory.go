package httpapi

import (
	"net/http"
	"time"

	"labkeeper/internal/expiry"
	"labkeeper/internal/inventory"
	logx "labkeeper/pkg/logx"
)

func (h *handler) inventoryCurrent(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Store.ListActive(r.Context())
	if err != nil {
		h.log.Error("current inventory failed", logx.Err(err))
		inventoryError(w, http.StatusInternalServerError, "Failed to retrieve current inventory: "+err.Error(), h.now())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"count":     len(items),
		"items":     nonNil(items),
		"timestamp": h.now().Format(time.RFC3339),
	})
}

func (h *handler) inventoryArchived(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Store.ListArchived(r.Context())
	if err != nil {
		h.log.Error("archived inventory failed", logx.Err(err))
		inventoryError(w, http.StatusInternalServerError, "Failed to retrieve archived inventory: "+err.Error(), h.now())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"count":     len(items),
		"items":     nonNil(items),
		"timestamp": h.now().Format(time.RFC3339),
	})
}

type itemList struct {
	Count int                `json:"count"`
	Items []inventory.Record `json:"items"`
}

func (h *handler) inventoryAll(w http.ResponseWriter, r *http.Request) {
	cur, err := h.deps.Store.ListActive(r.Context())
	if err == nil {
		var arch []inventory.Record
		arch, err = h.deps.Store.ListArchived(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":      "success",
				"current":     itemList{Count: len(cur), Items: nonNil(cur)},
				"archived":    itemList{Count: len(arch), Items: nonNil(arch)},
				"total_items": len(cur) + len(arch),
				"timestamp":   h.now().Format(time.RFC3339),
			})
			return
		}
	}
	h.log.Error("inventory listing failed", logx.Err(err))
	inventoryError(w, http.StatusInternalServerError, "Failed to retrieve inventory: "+err.Error(), h.now())
}

// Notification status buckets of /api/inventory/notifications.
const (
	statusOverdue = "overdue"
	statusDueSoon = "due_soon"
	statusNormal  = "normal"
)

type statusItem struct {
	inventory.Record
	DaysUntilExpiry    int    `json:"days_until_expiry"`
	NotificationStatus string `json:"notification_status"`
}

type notificationSummary struct {
	TotalItems   int `json:"total_items"`
	DueSoonCount int `json:"due_soon_count"`
	OverdueCount int `json:"overdue_count"`
	NormalCount  int `json:"normal_count"`
	InvalidCount int `json:"invalid_count"`
}

type notificationData struct {
	DueSoon   []statusItem        `json:"items_due_soon"`
	Overdue   []statusItem        `json:"items_overdue"`
	Normal    []statusItem        `json:"items_normal"`
	Summary   notificationSummary `json:"notification_summary"`
	Timestamp string              `json:"timestamp"`
}

// notificationStatus buckets by calendar days until the due date.
func notificationStatus(days int) string {
	switch {
	case days < 0:
		return statusOverdue
	case days <= expiry.WarningLead:
		return statusDueSoon
	default:
		return statusNormal
	}
}

func (h *handler) inventoryNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Store.ListActive(r.Context())
	if err != nil {
		h.log.Error("notification data failed", logx.Err(err))
		inventoryError(w, http.StatusInternalServerError, "Failed to retrieve notification data: "+err.Error(), h.now())
		return
	}

	now := h.now()
	today := expiry.DateOf(now, h.cfg.Location)
	data := notificationData{
		DueSoon:   []statusItem{},
		Overdue:   []statusItem{},
		Normal:    []statusItem{},
		Summary:   notificationSummary{TotalItems: len(items)},
		Timestamp: now.Format(time.RFC3339),
	}
	for _, rec := range items {
		it, err := rec.Validate(h.cfg.Location)
		if err != nil {
			data.Summary.InvalidCount++
			h.log.Warn("skipping invalid item", logx.String("item", rec.ID), logx.Err(err))
			continue
		}
		days := expiry.DaysBetween(today, it.DueDate(h.cfg.Location))
		si := statusItem{Record: rec, DaysUntilExpiry: days, NotificationStatus: notificationStatus(days)}
		switch si.NotificationStatus {
		case statusOverdue:
			data.Overdue = append(data.Overdue, si)
			data.Summary.OverdueCount++
		case statusDueSoon:
			data.DueSoon = append(data.DueSoon, si)
			data.Summary.DueSoonCount++
		default:
			data.Normal = append(data.Normal, si)
			data.Summary.NormalCount++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": data})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	counts, err := h.deps.Store.Counts(r.Context())
	if err != nil {
		h.log.Error("health check failed", logx.Err(err))
		inventoryError(w, http.StatusInternalServerError, "Health check failed: "+err.Error(), h.now())
		return
	}
	out := map[string]any{
		"status":    "healthy",
		"service":   h.cfg.ServiceName,
		"version":   h.cfg.Version,
		"timestamp": h.now().Format(time.RFC3339),
		"data_status": map[string]int{
			"current_items":  counts.Active,
			"archived_items": counts.Archived,
			"total_items":    counts.Active + counts.Archived,
		},
	}
	if h.deps.Runtime != nil {
		out["runtime"] = h.deps.Runtime()
	}
	writeJSON(w, http.StatusOK, out)
}
