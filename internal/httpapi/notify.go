package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"labkeeper/internal/expiry"
	"labkeeper/internal/inventory"
	"labkeeper/internal/notifier"
	"labkeeper/internal/notify"
	logx "labkeeper/pkg/logx"
)

type confirmationRequest struct {
	Type           string             `json:"type"`
	Item           *inventory.Record  `json:"item"`
	AdditionalDays *inventory.FlexInt `json:"additionalDays"`
}

func plainError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// sendConfirmation composes a storage/extension/pickup mail and queues it.
// Delivery happens in the background; the response only confirms queueing.
func (h *handler) sendConfirmation(w http.ResponseWriter, r *http.Request) {
	var req confirmationRequest
	if err := decodeBody(w, r, &req); err != nil {
		if errors.Is(err, errBadJSON) {
			plainError(w, http.StatusBadRequest, "Invalid JSON data")
			return
		}
		plainError(w, http.StatusBadRequest, "No data provided")
		return
	}
	if strings.TrimSpace(req.Type) == "" || req.Item == nil {
		plainError(w, http.StatusBadRequest, "Missing notification type or item data")
		return
	}
	kind, err := notify.ParseConfirmation(req.Type)
	if err != nil {
		plainError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Item.EmailID) == "" {
		plainError(w, http.StatusBadRequest, "Item has no emailId")
		return
	}
	if h.deps.Composer == nil || h.deps.Confirm == nil {
		plainError(w, http.StatusServiceUnavailable, "Notifications are not configured")
		return
	}

	days := 0
	if req.AdditionalDays != nil {
		days = int(*req.AdditionalDays)
	}
	msg, err := h.deps.Composer.ComposeConfirmation(kind, *req.Item, days)
	if err != nil {
		plainError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The queue outlives the request.
	ctx := context.WithoutCancel(r.Context())
	if err := h.deps.Confirm.Notify(ctx, string(kind), req.Item.ID, msg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, notifier.ErrDisabled) || errors.Is(err, notifier.ErrQueueFull) || errors.Is(err, notifier.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		h.log.Warn("confirmation not queued", logx.String("kind", string(kind)), logx.String("item", req.Item.ID), logx.Err(err))
		plainError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Notification queued"})
}

// runNotify triggers a notification run. Query: dry_run=1, date=YYYY-MM-DD.
func (h *handler) runNotify(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runner == nil {
		inventoryError(w, http.StatusServiceUnavailable, "notification runner not configured", h.now())
		return
	}
	q := r.URL.Query()
	var opts notify.RunOptions
	if v := strings.TrimSpace(q.Get("dry_run")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			inventoryError(w, http.StatusBadRequest, "dry_run: "+err.Error(), h.now())
			return
		}
		opts.DryRun = b
	}
	if v := strings.TrimSpace(q.Get("date")); v != "" {
		d, err := expiry.ParseDay(v)
		if err != nil {
			inventoryError(w, http.StatusBadRequest, "date: expected YYYY-MM-DD", h.now())
			return
		}
		opts.Today = d
	}

	h.log.Info("notification run requested",
		logx.Bool("dry_run", opts.DryRun),
		logx.String("request_id", middleware.GetReqID(r.Context())))
	sum, err := h.deps.Runner.RunOnce(r.Context(), opts)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, notify.ErrRunInProgress) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"status": "error", "error": err.Error(), "summary": sum})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "summary": sum})
}
