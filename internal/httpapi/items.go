package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"labkeeper/internal/inventory"
	logx "labkeeper/pkg/logx"
)

func (h *handler) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Store.ListActive(r.Context())
	if err != nil {
		h.log.Error("list items failed", logx.Err(err))
		itemsError(w, http.StatusInternalServerError, "Error fetching items: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "items": nonNil(items)})
}

func (h *handler) listArchived(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Store.ListArchived(r.Context())
	if err != nil {
		h.log.Error("list archived failed", logx.Err(err))
		itemsError(w, http.StatusInternalServerError, "Error fetching archived items: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "items": nonNil(items)})
}

func (h *handler) addItem(w http.ResponseWriter, r *http.Request) {
	var rec inventory.Record
	if err := decodeBody(w, r, &rec); err != nil {
		itemsError(w, http.StatusBadRequest, err.Error())
		return
	}
	it, err := h.deps.Store.Add(r.Context(), rec)
	if err != nil {
		h.fail(w, "Error adding item", err)
		return
	}
	h.log.Info("item added", logx.String("item", it.ID), logx.String("tag", it.Tag()))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Item added successfully",
		"id":      it.ID,
		"item":    it.Record(),
	})
}

type updateRequest struct {
	ID      string          `json:"id"`
	Updates json.RawMessage `json:"updates"`
}

func (h *handler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeBody(w, r, &req); err != nil {
		itemsError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		itemsError(w, http.StatusBadRequest, "missing id")
		return
	}
	p, err := inventory.DecodePatch(req.Updates)
	if err != nil {
		itemsError(w, http.StatusBadRequest, err.Error())
		return
	}
	it, err := h.deps.Store.Update(r.Context(), req.ID, p)
	if err != nil {
		h.fail(w, "Error updating item", err)
		return
	}
	h.log.Info("item updated", logx.String("item", it.ID))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Item updated successfully",
		"item":    it.Record(),
	})
}

type idRequest struct {
	ID string `json:"id"`
}

func (h *handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decodeBody(w, r, &req); err != nil {
		itemsError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		itemsError(w, http.StatusBadRequest, "missing id")
		return
	}
	if err := h.deps.Store.Delete(r.Context(), req.ID); err != nil {
		h.fail(w, "Error deleting item", err)
		return
	}
	h.log.Info("item deleted", logx.String("item", req.ID))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Item deleted successfully"})
}

// archiveRequest accepts the front end's {"item":{...},"pickupDate":...}
// as well as a bare {"id":...}.
type archiveRequest struct {
	ID         string     `json:"id"`
	Item       *idRequest `json:"item"`
	PickupDate string     `json:"pickupDate"`
}

func (h *handler) archiveItem(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := decodeBody(w, r, &req); err != nil {
		itemsError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" && req.Item != nil {
		id = strings.TrimSpace(req.Item.ID)
	}
	if id == "" {
		itemsError(w, http.StatusBadRequest, "missing item id")
		return
	}
	var pickup time.Time
	if strings.TrimSpace(req.PickupDate) != "" {
		t, err := inventory.ParseTimestamp(req.PickupDate, h.cfg.Location)
		if err != nil {
			itemsError(w, http.StatusBadRequest, "pickupDate: "+err.Error())
			return
		}
		pickup = t
	}
	if err := h.deps.Store.Archive(r.Context(), id, pickup); err != nil {
		h.fail(w, "Error archiving item", err)
		return
	}
	h.log.Info("item archived", logx.String("item", id))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Item archived successfully"})
}

type importRequest struct {
	Items []inventory.Record `json:"items"`
}

func (h *handler) importItems(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeBody(w, r, &req); err != nil {
		itemsError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.deps.Store.Import(r.Context(), req.Items)
	if err != nil {
		h.fail(w, "Error importing items", err)
		return
	}
	h.log.Info("items imported", logx.Int("count", res.Count), logx.Int("rejected", len(res.Errors)))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Imported %d items", res.Count),
		"count":   res.Count,
		"errors":  res.Errors,
	})
}

func (h *handler) fail(w http.ResponseWriter, prefix string, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.log.Error(strings.ToLower(prefix)+" failed", logx.Err(err))
	}
	var verr *inventory.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, map[string]any{
			"success":  false,
			"message":  prefix + ": " + err.Error(),
			"error":    err.Error(),
			"problems": verr.Problems,
		})
		return
	}
	itemsError(w, status, prefix+": "+err.Error())
}

func nonNil(items []inventory.Record) []inventory.Record {
	if items == nil {
		return []inventory.Record{}
	}
	return items
}
