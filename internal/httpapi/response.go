package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"labkeeper/internal/inventory"
	"labkeeper/internal/storage"
)

const maxBody = 10 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// itemsError answers the /api/items family: {"success":false,"message":...}.
func itemsError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg, "error": msg})
}

// inventoryError answers the /api/inventory family and health.
func inventoryError(w http.ResponseWriter, status int, msg string, now time.Time) {
	writeJSON(w, status, map[string]any{
		"status":    "error",
		"error":     msg,
		"timestamp": now.Format(time.RFC3339),
	})
}

// statusFor maps store and validation errors to HTTP status codes.
func statusFor(err error) int {
	var verr *inventory.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	case errors.As(err, &verr), errors.Is(err, inventory.ErrEmptyPatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

var errBadJSON = errors.New("invalid JSON data")

// decodeBody reads one JSON value from the request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("no data provided")
		}
		return errBadJSON
	}
	if dec.More() {
		return errBadJSON
	}
	return nil
}
