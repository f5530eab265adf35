package inventory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"strconv"
	"strings"
	"time"
)

// Record is the legacy item shape shared by the browser front end, the
// inventory tables and the JSON export. Field names match the legacy columns.
type Record struct {
	ID           string  `json:"id"`
	OwnerName    string  `json:"ownerName"`
	EmailID      string  `json:"emailId"`
	SSOID        string  `json:"ssoId"`
	ObjectStored string  `json:"objectStored"`
	UniqueID     string  `json:"uniqueId"`
	Location     string  `json:"location"`
	TimePeriod   FlexInt `json:"timePeriod"`
	DateAdded    string  `json:"dateAdded"`
	ExpiryDate   string  `json:"expiryDate,omitempty"`
	PickupDate   string  `json:"pickupDate,omitempty"`

	// decodeProblems are found while decoding JSON and reported by Validate.
	decodeProblems []FieldError
}

// UnmarshalJSON decodes a record without failing on a bad or missing
// timePeriod; such a record decodes and is then rejected by Validate.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	aux := struct {
		*plain
		TimePeriod json.RawMessage `json:"timePeriod"`
	}{plain: (*plain)(r)}
	r.TimePeriod = 0
	r.decodeProblems = nil
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	raw := bytes.TrimSpace(aux.TimePeriod)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		r.decodeProblems = append(r.decodeProblems, FieldError{Field: "timePeriod", Msg: "required"})
		return nil
	}
	var period FlexInt
	if err := json.Unmarshal(raw, &period); err != nil {
		r.decodeProblems = append(r.decodeProblems, FieldError{Field: "timePeriod", Msg: strings.TrimPrefix(err.Error(), "timePeriod: ")})
		return nil
	}
	r.TimePeriod = period
	return nil
}

// DecodeRecords decodes each element of a JSON item array on its own. An
// element that is not a record object becomes a record that fails Validate,
// carrying its id when one can be read.
func DecodeRecords(raws []json.RawMessage) []Record {
	out := make([]Record, 0, len(raws))
	for _, raw := range raws {
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			var loose struct {
				ID json.RawMessage `json:"id"`
			}
			r = Record{}
			if json.Unmarshal(raw, &loose) == nil && len(loose.ID) > 0 {
				if json.Unmarshal(loose.ID, &r.ID) != nil {
					r.ID = string(loose.ID)
				}
			}
			r.decodeProblems = []FieldError{{Field: "record", Msg: err.Error()}}
		}
		out = append(out, r)
	}
	return out
}

// FlexInt decodes a JSON number or a numeric string. The front end has sent both.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return errors.New("timePeriod: required")
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return errors.New("timePeriod: required")
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("timePeriod: not a number: %q", s)
	}
	if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
		return fmt.Errorf("timePeriod: not a whole number of days: %q", s)
	}
	*f = FlexInt(int(v))
	return nil
}

// FieldError is a single validation problem.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

// ValidationError lists every problem found in one record.
type ValidationError struct {
	ID       string
	Problems []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Msg)
	}
	id := e.ID
	if id == "" {
		id = "<no id>"
	}
	return "invalid item " + id + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	e.Problems = append(e.Problems, FieldError{Field: field, Msg: msg})
}

// Validate converts the record into an Item. Timestamps without a zone are
// interpreted in loc (nil means UTC).
func (r Record) Validate(loc *time.Location) (Item, error) {
	if loc == nil {
		loc = time.UTC
	}
	verr := &ValidationError{ID: strings.TrimSpace(r.ID)}
	verr.Problems = append(verr.Problems, r.decodeProblems...)
	it := Item{
		ID:         strings.TrimSpace(r.ID),
		OwnerName:  strings.TrimSpace(r.OwnerName),
		OwnerEmail: strings.TrimSpace(r.EmailID),
		SSOID:      strings.TrimSpace(r.SSOID),
		Object:     strings.TrimSpace(r.ObjectStored),
		UniqueID:   strings.TrimSpace(r.UniqueID),
		Location:   strings.TrimSpace(r.Location),
		TimePeriod: int(r.TimePeriod),
	}

	required := []struct{ field, v string }{
		{"id", it.ID},
		{"ownerName", it.OwnerName},
		{"emailId", it.OwnerEmail},
		{"objectStored", it.Object},
		{"location", it.Location},
	}
	for _, f := range required {
		if f.v == "" {
			verr.add(f.field, "required")
		}
	}
	if it.OwnerEmail != "" {
		addr, err := mail.ParseAddress(it.OwnerEmail)
		if err != nil {
			verr.add("emailId", "not a valid address")
		} else {
			it.OwnerEmail = addr.Address
		}
	}
	if it.TimePeriod < 0 {
		verr.add("timePeriod", "must be >= 0")
	}

	added, err := ParseTimestamp(r.DateAdded, loc)
	switch {
	case strings.TrimSpace(r.DateAdded) == "":
		verr.add("dateAdded", "required")
	case err != nil:
		verr.add("dateAdded", err.Error())
	default:
		it.DateAdded = added
	}
	if strings.TrimSpace(r.ExpiryDate) != "" {
		exp, err := ParseTimestamp(r.ExpiryDate, loc)
		if err != nil {
			verr.add("expiryDate", err.Error())
		} else {
			it.ExpiryDate = exp
		}
	}

	if len(verr.Problems) > 0 {
		return Item{}, verr
	}
	return it, nil
}

// ValidateArchived converts an archived record, which must carry a pickup date.
func (r Record) ValidateArchived(loc *time.Location) (ArchivedItem, error) {
	it, err := r.Validate(loc)
	if err != nil {
		return ArchivedItem{}, err
	}
	pick, err := ParseTimestamp(r.PickupDate, loc)
	if err != nil {
		return ArchivedItem{}, &ValidationError{ID: it.ID, Problems: []FieldError{{Field: "pickupDate", Msg: err.Error()}}}
	}
	return ArchivedItem{Item: it, PickupDate: pick}, nil
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 (what the front end sends) and the zone-less
// ISO forms older exports contain. Zone-less values are read in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTimestamp renders t the way the front end writes it (UTC, millisecond precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
