package inventory

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"labkeeper/internal/expiry"
)

func validRecord() Record {
	return Record{
		ID:           "1736000000000",
		OwnerName:    "Ada Lovelace",
		EmailID:      "ada@example.com",
		SSOID:        "212000001",
		ObjectStored: "Prototype board",
		UniqueID:     "AMTC-0042",
		Location:     "Shelf B3",
		TimePeriod:   10,
		DateAdded:    "2025-01-01T09:30:00.000Z",
		ExpiryDate:   "2025-01-11T09:30:00.000Z",
	}
}

func TestFlexIntUnmarshal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: `7`, want: 7},
		{in: `"14"`, want: 14},
		{in: `" 3 "`, want: 3},
		{in: `30.0`, want: 30},
		{in: `null`, wantErr: true},
		{in: `""`, wantErr: true},
		{in: `"abc"`, wantErr: true},
		{in: `2.5`, wantErr: true},
	}
	for _, tt := range tests {
		var f FlexInt
		err := json.Unmarshal([]byte(tt.in), &f)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if int(f) != tt.want {
			t.Fatalf("%s: got %d want %d", tt.in, f, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	it, err := validRecord().Validate(time.UTC)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if it.OwnerEmail != "ada@example.com" || it.TimePeriod != 10 {
		t.Fatalf("unexpected item: %+v", it)
	}
	if got := expiry.FormatDay(it.DueDate(time.UTC)); got != "2025-01-11" {
		t.Fatalf("DueDate = %s", got)
	}
	if it.ExpiryMismatch(time.UTC) {
		t.Fatal("expiry should match derived due date")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		edit  func(r *Record)
		field string
	}{
		{"missing id", func(r *Record) { r.ID = " " }, "id"},
		{"missing owner", func(r *Record) { r.OwnerName = "" }, "ownerName"},
		{"missing email", func(r *Record) { r.EmailID = "" }, "emailId"},
		{"bad email", func(r *Record) { r.EmailID = "not-an-address" }, "emailId"},
		{"missing object", func(r *Record) { r.ObjectStored = "" }, "objectStored"},
		{"missing location", func(r *Record) { r.Location = "" }, "location"},
		{"negative period", func(r *Record) { r.TimePeriod = -1 }, "timePeriod"},
		{"missing dateAdded", func(r *Record) { r.DateAdded = "" }, "dateAdded"},
		{"bad dateAdded", func(r *Record) { r.DateAdded = "yesterday" }, "dateAdded"},
		{"bad expiryDate", func(r *Record) { r.ExpiryDate = "soon" }, "expiryDate"},
		{"missing timePeriod", func(r *Record) { *r = redecode(*r, "timePeriod", nil) }, "timePeriod"},
		{"null timePeriod", func(r *Record) { *r = redecode(*r, "timePeriod", json.RawMessage(`null`)) }, "timePeriod"},
		{"blank timePeriod", func(r *Record) { *r = redecode(*r, "timePeriod", json.RawMessage(`""`)) }, "timePeriod"},
		{"text timePeriod", func(r *Record) { *r = redecode(*r, "timePeriod", json.RawMessage(`"abc"`)) }, "timePeriod"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := validRecord()
			tt.edit(&r)
			_, err := r.Validate(time.UTC)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			found := false
			for _, p := range verr.Problems {
				if p.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("problems %+v do not mention %s", verr.Problems, tt.field)
			}
		})
	}
}

// redecode round-trips r through JSON with key replaced by raw, or removed
// when raw is nil.
func redecode(r Record, key string, raw json.RawMessage) Record {
	b, _ := json.Marshal(r)
	var m map[string]json.RawMessage
	_ = json.Unmarshal(b, &m)
	if raw == nil {
		delete(m, key)
	} else {
		m[key] = raw
	}
	b, _ = json.Marshal(m)
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		panic("a bad " + key + " must not fail decoding: " + err.Error())
	}
	return out
}

func TestRecordDecodeKeepsGoodFields(t *testing.T) {
	t.Parallel()
	var r Record
	if err := json.Unmarshal([]byte(`{"id":"7","ownerName":"Ada","timePeriod":"12"}`), &r); err != nil {
		t.Fatal(err)
	}
	if r.ID != "7" || r.OwnerName != "Ada" || r.TimePeriod != 12 || len(r.decodeProblems) != 0 {
		t.Fatalf("record = %+v", r)
	}

	recs := DecodeRecords([]json.RawMessage{
		json.RawMessage(`{"id":"a","timePeriod":1}`),
		json.RawMessage(`{"id":1736000000000,"timePeriod":1}`),
		json.RawMessage(`[]`),
	})
	if len(recs) != 3 || recs[0].ID != "a" || recs[1].ID != "1736000000000" || recs[2].ID != "" {
		t.Fatalf("records = %+v", recs)
	}
	for _, r := range recs[1:] {
		var verr *ValidationError
		if _, err := r.Validate(time.UTC); !errors.As(err, &verr) || verr.Problems[0].Field != "record" {
			t.Fatalf("Validate(%+v) = %v", r, err)
		}
	}
}

func TestExpiryMismatch(t *testing.T) {
	t.Parallel()
	r := validRecord()
	r.ExpiryDate = "2025-01-20T00:00:00Z"
	it, err := r.Validate(time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if !it.ExpiryMismatch(time.UTC) {
		t.Fatal("expected mismatch")
	}
	if got := expiry.FormatDay(it.DueDate(time.UTC)); got != "2025-01-11" {
		t.Fatalf("derived due date must win, got %s", got)
	}
}

func TestDueDateUsesConfiguredZone(t *testing.T) {
	t.Parallel()
	r := validRecord()
	r.DateAdded = "2025-01-10T20:00:00.000Z"
	r.TimePeriod = 1
	tests := []struct {
		name string
		loc  *time.Location
		want string
	}{
		{"utc", time.UTC, "2025-01-11"},
		{"east of utc", time.FixedZone("UTC+9", 9*3600), "2025-01-12"},
		{"west of utc", time.FixedZone("UTC-5", -5*3600), "2025-01-11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			it, err := r.Validate(tt.loc)
			if err != nil {
				t.Fatal(err)
			}
			if got := expiry.FormatDay(it.DueDate(tt.loc)); got != tt.want {
				t.Fatalf("DueDate = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseTimestampZoneless(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("X", -5*3600)
	for _, s := range []string{"2025-01-01T23:00:00", "2025-01-01 23:00:00.123456", "2025-01-01"} {
		ts, err := ParseTimestamp(s, loc)
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if got := expiry.FormatDay(expiry.DateOf(ts, loc)); got != "2025-01-01" {
			t.Fatalf("%s: day = %s", s, got)
		}
	}
}

func TestRecordRoundTripKeepsFields(t *testing.T) {
	t.Parallel()
	it, err := validRecord().Validate(time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	r := it.Record()
	if r.DateAdded != "2025-01-01T09:30:00.000Z" || r.EmailID != "ada@example.com" || int(r.TimePeriod) != 10 {
		t.Fatalf("unexpected record: %+v", r)
	}
}

func TestDecodePatch(t *testing.T) {
	t.Parallel()
	p, err := DecodePatch([]byte(`{"location":"Shelf C1","timePeriod":"5"}`))
	if err != nil {
		t.Fatalf("DecodePatch: %v", err)
	}
	if p.Location == nil || *p.Location != "Shelf C1" || p.TimePeriod == nil || *p.TimePeriod != 5 {
		t.Fatalf("unexpected patch: %+v", p)
	}
	if _, err := DecodePatch([]byte(`{"id":"x"}`)); err == nil {
		t.Fatal("id must not be updatable")
	}
	if _, err := DecodePatch([]byte(`{"ownerName":"x"; DROP TABLE inventory":1}`)); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := DecodePatch([]byte(`{}`)); !errors.Is(err, ErrEmptyPatch) {
		t.Fatalf("expected ErrEmptyPatch, got %v", err)
	}
}

func TestPatchApply(t *testing.T) {
	t.Parallel()
	cur := validRecord()

	period := FlexInt(20)
	it, err := Patch{TimePeriod: &period}.Apply(cur, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if got := FormatTimestamp(it.ExpiryDate); got != "2025-01-21T09:30:00.000Z" {
		t.Fatalf("expiry not recomputed: %s", got)
	}

	ext := "2025-01-16T09:30:00.000Z"
	it, err = Patch{ExpiryDate: &ext}.Apply(cur, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if it.TimePeriod != 15 || it.ExpiryMismatch(time.UTC) {
		t.Fatalf("extend: period=%d mismatch=%v", it.TimePeriod, it.ExpiryMismatch(time.UTC))
	}

	early := "2024-12-01T00:00:00Z"
	if _, err := (Patch{ExpiryDate: &early}).Apply(cur, time.UTC); err == nil {
		t.Fatal("expected error for expiry before dateAdded")
	}
}
