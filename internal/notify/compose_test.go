package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"labkeeper/internal/expiry"
	"labkeeper/internal/inventory"
)

func testComposer(t *testing.T) *Composer {
	t.Helper()
	c, err := NewComposer(ComposerConfig{LabName: "AMTC Lab", AppURL: "https://lab.example.org", Location: time.UTC})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testItem(t *testing.T) inventory.Item {
	t.Helper()
	it, err := record("42", "ada@example.com", "2025-01-01T09:00:00Z", 10).Validate(time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	return it
}

func TestComposePerCategory(t *testing.T) {
	t.Parallel()
	c := testComposer(t)
	it := testItem(t)
	sched := it.Schedule(time.UTC)

	tests := []struct {
		day      string
		category expiry.Category
		subject  string
		body     []string
	}{
		{"2025-01-09", expiry.Warning, "Reminder: AMTC Lab storage item due in 2 days (TAG-42)", []string{"Due Date: January 11, 2025", "https://lab.example.org"}},
		{"2025-01-11", expiry.Due, "Due today: AMTC Lab storage item TAG-42", []string{"Sample 42", "Bench 1"}},
		{"2025-01-12", expiry.Overdue, "OVERDUE: AMTC Lab storage item TAG-42 (1 day)", []string{"Days Overdue: 1 day\n"}},
		{"2025-01-20", expiry.Overdue, "OVERDUE: AMTC Lab storage item TAG-42 (9 days)", []string{"Days Overdue: 9 days"}},
	}
	for _, tt := range tests {
		t.Run(tt.day, func(t *testing.T) {
			d := expiry.Evaluate(sched, today(t, tt.day), nil, expiry.Options{})
			if !d.Notify || d.Category != tt.category {
				t.Fatalf("decision = %+v", d)
			}
			msg, err := c.Compose(it, d)
			if err != nil {
				t.Fatal(err)
			}
			if msg.Subject != tt.subject {
				t.Fatalf("subject = %q, want %q", msg.Subject, tt.subject)
			}
			if msg.To != "ada@example.com" || msg.ToName != "Owner 42" {
				t.Fatalf("recipient = %q <%s>", msg.ToName, msg.To)
			}
			for _, want := range tt.body {
				if !strings.Contains(msg.Body, want) {
					t.Fatalf("body missing %q:\n%s", want, msg.Body)
				}
			}
			if got, ok := CategoryFromSubject(msg.Subject); !ok || got != tt.category {
				t.Fatalf("CategoryFromSubject = %q, %v", got, ok)
			}

			again, err := c.Compose(it, d)
			if err != nil {
				t.Fatal(err)
			}
			if again != msg {
				t.Fatal("compose is not deterministic")
			}
		})
	}
}

func TestComposeRejectsInvalidCategory(t *testing.T) {
	t.Parallel()
	if _, err := testComposer(t).Compose(testItem(t), expiry.Decision{Notify: true, Category: "later"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestCategoryFromSubjectUnknown(t *testing.T) {
	t.Parallel()
	if _, ok := CategoryFromSubject("AMTC Lab - Item Stored: beaker"); ok {
		t.Fatal("confirmation subject must not map to a category")
	}
}

func TestComposeConfirmation(t *testing.T) {
	t.Parallel()
	c := testComposer(t)
	r := record("7", "bo@example.com", "2025-03-01T10:00:00Z", 14)
	r.ExpiryDate = "2025-03-15T10:00:00.000Z"

	msg, err := c.ComposeConfirmation(ConfirmStorage, r, 0)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Subject != "AMTC Lab - Item Stored: Sample 7" || !strings.Contains(msg.Body, "March 15, 2025 at 10:00 AM") {
		t.Fatalf("storage mail:\n%s\n%s", msg.Subject, msg.Body)
	}

	msg, err = c.ComposeConfirmation(ConfirmExtension, r, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg.Body, "Extended by: 5 days") {
		t.Fatalf("extension body:\n%s", msg.Body)
	}

	if _, err := c.ComposeConfirmation(ConfirmPickup, r, 0); err == nil {
		t.Fatal("pickup without pickupDate must fail")
	}
	r.PickupDate = "2025-03-10T16:30:00Z"
	msg, err = c.ComposeConfirmation(ConfirmPickup, r, 0)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Subject != "AMTC Lab - Item Picked Up: Sample 7" || !strings.Contains(msg.Body, "March 10, 2025 at 04:30 PM") {
		t.Fatalf("pickup mail:\n%s\n%s", msg.Subject, msg.Body)
	}
}

func TestParseConfirmation(t *testing.T) {
	t.Parallel()
	if c, err := ParseConfirmation(" Pickup "); err != nil || c != ConfirmPickup {
		t.Fatalf("got %q, %v", c, err)
	}
	if _, err := ParseConfirmation("reminder"); err == nil {
		t.Fatal("expected error")
	}
}

func TestAPISource(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/inventory/current" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","count":1,"items":[{"id":"1","ownerName":"Ada","emailId":"ada@example.com","objectStored":"flask","location":"A","timePeriod":"7","dateAdded":"2025-01-01T00:00:00Z"}]}`))
	}))
	defer srv.Close()

	src, err := OpenSource(SourceConfig{Driver: "api", URL: srv.URL + "/"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	items, err := src.ListActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].TimePeriod != 7 || items[0].EmailID != "ada@example.com" {
		t.Fatalf("items = %+v", items)
	}

	bad, _ := NewAPISource(srv.URL+"/missing", time.Second)
	if _, err := bad.ListActive(context.Background()); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestFileSource(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "inventory_data.json")
	data := `{"currentItems":[{"id":"a","timePeriod":3},{"id":"b","timePeriod":5}],"archivedItems":[]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := OpenSource(SourceConfig{Driver: "file", Path: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	items, err := src.ListActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[1].ID != "b" {
		t.Fatalf("items = %+v", items)
	}

	for _, cfg := range []SourceConfig{{Driver: "store"}, {Driver: "file"}, {Driver: "api"}, {Driver: "ftp"}} {
		if _, err := OpenSource(cfg, nil); err == nil {
			t.Fatalf("OpenSource(%+v): expected error", cfg)
		}
	}
}

func TestFileSourceMalformedItemsAreSkipped(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "inventory_data.json")
	data := `{"currentItems":[
		{"id":"1","ownerName":"Ada","emailId":"ada@example.com","objectStored":"flask","location":"A","timePeriod":3,"dateAdded":"2025-01-10T09:00:00.000Z"},
		{"id":"2","ownerName":"Bob","emailId":"bob@example.com","objectStored":"beaker","location":"B","timePeriod":"abc","dateAdded":"2025-01-10T09:00:00.000Z"},
		{"id":"3","ownerName":"Cy","emailId":"cy@example.com","objectStored":"pipette","location":"C","dateAdded":"2025-01-10T09:00:00.000Z"},
		{"id":4,"ownerName":"Di"},
		"not an object"
	]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := OpenSource(SourceConfig{Driver: "file", Path: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	items, err := src.ListActive(context.Background())
	if err != nil {
		t.Fatalf("one bad element must not fail the listing: %v", err)
	}
	if len(items) != 5 || items[3].ID != "4" {
		t.Fatalf("items = %+v", items)
	}

	m := &fakeMailer{}
	r := newTestRunner(t, src, &memLedgerStore{}, m, nil)
	sum, err := r.RunOnce(context.Background(), RunOptions{Today: today(t, "2025-01-15")})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Checked != 5 || sum.Invalid != 4 || sum.Sent != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(m.sent) != 1 || m.sent[0].To != "ada@example.com" {
		t.Fatalf("sent = %+v", m.sent)
	}
}

func TestAPISourceMalformedItemIsSkipped(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","items":[{"id":"1","timePeriod":2.5},{"id":"2","timePeriod":"4"}]}`))
	}))
	defer srv.Close()

	src, err := NewAPISource(srv.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	items, err := src.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(items) != 2 || items[1].TimePeriod != 4 {
		t.Fatalf("items = %+v", items)
	}
	if _, err := items[0].Validate(time.UTC); err == nil || !strings.Contains(err.Error(), "timePeriod") {
		t.Fatalf("Validate of bad element = %v", err)
	}
}
