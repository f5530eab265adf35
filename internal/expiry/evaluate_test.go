package expiry

import (
	"testing"
	"time"
)

type fakeHistory map[string]time.Time

func (h fakeHistory) WasNotifiedOn(itemID string, c Category, day time.Time) bool {
	d, ok := h[itemID+"|"+string(c)]
	return ok && d.Equal(day)
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDay(s)
	if err != nil {
		t.Fatalf("ParseDay(%q): %v", s, err)
	}
	return d
}

func TestEvaluateScenario(t *testing.T) {
	t.Parallel()
	s := Schedule{ItemID: "item-1", Added: day(t, "2025-01-01"), PeriodDays: 10}
	if got := FormatDay(s.DueDate()); got != "2025-01-11" {
		t.Fatalf("DueDate = %s, want 2025-01-11", got)
	}

	tests := []struct {
		name     string
		today    string
		notify   bool
		category Category
		days     int
	}{
		{name: "before warning", today: "2025-01-08", notify: false, days: -3},
		{name: "warning", today: "2025-01-09", notify: true, category: Warning, days: -2},
		{name: "between warning and due", today: "2025-01-10", notify: false, days: -1},
		{name: "due", today: "2025-01-11", notify: true, category: Due, days: 0},
		{name: "first overdue day", today: "2025-01-12", notify: true, category: Overdue, days: 1},
		{name: "overdue", today: "2025-01-15", notify: true, category: Overdue, days: 4},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Evaluate(s, day(t, tt.today), nil, Options{})
			if got.Notify != tt.notify {
				t.Fatalf("Notify = %v, want %v", got.Notify, tt.notify)
			}
			if got.Category != tt.category {
				t.Fatalf("Category = %q, want %q", got.Category, tt.category)
			}
			if got.DaysFromDue != tt.days {
				t.Fatalf("DaysFromDue = %d, want %d", got.DaysFromDue, tt.days)
			}
		})
	}
}

func TestEvaluateProperties(t *testing.T) {
	t.Parallel()
	base := day(t, "2024-02-20") // crosses a leap day
	for period := 0; period <= 40; period++ {
		s := Schedule{ItemID: "p", Added: base, PeriodDays: period}
		due := AddDays(base, period)

		if period >= WarningLead {
			if got := Evaluate(s, AddDays(due, -2), nil, Options{}); got.Category != Warning {
				t.Fatalf("period %d: category at due-2 = %q, want warning", period, got.Category)
			}
		}
		if got := Evaluate(s, due, nil, Options{}); got.Category != Due {
			t.Fatalf("period %d: category at due = %q, want due", period, got.Category)
		}
		for over := 1; over <= 5; over++ {
			got := Evaluate(s, AddDays(due, over), nil, Options{})
			if got.Category != Overdue || got.DaysFromDue != over {
				t.Fatalf("period %d +%d: got %q/%d, want overdue/%d", period, over, got.Category, got.DaysFromDue, over)
			}
		}
	}
}

func TestEvaluateZeroPeriodIsDueNotWarning(t *testing.T) {
	t.Parallel()
	today := day(t, "2025-03-01")
	got := Evaluate(Schedule{ItemID: "z", Added: today, PeriodDays: 0}, today, nil, Options{})
	if got.Category != Due {
		t.Fatalf("Category = %q, want due", got.Category)
	}
}

func TestEvaluateOverdueGatedByHistory(t *testing.T) {
	t.Parallel()
	s := Schedule{ItemID: "late", Added: day(t, "2025-01-01"), PeriodDays: 10}
	today := day(t, "2025-01-15")

	h := fakeHistory{"late|overdue": today}
	if got := Evaluate(s, today, h, Options{}); got.Notify {
		t.Fatalf("expected no notification after overdue sent today, got %q", got.Category)
	}

	h = fakeHistory{"late|overdue": AddDays(today, -1)}
	if got := Evaluate(s, today, h, Options{}); got.Category != Overdue {
		t.Fatalf("sent yesterday: Category = %q, want overdue", got.Category)
	}

	// Far overdue on first run: one decision for today, no backlog.
	far := Evaluate(s, day(t, "2025-06-01"), fakeHistory{}, Options{})
	if far.Category != Overdue || far.DaysFromDue != 141 {
		t.Fatalf("far overdue: got %q/%d", far.Category, far.DaysFromDue)
	}
}

func TestEvaluateGateAll(t *testing.T) {
	t.Parallel()
	s := Schedule{ItemID: "g", Added: day(t, "2025-01-01"), PeriodDays: 10}
	warn := day(t, "2025-01-09")
	due := day(t, "2025-01-11")
	h := fakeHistory{"g|warning": warn, "g|due": due}

	// Default keeps date-equality only for warning/due.
	if got := Evaluate(s, warn, h, Options{}); got.Category != Warning {
		t.Fatalf("ungated warning: Category = %q", got.Category)
	}
	if got := Evaluate(s, warn, h, Options{GateAll: true}); got.Notify {
		t.Fatalf("gated warning: expected no notification")
	}
	if got := Evaluate(s, due, h, Options{GateAll: true}); got.Notify {
		t.Fatalf("gated due: expected no notification")
	}
}

func TestEvaluateIsPure(t *testing.T) {
	t.Parallel()
	s := Schedule{ItemID: "same", Added: day(t, "2025-01-01"), PeriodDays: 3}
	today := day(t, "2025-01-07")
	h := fakeHistory{}
	a := Evaluate(s, today, h, Options{})
	b := Evaluate(s, today, h, Options{})
	if a != b {
		t.Fatalf("decisions differ: %+v vs %+v", a, b)
	}
}

func TestDateOfStripsTimeInLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	// 20:30 UTC on Jan 1 is already Jan 2 at UTC+7.
	ts := time.Date(2025, 1, 1, 20, 30, 0, 0, time.UTC)
	if got := FormatDay(DateOf(ts, loc)); got != "2025-01-02" {
		t.Fatalf("DateOf = %s, want 2025-01-02", got)
	}
	if got := FormatDay(DateOf(ts, time.UTC)); got != "2025-01-01" {
		t.Fatalf("DateOf(UTC) = %s, want 2025-01-01", got)
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()
	for _, c := range Categories {
		got, err := ParseCategory(string(c))
		if err != nil || got != c {
			t.Fatalf("ParseCategory(%q) = %q, %v", c, got, err)
		}
	}
	if _, err := ParseCategory("urgent"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}
