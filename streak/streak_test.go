package streak

import (
	"testing"

	"lifecenter/domain"
)

const today = domain.Date("2024-03-10")

func daysAgo(n int) domain.Date { return today.AddDays(-n) }

func TestCompute(t *testing.T) {
	tests := []struct {
		name  string
		dates []domain.Date
		today domain.Date
		want  Result
	}{
		{"unbroken chain", []domain.Date{daysAgo(2), today, daysAgo(1)}, today, Result{Current: 3, Longest: 3}},
		{"gap breaks current", []domain.Date{today, daysAgo(3)}, today, Result{Current: 1, Longest: 1}},
		// a chain that ends yesterday is not current until today is logged
		{"requires today", []domain.Date{daysAgo(1), daysAgo(2)}, today, Result{Current: 0, Longest: 2}},
		{"longest outside current", []domain.Date{today, daysAgo(5), daysAgo(6), daysAgo(7), daysAgo(8)}, today, Result{Current: 1, Longest: 4}},
		{"empty", nil, today, Result{}},
		{"duplicates future and junk", []domain.Date{today, today, daysAgo(1), today.AddDays(1), "not-a-date"}, today, Result{Current: 2, Longest: 2}},
		{"across month boundary", []domain.Date{"2024-03-01", "2024-02-29", "2024-02-28"}, "2024-03-01", Result{Current: 3, Longest: 3}},
	}
	for _, tt := range tests {
		if got := Compute(tt.dates, tt.today); got != tt.want {
			t.Fatalf("%s: expected %+v, got %+v", tt.name, tt.want, got)
		}
	}
}

func TestApplySetsDerivedFields(t *testing.T) {
	h := Apply(domain.Habit{Name: "read", CompletedDates: []domain.Date{today, daysAgo(1)}, CurrentStreak: 9}, today)
	if h.CurrentStreak != 2 || h.LongestStreak != 2 {
		t.Fatalf("expected 2/2, got %d/%d", h.CurrentStreak, h.LongestStreak)
	}
}
