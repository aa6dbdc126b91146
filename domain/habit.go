package domain

import (
	"sort"
	"time"
)

// Habit is a daily routine tracked by completion dates. CurrentStreak and
// LongestStreak are derived from CompletedDates and may always be recomputed.
type Habit struct {
	ID             string    `json:"id,omitempty"`
	Name           string    `json:"name"`
	CompletedDates []Date    `json:"completedDates,omitempty"`
	CurrentStreak  int       `json:"currentStreak"`
	LongestStreak  int       `json:"longestStreak"`
	CreatedAt      time.Time `json:"createdAt"`
	Revision       int64     `json:"revision,omitempty"`
}

// CompletedOn reports whether the habit was completed on d.
func (h Habit) CompletedOn(d Date) bool {
	for _, c := range h.CompletedDates {
		if c == d {
			return true
		}
	}
	return false
}

// ToggleDate returns a copy of the completion set with d added or removed.
// The result is sorted ascending and free of duplicates.
func (h Habit) ToggleDate(d Date) []Date {
	seen := make(map[Date]struct{}, len(h.CompletedDates)+1)
	out := make([]Date, 0, len(h.CompletedDates)+1)
	removed := false
	for _, c := range h.CompletedDates {
		if c == d {
			removed = true
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if !removed {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Project groups tasks under a larger goal.
type Project struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	Deadline    Date      `json:"deadline,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Revision    int64     `json:"revision,omitempty"`
}
