// Package streak derives habit streaks from completion dates.
package streak

import (
	"sort"

	"lifecenter/domain"
)

// Result holds the derived streak counters.
type Result struct {
	Current int `json:"current"`
	Longest int `json:"longest"`
}

// Compute derives streaks from a habit's completion dates. today is injected
// by the caller. The current streak only counts while the most recent
// completions form an unbroken daily chain that includes today itself: a
// chain ending yesterday yields Current == 0. Longest is the longest chain of
// consecutive days anywhere in the history. Duplicates and dates after today
// are ignored.
func Compute(dates []domain.Date, today domain.Date) Result {
	uniq := make(map[domain.Date]struct{}, len(dates))
	sorted := make([]domain.Date, 0, len(dates))
	for _, d := range dates {
		if !d.Valid() || d.After(today) {
			continue
		}
		if _, ok := uniq[d]; ok {
			continue
		}
		uniq[d] = struct{}{}
		sorted = append(sorted, d)
	}
	if len(sorted) == 0 {
		return Result{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	var res Result
	counting := true
	run := 0
	for i, d := range sorted {
		if counting {
			if domain.DaysBetween(d, today) == i {
				res.Current++
			} else {
				counting = false
			}
		}
		if i > 0 && domain.DaysBetween(d, sorted[i-1]) == 1 {
			run++
		} else {
			run = 1
		}
		if run > res.Longest {
			res.Longest = run
		}
	}
	return res
}

// Apply recomputes the derived fields of h for today.
func Apply(h domain.Habit, today domain.Date) domain.Habit {
	r := Compute(h.CompletedDates, today)
	h.CurrentStreak = r.Current
	h.LongestStreak = r.Longest
	return h
}
