// Package insights derives the read-only views shown next to the schedule:
// dashboard counters, project progress, list filters and the kanban board.
package insights

import (
	"math"
	"time"

	"lifecenter/domain"
	"lifecenter/schedule"
)

// MiniScheduleSize is how many upcoming blocks the dashboard lists.
const MiniScheduleSize = 3

// Dashboard is the summary shown on the home view.
type Dashboard struct {
	TodayDone    int           `json:"todayDone"`
	Pending      int           `json:"pending"`
	Productivity int           `json:"productivity"`
	MiniSchedule []domain.Task `json:"miniSchedule"`
}

// CreatedOn reports whether t was created on the calendar day of now, in
// now's location.
func CreatedOn(t domain.Task, now time.Time) bool {
	if t.CreatedAt.IsZero() {
		return false
	}
	return domain.DateOf(t.CreatedAt.In(now.Location())) == domain.DateOf(now)
}

// Summarize builds the dashboard. TodayDone counts completed tasks created
// today; Pending counts every task not completed; Productivity is the rounded
// share of TodayDone in TodayDone+Pending.
func Summarize(tasks []domain.Task, now time.Time) Dashboard {
	var d Dashboard
	var scheduled []domain.Task
	for _, t := range tasks {
		if t.Done() {
			if CreatedOn(t, now) {
				d.TodayDone++
			}
			continue
		}
		d.Pending++
		if t.Scheduled() {
			scheduled = append(scheduled, t)
		}
	}
	d.Productivity = percent(d.TodayDone, d.TodayDone+d.Pending)
	scheduled = schedule.ByStart(scheduled)
	if len(scheduled) > MiniScheduleSize {
		scheduled = scheduled[:MiniScheduleSize]
	}
	d.MiniSchedule = scheduled
	return d
}

// ProjectProgress is the completion state of one project.
type ProjectProgress struct {
	Project domain.Project `json:"project"`
	Done    int            `json:"done"`
	Total   int            `json:"total"`
	Percent int            `json:"percent"`
}

// Progress computes per-project completion in the order of projects.
func Progress(projects []domain.Project, tasks []domain.Task) []ProjectProgress {
	type counts struct{ done, total int }
	by := make(map[string]*counts, len(projects))
	for _, p := range projects {
		by[p.ID] = &counts{}
	}
	for _, t := range tasks {
		c, ok := by[t.ProjectID]
		if !ok || t.ProjectID == "" {
			continue
		}
		c.total++
		if t.Done() {
			c.done++
		}
	}
	out := make([]ProjectProgress, len(projects))
	for i, p := range projects {
		c := by[p.ID]
		out[i] = ProjectProgress{Project: p, Done: c.done, Total: c.total, Percent: percent(c.done, c.total)}
	}
	return out
}

func percent(part, whole int) int {
	if whole == 0 {
		return 0
	}
	return int(math.Round(float64(part) * 100 / float64(whole)))
}
