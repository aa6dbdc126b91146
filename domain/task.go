package domain

import "time"

// Category groups tasks on the board.
type Category string

const (
	CategoryWork     Category = "work"
	CategoryPersonal Category = "personal"
	CategoryStudy    Category = "study"
	CategoryProject  Category = "project"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryWork, CategoryPersonal, CategoryStudy, CategoryProject:
		return true
	}
	return false
}

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Status is the board column of a task. Any status may follow any other.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Next returns the status that follows s in the checkbox cycle
// todo -> in_progress -> completed -> todo.
func (s Status) Next() Status {
	switch s {
	case StatusInProgress:
		return StatusCompleted
	case StatusCompleted:
		return StatusTodo
	default:
		return StatusInProgress
	}
}

// Recurrence is the rule used to spawn a follow-up once a task is completed.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

func (r Recurrence) Valid() bool {
	switch r {
	case "", RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	}
	return false
}

// Repeats reports whether r spawns follow-ups. The empty value means none.
func (r Recurrence) Repeats() bool {
	return r != "" && r != RecurrenceNone
}

// TimeBlock is the reserved wall-clock interval [Start, End) of a task.
type TimeBlock struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// Covers reports whether c falls inside the half-open block.
func (b TimeBlock) Covers(c Clock) bool {
	return c >= b.Start && c < b.End
}

// Overlaps reports whether two half-open blocks intersect. Touching blocks
// do not overlap.
func (b TimeBlock) Overlaps(o TimeBlock) bool {
	return b.Start < o.End && b.End > o.Start
}

// Task is a single item of work.
type Task struct {
	ID                    string     `json:"id,omitempty"`
	Title                 string     `json:"title"`
	Category              Category   `json:"category"`
	Priority              Priority   `json:"priority"`
	Status                Status     `json:"status"`
	TimeBlock             *TimeBlock `json:"timeBlock,omitempty"`
	DueDate               Date       `json:"dueDate,omitempty"`
	Recurrence            Recurrence `json:"recurrence,omitempty"`
	Dependencies          []string   `json:"dependencies,omitempty"`
	Tags                  []string   `json:"tags,omitempty"`
	TrackedMs             int64      `json:"trackedTime,omitempty"`
	NextOccurrenceCreated bool       `json:"nextOccurrenceCreated,omitempty"`
	ParentTaskID          string     `json:"parentTaskId,omitempty"`
	ProjectID             string     `json:"projectId,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	Revision              int64      `json:"revision,omitempty"`
}

// Tracked returns the accumulated tracked time.
func (t Task) Tracked() time.Duration {
	return time.Duration(t.TrackedMs) * time.Millisecond
}

// Scheduled reports whether the task reserves a time block.
func (t Task) Scheduled() bool {
	return t.TimeBlock != nil
}

// Done reports whether the task is completed.
func (t Task) Done() bool {
	return t.Status == StatusCompleted
}
