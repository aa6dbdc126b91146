// Package commands maps user actions to SyncController operations through a
// fixed table.
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"lifecenter/domain"
	"lifecenter/syncer"
)

// Action identifies a user action.
type Action int

const (
	ActionUnknown Action = iota
	ActionAddTask
	ActionUpdateTask
	ActionMoveTask
	ActionSetStatus
	ActionToggleStatus
	ActionTrackTime
	ActionDeleteTask
	ActionAddHabit
	ActionToggleHabit
	ActionDeleteHabit
	ActionAddProject
	ActionDeleteProject

	actionCount
)

var actionNames = [actionCount]string{
	ActionUnknown:       "unknown",
	ActionAddTask:       "add-task",
	ActionUpdateTask:    "update-task",
	ActionMoveTask:      "move-task",
	ActionSetStatus:     "set-status",
	ActionToggleStatus:  "toggle-status",
	ActionTrackTime:     "track-time",
	ActionDeleteTask:    "delete-task",
	ActionAddHabit:      "add-habit",
	ActionToggleHabit:   "toggle-habit",
	ActionDeleteHabit:   "delete-habit",
	ActionAddProject:    "add-project",
	ActionDeleteProject: "delete-project",
}

func (a Action) String() string {
	if a < 0 || a >= actionCount {
		return actionNames[ActionUnknown]
	}
	return actionNames[a]
}

// ParseAction resolves an action name.
func ParseAction(s string) (Action, error) {
	for a := ActionUnknown + 1; a < actionCount; a++ {
		if actionNames[a] == s {
			return a, nil
		}
	}
	return ActionUnknown, fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

func (a Action) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(a.String())
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := sonic.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingID     = errors.New("command needs an id")
)

// Command is one user action. ID names the target entity for everything but
// the add actions; Data carries the action's payload.
type Command struct {
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	Action         Action                 `json:"action"`
	ID             string                 `json:"id,omitempty"`
	Confirmed      bool                   `json:"confirmed,omitempty"`
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// Controller is the part of *syncer.Controller the handlers drive.
type Controller interface {
	AddTask(ctx context.Context, t domain.Task, confirmed bool) (*syncer.Ticket, error)
	UpdateTask(ctx context.Context, id string, partial domain.Record, confirmed bool) (*syncer.Ticket, error)
	MoveTask(ctx context.Context, id string, block *domain.TimeBlock, confirmed bool) (*syncer.Ticket, error)
	SetStatus(ctx context.Context, id string, s domain.Status) (*syncer.Ticket, error)
	ToggleStatus(ctx context.Context, id string) (*syncer.Ticket, error)
	TrackTime(ctx context.Context, id string, d time.Duration) (*syncer.Ticket, error)
	DeleteTask(ctx context.Context, id string) (*syncer.Ticket, error)
	AddHabit(ctx context.Context, name string) (*syncer.Ticket, error)
	ToggleHabitDate(ctx context.Context, id string, day domain.Date) (*syncer.Ticket, error)
	DeleteHabit(ctx context.Context, id string) (*syncer.Ticket, error)
	AddProject(ctx context.Context, p domain.Project) (*syncer.Ticket, error)
	DeleteProject(ctx context.Context, id string) (*syncer.Ticket, error)
}

var _ Controller = (*syncer.Controller)(nil)

// Handler runs one action against the controller.
type Handler func(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error)

var handlers = [actionCount]Handler{
	ActionAddTask:       addTask,
	ActionUpdateTask:    needsID(updateTask),
	ActionMoveTask:      needsID(moveTask),
	ActionSetStatus:     needsID(setStatus),
	ActionToggleStatus:  needsID(func(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) { return c.ToggleStatus(ctx, cmd.ID) }),
	ActionTrackTime:     needsID(trackTime),
	ActionDeleteTask:    needsID(func(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) { return c.DeleteTask(ctx, cmd.ID) }),
	ActionAddHabit:      addHabit,
	ActionToggleHabit:   needsID(toggleHabit),
	ActionDeleteHabit:   needsID(func(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) { return c.DeleteHabit(ctx, cmd.ID) }),
	ActionAddProject:    addProject,
	ActionDeleteProject: needsID(func(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) { return c.DeleteProject(ctx, cmd.ID) }),
}

// Dispatch runs cmd. Errors are the controller's synchronous errors
// (validation, conflict, unknown entity) or payload decoding failures.
func Dispatch(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) {
	if cmd.Action <= ActionUnknown || cmd.Action >= actionCount || handlers[cmd.Action] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, int(cmd.Action))
	}
	return handlers[cmd.Action](ctx, c, cmd)
}

func needsID(h Handler) Handler {
	return func(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) {
		if cmd.ID == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingID, cmd.Action)
		}
		return h(ctx, c, cmd)
	}
}

func decode(cmd Command, v any) error {
	if len(cmd.Data) == 0 {
		return &domain.ValidationError{Field: "data", Message: "missing payload for " + cmd.Action.String()}
	}
	if err := sonic.Unmarshal(cmd.Data, v); err != nil {
		return &domain.ValidationError{Field: "data", Message: err.Error()}
	}
	return nil
}

func addTask(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) {
	var t domain.Task
	if err := decode(cmd, &t); err != nil {
		return nil, err
	}
	return c.AddTask(ctx, t, cmd.Confirmed)
}

func updateTask(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) {
	var partial domain.Record
	if err := decode(cmd, &partial); err != nil {
		return nil, err
	}
	return c.UpdateTask(ctx, cmd.ID, partial, cmd.Confirmed)
}

type movePayload struct {
	TimeBlock *domain.TimeBlock `json:"timeBlock"`
}

func moveTask(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) {
	var p movePayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	return c.MoveTask(ctx, cmd.ID, p.TimeBlock, cmd.Confirmed)
}

type statusPayload struct {
	Status domain.Status `json:"status"`
}

func setStatus(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) {
	var p statusPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	return c.SetStatus(ctx, cmd.ID, p.Status)
}

type trackPayload struct {
	Ms int64 `json:"ms"`
}

func trackTime(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) {
	var p trackPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	return c.TrackTime(ctx, cmd.ID, time.Duration(p.Ms)*time.Millisecond)
}

type habitPayload struct {
	Name string `json:"name"`
}

func addHabit(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) {
	var p habitPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	return c.AddHabit(ctx, p.Name)
}

type toggleHabitPayload struct {
	Date domain.Date `json:"date"`
}

func toggleHabit(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) {
	var p toggleHabitPayload
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	return c.ToggleHabitDate(ctx, cmd.ID, p.Date)
}

func addProject(ctx context.Context, c Controller, cmd Command) (*syncer.Ticket, error) {
	var p domain.Project
	if err := decode(cmd, &p); err != nil {
		return nil, err
	}
	return c.AddProject(ctx, p)
}
