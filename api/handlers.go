package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"lifecenter/commands"
	"lifecenter/domain"
	"lifecenter/insights"
	"lifecenter/schedule"
	"lifecenter/syncer"
)

const (
	postCommandMaxSize = 64 * 1024
	maxCommandWait     = 30 * time.Second
)

// Command outcomes reported per item by POST /api/commands.
const (
	statusAccepted    = "accepted"
	statusCommitted   = "committed"
	statusDuplicate   = "duplicate"
	statusConflict    = "conflict"
	statusInvalid     = "invalid"
	statusNotFound    = "not_found"
	statusUnavailable = "unavailable"
	statusFailed      = "failed"
)

type handlers struct {
	sessions Sessions
	dedupe   Deduper
	logger   *log.Logger
}

// Register wires the HTTP API into e. dedupe may be nil, which disables
// idempotency key tracking.
func Register(e *echo.Echo, sessions Sessions, auth Authenticator, dedupe Deduper, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handlers{sessions: sessions, dedupe: dedupe, logger: logger}

	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	g := e.Group("/api", sessionMiddleware(sessions, auth, logger))
	g.GET("/tasks", h.getTasks)
	g.GET("/kanban", h.getKanban)
	g.GET("/schedule", h.getSchedule)
	g.GET("/active", h.getActive)
	g.GET("/dashboard", h.getDashboard)
	g.GET("/projects", h.getProjects)
	g.GET("/habits", h.getHabits)
	g.POST("/commands", h.postCommands)
	g.POST("/logout", h.logout)
	g.GET("/stream", h.stream)
}

type tasksResponse struct {
	Filter insights.Filter `json:"filter"`
	Tasks  []domain.Task   `json:"tasks"`
}

func (h *handlers) getTasks(c echo.Context) error {
	f, err := insights.ParseFilter(c.QueryParam("filter"))
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	tasks := f.Apply(currentSession(c).Controller.Tasks(), h.sessions.Now())
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return c.JSON(http.StatusOK, tasksResponse{Filter: f, Tasks: tasks})
}

func (h *handlers) getKanban(c echo.Context) error {
	return c.JSON(http.StatusOK, insights.Kanban(currentSession(c).Controller.Tasks()))
}

type scheduleResponse struct {
	Date domain.Date    `json:"date"`
	Rows []schedule.Row `json:"rows"`
}

func (h *handlers) getSchedule(c echo.Context) error {
	return c.JSON(http.StatusOK, scheduleResponse{
		Date: domain.DateOf(h.sessions.Now()),
		Rows: schedule.Day(currentSession(c).Controller.Tasks()),
	})
}

type activeResponse struct {
	Active      bool         `json:"active"`
	Task        *domain.Task `json:"task,omitempty"`
	RemainingMs int64        `json:"remainingMs,omitempty"`
	Hours       int          `json:"hours,omitempty"`
	Minutes     int          `json:"minutes,omitempty"`
	Seconds     int          `json:"seconds,omitempty"`
}

func (h *handlers) getActive(c echo.Context) error {
	s := currentSession(c)
	s.Tracker.Detect(c.Request().Context())
	task, ok := s.Tracker.Current()
	if !ok || task.TimeBlock == nil {
		return c.JSON(http.StatusOK, activeResponse{})
	}
	r := schedule.RemainingUntil(task.TimeBlock.End, h.sessions.Now())
	return c.JSON(http.StatusOK, activeResponse{
		Active:      true,
		Task:        &task,
		RemainingMs: r.TotalMs,
		Hours:       r.Hours,
		Minutes:     r.Minutes,
		Seconds:     r.Seconds,
	})
}

func (h *handlers) getDashboard(c echo.Context) error {
	return c.JSON(http.StatusOK, insights.Summarize(currentSession(c).Controller.Tasks(), h.sessions.Now()))
}

func (h *handlers) getProjects(c echo.Context) error {
	ctrl := currentSession(c).Controller
	progress := insights.Progress(ctrl.Projects(), ctrl.Tasks())
	if progress == nil {
		progress = []insights.ProjectProgress{}
	}
	return c.JSON(http.StatusOK, progress)
}

func (h *handlers) getHabits(c echo.Context) error {
	habits := currentSession(c).Controller.Habits()
	if habits == nil {
		habits = []domain.Habit{}
	}
	return c.JSON(http.StatusOK, habits)
}

func (h *handlers) logout(c echo.Context) error {
	h.sessions.Release(currentOwner(c))
	return c.NoContent(http.StatusNoContent)
}

type commandResult struct {
	IdempotencyKey string        `json:"idempotencyKey"`
	Action         string        `json:"action"`
	Status         string        `json:"status"`
	ID             string        `json:"id,omitempty"`
	Error          string        `json:"error,omitempty"`
	Conflicts      []domain.Task `json:"conflicts,omitempty"`
}

type postCommandResponse struct {
	Results []commandResult `json:"results"`
}

// postCommands applies a batch of commands in order. Each command is answered
// individually; with ?wait=true the response waits until every accepted
// command was persisted or rolled back.
func (h *handlers) postCommands(c echo.Context) (err error) {
	metrics, ctx := newCommandRequestMetrics(c.Request().Context(), h.logger)
	defer func() { metrics.Log(c.Response().Status, err) }()

	owner := currentOwner(c)
	ctrl := currentSession(c).Controller

	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postCommandMaxSize))
	dec.DisallowUnknownFields()
	cmds := make([]commands.Command, 0, 4)
	if decErr := dec.Decode(&cmds); decErr != nil || len(cmds) == 0 {
		metrics.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "invalid body")
	}
	metrics.SetReceived(len(cmds))

	keys := make([]string, len(cmds))
	for i := range cmds {
		if cmds[i].IdempotencyKey == "" {
			cmds[i].IdempotencyKey = uuid.NewString()
		}
		keys[i] = cmds[i].IdempotencyKey
	}

	fresh, dedupeErr := h.claim(ctx, owner, cmds, keys, metrics)
	if dedupeErr != nil {
		metrics.SetErrorStage("dedupe")
		h.logger.WithError(dedupeErr).WithField("owner", owner).Error("record idempotency keys")
		return c.String(http.StatusServiceUnavailable, "dedupe unavailable")
	}

	results := make([]commandResult, len(cmds))
	tickets := make([]*syncer.Ticket, len(cmds))
	for i, cmd := range cmds {
		res := &results[i]
		res.IdempotencyKey = cmd.IdempotencyKey
		res.Action = cmd.Action.String()
		if !fresh[i] {
			res.Status = statusDuplicate
			continue
		}
		ticket, dispatchErr := commands.Dispatch(ctx, ctrl, cmd)
		if dispatchErr != nil {
			classify(res, dispatchErr)
			h.forget(ctx, owner, cmd.IdempotencyKey)
			continue
		}
		res.Status = statusAccepted
		res.ID = ticket.LocalID
		tickets[i] = ticket
	}

	status := http.StatusAccepted
	if wait := c.QueryParam("wait"); wait == "true" || wait == "1" {
		status = http.StatusOK
		waitStart := time.Now()
		h.await(ctx, owner, results, tickets)
		metrics.ObserveWait(time.Since(waitStart))
	}
	for _, res := range results {
		metrics.Outcome(res.Action, res.Status)
	}
	return c.JSON(status, postCommandResponse{Results: results})
}

func (h *handlers) claim(ctx context.Context, owner string, cmds []commands.Command, keys []string, metrics *commandRequestMetrics) ([]bool, error) {
	if h.dedupe == nil {
		fresh := make([]bool, len(keys))
		for i := range fresh {
			fresh[i] = true
		}
		return fresh, nil
	}
	start := time.Now()
	fresh, err := h.dedupe.Claim(ctx, owner, cmds)
	metrics.ObserveDedupe(time.Since(start))
	if err != nil {
		for i, added := range fresh {
			if added {
				h.forget(ctx, owner, keys[i])
			}
		}
		return nil, err
	}
	return fresh, nil
}

// forget releases an idempotency key so the client may retry the command.
func (h *handlers) forget(ctx context.Context, owner, key string) {
	if h.dedupe == nil {
		return
	}
	if err := h.dedupe.Release(context.WithoutCancel(ctx), owner, key); err != nil {
		h.logger.WithError(err).WithField("key", key).Warn("release idempotency key")
	}
}

func (h *handlers) await(ctx context.Context, owner string, results []commandResult, tickets []*syncer.Ticket) {
	ctx, cancel := context.WithTimeout(ctx, maxCommandWait)
	defer cancel()
	for i, t := range tickets {
		if t == nil {
			continue
		}
		if err := t.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				// still in flight; leave it accepted
				continue
			}
			results[i].Status = statusFailed
			results[i].Error = err.Error()
			h.forget(ctx, owner, results[i].IdempotencyKey)
			continue
		}
		results[i].Status = statusCommitted
		results[i].ID = t.ID()
	}
}

func classify(res *commandResult, err error) {
	res.Error = err.Error()
	var conflict *schedule.ConflictError
	switch {
	case errors.As(err, &conflict):
		res.Status = statusConflict
		res.Conflicts = conflict.With
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, commands.ErrMissingID),
		errors.Is(err, commands.ErrUnknownAction):
		res.Status = statusInvalid
	case errors.Is(err, syncer.ErrUnknownEntity):
		res.Status = statusNotFound
	case errors.Is(err, syncer.ErrClosed):
		res.Status = statusUnavailable
	default:
		res.Status = statusFailed
	}
}
