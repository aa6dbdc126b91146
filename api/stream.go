package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"lifecenter/domain"
	"lifecenter/syncer"
)

var streamKeepAlive = 30 * time.Second

type snapshotEvent struct {
	Version  uint64           `json:"version"`
	Tasks    []domain.Task    `json:"tasks"`
	Habits   []domain.Habit   `json:"habits"`
	Projects []domain.Project `json:"projects"`
}

func eventOf(s syncer.Snapshot) snapshotEvent {
	ev := snapshotEvent{Version: s.Version, Tasks: s.Tasks, Habits: s.Habits, Projects: s.Projects}
	if ev.Tasks == nil {
		ev.Tasks = []domain.Task{}
	}
	if ev.Habits == nil {
		ev.Habits = []domain.Habit{}
	}
	if ev.Projects == nil {
		ev.Projects = []domain.Project{}
	}
	return ev
}

// stream pushes the owner's visible state as server-sent events, one
// snapshot per observed change.
func (h *handlers) stream(c echo.Context) error {
	res := c.Response()
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	flusher.Flush()

	// latest wins: the observer never blocks the controller
	updates := make(chan syncer.Snapshot, 1)
	cancel := currentSession(c).Controller.Observe(func(s syncer.Snapshot) {
		select {
		case updates <- s:
			return
		default:
		}
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- s:
		default:
		}
	})
	defer cancel()

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()

	ctx := c.Request().Context()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := res.Write([]byte(": keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case s := <-updates:
			if last != 0 && s.Version <= last {
				continue
			}
			last = s.Version
			data, err := sonic.Marshal(eventOf(s))
			if err != nil {
				h.logger.WithError(err).Error("encode snapshot")
				return err
			}
			if _, err := res.Write([]byte("event: snapshot\ndata: ")); err != nil {
				return nil
			}
			if _, err := res.Write(data); err != nil {
				return nil
			}
			if _, err := res.Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
