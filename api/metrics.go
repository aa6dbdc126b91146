package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "lifecenter/api"

var commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lifecenter",
	Subsystem: "api",
	Name:      "commands_total",
	Help:      "Commands received, by action and outcome.",
}, []string{"action", "status"})

// commandRequestMetrics collects timings of one POST /api/commands and logs
// them as a single line when the request ends.
type commandRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	dedupeDuration time.Duration
	waitDuration   time.Duration
	received       int
	statuses       map[string]int
	errorStage     string
}

func newCommandRequestMetrics(ctx context.Context, logger *log.Logger) (*commandRequestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "api.commands")
	return &commandRequestMetrics{
		logger:   logger,
		span:     span,
		start:    time.Now(),
		statuses: map[string]int{},
	}, ctx
}

func (m *commandRequestMetrics) ObserveDedupe(d time.Duration) {
	if d > 0 {
		m.dedupeDuration = d
	}
}

func (m *commandRequestMetrics) ObserveWait(d time.Duration) {
	if d > 0 {
		m.waitDuration = d
	}
}

func (m *commandRequestMetrics) SetReceived(n int) {
	if n > 0 {
		m.received = n
	}
}

// Outcome counts one command result.
func (m *commandRequestMetrics) Outcome(action, status string) {
	m.statuses[status]++
	commandsTotal.WithLabelValues(action, status).Inc()
}

func (m *commandRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *commandRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if m.span != nil {
		m.span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int("commands.received", m.received),
		)
		if err != nil {
			m.span.RecordError(err)
		}
		m.span.End()
	}
	if m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":    "/api/commands",
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
		"received": m.received,
	}
	if m.dedupeDuration > 0 {
		fields["dedupe_ms"] = durationToMillis(m.dedupeDuration)
	}
	if m.waitDuration > 0 {
		fields["wait_ms"] = durationToMillis(m.waitDuration)
	}
	for s, n := range m.statuses {
		fields["n_"+s] = n
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("commands.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
