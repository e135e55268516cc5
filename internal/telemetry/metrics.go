// Package telemetry records session and usage metrics through the
// OpenTelemetry metric API. Configure the global MeterProvider before calling
// New; without one, the instruments are no-ops.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/session"
	"github.com/BitBrujo/rigger/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/BitBrujo/rigger"

// Metrics implements session.Observer.
type Metrics struct {
	sessionsCreated metric.Int64Counter
	sessionsEnded   metric.Int64Counter
	running         metric.Int64UpDownCounter
	executionTime   metric.Float64Histogram
	steps           metric.Int64Counter
	duplicateSteps  metric.Int64Counter
	costUSD         metric.Float64Counter
	tokens          metric.Int64Counter
}

var _ session.Observer = (*Metrics)(nil)

// New creates the instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(instrumentationName))
}

// NewWithMeter creates the instruments on meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	m.sessionsCreated, err = meter.Int64Counter("rigger.sessions.created",
		metric.WithDescription("Sessions created"))
	collect(err)
	m.sessionsEnded, err = meter.Int64Counter("rigger.sessions.ended",
		metric.WithDescription("Sessions that reached a terminal status"))
	collect(err)
	m.running, err = meter.Int64UpDownCounter("rigger.executions.running",
		metric.WithDescription("Executions currently driven by the engine"))
	collect(err)
	m.executionTime, err = meter.Float64Histogram("rigger.executions.duration",
		metric.WithDescription("Wall time of one execution"),
		metric.WithUnit("s"))
	collect(err)
	m.steps, err = meter.Int64Counter("rigger.usage.steps",
		metric.WithDescription("Usage steps recorded in the ledger"))
	collect(err)
	m.duplicateSteps, err = meter.Int64Counter("rigger.usage.duplicate_steps",
		metric.WithDescription("Result events whose step id was already recorded"))
	collect(err)
	m.costUSD, err = meter.Float64Counter("rigger.usage.cost",
		metric.WithDescription("Billed engine cost"),
		metric.WithUnit("USD"))
	collect(err)
	m.tokens, err = meter.Int64Counter("rigger.usage.tokens",
		metric.WithDescription("Billed engine tokens"))
	collect(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &m, nil
}

func (m *Metrics) SessionCreated(pattern domain.SessionPattern) {
	m.sessionsCreated.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("pattern", string(pattern))))
}

func (m *Metrics) SessionEnded(status domain.SessionStatus, reason string) {
	m.sessionsEnded.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) StepRecorded(step *domain.UsageStep, inserted bool) {
	ctx := context.Background()
	if !inserted {
		m.duplicateSteps.Add(ctx, 1)
		return
	}
	m.steps.Add(ctx, 1)
	m.costUSD.Add(ctx, step.CostUSD)
	for kind, n := range map[string]int64{
		"input":          step.InputTokens,
		"output":         step.OutputTokens,
		"cache_creation": step.CacheCreationTokens,
		"cache_read":     step.CacheReadTokens,
	} {
		if n > 0 {
			m.tokens.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
		}
	}
}

func (m *Metrics) ExecutionStarted() {
	m.running.Add(context.Background(), 1)
}

func (m *Metrics) ExecutionFinished(terminal stream.EventType, elapsed time.Duration) {
	ctx := context.Background()
	m.running.Add(ctx, -1)
	m.executionTime.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("terminal", string(terminal))))
}
