package narrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/internal/narrator"

// Metrics holds the narrator instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	commands     metric.Int64Counter
	stateChanges metric.Int64Counter
	misses       metric.Int64Counter
	sessions     metric.Int64Counter
}

// NewMetrics registers the narrator instruments on the global meter
// provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	commands, err := meter.Int64Counter("narrator.commands",
		metric.WithDescription("Control commands handled, by action and outcome"))
	if err != nil {
		return nil, err
	}
	stateChanges, err := meter.Int64Counter("narrator.state_changes",
		metric.WithDescription("Observed playback state changes, by status"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("narrator.boundary_misses",
		metric.WithDescription("Word boundaries whose offset matched no word"))
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64Counter("narrator.sessions",
		metric.WithDescription("Prepared narration sessions"))
	if err != nil {
		return nil, err
	}
	return &Metrics{commands: commands, stateChanges: stateChanges, misses: misses, sessions: sessions}, nil
}

func (m *Metrics) command(ctx context.Context, action string, ok bool) {
	if m == nil {
		return
	}
	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("ok", ok)))
}

func (m *Metrics) stateChange(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.stateChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) session(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, 1)
}

// BoundaryMiss is suitable as playback.Options.OnMiss.
func (m *Metrics) BoundaryMiss(int) {
	if m == nil {
		return
	}
	m.misses.Add(context.Background(), 1)
}
