// Package history exports detection lifecycle events to external analytics
// systems. Sinks are best-effort: a failing sink never blocks the pipeline.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Stage identifies the pipeline stage an event was emitted from.
type Stage string

const (
	StageIngested   Stage = "ingested"
	StageDispatched Stage = "dispatched"
	StageFinished   Stage = "finished"
)

// Event is one lifecycle observation.
type Event struct {
	Stage                Stage
	OccurredAt           time.Time
	OperationExternalID  uuid.UUID
	ExecutionID          uuid.UUID
	DetectionExecutionID uuid.UUID
	Status               string
	Detail               string
}

// Sink is a destination for lifecycle events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to the configured sinks. A nil Recorder or a
// Recorder with no sinks is a no-op, so callers never branch.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger
}

// NewRecorder builds a recorder over sinks.
func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, log: log}
}

// Record delivers e to every sink. Sink failures are logged and dropped;
// lifecycle history is observational and must not affect correctness.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "stage", string(e.Stage), "err", err)
		}
	}
}
