// Package dispatch publishes planned detection executions to the worker
// queues. It is fire-and-forward: it never waits for a worker response.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/uetsymphonique/checking-engine-pplab/internal/codec"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
	"github.com/uetsymphonique/checking-engine-pplab/internal/metrics"
	"github.com/uetsymphonique/checking-engine-pplab/internal/mq"
)

// Dispatcher turns pending detection_execution rows into task envelopes on
// the api.tasks or agent.tasks queue.
type Dispatcher struct {
	publisher mq.Publisher
	log       *slog.Logger
}

// New builds a dispatcher over the given publisher. The publisher must be
// connected with the dispatcher role.
func New(publisher mq.Publisher, log *slog.Logger) *Dispatcher {
	return &Dispatcher{publisher: publisher, log: log}
}

// RoutingKey maps a detection type to the task routing key its worker class
// listens on.
func RoutingKey(t domain.DetectionType) string {
	if t.WorkerClass() == "api" {
		return mq.KeyAPITask
	}
	return mq.KeyAgentTask
}

// Dispatch publishes one task per detection execution. The rows must already
// be committed in state pending; a publish failure propagates so the caller
// can nack the originating instruction message and let the broker retry.
func (d *Dispatcher) Dispatch(ctx context.Context, execution *domain.Execution, rows []domain.DetectionExecution) error {
	for i := range rows {
		row := &rows[i]
		task := codec.TaskMessage{
			TaskID:               row.ID,
			DetectionExecutionID: row.ID,
			ExecutionID:          execution.ID,
			OperationID:          execution.OperationExternalID,
			DetectionType:        row.DetectionType,
			Platform:             row.DetectionPlatform,
			Config:               row.DetectionConfig,
			MaxRetries:           row.MaxRetries,
			EnqueuedAt:           codec.Now(),
		}
		body, err := codec.EncodeTask(&task)
		if err != nil {
			return fmt.Errorf("dispatch %s: %w", row.ID, err)
		}
		key := RoutingKey(row.DetectionType)
		if err := d.publisher.Publish(ctx, key, body); err != nil {
			return fmt.Errorf("dispatch %s to %s: %w", row.ID, key, err)
		}
		metrics.IncDispatched(string(row.DetectionType))
		d.log.Debug("task dispatched",
			"detection_execution_id", row.ID,
			"detection_type", string(row.DetectionType),
			"platform", row.DetectionPlatform,
			"routing_key", key)
	}
	return nil
}
