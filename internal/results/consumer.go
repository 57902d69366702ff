// Package results consumes detection responses from the response queues,
// appends the observation, and settles the owning detection execution.
package results

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/uetsymphonique/checking-engine-pplab/internal/codec"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
	"github.com/uetsymphonique/checking-engine-pplab/internal/history"
	"github.com/uetsymphonique/checking-engine-pplab/internal/metrics"
	"github.com/uetsymphonique/checking-engine-pplab/internal/mq"
	"github.com/uetsymphonique/checking-engine-pplab/internal/store"
)

// Consumer persists worker responses. Result rows are append-only, so a
// duplicated response leaves an audit-visible extra row while the terminal
// status stays untouched.
type Consumer struct {
	store    store.Store
	recorder *history.Recorder
	log      *slog.Logger
}

// New builds the result consumer.
func New(st store.Store, recorder *history.Recorder, log *slog.Logger) *Consumer {
	return &Consumer{store: st, recorder: recorder, log: log}
}

// Handle implements mq.HandlerFunc for both response queues.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) mq.Disposition {
	resp, err := codec.DecodeResponse(d.Body)
	if err != nil {
		c.log.Warn("rejecting detection response", "err", err)
		return mq.Reject(err.Error())
	}
	log := c.log.With("detection_execution_id", resp.DetectionExecutionID)

	terminal := resp.Outcome.TerminalStatus()
	var row *domain.DetectionExecution
	err = c.store.WithinTx(ctx, func(g store.Gateway) error {
		var err error
		row, err = g.GetDetectionExecution(ctx, resp.DetectionExecutionID)
		if err != nil {
			return err
		}

		if _, err := g.AppendDetectionResult(ctx, store.AppendDetectionResultParams{
			DetectionExecutionID: resp.DetectionExecutionID,
			Detected:             resp.Detected,
			RawResponse:          resp.RawResponse,
			ParsedResults:        resp.ParsedResults,
			ResultTimestamp:      resp.FinishedAt.Time,
			ResultSource:         resp.Source,
			Metadata:             resp.Metadata,
		}); err != nil {
			return err
		}

		now := time.Now().UTC()
		err = g.TransitionDetectionExecution(ctx, resp.DetectionExecutionID,
			[]domain.DetectionStatus{domain.StatusPending, domain.StatusRunning},
			terminal,
			store.TransitionPatch{CompletedAt: &now})
		if errors.Is(err, domain.ErrConflict) {
			// Already terminal: a duplicate response. Keep the appended row,
			// leave the status alone.
			log.Info("duplicate detection response; status unchanged")
			return nil
		}
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("response references unknown detection execution")
		return mq.Reject("unknown detection execution")
	case errors.Is(err, domain.ErrConstraint):
		log.Error("detection response violates a store constraint", "err", err)
		return mq.Reject(err.Error())
	default:
		return mq.Requeue(err.Error())
	}

	metrics.IncFinished(string(terminal))
	c.recorder.Record(ctx, history.Event{
		Stage:                history.StageFinished,
		OccurredAt:           time.Now().UTC(),
		OperationExternalID:  row.OperationExternalID,
		ExecutionID:          row.ExecutionID,
		DetectionExecutionID: row.ID,
		Status:               string(terminal),
		Detail:               string(resp.Outcome),
	})
	log.Info("detection response recorded",
		"outcome", string(resp.Outcome),
		"detected", string(resp.Detected),
		"source", resp.Source)
	return mq.Ack()
}
