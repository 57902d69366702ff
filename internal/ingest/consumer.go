// Package ingest consumes execution records from the instructions queue,
// persists them, and fans detection tasks out to the worker queues.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/uetsymphonique/checking-engine-pplab/internal/codec"
	"github.com/uetsymphonique/checking-engine-pplab/internal/dispatch"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
	"github.com/uetsymphonique/checking-engine-pplab/internal/history"
	"github.com/uetsymphonique/checking-engine-pplab/internal/metrics"
	"github.com/uetsymphonique/checking-engine-pplab/internal/mq"
	"github.com/uetsymphonique/checking-engine-pplab/internal/planner"
	"github.com/uetsymphonique/checking-engine-pplab/internal/store"
)

// Consumer processes one execution record per delivery: one transaction for
// the rows, then task publishes, then ack. Redelivery of a known link id is
// the idempotent replay path.
type Consumer struct {
	store             store.Store
	dispatcher        *dispatch.Dispatcher
	recorder          *history.Recorder
	defaultMaxRetries int
	log               *slog.Logger
}

// New builds the ingestion consumer.
func New(st store.Store, dispatcher *dispatch.Dispatcher, recorder *history.Recorder, defaultMaxRetries int, log *slog.Logger) *Consumer {
	return &Consumer{
		store:             st,
		dispatcher:        dispatcher,
		recorder:          recorder,
		defaultMaxRetries: defaultMaxRetries,
		log:               log,
	}
}

// Handle implements mq.HandlerFunc for the instructions queue.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) mq.Disposition {
	rec, err := codec.DecodeExecutionRecord(d.Body)
	if err != nil {
		c.log.Warn("rejecting execution record", "err", err)
		return mq.Reject(err.Error())
	}

	tasks := planner.Plan(rec, c.defaultMaxRetries)

	var (
		execution *domain.Execution
		created   bool
		rows      []domain.DetectionExecution
	)
	err = c.store.WithinTx(ctx, func(g store.Gateway) error {
		startedAt := timePtr(rec.Operation.StartedAt.Time)
		if _, err := g.UpsertOperation(ctx, store.UpsertOperationParams{
			ExternalID: rec.Operation.ID,
			Name:       rec.Operation.Name,
			StartedAt:  startedAt,
			Reported:   rec.Execution.AgentReportedAt.Time,
		}); err != nil {
			return err
		}

		var err error
		execution, created, err = g.CreateExecutionIfAbsent(ctx, store.CreateExecutionParams{
			OperationExternalID: rec.Operation.ID,
			AgentHost:           rec.Execution.AgentHost,
			AgentPaw:            rec.Execution.AgentPaw,
			LinkID:              rec.Execution.LinkID,
			Command:             rec.Execution.Command,
			PID:                 rec.Execution.PID,
			Status:              rec.Execution.Status,
			ResultData:          marshalResultData(rec.Execution.ResultData),
			AgentReportedAt:     timePtr(rec.Execution.AgentReportedAt.Time),
			LinkState:           rec.Execution.LinkState,
			RawMessage:          rec.Raw,
		})
		if err != nil {
			return err
		}
		if !created {
			return nil
		}

		rows = rows[:0]
		for _, task := range tasks {
			row, err := g.CreateDetectionExecution(ctx, store.CreateDetectionExecutionParams{
				ExecutionID:         execution.ID,
				OperationExternalID: execution.OperationExternalID,
				DetectionType:       task.Type,
				DetectionPlatform:   task.Platform,
				DetectionConfig:     task.Config,
				MaxRetries:          task.MaxRetries,
			})
			if err != nil {
				return err
			}
			rows = append(rows, *row)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConstraint) {
			c.log.Error("execution record violates a store constraint", "link_id", rec.Execution.LinkID, "err", err)
			return mq.Reject(err.Error())
		}
		c.log.Warn("ingest transaction failed; requeueing", "link_id", rec.Execution.LinkID, "err", err)
		return mq.Requeue(err.Error())
	}

	if !created {
		// Replay: the rows are already committed. Re-publish whatever is
		// still pending so a previously failed dispatch gets retried; the
		// worker's CAS absorbs duplicates.
		metrics.IncDuplicate()
		pending, err := c.store.ListDetectionExecutions(ctx, store.DetectionExecutionFilter{
			ExecutionID: execution.ID,
			Statuses:    []domain.DetectionStatus{domain.StatusPending},
		})
		if err != nil {
			return mq.Requeue(err.Error())
		}
		if len(pending) > 0 {
			if err := c.dispatcher.Dispatch(ctx, execution, pending); err != nil {
				return mq.Requeue(err.Error())
			}
		}
		c.log.Info("duplicate execution record acked",
			"link_id", rec.Execution.LinkID, "redispatched", len(pending))
		return mq.Ack()
	}

	metrics.IncIngested()
	c.recorder.Record(ctx, history.Event{
		Stage:               history.StageIngested,
		OccurredAt:          time.Now().UTC(),
		OperationExternalID: execution.OperationExternalID,
		ExecutionID:         execution.ID,
		Detail:              rec.Execution.LinkState,
	})

	if len(rows) > 0 {
		if err := c.dispatcher.Dispatch(ctx, execution, rows); err != nil {
			// The pending rows are committed; nack so the broker redelivers
			// and the replay path retries the publishes.
			c.log.Warn("task dispatch failed; requeueing instruction", "link_id", rec.Execution.LinkID, "err", err)
			return mq.Requeue(err.Error())
		}
		for i := range rows {
			c.recorder.Record(ctx, history.Event{
				Stage:                history.StageDispatched,
				OccurredAt:           time.Now().UTC(),
				OperationExternalID:  execution.OperationExternalID,
				ExecutionID:          execution.ID,
				DetectionExecutionID: rows[i].ID,
				Status:               string(rows[i].Status),
				Detail:               string(rows[i].DetectionType) + "/" + rows[i].DetectionPlatform,
			})
		}
	}

	c.log.Info("execution record ingested",
		"operation_id", execution.OperationExternalID,
		"link_id", rec.Execution.LinkID,
		"detections", len(rows))
	return mq.Ack()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func marshalResultData(rd codec.ResultData) []byte {
	b, err := codec.EncodeResultData(rd)
	if err != nil {
		return nil
	}
	return b
}
