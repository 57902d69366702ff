package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/uetsymphonique/checking-engine-pplab/internal/codec"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
	"github.com/uetsymphonique/checking-engine-pplab/internal/metrics"
	"github.com/uetsymphonique/checking-engine-pplab/internal/mq"
	"github.com/uetsymphonique/checking-engine-pplab/internal/store"
)

// Options parameterizes the runtime.
type Options struct {
	WorkerID        string
	JitterMin       time.Duration
	JitterMax       time.Duration
	RetryDelay      time.Duration
	DetectorTimeout time.Duration
	// DetectorRate caps detector invocations per second across the pool;
	// zero disables the cap.
	DetectorRate float64
}

// Runtime handles task deliveries for one worker class. It never writes
// detection_results; that is the result consumer's job. It only mutates its
// own detection_execution row: status, retry_count, metadata.
type Runtime struct {
	store    store.Store
	pub      mq.Publisher
	registry *Registry
	opts     Options
	limiter  *rate.Limiter
	log      *slog.Logger
}

// New builds a runtime. The publisher must be connected with the worker
// role.
func New(st store.Store, pub mq.Publisher, registry *Registry, opts Options, log *slog.Logger) *Runtime {
	var limiter *rate.Limiter
	if opts.DetectorRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.DetectorRate), 1)
	}
	return &Runtime{
		store:    st,
		pub:      pub,
		registry: registry,
		opts:     opts,
		limiter:  limiter,
		log:      log.With("worker_id", opts.WorkerID),
	}
}

// taskTuning is the slice of a detection config the runtime itself reads:
// extra fixed jitter and an override for the delay between retries, both in
// seconds.
type taskTuning struct {
	Jitter float64  `json:"jitter"`
	Delay  *float64 `json:"delay"`
}

// Handle implements mq.HandlerFunc for a task queue.
func (r *Runtime) Handle(ctx context.Context, d amqp.Delivery) mq.Disposition {
	task, err := codec.DecodeTask(d.Body)
	if err != nil {
		r.log.Warn("rejecting task", "err", err)
		return mq.Reject(err.Error())
	}
	log := r.log.With("detection_execution_id", task.DetectionExecutionID,
		"detection_type", string(task.DetectionType), "platform", task.Platform)

	now := time.Now().UTC()
	err = r.store.TransitionDetectionExecution(ctx, task.DetectionExecutionID,
		[]domain.DetectionStatus{domain.StatusPending},
		domain.StatusRunning,
		store.TransitionPatch{StartedAt: &now})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("task references unknown detection execution")
		return mq.Reject("unknown detection execution")
	case errors.Is(err, domain.ErrConflict):
		row, lookupErr := r.store.GetDetectionExecution(ctx, task.DetectionExecutionID)
		if lookupErr != nil {
			return mq.Requeue(lookupErr.Error())
		}
		if row.Status.Terminal() {
			// Duplicate delivery after completion: the response was already
			// published. Skip the detector entirely.
			log.Info("detection execution already terminal; acking duplicate task", "status", string(row.Status))
			return mq.Ack()
		}
		// Already running: a previous worker crashed between CAS and ack.
		log.Warn("detection execution already running; resuming after redelivery")
	default:
		return mq.Requeue(err.Error())
	}

	var tuning taskTuning
	if len(task.Config) > 0 {
		_ = json.Unmarshal(task.Config, &tuning)
	}

	if !r.sleep(ctx, r.jitter(tuning)) {
		return mq.Requeue("shutdown during jitter")
	}

	resp, disp := r.runDetection(ctx, task, tuning, log)
	if resp == nil {
		return disp
	}
	resp.WorkerID = r.opts.WorkerID
	resp.FinishedAt = codec.Now()

	body, err := codec.EncodeResponse(resp)
	if err != nil {
		log.Error("encode response failed", "err", err)
		return mq.Requeue(err.Error())
	}
	key := mq.KeyAgentResponse
	if task.DetectionType.WorkerClass() == "api" {
		key = mq.KeyAPIResponse
	}
	if err := r.pub.Publish(ctx, key, body); err != nil {
		// Requeueing after a successful publish risks a duplicate response;
		// the result consumer tolerates those.
		log.Warn("response publish failed; requeueing task", "err", err)
		return mq.Requeue(err.Error())
	}
	log.Info("detection finished", "outcome", string(resp.Outcome), "detected", string(resp.Detected))
	return mq.Ack()
}

// runDetection drives the detector with the retry budget from the task.
// It returns the response to publish, or a non-ack disposition when the
// runtime cannot proceed.
func (r *Runtime) runDetection(ctx context.Context, task *codec.TaskMessage, tuning taskTuning, log *slog.Logger) (*codec.ResponseMessage, mq.Disposition) {
	detector := r.registry.Lookup(task.DetectionType, task.Platform)
	if detector == nil {
		log.Warn("no detector for task; reporting unsupported platform")
		return failureResponse(task, domain.OutcomeError, "runtime",
			map[string]any{"error": "unsupported platform"}), mq.Disposition{}
	}

	retryDelay := r.opts.RetryDelay
	if tuning.Delay != nil && *tuning.Delay >= 0 {
		retryDelay = time.Duration(*tuning.Delay * float64(time.Second))
	}

	attempts := task.MaxRetries + 1
	var lastErr error
	timedOut := false
	for attempt := 0; attempt < attempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, mq.Requeue("shutdown waiting for detector slot")
			}
		}

		detCtx := ctx
		var cancel context.CancelFunc
		if r.opts.DetectorTimeout > 0 {
			detCtx, cancel = context.WithTimeout(ctx, r.opts.DetectorTimeout)
		}
		start := time.Now()
		detection, err := detector.Detect(detCtx, task)
		deadlineHit := detCtx.Err() != nil && ctx.Err() == nil
		if cancel != nil {
			cancel()
		}
		metrics.ObserveDetector(string(task.DetectionType), task.Platform, time.Since(start).Seconds())

		if err == nil {
			return successResponse(task, detection), mq.Disposition{}
		}
		if ctx.Err() != nil {
			return nil, mq.Requeue("shutdown during detection")
		}
		lastErr = err
		// Detectors may wrap the context error opaquely; the dedicated
		// deadline context tells timeouts apart regardless.
		timedOut = errors.Is(err, context.DeadlineExceeded) || deadlineHit
		if errors.Is(err, domain.ErrPermanent) {
			log.Warn("detector failed permanently", "err", err)
			break
		}

		if attempt < attempts-1 {
			if _, incErr := r.store.IncrementRetryCount(ctx, task.DetectionExecutionID); incErr != nil {
				log.Warn("retry budget update failed; giving up", "err", incErr)
				break
			}
			metrics.IncDetectorRetry(string(task.DetectionType), task.Platform)
			log.Warn("detector failed; retrying", "attempt", attempt+1, "of", attempts, "delay", retryDelay, "err", err)
			if !r.sleep(ctx, retryDelay) {
				return nil, mq.Requeue("shutdown during retry delay")
			}
			continue
		}
		log.Error("detector retries exhausted", "attempts", attempts, "err", err)
	}

	outcome := domain.OutcomeError
	if timedOut {
		outcome = domain.OutcomeTimeout
	}
	detail := map[string]any{"attempts": attempts}
	if lastErr != nil {
		detail["error"] = lastErr.Error()
	}
	return failureResponse(task, outcome, "worker", detail), mq.Disposition{}
}

func (r *Runtime) jitter(tuning taskTuning) time.Duration {
	d := r.opts.JitterMin
	if span := r.opts.JitterMax - r.opts.JitterMin; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	if tuning.Jitter > 0 {
		d += time.Duration(tuning.Jitter * float64(time.Second))
	}
	return d
}

// sleep waits for d unless ctx is cancelled first. Reports whether the full
// wait elapsed.
func (r *Runtime) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func successResponse(task *codec.TaskMessage, det *Detection) *codec.ResponseMessage {
	return &codec.ResponseMessage{
		TaskID:               task.TaskID,
		DetectionExecutionID: task.DetectionExecutionID,
		Outcome:              domain.OutcomeOK,
		Detected:             det.Detected,
		RawResponse:          det.Raw,
		ParsedResults:        det.Parsed,
		Source:               det.Source,
	}
}

func failureResponse(task *codec.TaskMessage, outcome domain.Outcome, source string, detail map[string]any) *codec.ResponseMessage {
	meta, err := json.Marshal(detail)
	if err != nil {
		meta = []byte(fmt.Sprintf(`{"error":%q}`, "metadata marshal failed"))
	}
	return &codec.ResponseMessage{
		TaskID:               task.TaskID,
		DetectionExecutionID: task.DetectionExecutionID,
		Outcome:              outcome,
		Detected:             domain.DetectedUnknown,
		Source:               source,
		Metadata:             meta,
	}
}
