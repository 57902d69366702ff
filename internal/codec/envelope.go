// Package codec owns the four on-wire message shapes exchanged over the
// broker. It is the only package that converts raw bytes to typed envelopes
// and back. Inbound payloads tolerate unknown fields; outbound payloads are
// canonical and never carry them.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

// OperationInfo is the operation block of an execution record.
type OperationInfo struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	StartedAt Timestamp `json:"started_at"`
}

// ResultData carries the captured command output of one execution.
type ResultData struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ExecutionInfo is the execution block of an execution record.
type ExecutionInfo struct {
	LinkID          uuid.UUID  `json:"link_id"`
	AgentHost       string     `json:"agent_host"`
	AgentPaw        string     `json:"agent_paw"`
	Command         string     `json:"command"`
	PID             int        `json:"pid"`
	Status          int        `json:"status"`
	ResultData      ResultData `json:"result_data"`
	AgentReportedAt Timestamp  `json:"agent_reported_at"`
	LinkState       string     `json:"link_state"`
}

// ExecutionRecord is the envelope published by the upstream emulation tool.
// Detections is a two-level map {type: {platform: config}}; Raw retains the
// exact inbound bytes for audit storage.
type ExecutionRecord struct {
	Operation  OperationInfo                         `json:"operation"`
	Execution  ExecutionInfo                         `json:"execution"`
	Detections map[string]map[string]json.RawMessage `json:"detections,omitempty"`
	Raw        []byte                                `json:"-"`
}

// TaskMessage is the envelope carried by api.tasks and agent.tasks.
type TaskMessage struct {
	TaskID               uuid.UUID            `json:"task_id"`
	DetectionExecutionID uuid.UUID            `json:"detection_execution_id"`
	ExecutionID          uuid.UUID            `json:"execution_id"`
	OperationID          uuid.UUID            `json:"operation_id"`
	DetectionType        domain.DetectionType `json:"detection_type"`
	Platform             string               `json:"platform"`
	Config               json.RawMessage      `json:"config"`
	MaxRetries           int                  `json:"max_retries"`
	EnqueuedAt           Timestamp            `json:"enqueued_at"`
}

// ResponseMessage is the envelope carried by api.responses and
// agent.responses back to the result consumer.
type ResponseMessage struct {
	TaskID               uuid.UUID       `json:"task_id"`
	DetectionExecutionID uuid.UUID       `json:"detection_execution_id"`
	Outcome              domain.Outcome  `json:"outcome"`
	Detected             domain.Detected `json:"detected"`
	RawResponse          json.RawMessage `json:"raw_response,omitempty"`
	ParsedResults        json.RawMessage `json:"parsed_results,omitempty"`
	Source               string          `json:"source"`
	WorkerID             string          `json:"worker_id"`
	FinishedAt           Timestamp       `json:"finished_at"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
}

// DecodeExecutionRecord parses and validates an inbound execution record.
func DecodeExecutionRecord(b []byte) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("%w: execution record: %v", domain.ErrMalformed, err)
	}
	if rec.Operation.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: execution record missing operation.id", domain.ErrMalformed)
	}
	if rec.Operation.Name == "" {
		return nil, fmt.Errorf("%w: execution record missing operation.name", domain.ErrMalformed)
	}
	if rec.Execution.LinkID == uuid.Nil {
		return nil, fmt.Errorf("%w: execution record missing execution.link_id", domain.ErrMalformed)
	}
	for top, platforms := range rec.Detections {
		// Unknown detection types are dropped, not rejected: upstream may
		// grow new ones before this engine learns about them.
		if !domain.DetectionType(top).Valid() {
			delete(rec.Detections, top)
			continue
		}
		for platform := range platforms {
			if platform == "" {
				return nil, fmt.Errorf("%w: empty detection platform under %q", domain.ErrMalformed, top)
			}
		}
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	rec.Raw = raw
	return &rec, nil
}

// EncodeExecutionRecord produces the canonical bytes of an execution record.
// The engine itself only consumes these; the encoder exists for the publish
// side of tests and tooling.
func EncodeExecutionRecord(rec *ExecutionRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// EncodeResultData serializes the captured output block for storage.
func EncodeResultData(rd ResultData) ([]byte, error) {
	return json.Marshal(rd)
}

// DecodeTask parses and validates a task envelope from a task queue.
func DecodeTask(b []byte) (*TaskMessage, error) {
	var task TaskMessage
	if err := json.Unmarshal(b, &task); err != nil {
		return nil, fmt.Errorf("%w: task: %v", domain.ErrMalformed, err)
	}
	if task.TaskID == uuid.Nil {
		return nil, fmt.Errorf("%w: task missing task_id", domain.ErrMalformed)
	}
	if task.DetectionExecutionID == uuid.Nil {
		return nil, fmt.Errorf("%w: task missing detection_execution_id", domain.ErrMalformed)
	}
	if !task.DetectionType.Valid() {
		return nil, fmt.Errorf("%w: task detection_type %q", domain.ErrMalformed, string(task.DetectionType))
	}
	if task.Platform == "" {
		return nil, fmt.Errorf("%w: task missing platform", domain.ErrMalformed)
	}
	if task.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: task max_retries %d", domain.ErrMalformed, task.MaxRetries)
	}
	return &task, nil
}

// EncodeTask produces the canonical bytes of a task envelope.
func EncodeTask(task *TaskMessage) ([]byte, error) {
	b, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.TaskID, err)
	}
	return b, nil
}

// DecodeResponse parses and validates a detection response envelope.
func DecodeResponse(b []byte) (*ResponseMessage, error) {
	var resp ResponseMessage
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("%w: response: %v", domain.ErrMalformed, err)
	}
	if resp.DetectionExecutionID == uuid.Nil {
		return nil, fmt.Errorf("%w: response missing detection_execution_id", domain.ErrMalformed)
	}
	if !resp.Outcome.Valid() {
		return nil, fmt.Errorf("%w: response outcome %q", domain.ErrMalformed, string(resp.Outcome))
	}
	if resp.Detected == "" {
		resp.Detected = domain.DetectedUnknown
	}
	if !resp.Detected.Valid() {
		return nil, fmt.Errorf("%w: response detected %q", domain.ErrMalformed, string(resp.Detected))
	}
	return &resp, nil
}

// EncodeResponse produces the canonical bytes of a detection response.
func EncodeResponse(resp *ResponseMessage) ([]byte, error) {
	if resp.Detected == "" {
		resp.Detected = domain.DetectedUnknown
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response %s: %w", resp.DetectionExecutionID, err)
	}
	return b, nil
}
