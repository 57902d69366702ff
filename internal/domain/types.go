package domain

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DetectionType selects the worker class a detection task is routed to.
type DetectionType string

const (
	DetectionAPI     DetectionType = "api"
	DetectionWindows DetectionType = "windows"
	DetectionLinux   DetectionType = "linux"
	DetectionDarwin  DetectionType = "darwin"
)

// Valid reports whether t is one of the four known detection types.
func (t DetectionType) Valid() bool {
	switch t {
	case DetectionAPI, DetectionWindows, DetectionLinux, DetectionDarwin:
		return true
	}
	return false
}

// WorkerClass maps a detection type to its task/response queue family:
// "api" for API detections, "agent" for every host platform.
func (t DetectionType) WorkerClass() string {
	if t == DetectionAPI {
		return "api"
	}
	return "agent"
}

// DetectionStatus is the lifecycle state of one detection execution.
type DetectionStatus string

const (
	StatusPending   DetectionStatus = "pending"
	StatusRunning   DetectionStatus = "running"
	StatusCompleted DetectionStatus = "completed"
	StatusFailed    DetectionStatus = "failed"
	StatusCancelled DetectionStatus = "cancelled"
)

// Terminal reports whether the status is sticky: once reached, no further
// transition is allowed.
func (s DetectionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s DetectionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Outcome is the worker's verdict on how a detection attempt ended.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeOK, OutcomeError, OutcomeTimeout:
		return true
	}
	return false
}

// TerminalStatus maps an outcome to the terminal detection status it implies.
func (o Outcome) TerminalStatus() DetectionStatus {
	if o == OutcomeOK {
		return StatusCompleted
	}
	return StatusFailed
}

// Detected is the tri-state verdict of a detection: the platform saw the
// activity, did not see it, or could not tell.
type Detected string

const (
	DetectedTrue    Detected = "true"
	DetectedFalse   Detected = "false"
	DetectedUnknown Detected = "unknown"
)

// Valid reports whether d is a known tri-state value.
func (d Detected) Valid() bool {
	switch d {
	case DetectedTrue, DetectedFalse, DetectedUnknown:
		return true
	}
	return false
}

// Bool converts the tri-state to a nullable bool for storage: nil for unknown.
func (d Detected) Bool() *bool {
	switch d {
	case DetectedTrue:
		v := true
		return &v
	case DetectedFalse:
		v := false
		return &v
	}
	return nil
}

// DetectedFromBool converts a nullable bool back to the tri-state.
func DetectedFromBool(b *bool) Detected {
	switch {
	case b == nil:
		return DetectedUnknown
	case *b:
		return DetectedTrue
	}
	return DetectedFalse
}

// MarshalJSON emits the tri-state as a JSON boolean or the string "unknown".
func (d Detected) MarshalJSON() ([]byte, error) {
	switch d {
	case DetectedTrue:
		return []byte("true"), nil
	case DetectedFalse:
		return []byte("false"), nil
	case DetectedUnknown, "":
		return []byte(`"unknown"`), nil
	}
	return nil, fmt.Errorf("%w: detected %q", ErrMalformed, string(d))
}

// UnmarshalJSON accepts true/false, the quoted tri-state strings, and JSON
// null (legacy producers emit null for unknown). Anything else is rejected.
func (d *Detected) UnmarshalJSON(b []byte) error {
	switch {
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte(`"true"`)):
		*d = DetectedTrue
	case bytes.Equal(b, []byte("false")), bytes.Equal(b, []byte(`"false"`)):
		*d = DetectedFalse
	case bytes.Equal(b, []byte("null")), bytes.Equal(b, []byte(`"unknown"`)):
		*d = DetectedUnknown
	default:
		return fmt.Errorf("%w: detected %s", ErrMalformed, string(b))
	}
	return nil
}

// Operation is one upstream emulation campaign. Created on first sighting of
// any execution referencing it; never deleted by the engine.
type Operation struct {
	ID         uuid.UUID
	ExternalID uuid.UUID
	Name       string
	StartedAt  *time.Time
	Metadata   []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Execution is one command result reported by one agent. Immutable after
// creation; RawMessage retains the original envelope for audit.
type Execution struct {
	ID                  uuid.UUID
	OperationExternalID uuid.UUID
	AgentHost           string
	AgentPaw            string
	LinkID              uuid.UUID
	Command             string
	PID                 int
	Status              int
	ResultData          []byte
	AgentReportedAt     *time.Time
	LinkState           string
	RawMessage          []byte
	CreatedAt           time.Time
}

// DetectionExecution is one planned detection attempt against one platform.
type DetectionExecution struct {
	ID                  uuid.UUID
	ExecutionID         uuid.UUID
	OperationExternalID uuid.UUID
	DetectionType       DetectionType
	DetectionPlatform   string
	DetectionConfig     []byte
	Status              DetectionStatus
	StartedAt           *time.Time
	CompletedAt         *time.Time
	RetryCount          int
	MaxRetries          int
	ExecutionMetadata   []byte
	CreatedAt           time.Time
}

// DetectionResult is one observation reported by a worker. Append-only; a
// detection execution may accumulate several rows under redelivery.
type DetectionResult struct {
	ID                   uuid.UUID
	DetectionExecutionID uuid.UUID
	Detected             Detected
	RawResponse          []byte
	ParsedResults        []byte
	ResultTimestamp      time.Time
	ResultSource         string
	Metadata             []byte
	CreatedAt            time.Time
}
