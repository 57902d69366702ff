// Package store is the gateway to the four durable entities: operations,
// executions, detection_executions and detection_results. It owns all row
// lifetimes; broker messages carry only references into it.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

// UpsertOperationParams identifies an operation by its upstream id.
// Reported is the incoming record's timestamp; the stored name/metadata are
// only replaced when they are older than it.
type UpsertOperationParams struct {
	ExternalID uuid.UUID
	Name       string
	StartedAt  *time.Time
	Metadata   []byte
	Reported   time.Time
}

// CreateExecutionParams carries one execution record row. Uniqueness is on
// (OperationExternalID, LinkID).
type CreateExecutionParams struct {
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
}

// CreateDetectionExecutionParams inserts one planned detection in state
// pending.
type CreateDetectionExecutionParams struct {
	ExecutionID         uuid.UUID
	OperationExternalID uuid.UUID
	DetectionType       domain.DetectionType
	DetectionPlatform   string
	DetectionConfig     []byte
	MaxRetries          int
}

// TransitionPatch is the set of columns a CAS transition may additionally
// set. Nil fields are left untouched.
type TransitionPatch struct {
	StartedAt         *time.Time
	CompletedAt       *time.Time
	RetryCount        *int
	ExecutionMetadata []byte
}

// AppendDetectionResultParams appends one observation row.
type AppendDetectionResultParams struct {
	DetectionExecutionID uuid.UUID
	Detected             domain.Detected
	RawResponse          []byte
	ParsedResults        []byte
	ResultTimestamp      time.Time
	ResultSource         string
	Metadata             []byte
}

// DetectionExecutionFilter narrows ListDetectionExecutions. Zero values are
// ignored.
type DetectionExecutionFilter struct {
	ExecutionID         uuid.UUID
	OperationExternalID uuid.UUID
	Statuses            []domain.DetectionStatus
	CreatedAfter        time.Time
	CreatedBefore       time.Time
	Limit               int
	Offset              int
}

// Gateway is the mutation and query surface shared by the store and by an
// open transaction. All mutators map failures onto the domain error kinds.
type Gateway interface {
	UpsertOperation(ctx context.Context, p UpsertOperationParams) (*domain.Operation, error)
	CreateExecutionIfAbsent(ctx context.Context, p CreateExecutionParams) (*domain.Execution, bool, error)
	CreateDetectionExecution(ctx context.Context, p CreateDetectionExecutionParams) (*domain.DetectionExecution, error)
	// TransitionDetectionExecution is a compare-and-set on status: it succeeds
	// only when the current status is one of from. A lost CAS returns
	// ErrConflict; a missing row returns ErrNotFound.
	TransitionDetectionExecution(ctx context.Context, id uuid.UUID, from []domain.DetectionStatus, to domain.DetectionStatus, patch TransitionPatch) error
	// IncrementRetryCount bumps retry_count by one while it is still below
	// max_retries and returns the new value.
	IncrementRetryCount(ctx context.Context, id uuid.UUID) (int, error)
	AppendDetectionResult(ctx context.Context, p AppendDetectionResultParams) (*domain.DetectionResult, error)

	GetOperation(ctx context.Context, id uuid.UUID) (*domain.Operation, error)
	GetOperationByExternalID(ctx context.Context, externalID uuid.UUID) (*domain.Operation, error)
	ListOperations(ctx context.Context, limit, offset int) ([]domain.Operation, error)
	GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	ListExecutionsByOperation(ctx context.Context, operationExternalID uuid.UUID, limit, offset int) ([]domain.Execution, error)
	GetDetectionExecution(ctx context.Context, id uuid.UUID) (*domain.DetectionExecution, error)
	ListDetectionExecutions(ctx context.Context, f DetectionExecutionFilter) ([]domain.DetectionExecution, error)
	ListDetectionResults(ctx context.Context, detectionExecutionID uuid.UUID) ([]domain.DetectionResult, error)
	CountDetectionsByStatus(ctx context.Context) (map[domain.DetectionStatus]int, error)
}

// Store is a Gateway plus connection management and transaction scoping.
// WithinTx runs fn against a transaction-bound Gateway; fn returning an
// error rolls the transaction back.
type Store interface {
	Gateway
	WithinTx(ctx context.Context, fn func(g Gateway) error) error
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
