package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

const (
	operationCols = "id, external_id, name, started_at, metadata, created_at, updated_at"
	executionCols = "id, operation_external_id, agent_host, agent_paw, link_id, command, " +
		"pid, status, result_data, agent_reported_at, link_state, raw_message, created_at"
	detectionExecutionCols = "id, execution_id, operation_external_id, detection_type, " +
		"detection_platform, detection_config, status, started_at, completed_at, " +
		"retry_count, max_retries, execution_metadata, created_at"
	detectionResultCols = "id, detection_execution_id, detected, raw_response, parsed_results, " +
		"result_timestamp, result_source, metadata, created_at"
)

// gateway implements Gateway over a querier (pool or transaction).
type gateway struct {
	q querier
	d dialect
}

func (g gateway) UpsertOperation(ctx context.Context, p UpsertOperationParams) (*domain.Operation, error) {
	now := time.Now().UTC()
	reported := p.Reported
	if reported.IsZero() {
		reported = now
	}
	query := fmt.Sprintf(`INSERT INTO operations (%s) VALUES ($1, $2, $3, $4, %s, $6, $7)
		ON CONFLICT (external_id) DO UPDATE SET
			name = EXCLUDED.name,
			started_at = EXCLUDED.started_at,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		WHERE operations.updated_at < EXCLUDED.updated_at`,
		operationCols, g.d.jsonb("$5"))
	_, err := g.q.ExecContext(ctx, query,
		uuid.NewString(), p.ExternalID.String(), p.Name, toNullTime(p.StartedAt),
		jsonValueOr(p.Metadata, "{}"), now, reported.UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert operation %s: %w", p.ExternalID, mapError(err))
	}
	return g.GetOperationByExternalID(ctx, p.ExternalID)
}

func (g gateway) CreateExecutionIfAbsent(ctx context.Context, p CreateExecutionParams) (*domain.Execution, bool, error) {
	id := uuid.New()
	now := time.Now().UTC()
	query := fmt.Sprintf(`INSERT INTO executions (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, %s, $10, $11, %s, $13)
		ON CONFLICT (operation_external_id, link_id) DO NOTHING`,
		executionCols, g.d.jsonb("$9"), g.d.jsonb("$12"))
	res, err := g.q.ExecContext(ctx, query,
		id.String(), p.OperationExternalID.String(), p.AgentHost, p.AgentPaw,
		p.LinkID.String(), p.Command, p.PID, p.Status, jsonValue(p.ResultData),
		toNullTime(p.AgentReportedAt), p.LinkState, jsonValue(p.RawMessage), now)
	if err != nil {
		return nil, false, fmt.Errorf("create execution %s: %w", p.LinkID, mapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, mapError(err)
	}
	if affected == 0 {
		// Idempotent replay: the link id is already recorded.
		existing, err := g.getExecutionByLink(ctx, p.OperationExternalID, p.LinkID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	ex, err := g.GetExecution(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return ex, true, nil
}

func (g gateway) CreateDetectionExecution(ctx context.Context, p CreateDetectionExecutionParams) (*domain.DetectionExecution, error) {
	if !p.DetectionType.Valid() {
		return nil, fmt.Errorf("%w: detection type %q", domain.ErrConstraint, string(p.DetectionType))
	}
	if p.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries %d", domain.ErrConstraint, p.MaxRetries)
	}
	id := uuid.New()
	now := time.Now().UTC()
	query := fmt.Sprintf(`INSERT INTO detection_executions (%s)
		VALUES ($1, $2, $3, $4, $5, %s, $7, NULL, NULL, 0, $8, %s, $10)`,
		detectionExecutionCols, g.d.jsonb("$6"), g.d.jsonb("$9"))
	_, err := g.q.ExecContext(ctx, query,
		id.String(), p.ExecutionID.String(), p.OperationExternalID.String(),
		string(p.DetectionType), p.DetectionPlatform, jsonValueOr(p.DetectionConfig, "{}"),
		string(domain.StatusPending), p.MaxRetries, "{}", now)
	if err != nil {
		return nil, fmt.Errorf("create detection execution: %w", mapError(err))
	}
	return g.GetDetectionExecution(ctx, id)
}

func (g gateway) TransitionDetectionExecution(ctx context.Context, id uuid.UUID, from []domain.DetectionStatus, to domain.DetectionStatus, patch TransitionPatch) error {
	if !to.Valid() {
		return fmt.Errorf("%w: status %q", domain.ErrConstraint, string(to))
	}
	set := []string{"status = $1"}
	args := []any{string(to)}
	n := 2
	if patch.StartedAt != nil {
		set = append(set, fmt.Sprintf("started_at = $%d", n))
		args = append(args, patch.StartedAt.UTC())
		n++
	}
	if patch.CompletedAt != nil {
		set = append(set, fmt.Sprintf("completed_at = $%d", n))
		args = append(args, patch.CompletedAt.UTC())
		n++
	}
	if patch.RetryCount != nil {
		set = append(set, fmt.Sprintf("retry_count = $%d", n))
		args = append(args, *patch.RetryCount)
		n++
	}
	if patch.ExecutionMetadata != nil {
		set = append(set, fmt.Sprintf("execution_metadata = %s", g.d.jsonb(fmt.Sprintf("$%d", n))))
		args = append(args, string(patch.ExecutionMetadata))
		n++
	}
	args = append(args, id.String())
	idPos := n
	n++
	fromPh := make([]string, 0, len(from))
	for _, st := range from {
		fromPh = append(fromPh, fmt.Sprintf("$%d", n))
		args = append(args, string(st))
		n++
	}
	query := fmt.Sprintf("UPDATE detection_executions SET %s WHERE id = $%d AND status IN (%s)",
		strings.Join(set, ", "), idPos, strings.Join(fromPh, ", "))
	res, err := g.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition detection execution %s: %w", id, mapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected == 0 {
		var current string
		err := g.q.QueryRowContext(ctx, "SELECT status FROM detection_executions WHERE id = $1", id.String()).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("detection execution %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return mapError(err)
		}
		return fmt.Errorf("detection execution %s is %s: %w", id, current, domain.ErrConflict)
	}
	return nil
}

func (g gateway) IncrementRetryCount(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := g.q.QueryRowContext(ctx,
		`UPDATE detection_executions SET retry_count = retry_count + 1
		 WHERE id = $1 AND retry_count < max_retries
		 RETURNING retry_count`, id.String()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		var retry, max int
		err := g.q.QueryRowContext(ctx,
			"SELECT retry_count, max_retries FROM detection_executions WHERE id = $1", id.String()).Scan(&retry, &max)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("detection execution %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return 0, mapError(err)
		}
		return retry, fmt.Errorf("retry budget %d/%d exhausted: %w", retry, max, domain.ErrConstraint)
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry %s: %w", id, mapError(err))
	}
	return count, nil
}

func (g gateway) AppendDetectionResult(ctx context.Context, p AppendDetectionResultParams) (*domain.DetectionResult, error) {
	id := uuid.New()
	now := time.Now().UTC()
	ts := p.ResultTimestamp
	if ts.IsZero() {
		ts = now
	}
	detected := sql.NullBool{}
	if b := p.Detected.Bool(); b != nil {
		detected = sql.NullBool{Bool: *b, Valid: true}
	}
	query := fmt.Sprintf(`INSERT INTO detection_results (%s)
		VALUES ($1, $2, $3, %s, %s, $6, $7, %s, $9)`,
		detectionResultCols, g.d.jsonb("$4"), g.d.jsonb("$5"), g.d.jsonb("$8"))
	_, err := g.q.ExecContext(ctx, query,
		id.String(), p.DetectionExecutionID.String(), detected,
		jsonValue(p.RawResponse), jsonValue(p.ParsedResults),
		ts.UTC(), p.ResultSource, jsonValueOr(p.Metadata, "{}"), now)
	if err != nil {
		return nil, fmt.Errorf("append detection result: %w", mapError(err))
	}
	return &domain.DetectionResult{
		ID:                   id,
		DetectionExecutionID: p.DetectionExecutionID,
		Detected:             p.Detected,
		RawResponse:          p.RawResponse,
		ParsedResults:        p.ParsedResults,
		ResultTimestamp:      ts.UTC(),
		ResultSource:         p.ResultSource,
		Metadata:             p.Metadata,
		CreatedAt:            now,
	}, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
