package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

func (g gateway) GetOperation(ctx context.Context, id uuid.UUID) (*domain.Operation, error) {
	row := g.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM operations WHERE id = $1", operationCols), id.String())
	op, err := scanOperation(row)
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", id, mapError(err))
	}
	return op, nil
}

func (g gateway) GetOperationByExternalID(ctx context.Context, externalID uuid.UUID) (*domain.Operation, error) {
	row := g.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM operations WHERE external_id = $1", operationCols), externalID.String())
	op, err := scanOperation(row)
	if err != nil {
		return nil, fmt.Errorf("get operation by external id %s: %w", externalID, mapError(err))
	}
	return op, nil
}

func (g gateway) ListOperations(ctx context.Context, limit, offset int) ([]domain.Operation, error) {
	rows, err := g.q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM operations ORDER BY created_at DESC LIMIT $1 OFFSET $2", operationCols),
		normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", mapError(err))
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, *op)
	}
	return out, mapError(rows.Err())
}

func (g gateway) GetExecution(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	row := g.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM executions WHERE id = $1", executionCols), id.String())
	ex, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, mapError(err))
	}
	return ex, nil
}

func (g gateway) getExecutionByLink(ctx context.Context, operationExternalID, linkID uuid.UUID) (*domain.Execution, error) {
	row := g.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM executions WHERE operation_external_id = $1 AND link_id = $2", executionCols),
		operationExternalID.String(), linkID.String())
	ex, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("get execution by link %s: %w", linkID, mapError(err))
	}
	return ex, nil
}

func (g gateway) ListExecutionsByOperation(ctx context.Context, operationExternalID uuid.UUID, limit, offset int) ([]domain.Execution, error) {
	rows, err := g.q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM executions WHERE operation_external_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3", executionCols),
		operationExternalID.String(), normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", mapError(err))
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, *ex)
	}
	return out, mapError(rows.Err())
}

func (g gateway) GetDetectionExecution(ctx context.Context, id uuid.UUID) (*domain.DetectionExecution, error) {
	row := g.q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM detection_executions WHERE id = $1", detectionExecutionCols), id.String())
	de, err := scanDetectionExecution(row)
	if err != nil {
		return nil, fmt.Errorf("get detection execution %s: %w", id, mapError(err))
	}
	return de, nil
}

func (g gateway) ListDetectionExecutions(ctx context.Context, f DetectionExecutionFilter) ([]domain.DetectionExecution, error) {
	var (
		where []string
		args  []any
		n     = 1
	)
	if f.ExecutionID != uuid.Nil {
		where = append(where, fmt.Sprintf("execution_id = $%d", n))
		args = append(args, f.ExecutionID.String())
		n++
	}
	if f.OperationExternalID != uuid.Nil {
		where = append(where, fmt.Sprintf("operation_external_id = $%d", n))
		args = append(args, f.OperationExternalID.String())
		n++
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			ph = append(ph, fmt.Sprintf("$%d", n))
			args = append(args, string(st))
			n++
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(ph, ", ")))
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", n))
		args = append(args, f.CreatedAfter.UTC())
		n++
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, fmt.Sprintf("created_at < $%d", n))
		args = append(args, f.CreatedBefore.UTC())
		n++
	}
	query := fmt.Sprintf("SELECT %s FROM detection_executions", detectionExecutionCols)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n, n+1)
	args = append(args, normalizeLimit(f.Limit), f.Offset)

	rows, err := g.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list detection executions: %w", mapError(err))
	}
	defer func() { _ = rows.Close() }()
	var out []domain.DetectionExecution
	for rows.Next() {
		de, err := scanDetectionExecution(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, *de)
	}
	return out, mapError(rows.Err())
}

func (g gateway) ListDetectionResults(ctx context.Context, detectionExecutionID uuid.UUID) ([]domain.DetectionResult, error) {
	rows, err := g.q.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM detection_results WHERE detection_execution_id = $1 ORDER BY result_timestamp ASC, created_at ASC", detectionResultCols),
		detectionExecutionID.String())
	if err != nil {
		return nil, fmt.Errorf("list detection results: %w", mapError(err))
	}
	defer func() { _ = rows.Close() }()
	var out []domain.DetectionResult
	for rows.Next() {
		dr, err := scanDetectionResult(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, *dr)
	}
	return out, mapError(rows.Err())
}

func (g gateway) CountDetectionsByStatus(ctx context.Context) (map[domain.DetectionStatus]int, error) {
	rows, err := g.q.QueryContext(ctx, "SELECT status, COUNT(*) FROM detection_executions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count detections: %w", mapError(err))
	}
	defer func() { _ = rows.Close() }()
	out := make(map[domain.DetectionStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, mapError(err)
		}
		out[domain.DetectionStatus(status)] = count
	}
	return out, mapError(rows.Err())
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
