package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := New(context.Background(), Options{
		Driver:    "sqlite",
		DSN:       filepath.Join(t.TempDir(), "checking.db"),
		TxTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))
	return st
}

func seedOperation(t *testing.T, st *SQLStore) *domain.Operation {
	t.Helper()
	op, err := st.UpsertOperation(context.Background(), UpsertOperationParams{
		ExternalID: uuid.New(),
		Name:       "test-operation",
	})
	require.NoError(t, err)
	return op
}

func seedExecution(t *testing.T, st *SQLStore, op *domain.Operation) *domain.Execution {
	t.Helper()
	ex, created, err := st.CreateExecutionIfAbsent(context.Background(), CreateExecutionParams{
		OperationExternalID: op.ExternalID,
		LinkID:              uuid.New(),
		AgentHost:           "host-1",
		AgentPaw:            "paw-1",
		Command:             "whoami",
		LinkState:           "SUCCESS",
	})
	require.NoError(t, err)
	require.True(t, created)
	return ex
}

func seedDetection(t *testing.T, st *SQLStore, op *domain.Operation, ex *domain.Execution, maxRetries int) *domain.DetectionExecution {
	t.Helper()
	de, err := st.CreateDetectionExecution(context.Background(), CreateDetectionExecutionParams{
		ExecutionID:         ex.ID,
		OperationExternalID: op.ExternalID,
		DetectionType:       domain.DetectionAPI,
		DetectionPlatform:   "siem",
		DetectionConfig:     []byte(`{"query":"q"}`),
		MaxRetries:          maxRetries,
	})
	require.NoError(t, err)
	return de
}

func TestUpsertOperationIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	extID := uuid.New()
	started := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	first, err := st.UpsertOperation(ctx, UpsertOperationParams{
		ExternalID: extID,
		Name:       "campaign-a",
		StartedAt:  &started,
		Reported:   time.Date(2025, 5, 1, 10, 5, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, extID, first.ExternalID)
	assert.Equal(t, "campaign-a", first.Name)

	// Replaying the same upsert leaves a single row.
	second, err := st.UpsertOperation(ctx, UpsertOperationParams{
		ExternalID: extID,
		Name:       "campaign-a",
		StartedAt:  &started,
		Reported:   time.Date(2025, 5, 1, 10, 5, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())

	ops, err := st.ListOperations(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestUpsertOperationStaleUpdateIgnored(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	extID := uuid.New()

	_, err := st.UpsertOperation(ctx, UpsertOperationParams{
		ExternalID: extID,
		Name:       "newer-name",
		Reported:   time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// An older record must not clobber the stored name.
	op, err := st.UpsertOperation(ctx, UpsertOperationParams{
		ExternalID: extID,
		Name:       "older-name",
		Reported:   time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "newer-name", op.Name)
}

func TestCreateExecutionIfAbsent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	op := seedOperation(t, st)
	linkID := uuid.New()

	params := CreateExecutionParams{
		OperationExternalID: op.ExternalID,
		LinkID:              linkID,
		Command:             "whoami",
		PID:                 4242,
		ResultData:          []byte(`{"stdout":"alice","stderr":"","exit_code":0}`),
		LinkState:           "SUCCESS",
		RawMessage:          []byte(`{"original":true}`),
	}
	ex, created, err := st.CreateExecutionIfAbsent(ctx, params)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, linkID, ex.LinkID)
	assert.JSONEq(t, `{"original":true}`, string(ex.RawMessage))

	// Redelivery of the same link id is the idempotent replay path.
	again, created, err := st.CreateExecutionIfAbsent(ctx, params)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, ex.ID, again.ID)

	list, err := st.ListExecutionsByOperation(ctx, op.ExternalID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSameLinkIDAcrossOperations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	opA := seedOperation(t, st)
	opB := seedOperation(t, st)
	linkID := uuid.New()

	_, created, err := st.CreateExecutionIfAbsent(ctx, CreateExecutionParams{OperationExternalID: opA.ExternalID, LinkID: linkID})
	require.NoError(t, err)
	assert.True(t, created)

	// Uniqueness is per (operation, link), not global.
	_, created, err = st.CreateExecutionIfAbsent(ctx, CreateExecutionParams{OperationExternalID: opB.ExternalID, LinkID: linkID})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDetectionExecutionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	op := seedOperation(t, st)
	ex := seedExecution(t, st, op)
	de := seedDetection(t, st, op, ex, 3)

	assert.Equal(t, domain.StatusPending, de.Status)
	assert.Equal(t, 0, de.RetryCount)
	assert.Nil(t, de.CompletedAt)

	started := time.Now().UTC()
	require.NoError(t, st.TransitionDetectionExecution(ctx, de.ID,
		[]domain.DetectionStatus{domain.StatusPending}, domain.StatusRunning,
		TransitionPatch{StartedAt: &started}))

	// A second pending->running CAS loses: the row is already running.
	err := st.TransitionDetectionExecution(ctx, de.ID,
		[]domain.DetectionStatus{domain.StatusPending}, domain.StatusRunning, TransitionPatch{})
	assert.ErrorIs(t, err, domain.ErrConflict)

	completed := time.Now().UTC()
	require.NoError(t, st.TransitionDetectionExecution(ctx, de.ID,
		[]domain.DetectionStatus{domain.StatusPending, domain.StatusRunning}, domain.StatusCompleted,
		TransitionPatch{CompletedAt: &completed}))

	// Terminal states are sticky.
	err = st.TransitionDetectionExecution(ctx, de.ID,
		[]domain.DetectionStatus{domain.StatusPending, domain.StatusRunning}, domain.StatusFailed, TransitionPatch{})
	assert.ErrorIs(t, err, domain.ErrConflict)

	row, err := st.GetDetectionExecution(ctx, de.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, row.Status)
	require.NotNil(t, row.StartedAt)
	require.NotNil(t, row.CompletedAt)
	assert.False(t, row.CompletedAt.Before(*row.StartedAt))
}

func TestTransitionUnknownID(t *testing.T) {
	st := newTestStore(t)
	err := st.TransitionDetectionExecution(context.Background(), uuid.New(),
		[]domain.DetectionStatus{domain.StatusPending}, domain.StatusRunning, TransitionPatch{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIncrementRetryCountBounded(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	op := seedOperation(t, st)
	ex := seedExecution(t, st, op)
	de := seedDetection(t, st, op, ex, 2)

	n, err := st.IncrementRetryCount(ctx, de.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.IncrementRetryCount(ctx, de.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The budget is exhausted; retry_count never exceeds max_retries.
	_, err = st.IncrementRetryCount(ctx, de.ID)
	assert.ErrorIs(t, err, domain.ErrConstraint)

	row, err := st.GetDetectionExecution(ctx, de.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, row.RetryCount)
}

func TestAppendDetectionResultMany(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	op := seedOperation(t, st)
	ex := seedExecution(t, st, op)
	de := seedDetection(t, st, op, ex, 3)

	for _, detected := range []domain.Detected{domain.DetectedTrue, domain.DetectedFalse, domain.DetectedUnknown} {
		_, err := st.AppendDetectionResult(ctx, AppendDetectionResultParams{
			DetectionExecutionID: de.ID,
			Detected:             detected,
			RawResponse:          []byte(`{"events_found":1}`),
			ResultSource:         "siem.test",
		})
		require.NoError(t, err)
	}

	rows, err := st.ListDetectionResults(ctx, de.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, domain.DetectedTrue, rows[0].Detected)
	assert.Equal(t, domain.DetectedFalse, rows[1].Detected)
	assert.Equal(t, domain.DetectedUnknown, rows[2].Detected)
}

func TestCountDetectionsByStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	op := seedOperation(t, st)
	ex := seedExecution(t, st, op)

	pending := seedDetection(t, st, op, ex, 3)
	running := seedDetection(t, st, op, ex, 3)
	done := seedDetection(t, st, op, ex, 3)
	require.NoError(t, st.TransitionDetectionExecution(ctx, running.ID,
		[]domain.DetectionStatus{domain.StatusPending}, domain.StatusRunning, TransitionPatch{}))
	require.NoError(t, st.TransitionDetectionExecution(ctx, done.ID,
		[]domain.DetectionStatus{domain.StatusPending}, domain.StatusCompleted, TransitionPatch{}))
	_ = pending

	counts, err := st.CountDetectionsByStatus(ctx)
	require.NoError(t, err)
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 3, total, "pending + running + terminal must equal created")
	assert.Equal(t, 1, counts[domain.StatusPending])
	assert.Equal(t, 1, counts[domain.StatusRunning])
	assert.Equal(t, 1, counts[domain.StatusCompleted])
}

func TestListDetectionExecutionsFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	op := seedOperation(t, st)
	ex := seedExecution(t, st, op)
	de := seedDetection(t, st, op, ex, 3)
	other := seedDetection(t, st, op, ex, 3)
	require.NoError(t, st.TransitionDetectionExecution(ctx, other.ID,
		[]domain.DetectionStatus{domain.StatusPending}, domain.StatusRunning, TransitionPatch{}))

	rows, err := st.ListDetectionExecutions(ctx, DetectionExecutionFilter{
		ExecutionID: ex.ID,
		Statuses:    []domain.DetectionStatus{domain.StatusPending},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, de.ID, rows[0].ID)

	rows, err = st.ListDetectionExecutions(ctx, DetectionExecutionFilter{
		OperationExternalID: op.ExternalID,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestWithinTxRollback(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithinTx(ctx, func(g Gateway) error {
		if _, err := g.UpsertOperation(ctx, UpsertOperationParams{
			ExternalID: uuid.New(),
			Name:       "rolled-back",
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ops, err := st.ListOperations(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, ops, "a failed transaction leaves the store unchanged")
}

func TestGetOperationNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetOperationByExternalID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
