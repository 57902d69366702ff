package postgres

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/uetsymphonique/checking-engine-pplab/internal/history"
)

// The DDL and insert text are dialect-portable, so the write path runs
// against sqlite here; only the driver differs in production.
func newTestSink(t *testing.T) (*Sink, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sink, err := NewWithDB(context.Background(), db, "detection_history")
	require.NoError(t, err)
	return sink, db
}

func TestSendRoundTrip(t *testing.T) {
	sink, db := newTestSink(t)
	ctx := context.Background()

	event := history.Event{
		Stage:                history.StageFinished,
		OccurredAt:           time.Date(2025, 5, 1, 10, 7, 0, 0, time.UTC),
		OperationExternalID:  uuid.New(),
		ExecutionID:          uuid.New(),
		DetectionExecutionID: uuid.New(),
		Status:               "completed",
		Detail:               "ok",
	}
	require.NoError(t, sink.Send(ctx, event))

	var (
		stage, opID, execID, status, detail string
		detectionID                         sql.NullString
	)
	err := db.QueryRowContext(ctx,
		`SELECT stage, operation_id, execution_id, detection_execution_id, status, detail
		 FROM detection_history`).
		Scan(&stage, &opID, &execID, &detectionID, &status, &detail)
	require.NoError(t, err)

	assert.Equal(t, "finished", stage)
	assert.Equal(t, event.OperationExternalID.String(), opID)
	assert.Equal(t, event.ExecutionID.String(), execID)
	require.True(t, detectionID.Valid)
	assert.Equal(t, event.DetectionExecutionID.String(), detectionID.String)
	assert.Equal(t, "completed", status)
	assert.Equal(t, "ok", detail)
}

func TestSendIngestionStageHasNoDetectionID(t *testing.T) {
	sink, db := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, sink.Send(ctx, history.Event{
		Stage:               history.StageIngested,
		OccurredAt:          time.Now().UTC(),
		OperationExternalID: uuid.New(),
		ExecutionID:         uuid.New(),
		Detail:              "SUCCESS",
	}))

	var detectionID sql.NullString
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT detection_execution_id FROM detection_history").Scan(&detectionID))
	assert.False(t, detectionID.Valid, "ingestion events carry no detection execution")
}

func TestNewWithDBRejectsBadTableName(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = NewWithDB(context.Background(), db, `events; DROP TABLE ops`)
	assert.Error(t, err)
	_, err = NewWithDB(context.Background(), db, "Detection-History")
	assert.Error(t, err)
}

func TestCloseLeavesBorrowedDBOpen(t *testing.T) {
	sink, db := newTestSink(t)
	require.NoError(t, sink.Close())
	assert.NoError(t, db.Ping(), "NewWithDB must not close the caller's handle")
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New(context.Background(), "", "detection_history")
	assert.Error(t, err)
}
