package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uetsymphonique/checking-engine-pplab/internal/history"
)

// fakeBatch records appended rows.
type fakeBatch struct {
	rows [][]any
	err  error
}

func (f *fakeBatch) Append(v ...any) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, v)
	return nil
}

func event(stage history.Stage) history.Event {
	return history.Event{
		Stage:                stage,
		OccurredAt:           time.Date(2025, 5, 1, 10, 7, 0, 123456000, time.UTC),
		OperationExternalID:  uuid.New(),
		ExecutionID:          uuid.New(),
		DetectionExecutionID: uuid.New(),
		Status:               "completed",
		Detail:               "ok",
	}
}

func TestAppendRowColumnOrder(t *testing.T) {
	b := &fakeBatch{}
	e := event(history.StageFinished)
	require.NoError(t, appendRow(b, e))

	require.Len(t, b.rows, 1)
	row := b.rows[0]
	require.Len(t, row, 7)
	assert.Equal(t, e.OccurredAt.UTC(), row[0])
	assert.Equal(t, "finished", row[1])
	assert.Equal(t, e.OperationExternalID.String(), row[2])
	assert.Equal(t, e.ExecutionID.String(), row[3])
	assert.Equal(t, e.DetectionExecutionID.String(), row[4])
	assert.Equal(t, "completed", row[5])
	assert.Equal(t, "ok", row[6])
}

func TestAppendRowNilDetectionID(t *testing.T) {
	b := &fakeBatch{}
	e := event(history.StageIngested)
	e.DetectionExecutionID = uuid.Nil
	require.NoError(t, appendRow(b, e))
	assert.Equal(t, "", b.rows[0][4], "ingestion events carry no detection execution")
}

func TestSendBuffersUntilThreshold(t *testing.T) {
	var flushed [][]history.Event
	s := &Sink{flushRows: 3}
	s.flushFn = func(_ context.Context, events []history.Event) error {
		flushed = append(flushed, events)
		return nil
	}

	ctx := context.Background()
	require.NoError(t, s.Send(ctx, event(history.StageIngested)))
	require.NoError(t, s.Send(ctx, event(history.StageDispatched)))
	assert.Empty(t, flushed, "below the threshold nothing is written")

	require.NoError(t, s.Send(ctx, event(history.StageFinished)))
	require.Len(t, flushed, 1)
	assert.Len(t, flushed[0], 3)

	// The buffer starts over after a flush.
	require.NoError(t, s.Send(ctx, event(history.StageIngested)))
	assert.Len(t, flushed, 1)
}

func TestCloseFlushesRemainder(t *testing.T) {
	var flushed [][]history.Event
	s := &Sink{flushRows: 100}
	s.flushFn = func(_ context.Context, events []history.Event) error {
		flushed = append(flushed, events)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), event(history.StageFinished)))
	require.NoError(t, s.Close())
	require.Len(t, flushed, 1)
	assert.Len(t, flushed[0], 1)
}

func TestNewRejectsBadDSN(t *testing.T) {
	_, err := New(context.Background(), Options{DSN: "://not-a-dsn"})
	assert.Error(t, err)
}
