package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
	"github.com/uetsymphonique/checking-engine-pplab/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.New(context.Background(), store.Options{
		Driver:    "sqlite",
		DSN:       filepath.Join(t.TempDir(), "checking.db"),
		TxTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureSchema(context.Background()))
	return st
}

type seeded struct {
	op *domain.Operation
	ex *domain.Execution
	de *domain.DetectionExecution
}

func seed(t *testing.T, st store.Store) seeded {
	t.Helper()
	ctx := context.Background()
	op, err := st.UpsertOperation(ctx, store.UpsertOperationParams{ExternalID: uuid.New(), Name: "campaign-a"})
	require.NoError(t, err)
	ex, _, err := st.CreateExecutionIfAbsent(ctx, store.CreateExecutionParams{
		OperationExternalID: op.ExternalID, LinkID: uuid.New(), Command: "whoami", LinkState: "SUCCESS",
	})
	require.NoError(t, err)
	de, err := st.CreateDetectionExecution(ctx, store.CreateDetectionExecutionParams{
		ExecutionID:         ex.ID,
		OperationExternalID: op.ExternalID,
		DetectionType:       domain.DetectionAPI,
		DetectionPlatform:   "siem",
		DetectionConfig:     []byte(`{"query":"q"}`),
		MaxRetries:          3,
	})
	require.NoError(t, err)
	_, err = st.AppendDetectionResult(ctx, store.AppendDetectionResultParams{
		DetectionExecutionID: de.ID,
		Detected:             domain.DetectedTrue,
		ResultSource:         "siem.test",
	})
	require.NoError(t, err)
	return seeded{op: op, ex: ex, de: de}
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestReadAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := newTestStore(t)
	s := seed(t, st)
	handler := NewRouter(st).Handler()

	t.Run("health", func(t *testing.T) {
		rec := get(t, handler, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	})

	t.Run("list operations", func(t *testing.T) {
		rec := get(t, handler, "/api/v1/operations")
		require.Equal(t, http.StatusOK, rec.Code)
		var ops []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ops))
		require.Len(t, ops, 1)
		assert.Equal(t, "campaign-a", ops[0]["name"])
	})

	t.Run("get operation by external id", func(t *testing.T) {
		rec := get(t, handler, "/api/v1/operations/"+s.op.ExternalID.String())
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("executions of operation", func(t *testing.T) {
		rec := get(t, handler, "/api/v1/operations/"+s.op.ExternalID.String()+"/executions")
		require.Equal(t, http.StatusOK, rec.Code)
		var exs []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exs))
		require.Len(t, exs, 1)
		assert.Equal(t, s.ex.LinkID.String(), exs[0]["link_id"])
	})

	t.Run("detections with status filter", func(t *testing.T) {
		rec := get(t, handler, "/api/v1/detections?status=pending")
		require.Equal(t, http.StatusOK, rec.Code)
		var rows []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
		require.Len(t, rows, 1)
		assert.Equal(t, "pending", rows[0]["status"])

		rec = get(t, handler, "/api/v1/detections?status=completed")
		require.Equal(t, http.StatusOK, rec.Code)
		rows = nil
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
		assert.Empty(t, rows)
	})

	t.Run("detection results", func(t *testing.T) {
		rec := get(t, handler, "/api/v1/detections/"+s.de.ID.String()+"/results")
		require.Equal(t, http.StatusOK, rec.Code)
		var rows []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
		require.Len(t, rows, 1)
		assert.Equal(t, "true", rows[0]["detected"])
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		rec := get(t, handler, "/api/v1/executions/"+uuid.NewString())
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad id is 400", func(t *testing.T) {
		rec := get(t, handler, "/api/v1/executions/not-a-uuid")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad status filter is 400", func(t *testing.T) {
		rec := get(t, handler, "/api/v1/detections?status=sleeping")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
