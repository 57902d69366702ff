package apidetector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uetsymphonique/checking-engine-pplab/internal/codec"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

func task(t *testing.T, url string) *codec.TaskMessage {
	t.Helper()
	cfg, err := json.Marshal(map[string]any{
		"url":     url,
		"api_key": "k",
		"query":   map[string]any{"q": "host=WIN-AB12"},
	})
	require.NoError(t, err)
	return &codec.TaskMessage{
		TaskID:               uuid.New(),
		DetectionExecutionID: uuid.New(),
		DetectionType:        domain.DetectionAPI,
		Platform:             "siem",
		Config:               cfg,
	}
}

func TestHTTPDetectorHit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"events_found": 3}`))
	}))
	defer srv.Close()

	det := NewHTTP("siem.test", 2*time.Second)
	result, err := det.Detect(context.Background(), task(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, domain.DetectedTrue, result.Detected)
	assert.Equal(t, "siem.test", result.Source)
}

func TestHTTPDetectorMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"events_found": 0}`))
	}))
	defer srv.Close()

	det := NewHTTP("siem.test", 2*time.Second)
	result, err := det.Detect(context.Background(), task(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, domain.DetectedFalse, result.Detected)
}

func TestHTTPDetectorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	det := NewHTTP("siem.test", 2*time.Second)
	_, err := det.Detect(context.Background(), task(t, srv.URL))
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestHTTPDetectorClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	det := NewHTTP("siem.test", 2*time.Second)
	_, err := det.Detect(context.Background(), task(t, srv.URL))
	assert.ErrorIs(t, err, domain.ErrPermanent)
}

func TestHTTPDetectorBadConfig(t *testing.T) {
	det := NewHTTP("siem.test", 2*time.Second)
	_, err := det.Detect(context.Background(), &codec.TaskMessage{Config: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, domain.ErrPermanent)
}

func TestHTTPDetectorUnknownShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"hits": {"total": 2}}`))
	}))
	defer srv.Close()

	det := NewHTTP("siem.test", 2*time.Second)
	result, err := det.Detect(context.Background(), task(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, domain.DetectedUnknown, result.Detected, "unparseable replies are recorded, not guessed")
	assert.NotEmpty(t, result.Raw)
}

func TestMockDetector(t *testing.T) {
	det := &MockDetector{}
	result, err := det.Detect(context.Background(), &codec.TaskMessage{Platform: "apitest"})
	require.NoError(t, err)
	assert.Equal(t, domain.DetectedTrue, result.Detected)
	assert.Equal(t, "mock_api", result.Source)
}
