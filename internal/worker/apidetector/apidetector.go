// Package apidetector queries SIEM-style HTTP APIs for traces of an
// executed command. The bundled detectors cover a generic JSON search API
// and a deterministic mock used for end-to-end runs without a live SIEM.
package apidetector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/uetsymphonique/checking-engine-pplab/internal/codec"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
	"github.com/uetsymphonique/checking-engine-pplab/internal/worker"
)

// searchConfig is the platform config an api task carries.
type searchConfig struct {
	URL    string          `json:"url"`
	APIKey string          `json:"api_key"`
	Query  json.RawMessage `json:"query"`
}

// searchReply is the slice of a SIEM search response the detector inspects.
type searchReply struct {
	EventsFound *int `json:"events_found"`
}

// HTTPDetector posts the configured query to a search endpoint and reads
// the hit count back.
type HTTPDetector struct {
	client *http.Client
	source string
}

// NewHTTP builds an HTTP detector reporting results as source.
func NewHTTP(source string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		client: &http.Client{Timeout: timeout},
		source: source,
	}
}

func (h *HTTPDetector) Detect(ctx context.Context, task *codec.TaskMessage) (*worker.Detection, error) {
	var cfg searchConfig
	if err := json.Unmarshal(task.Config, &cfg); err != nil {
		return nil, fmt.Errorf("%w: api config: %v", domain.ErrPermanent, err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: api config missing url", domain.ErrPermanent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(cfg.Query))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: search request: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: search returned %d", domain.ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: search returned %d", domain.ErrPermanent, resp.StatusCode)
	}

	var reply searchReply
	if err := json.Unmarshal(body, &reply); err != nil || reply.EventsFound == nil {
		// The API answered but not with the shape we know; record the raw
		// response and report an indeterminate verdict.
		return &worker.Detection{
			Detected: domain.DetectedUnknown,
			Raw:      json.RawMessage(body),
			Source:   h.source,
		}, nil
	}

	detected := domain.DetectedFalse
	if *reply.EventsFound > 0 {
		detected = domain.DetectedTrue
	}
	parsed, _ := json.Marshal(reply)
	return &worker.Detection{
		Detected: detected,
		Raw:      json.RawMessage(body),
		Parsed:   parsed,
		Source:   h.source,
	}, nil
}

// MockDetector returns a canned verdict after a short pause. It exists so
// the full pipeline can be exercised without a live SIEM.
type MockDetector struct {
	Verdict domain.Detected
	Pause   time.Duration
}

func (m *MockDetector) Detect(ctx context.Context, task *codec.TaskMessage) (*worker.Detection, error) {
	if m.Pause > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
		case <-time.After(m.Pause):
		}
	}
	raw, _ := json.Marshal(map[string]any{"mock": true, "command": task.Platform})
	verdict := m.Verdict
	if verdict == "" {
		verdict = domain.DetectedTrue
	}
	return &worker.Detection{
		Detected: verdict,
		Raw:      raw,
		Parsed:   raw,
		Source:   "mock_api",
	}, nil
}
