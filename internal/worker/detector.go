// Package worker is the generic runtime for detection workers: it consumes
// typed task envelopes, applies jitter, invokes a platform detector with a
// bounded retry budget, and publishes a standardized detection response.
package worker

import (
	"context"
	"encoding/json"

	"github.com/uetsymphonique/checking-engine-pplab/internal/codec"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

// Detection is a detector's observation for one task.
type Detection struct {
	Detected domain.Detected
	Raw      json.RawMessage
	Parsed   json.RawMessage
	Source   string
}

// Detector executes one platform-specific detection. Failures wrapped with
// domain.ErrPermanent are not retried; anything else is treated as
// transient, matching the retry-everything behavior of the upstream
// producers this engine talks to.
type Detector interface {
	Detect(ctx context.Context, task *codec.TaskMessage) (*Detection, error)
}

// Registry maps (detection type, platform) to a detector. An empty platform
// registers the fallback for the whole type.
type Registry struct {
	m map[registryKey]Detector
}

type registryKey struct {
	detType  domain.DetectionType
	platform string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[registryKey]Detector)}
}

// Register binds det to (t, platform). platform "" is the type-wide
// fallback.
func (r *Registry) Register(t domain.DetectionType, platform string, det Detector) {
	r.m[registryKey{detType: t, platform: platform}] = det
}

// Lookup resolves the detector for (t, platform): exact match first, then
// the type-wide fallback. Returns nil when neither exists.
func (r *Registry) Lookup(t domain.DetectionType, platform string) Detector {
	if det, ok := r.m[registryKey{detType: t, platform: platform}]; ok {
		return det
	}
	return r.m[registryKey{detType: t}]
}
