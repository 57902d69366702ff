// Package planner derives detection tasks from one execution record. It is a
// pure function of the record's detections block and performs no I/O.
package planner

import (
	"encoding/json"
	"sort"

	"github.com/uetsymphonique/checking-engine-pplab/internal/codec"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

// Task is one planned detection attempt.
type Task struct {
	Type       domain.DetectionType
	Platform   string
	Config     json.RawMessage
	MaxRetries int
}

// retryOverride is the slice of a platform config the planner inspects; a
// config may carry its own retry budget.
type retryOverride struct {
	MaxRetries *int `json:"max_retries"`
}

// Plan expands the record's detections map into a deterministic task list,
// sorted by (type, platform). An empty or missing detections block yields an
// empty plan; that is still a valid execution. Unknown top-level types never
// reach the planner (the codec drops them).
func Plan(rec *codec.ExecutionRecord, defaultMaxRetries int) []Task {
	if len(rec.Detections) == 0 {
		return nil
	}
	var tasks []Task
	for top, platforms := range rec.Detections {
		detType := domain.DetectionType(top)
		if !detType.Valid() {
			continue
		}
		for platform, cfg := range platforms {
			maxRetries := defaultMaxRetries
			var override retryOverride
			if err := json.Unmarshal(cfg, &override); err == nil && override.MaxRetries != nil && *override.MaxRetries >= 0 {
				maxRetries = *override.MaxRetries
			}
			tasks = append(tasks, Task{
				Type:       detType,
				Platform:   platform,
				Config:     cfg,
				MaxRetries: maxRetries,
			})
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Type != tasks[j].Type {
			return tasks[i].Type < tasks[j].Type
		}
		return tasks[i].Platform < tasks[j].Platform
	})
	return tasks
}
