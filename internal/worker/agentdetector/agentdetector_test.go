//go:build !windows

package agentdetector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uetsymphonique/checking-engine-pplab/internal/codec"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
)

func shTask(t *testing.T, command, detectOnMatch string) *codec.TaskMessage {
	t.Helper()
	cfg, err := json.Marshal(map[string]string{
		"command":         command,
		"detect_on_match": detectOnMatch,
	})
	require.NoError(t, err)
	return &codec.TaskMessage{
		TaskID:               uuid.New(),
		DetectionExecutionID: uuid.New(),
		DetectionType:        domain.DetectionLinux,
		Platform:             "sh",
		Config:               cfg,
	}
}

func TestCommandDetectorExitCode(t *testing.T) {
	det := New("test-host")
	result, err := det.Detect(context.Background(), shTask(t, "exit 0", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.DetectedTrue, result.Detected)
	assert.Equal(t, "test-host", result.Source)

	result, err = det.Detect(context.Background(), shTask(t, "exit 3", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.DetectedFalse, result.Detected)
}

func TestCommandDetectorOutputMatch(t *testing.T) {
	det := New("test-host")
	result, err := det.Detect(context.Background(), shTask(t, "echo suspicious-proc", "suspicious"))
	require.NoError(t, err)
	assert.Equal(t, domain.DetectedTrue, result.Detected)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(result.Raw, &raw))
	assert.Contains(t, raw["stdout"], "suspicious-proc")

	result, err = det.Detect(context.Background(), shTask(t, "echo nothing here", "suspicious"))
	require.NoError(t, err)
	assert.Equal(t, domain.DetectedFalse, result.Detected)
}

func TestCommandDetectorMissingCommand(t *testing.T) {
	det := New("test-host")
	_, err := det.Detect(context.Background(), shTask(t, "", ""))
	assert.ErrorIs(t, err, domain.ErrPermanent)
}

func TestCommandDetectorUnknownShell(t *testing.T) {
	det := New("test-host")
	task := shTask(t, "echo hi", "")
	task.Platform = "zsh-custom"
	_, err := det.Detect(context.Background(), task)
	assert.ErrorIs(t, err, domain.ErrPermanent)
}
