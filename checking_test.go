package checking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)
	assert.NoError(t, cfg.Validate())
}

func TestNewEngine(t *testing.T) {
	cfg := DefaultConfig()
	log := NewLogger("info", false)
	assert.NotNil(t, New(cfg, log))
	assert.NotNil(t, NewWorker(cfg, log))
}
