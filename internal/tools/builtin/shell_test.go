package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShell_CapturesCombinedOutput(t *testing.T) {
	shell := NewShell(5 * time.Second)
	out, err := shell(context.Background(), map[string]any{"command": "echo hi"})
	require.NoError(t, err)
	assert.Contains(t, out, "hi")
}

func TestShell_NonZeroExitIsAnError(t *testing.T) {
	shell := NewShell(5 * time.Second)
	_, err := shell(context.Background(), map[string]any{"command": "exit 1"})
	assert.Error(t, err)
}

func TestShell_PerCallTimeoutOverridesDefault(t *testing.T) {
	shell := NewShell(5 * time.Second)
	_, err := shell(context.Background(), map[string]any{"command": "sleep 2", "timeout": float64(0.1)})
	assert.Error(t, err)
}
