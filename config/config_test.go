package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"DnnBridge/engine"
)

const sample = `
RPCPort: 50061
HTTPPort: 8081
workersNum: 0
backend: simulated
network:
  cfg: models/yolov3-tiny.cfg
  weights: models/yolov3-tiny.weights
  width: 320
  height: 320
  preload: true
inferTimeoutMs: 250
logMode: development
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, 50061, c.RPCPort)
	assert.Equal(t, 8081, c.HTTPPort)
	assert.Equal(t, 9090, c.MetricsPort)
	assert.Equal(t, 1, c.WorkersNum)
	assert.Equal(t, engine.BackendSimulated, c.Backend)
	assert.Equal(t, "models", c.ModelDir)
	assert.Equal(t, 320, c.Network.Width)
	assert.InDelta(t, 1.0/255, c.Network.Scale, 1e-9)
	assert.Equal(t, 4096, c.Network.MaxSide)
	assert.True(t, c.Network.Preload)
	assert.Equal(t, 250*time.Millisecond, c.InferTimeout())
	assert.Equal(t, "development", c.LogMode)
}

func TestParseEmptyIsDefault(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestValidateCollectsEverything(t *testing.T) {
	c := Default()
	c.Backend = "tensorrt"
	c.Network.Width = -1
	c.Network.Scale = 0
	c.Network.Preload = true
	c.LogMode = "verbose"
	c.RPCPort = 70000
	c.UseRegServer = true

	err := c.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 7)
	assert.True(t, errors.Is(err, engine.ErrUnknownBackend))
}

func TestValidateMaxSide(t *testing.T) {
	c, err := Parse([]byte("network:\n  maxSide: 1024\n"))
	require.NoError(t, err)
	assert.Equal(t, 1024, c.Network.MaxSide)

	_, err = Parse([]byte("network:\n  maxSide: 100000\n"))
	assert.ErrorContains(t, err, "maxSide")

	_, err = Parse([]byte("network:\n  width: 2048\n  maxSide: 1024\n"))
	assert.ErrorContains(t, err, "exceeds maxSide")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50061, c.RPCPort)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("RPCPort: [1, 2"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
