//go:build cgo && !no_cgo

package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDarknetRejectsBeforeNativeLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "bad.cfg")
	weights := filepath.Join(dir, "bad.weights")
	require.NoError(t, os.WriteFile(cfg, []byte("width=416\n"), 0o644))
	require.NoError(t, os.WriteFile(weights, make([]byte, 64), 0o644))

	_, err := LoadDarknet(cfg, weights)
	assert.True(t, errors.Is(err, ErrResource))

	require.NoError(t, os.WriteFile(cfg, []byte("[net]\n"), 0o644))
	require.NoError(t, os.WriteFile(weights, []byte{1, 2}, 0o644))
	_, err = LoadDarknet(cfg, weights)
	assert.True(t, errors.Is(err, ErrResource))

	_, err = LoadDarknet(cfg, filepath.Join(dir, "missing.weights"))
	assert.True(t, errors.Is(err, ErrResource))
}

// Runs against a real network when DNNBRIDGE_YOLO_CFG and DNNBRIDGE_YOLO_WEIGHTS are set.
func TestDarknetForward(t *testing.T) {
	cfg, weights := os.Getenv("DNNBRIDGE_YOLO_CFG"), os.Getenv("DNNBRIDGE_YOLO_WEIGHTS")
	if cfg == "" || weights == "" {
		t.Skip("DNNBRIDGE_YOLO_CFG / DNNBRIDGE_YOLO_WEIGHTS not set")
	}
	net, err := Load(BackendOpenCV, cfg, weights)
	require.NoError(t, err)
	defer net.Close()

	assert.Equal(t, NetBackendOpenCV, net.Backend())
	assert.Equal(t, NetTargetCPU, net.Target())
	require.NotEmpty(t, net.UnconnectedOutLayers())

	require.NoError(t, net.SetInput(zeroBlob(t)))
	outs, err := net.Forward()
	require.NoError(t, err)
	require.NotEmpty(t, outs)
	for _, out := range outs {
		assert.Equal(t, 2, out.Rank())
		assert.Greater(t, out.Cols(), 5)
		out.Release()
	}
}
