package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DnnBridge/tensor"
)

func writeModelFiles(t *testing.T) (cfg, weights string) {
	t.Helper()
	dir := t.TempDir()
	cfg = filepath.Join(dir, "yolov3-tiny.cfg")
	weights = filepath.Join(dir, "yolov3-tiny.weights")
	require.NoError(t, os.WriteFile(cfg, []byte("[net]\nwidth=416\nheight=416\n"), 0o644))
	require.NoError(t, os.WriteFile(weights, make([]byte, 64), 0o644))
	return cfg, weights
}

func zeroBlob(t *testing.T) *tensor.Buffer {
	t.Helper()
	blob, err := tensor.New(1, 3, 416, 416)
	require.NoError(t, err)
	return blob
}

func TestSimulated_All(t *testing.T) {
	cfg, weights := writeModelFiles(t)
	var net Net

	t.Run("Test Load", func(t *testing.T) {
		var err error
		net, err = Load(BackendSimulated, cfg, weights)
		require.NoError(t, err)
		assert.Equal(t, NetBackendOpenCV, net.Backend())
		assert.Equal(t, NetTargetCPU, net.Target())
		assert.Len(t, net.LayerNames(), 24)
		assert.Equal(t, []string{"yolo_16", "yolo_23"}, net.UnconnectedOutLayers())
	})

	t.Run("Test Forward Unbound", func(t *testing.T) {
		_, err := net.Forward()
		assert.True(t, errors.Is(err, ErrUnboundInput))
	})

	t.Run("Test Forward Unconnected", func(t *testing.T) {
		blob := zeroBlob(t)
		require.NoError(t, net.SetInput(blob))
		outs, err := net.Forward()
		require.NoError(t, err)
		require.Len(t, outs, 2)
		for _, out := range outs {
			assert.Equal(t, []int{507, 85}, out.Shape())
			assert.InDelta(t, 0.1, out.At(0, 4), 1e-6)
			assert.InDelta(t, 0.1, out.At(9, 4), 1e-6)
			assert.Equal(t, float32(0), out.At(10, 4))
			out.Release()
		}
		assert.Equal(t, []int{1, 3, 416, 416}, blob.Shape(), "input must not be mutated")
	})

	t.Run("Test Forward Named", func(t *testing.T) {
		outs, err := net.Forward("conv_0")
		require.NoError(t, err)
		require.Len(t, outs, 1)
		assert.Equal(t, 0, outs[0].Rows())
		assert.Nil(t, outs[0].Data())

		_, err = net.Forward("no_such_layer")
		assert.True(t, errors.Is(err, ErrUnknownLayer))
	})

	t.Run("Test Close", func(t *testing.T) {
		require.NoError(t, net.Close())
		_, err := net.Forward()
		assert.True(t, errors.Is(err, ErrClosed))
		assert.True(t, errors.Is(net.SetInput(zeroBlob(t)), ErrClosed))
	})
}

func TestSimulatedRejectsBadBlob(t *testing.T) {
	net, err := NewSimulatedNet(DefaultSimulatedSpec())
	require.NoError(t, err)
	flat, err := tensor.New(3, 3)
	require.NoError(t, err)
	assert.True(t, errors.Is(net.SetInput(flat), ErrInvalidInput))
	assert.True(t, errors.Is(net.SetInput(nil), ErrInvalidInput))
}

func TestSimulatedSpecShapes(t *testing.T) {
	spec := DefaultSimulatedSpec()
	assert.Equal(t, 507, spec.Rows())
	assert.Equal(t, 85, spec.Cols())

	spec.Grid, spec.Classes = 26, 1
	net, err := NewSimulatedNet(spec)
	require.NoError(t, err)
	rows, cols, err := net.LayerShape("yolo_23")
	require.NoError(t, err)
	assert.Equal(t, 26*26*3, rows)
	assert.Equal(t, 6, cols)

	spec.DetectionLayers = []int{99}
	_, err = NewSimulatedNet(spec)
	assert.Error(t, err)
}

func TestLoadMissingFiles(t *testing.T) {
	cfg, _ := writeModelFiles(t)
	_, err := Load(BackendSimulated, cfg, filepath.Join(t.TempDir(), "missing.weights"))
	assert.True(t, errors.Is(err, ErrResource))

	_, err = Load(BackendSimulated, "", "")
	assert.True(t, errors.Is(err, ErrResource))

	_, err = Load(BackendSimulated, t.TempDir(), t.TempDir())
	assert.True(t, errors.Is(err, ErrResource))
}

func TestLoadUnknownBackend(t *testing.T) {
	_, err := Load("tensorrt", "a", "b")
	assert.True(t, errors.Is(err, ErrUnknownBackend))
	assert.Contains(t, Backends(), BackendSimulated)
}

func TestRegisterReplaces(t *testing.T) {
	called := false
	Register("test-backend", func(cfg, weights string) (Net, error) {
		called = true
		return NewSimulatedNet(DefaultSimulatedSpec())
	})
	net, err := Load("test-backend", "", "")
	require.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, net.Close())
}
