package modelfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveLocalPassesThrough(t *testing.T) {
	f := New(t.TempDir(), zap.NewNop())
	p, err := f.Resolve(context.Background(), "models/yolov3-tiny.cfg")
	require.NoError(t, err)
	assert.Equal(t, "models/yolov3-tiny.cfg", p)
	assert.False(t, IsRemote("/abs/path.weights"))
	assert.True(t, IsRemote("https://example.com/a.cfg"))
}

func TestResolveSearchesDirs(t *testing.T) {
	models := t.TempDir()
	want := filepath.Join(models, "yolov3-tiny.weights")
	require.NoError(t, os.WriteFile(want, make([]byte, 8), 0o644))

	f := New(t.TempDir(), zap.NewNop(), models)
	p, err := f.Resolve(context.Background(), "yolov3-tiny.weights")
	require.NoError(t, err)
	assert.Equal(t, want, p)
}

func TestLocate(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "absent.cfg")
	p, err := Locate(abs)
	require.NoError(t, err)
	assert.Equal(t, abs, p)

	_, err = Locate("definitely-not-here-6b1f.cfg", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tried")
}

func TestResolveDownloadsOnce(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/models/yolov3-tiny.cfg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("[net]\nwidth=416\n"))
	}))
	defer srv.Close()

	f := New(t.TempDir(), zap.NewNop())
	p1, err := f.Resolve(context.Background(), srv.URL+"/models/yolov3-tiny.cfg")
	require.NoError(t, err)
	data, err := os.ReadFile(p1)
	require.NoError(t, err)
	assert.Equal(t, "[net]\nwidth=416\n", string(data))
	assert.Contains(t, p1, "yolov3-tiny.cfg")

	p2, err := f.Resolve(context.Background(), srv.URL+"/models/yolov3-tiny.cfg")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, int64(1), hits.Load())

	_, _, err = f.ResolvePair(context.Background(), p1, srv.URL+"/missing.weights")
	assert.Error(t, err)
	_, err = os.Stat(p1 + ".part")
	assert.True(t, os.IsNotExist(err))
}
