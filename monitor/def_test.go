package monitor

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"DnnBridge/bridge"
)

func TestObserveForward(t *testing.T) {
	m := New(zap.NewNop())
	m.ObserveForward(3*time.Millisecond, nil)
	m.ObserveForward(time.Millisecond, errors.New("no input"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.inferTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inferFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(m.forwardSeconds))
}

func TestCountRequest(t *testing.T) {
	m := New(zap.NewNop())
	m.CountRequest("grpc", "Infer")
	m.CountRequest("grpc", "Infer")
	m.CountRequest("http", "ping")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rpcTotal.WithLabelValues("grpc", "Infer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcTotal.WithLabelValues("http", "ping")))
}

func TestSampleFeedsGauges(t *testing.T) {
	m := New(zap.NewNop())
	m.WatchBridge(func() bridge.Stats { return bridge.Stats{Networks: 2, Buffers: 7} })
	m.WatchWorkers(func() int { return 3 })
	m.Sample()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.liveNetworks))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.liveBuffers))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.busyWorkers))
	assert.Greater(t, testutil.ToFloat64(m.memUsage), 0.0)
}

func TestHandler(t *testing.T) {
	m := New(zap.NewNop())
	m.Sample()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	for _, name := range []string{"memory_usage_Megabytes", "cpu_usage_percent", "live_networks", "inference_requests_total"} {
		assert.True(t, strings.Contains(string(body), name), name)
	}
}
