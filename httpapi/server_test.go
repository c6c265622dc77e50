package httpapi

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"DnnBridge/bridge"
	"DnnBridge/engine"
	"DnnBridge/monitor"
	"DnnBridge/service"
	"DnnBridge/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func writeModelFiles(t *testing.T) (cfg, weights string) {
	t.Helper()
	dir := t.TempDir()
	cfg = filepath.Join(dir, "yolov3-tiny.cfg")
	weights = filepath.Join(dir, "yolov3-tiny.weights")
	require.NoError(t, os.WriteFile(cfg, []byte("[net]\nwidth=416\nheight=416\n"), 0o644))
	require.NoError(t, os.WriteFile(weights, make([]byte, 64), 0o644))
	return cfg, weights
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 64, 48))))
	return buf.Bytes()
}

func newServer(t *testing.T, idle time.Duration) (*Server, string) {
	t.Helper()
	b := bridge.New(bridge.WithBackend(engine.BackendSimulated), bridge.WithLogger(zap.NewNop()))
	pool := worker.New(2, zap.NewNop())
	mgr := service.NewManager(service.Options{Bridge: b, Pool: pool, Timeout: time.Second, Logger: zap.NewNop()})
	modelDir := t.TempDir()
	s := New(Options{
		Manager:     mgr,
		Monitor:     monitor.New(zap.NewNop()),
		ModelDir:    modelDir,
		IdleTimeout: idle,
		Logger:      zap.NewNop(),
	})
	t.Cleanup(func() {
		mgr.Close()
		pool.Close()
		_ = b.Close()
	})
	return s, modelDir
}

func do(t *testing.T, h http.Handler, method, target string, body []byte, contentType string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func loadNetwork(t *testing.T, h http.Handler) string {
	t.Helper()
	cfg, weights := writeModelFiles(t)
	body, _ := json.Marshal(map[string]string{"cfg": cfg, "weights": weights, "description": "front"})
	w, out := do(t, h, http.MethodPost, "/api/networks", body, "application/json")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return out["data"].(map[string]any)["id"].(string)
}

func TestServer_All(t *testing.T) {
	s, _ := newServer(t, time.Second)
	h := s.Handler()
	var id string

	t.Run("Test Ping", func(t *testing.T) {
		w, out := do(t, h, http.MethodGet, "/api/ping", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "pong", out["message"])
	})

	t.Run("Test Load", func(t *testing.T) {
		id = loadNetwork(t, h)
		w, out := do(t, h, http.MethodGet, "/api/networks/"+id, nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		data := out["data"].(map[string]any)
		assert.Equal(t, "front", data["description"])
		assert.Equal(t, []any{"yolo_16", "yolo_23"}, data["outputs"])

		w, out = do(t, h, http.MethodGet, "/api/networks", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, out["data"], 1)
	})

	t.Run("Test Load Bad Request", func(t *testing.T) {
		w, _ := do(t, h, http.MethodPost, "/api/networks", []byte(`{"cfg":""}`), "application/json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := []byte(`{"cfg":"missing.cfg","weights":"missing.weights"}`)
		w, _ = do(t, h, http.MethodPost, "/api/networks", body, "application/json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Test Infer", func(t *testing.T) {
		w, out := do(t, h, http.MethodPost, "/api/networks/"+id+"/infer?width=320&height=320", pngImage(t), "image/png")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		outputs := out["data"].(map[string]any)["outputs"].([]any)
		require.Len(t, outputs, 2)
		first := outputs[0].(map[string]any)
		assert.Equal(t, 507.0, first["rows"])
		assert.Len(t, first["data"], 507*85)

		w, out = do(t, h, http.MethodPost, "/api/networks/"+id+"/infer?layer=yolo_23&data=false", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		outputs = out["data"].(map[string]any)["outputs"].([]any)
		require.Len(t, outputs, 1)
		assert.NotContains(t, outputs[0].(map[string]any), "data")
	})

	t.Run("Test Infer Errors", func(t *testing.T) {
		w, _ := do(t, h, http.MethodPost, "/api/networks/"+id+"/infer", []byte("garbage"), "image/png")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w, _ = do(t, h, http.MethodPost, "/api/networks/"+id+"/infer?width=-1", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w, _ = do(t, h, http.MethodPost, "/api/networks/"+id+"/infer?layer=nope", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w, _ = do(t, h, http.MethodPost, "/api/networks/"+id+"/infer?width=50000&height=50000", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w, _ = do(t, h, http.MethodPost, "/api/networks/"+id+"/infer?width=5000", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, "above the configured maxSide")
		w, _ = do(t, h, http.MethodPost, "/api/networks/unknown/infer", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Test Metrics", func(t *testing.T) {
		w, _ := do(t, h, http.MethodGet, "/metrics", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `rpc_requests_total{method="/api/ping",transport="http"} 1`)
	})

	t.Run("Test Release", func(t *testing.T) {
		w, _ := do(t, h, http.MethodDelete, "/api/networks/"+id, nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
		w, _ = do(t, h, http.MethodDelete, "/api/networks/"+id, nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		w, _ = do(t, h, http.MethodGet, "/api/networks/"+id, nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestUploadModel(t *testing.T) {
	s, modelDir := newServer(t, time.Second)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "../../yolov3-tiny.cfg")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("[net]\n"))
	require.NoError(t, mw.Close())

	w, out := do(t, s.Handler(), http.MethodPost, "/api/models/upload", body.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, filepath.Join(modelDir, "yolov3-tiny.cfg"), out["data"])
	data, err := os.ReadFile(filepath.Join(modelDir, "yolov3-tiny.cfg"))
	require.NoError(t, err)
	assert.Equal(t, "[net]\n", string(data))

	w, _ = do(t, s.Handler(), http.MethodPost, "/api/models/upload", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func wsURL(srv *httptest.Server, id string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + id
}

func TestStream(t *testing.T) {
	s, _ := newServer(t, 100*time.Millisecond)
	id := loadNetwork(t, s.Handler())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "unknown"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, id), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pngImage(t)))
	var reply streamReply
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Empty(t, reply.Error)
	require.Len(t, reply.Outputs, 2)
	assert.Equal(t, []int{507, 85}, reply.Outputs[0].Shape)
	assert.Nil(t, reply.Outputs[0].Data)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("!!!")))
	reply = streamReply{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Contains(t, reply.Error, "invalid image")

	// Idle connections are closed by the server.
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}
