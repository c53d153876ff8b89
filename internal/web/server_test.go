package web

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/ingest"
	"image-compressor-go/internal/pipeline"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/transport"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Codecs.JPEG.Progressive = false
	cfg.Codecs.IncludeEncoded = false

	layout, err := storage.Initialize(t.TempDir())
	require.NoError(t, err)
	log, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	p := pipeline.New(cfg, layout, log, pipeline.WithMetrics(statistics.NewMetrics(reg)))
	return NewServer(cfg, p, log, reg)
}

func pngPayload(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < 16; i++ {
		img.Set(i, i, color.NRGBA{uint8(i * 16), 0, 0, 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return transport.Encode("image/png", buf.Bytes())
}

func do(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp APIResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func submit(t *testing.T, s *Server) APIResponse {
	t.Helper()
	rec, resp := do(t, s, http.MethodPost, "/api/images", SubmitRequest{Images: []ingest.ImageData{
		{Filename: "a.png", Data: pngPayload(t)},
		{Filename: "b.png", Data: pngPayload(t)},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return resp
}

func TestStatusBeforeAnyBatch(t *testing.T) {
	s := newTestServer(t)
	rec, resp := do(t, s, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, false, data["running"])
	assert.Nil(t, data["statistics"])
	assert.EqualValues(t, 0, data["ws_clients"])
}

func TestSettingsEndpoints(t *testing.T) {
	s := newTestServer(t)

	_, resp := do(t, s, http.MethodGet, "/api/settings", nil)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, 75.0, data["compression_quality"])
	assert.Equal(t, "webp_lossy", data["method"])

	rec, _ := do(t, s, http.MethodPut, "/api/settings", map[string]interface{}{"compression_quality": 60, "method": "lossy"})
	assert.Equal(t, http.StatusOK, rec.Code)

	_, resp = do(t, s, http.MethodGet, "/api/settings", nil)
	data = resp.Data.(map[string]interface{})
	assert.Equal(t, 60.0, data["compression_quality"])
	assert.Equal(t, "lossy", data["method"])

	rec, resp = do(t, s, http.MethodPut, "/api/settings", map[string]interface{}{"compression_quality": 60, "method": "gzip"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = do(t, s, http.MethodPut, "/api/settings", map[string]interface{}{"compression_quality": 0, "method": "lossy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAndQuery(t *testing.T) {
	s := newTestServer(t)

	resp := submit(t, s)
	assert.True(t, resp.Success)
	result := resp.Data.(map[string]interface{})
	assert.Len(t, result["results"], 2)

	_, resp = do(t, s, http.MethodGet, "/api/metadata", nil)
	entries := resp.Data.([]interface{})
	require.Len(t, entries, 2)
	assert.Equal(t, "a_compressed.webp", entries[0].(map[string]interface{})["compressed_name"])

	_, resp = do(t, s, http.MethodGet, "/api/diagnostics", nil)
	assert.Equal(t, "all_succeeded", resp.Data.(map[string]interface{})["outcome"])

	_, resp = do(t, s, http.MethodGet, "/api/images/compressed", nil)
	assert.Len(t, resp.Data, 2)
	_, resp = do(t, s, http.MethodGet, "/api/images/original", nil)
	assert.Len(t, resp.Data, 2)

	_, resp = do(t, s, http.MethodGet, "/api/status", nil)
	stats := resp.Data.(map[string]interface{})["statistics"].(map[string]interface{})
	assert.EqualValues(t, 2, stats["files"].(map[string]interface{})["compressed"])
}

func TestSubmitRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	rec, _ := do(t, s, http.MethodPost, "/api/images", SubmitRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp := do(t, s, http.MethodPost, "/api/images", SubmitRequest{Images: []ingest.ImageData{
		{Filename: "a.png", Data: "not a data url"},
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error, "malformed payload")

	rec, _ = do(t, s, http.MethodPost, "/api/images", SubmitRequest{Images: []ingest.ImageData{
		{Filename: "a.png", Data: "data:image/png;base64,"},
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitNothingCompressed(t *testing.T) {
	s := newTestServer(t)

	rec, resp := do(t, s, http.MethodPost, "/api/images", SubmitRequest{Images: []ingest.ImageData{
		{Filename: "a.jpg", Data: transport.Encode("image/jpeg", []byte("definitely not a jpeg"))},
	}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "None of the 1 images")
}

func TestExportEndpoint(t *testing.T) {
	s := newTestServer(t)
	submit(t, s)

	dest := filepath.Join(t.TempDir(), "out")
	rec, resp := do(t, s, http.MethodPost, "/api/export", ExportRequest{Destination: dest})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, resp.Data.(map[string]interface{})["exported"])
	assert.FileExists(t, filepath.Join(dest, "b_compressed.webp"))

	rec, _ = do(t, s, http.MethodPost, "/api/export", ExportRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	submit(t, s)

	rec, _ := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `image_compressor_batches_total{method="webp_lossy",status="succeeded"} 1`)
	assert.Contains(t, body, `image_compressor_files_total{adapter="webp",status="compressed"} 2`)
}

func TestWebSocketReceivesBatchEvents(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		_, resp := do(t, s, http.MethodGet, "/api/status", nil)
		return resp.Data.(map[string]interface{})["ws_clients"] == 1.0
	}, time.Second, 10*time.Millisecond)

	submit(t, s)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	seen := map[string]int{}
	for seen["batch_completed"] == 0 {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg.Type]++
	}
	assert.Equal(t, 1, seen["batch_started"])
	assert.Equal(t, 2, seen["item_completed"])
}
