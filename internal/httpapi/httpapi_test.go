package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"karl/internal/runtime"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dataDir := t.TempDir()
	specDir := filepath.Join(dataDir, "kernels", "karl")
	require.NoError(t, os.MkdirAll(specDir, 0755))
	spec := `{"argv": ["karl", "kernel", "{connection_file}"], "display_name": "Karl", "language": "karl"}`
	require.NoError(t, os.WriteFile(filepath.Join(specDir, "kernel.json"), []byte(spec), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(specDir, "kernel.js"), []byte("// widget"), 0644))

	cfg := runtime.Config{
		Addr:              ":0",
		DefaultKernelName: "karl",
		DataDir:           dataDir,
		RuntimeDir:        t.TempDir(),
		KernelInfoTimeout: time.Second,
		CullInterval:      time.Hour,
	}
	rt, err := runtime.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	return New(rt)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestListKernelspecs(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/kernelspecs", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Default     string `json:"default"`
		Kernelspecs map[string]struct {
			Name      string            `json:"name"`
			Resources map[string]string `json:"resources"`
		} `json:"kernelspecs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "karl", resp.Default)
	require.Contains(t, resp.Kernelspecs, "karl")
	require.Equal(t, "/kernelspecs/karl/kernel.js", resp.Kernelspecs["karl"].Resources["kernel.js"])
}

func TestGetKernelspecNotFound(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/kernelspecs/ghost", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestKernelspecAsset(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/kernelspecs/karl/kernel.js", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "// widget", w.Body.String())

	w = do(t, s, http.MethodGet, "/kernelspecs/karl/secrets.txt", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListKernelsEmpty(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/kernels", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())
}

func TestStartKernelUnknownSpec(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/api/kernels", `{"name": "ghost"}`)
	require.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestKernelNotFound(t *testing.T) {
	s := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/kernels/nope"},
		{http.MethodDelete, "/api/kernels/nope"},
		{http.MethodPost, "/api/kernels/nope/restart"},
		{http.MethodPost, "/api/kernels/nope/interrupt"},
	} {
		w := do(t, s, tc.method, tc.path, "")
		require.Equal(t, http.StatusNotFound, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestSessionsUnavailableWithoutStore(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
