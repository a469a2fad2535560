package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/jobsrv/internal/app"
)

// testServer creates an httptest.Server with the full jobsrv-server mux.
func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := newServerMux(t)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// newServerMux mirrors the server setup in main.go, using a test App.
func newServerMux(t *testing.T) http.Handler {
	t.Helper()
	configPath := writeTestConfig(t)
	a, err := app.NewApp(configPath)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return buildMux(a)
}

func TestHealthEndpoint(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Post(ts.URL+"/api/health", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestVersionEndpoint(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_, ok := body["version"]
	assert.True(t, ok, "expected a version field")
}

func TestEventsEndpoint_Mounted(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/ws/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.NotEqual(t, http.StatusNotFound, resp.StatusCode, "events endpoint not mounted")
}

// --- test helpers ---

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	os.MkdirAll(filepath.Join(dir, "data"), 0755)
	os.MkdirAll(filepath.Join(dir, "logs"), 0755)

	config := `
[storage]
path = "` + filepath.Join(dir, "data") + `"

[logging]
level = "error"
outputs = ["console"]
file_path = "` + filepath.Join(dir, "logs", "jobsrv.log") + `"
`
	configPath := filepath.Join(dir, "jobsrv.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0644))
	return configPath
}
