package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/beamline/beamline"
	"github.com/nasa-jpl/beamline/config"
	"github.com/nasa-jpl/beamline/logging"
	"github.com/nasa-jpl/beamline/pv"
)

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	c := config.Default()
	c.RunLog.Path = filepath.Join(dir, "runlog.db")
	c.Recorder.Root = dir
	c.Devices = []config.DeviceSetup{
		{Name: "x", Type: "dummy"},
		{Name: "diode", Type: "pvdetector", Args: map[string]interface{}{"pv": "SAR:DIODE"}},
		{Name: "cam", Type: "camera", Args: map[string]interface{}{"width": 8, "height": 8}},
		{Name: "ghost_delay", Type: "delay", Args: map[string]interface{}{"stage": "ghost"}},
	}
	return c
}

func TestNewProvider(t *testing.T) {
	c := config.Default()
	c.Mock = false
	c.PVGateway = config.PVGateway{Kind: "http", Addr: "http://gateway:8080"}
	p, err := NewProvider(c)
	require.NoError(t, err)
	assert.IsType(t, &pv.HTTPProvider{}, p)

	c.Mock = true
	p, err = NewProvider(c)
	require.NoError(t, err)
	assert.IsType(t, &pv.Mock{}, p)

	c.Mock = false
	c.PVGateway.Kind = "carrier-pigeon"
	_, err = NewProvider(c)
	assert.Error(t, err)
}

func TestServer(t *testing.T) {
	logger := logging.NewWriter(&strings.Builder{}, "error", "text")
	app, err := Setup(testConfig(t), logger)
	require.NoError(t, err)
	defer app.Close()
	srv := httptest.NewServer(app.Mux)
	defer srv.Close()

	do := func(method, path, body string) (int, string) {
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, resp.Body)
		return resp.StatusCode, buf.String()
	}

	code, body := do(http.MethodGet, "/adj/x/pos", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"f64":0}`, body)

	code, _ = do(http.MethodGet, "/det/diode/value", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(http.MethodGet, "/cam/cam/value", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(http.MethodGet, "/pv/SAR:DIODE", "")
	assert.Equal(t, http.StatusOK, code)

	code, body = do(http.MethodGet, "/endpoints", "")
	require.Equal(t, http.StatusOK, code)
	graph := map[string][]string{}
	require.NoError(t, json.Unmarshal([]byte(body), &graph))
	assert.Contains(t, graph, "/adj/x")
	assert.Contains(t, graph, "/cam/cam")
	assert.NotContains(t, graph, "/adj/ghost_delay")
	assert.Contains(t, graph["/"], "POST /scans")

	code, body = do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)
	st := []beamline.EntryStatus{}
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	byName := map[string]beamline.EntryStatus{}
	for _, e := range st {
		byName[e.Name] = e
	}
	assert.True(t, byName["x"].Initialized)
	assert.NotEmpty(t, byName["ghost_delay"].Error)

	code, _ = do(http.MethodPost, "/lock", `{"bool":true}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(http.MethodPost, "/adj/x/pos", `{"f64":1}`)
	assert.Equal(t, http.StatusLocked, code)
	code, _ = do(http.MethodPost, "/lock", `{"bool":false}`)
	require.Equal(t, http.StatusOK, code)

	code, _ = do(http.MethodPost, "/scans", `{"type":"ascan","name":"s1","adjustables":["x"],"start":[0],"end":[1],"intervals":[2],"counters":["diode"]}`)
	assert.Equal(t, http.StatusAccepted, code)
}
