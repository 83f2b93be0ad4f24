package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/buttond/internal/gpio"
	"github.com/sweeney/buttond/internal/line"
	"github.com/sweeney/buttond/internal/metrics"
	"github.com/sweeney/buttond/internal/status"
)

type testEnv struct {
	ts  *httptest.Server
	tr  *status.Tracker
	reg *line.Registry
	m   *metrics.Metrics
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	reg, err := line.NewRegistry(gpio.NewFakeChip(), line.Table{
		Outputs: []gpio.Line{{Name: "LED 1", Offset: 4}},
		Inputs:  []gpio.Line{{Name: "LED 1 ON BUTTON", Offset: 17}, {Name: "LED 1 OFF BUTTON", Offset: 18}},
	})
	require.NoError(t, err)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		Chip:     "gpiochip0",
		Broker:   "tcp://192.168.1.200:1883",
		HTTPAddr: ":80",
		HoldMs:   500,
	}
	env := &testEnv{reg: reg, tr: status.NewTracker(start, cfg, reg), m: metrics.New(false)}
	srv := New(":0", env.tr, env.m.Handler())
	env.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(env.ts.Close)
	return env
}

func getJSON(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var sj status.StatusJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sj))
	return sj
}

func getBody(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestJSONEndpoint(t *testing.T) {
	env := newTestServer(t)
	require.NoError(t, env.reg.Acquire(0))
	require.NoError(t, env.reg.Write(0, gpio.High))
	env.tr.CountTrigger(1)
	env.tr.SetReady(true)
	env.tr.SetMQTTConnected(true)

	sj := getJSON(t, env.ts.URL+"/index.json")
	assert.True(t, sj.Status.Ready)
	assert.True(t, sj.Status.MQTT.Connected)
	assert.Equal(t, "tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
	assert.Equal(t, "LED 1 ON BUTTON", sj.Status.LastTrigger)
	assert.EqualValues(t, 500, sj.Status.Config.HoldMs)

	require.Len(t, sj.Status.Lines, 3)
	assert.Equal(t, "HIGH", sj.Status.Lines[0].Level)
	assert.True(t, sj.Status.Lines[0].Acquired)
	require.NotNil(t, sj.Status.Lines[1].Triggers)
	assert.EqualValues(t, 1, *sj.Status.Lines[1].Triggers)
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	env := newTestServer(t)

	sj := getJSON(t, env.ts.URL+"/index.json")
	assert.False(t, sj.Status.Ready)
	assert.Empty(t, sj.Status.LastTrigger)

	env.tr.SetReady(true)
	env.tr.CountTrigger(2)

	sj = getJSON(t, env.ts.URL+"/index.json")
	assert.True(t, sj.Status.Ready)
	assert.Equal(t, "LED 1 OFF BUTTON", sj.Status.LastTrigger)
}

func TestHTMLEndpoints(t *testing.T) {
	env := newTestServer(t)
	require.NoError(t, env.reg.Acquire(0))

	for _, path := range []string{"/", "/index.html"} {
		t.Run(path, func(t *testing.T) {
			resp, body := getBody(t, env.ts.URL+path)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
			assert.Contains(t, body, "LED 1 (4)")
			assert.Contains(t, body, "LED 1 ON BUTTON (17)")
			assert.Contains(t, body, "gpiochip0")
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.m.Triggers.WithLabelValues("LED 1 ON BUTTON").Inc()

	resp, body := getBody(t, env.ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `buttond_triggers_total{trigger="LED 1 ON BUTTON"} 1`)
}

func TestMetricsOmittedWhenNil(t *testing.T) {
	env := newTestServer(t)
	srv := httptest.NewServer(New(":0", env.tr, nil).Handler())
	t.Cleanup(srv.Close)

	resp, _ := getBody(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotFoundForUnknownPath(t *testing.T) {
	env := newTestServer(t)

	resp, _ := getBody(t, env.ts.URL+"/nonexistent")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestServer(t)

	resp, err := http.Post(env.ts.URL+"/index.json", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
