package monsvc

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iut/pkg/fleet"
	"iut/pkg/monitoring"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s := New(logger)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return s, ts, hook
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func scrape(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestCreateAndList(t *testing.T) {
	_, ts, hook := newTestServer(t)

	code, body := do(t, http.MethodPost, ts.URL+"/machines", `{"id":"abc123","status":"init"}`)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "ok", body["message"])
	assert.Equal(t, "Registered a new machine (abc123)", hook.LastEntry().Message)

	code, body = do(t, http.MethodGet, ts.URL+"/machines", "")
	assert.Equal(t, http.StatusOK, code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, map[string]any{"id": "abc123", "status": "init"}, items[0])
	assert.Equal(t, "Found 1 machine(s)", hook.LastEntry().Message)
}

func TestListEmpty(t *testing.T) {
	_, ts, _ := newTestServer(t)

	code, body := do(t, http.MethodGet, ts.URL+"/machines", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, body["items"])
}

func TestCreateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "missing id", body: `{"status":"init"}`, want: msgPayloadValidation},
		{name: "non alphanumeric id", body: `{"id":"a-b","status":"init"}`, want: msgPayloadValidation},
		{name: "unknown status", body: `{"id":"a1","status":"booting"}`, want: msgPayloadValidation},
		{name: "bad ip", body: `{"id":"a1","status":"init","ip":"10.0.0"}`, want: msgPayloadValidation},
		{name: "unknown field", body: `{"id":"a1","status":"init","mac":"x"}`, want: msgPayloadValidation},
		{name: "not json", body: `id=a1`, want: msgPayloadValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ts, _ := newTestServer(t)
			code, body := do(t, http.MethodPost, ts.URL+"/machines", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tt.want, body["message"])
			assert.Empty(t, s.Store().List())
		})
	}
}

func TestCreateDuplicate(t *testing.T) {
	s, ts, _ := newTestServer(t)

	code, _ := do(t, http.MethodPost, ts.URL+"/machines", `{"id":"a1","status":"init"}`)
	require.Equal(t, http.StatusCreated, code)
	code, body := do(t, http.MethodPost, ts.URL+"/machines", `{"id":"a1","status":"os_start"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, msgAlreadyExists, body["message"])

	rec, ok := s.Store().Get("a1")
	require.True(t, ok)
	assert.Equal(t, "init", rec.Status)
	assert.Contains(t, scrape(t, ts), `iut_monitoring_rejected_requests_total{reason="duplicate"} 1`)
}

func TestUpdateStatus(t *testing.T) {
	s, ts, hook := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/machines", `{"id":"a1","status":"init"}`)

	code, body := do(t, http.MethodPut, ts.URL+"/machines/a1/status", `{"status":"os_start","ip":"10.0.0.5"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["message"])
	assert.Equal(t, "Changed machine (a1) status from 'init' to 'os_start'", hook.LastEntry().Message)

	// An update without an address keeps the stored one.
	code, _ = do(t, http.MethodPut, ts.URL+"/machines/a1/status", `{"status":"os_end"}`)
	assert.Equal(t, http.StatusOK, code)

	rec, _ := s.Store().Get("a1")
	assert.Equal(t, Record{ID: "a1", Status: "os_end", IP: "10.0.0.5"}, rec)
	metrics := scrape(t, ts)
	assert.Contains(t, metrics, `iut_monitoring_machines{status="os_end"} 1`)
	assert.Contains(t, metrics, `iut_monitoring_machines{status="init"} 0`)
	assert.Contains(t, metrics, `iut_monitoring_status_updates_total{status="os_start"} 1`)
}

func TestUpdateStatusRejects(t *testing.T) {
	_, ts, _ := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/machines", `{"id":"a1","status":"init"}`)

	code, body := do(t, http.MethodPut, ts.URL+"/machines/zz9/status", `{"status":"os_start"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, msgUnknownMachine, body["message"])

	code, body = do(t, http.MethodPut, ts.URL+"/machines/a_1/status", `{"status":"os_start"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, msgURIValidation, body["message"])

	code, body = do(t, http.MethodPut, ts.URL+"/machines/a1/status", `{"status":"lost"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, msgPayloadValidation, body["message"])
}

func TestHealthzAndMetrics(t *testing.T) {
	_, ts, _ := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/machines", `{"id":"a1","status":"init"}`)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics := scrape(t, ts)
	assert.Contains(t, metrics, "iut_monitoring_registrations_total 1")
	assert.Contains(t, metrics, `iut_monitoring_machines{status="init"} 1`)
}

func TestClientRoundTrip(t *testing.T) {
	s, ts, _ := newTestServer(t)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	svc := monitoring.Service{Schema: "http", Addr: u.Hostname(), Port: port}

	reg := fleet.New(
		fleet.Machine{Name: "node-1", Cluster: "c1"},
		fleet.Machine{Name: "node-2", Cluster: "c1"},
	)
	logger, _ := test.NewNullLogger()
	client := monitoring.NewClient(svc, monitoring.WithLogger(logger))
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, reg))
	require.Len(t, s.Store().List(), 2)

	first := reg.Machine(0)
	_, ok := s.Store().Update(first.ID, fleet.StatusOSStart, "10.1.1.1")
	require.True(t, ok)

	require.NoError(t, client.Refresh(ctx, reg))
	got := reg.Machine(0)
	assert.Equal(t, fleet.StatusOSStart, got.Status)
	assert.Equal(t, "10.1.1.1", got.Address)
	assert.Equal(t, fleet.StatusInit, reg.Machine(1).Status)
}

func TestServeOnFallbackPort(t *testing.T) {
	busy, err := Listener(0)
	require.NoError(t, err)
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port

	ln, err := Listener(taken, 0)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	running := New(logger).Serve(ln)
	assert.NotEqual(t, taken, running.Service().Port)
	assert.Equal(t, "localhost", running.Service().Addr)

	resp, err := http.Get(running.Service().URL())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, running.Shutdown(context.Background()))
}
