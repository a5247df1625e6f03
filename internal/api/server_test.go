package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/websocket"

	"github.com/scania/scanhub/internal/api"
	"github.com/scania/scanhub/internal/broadcast"
	"github.com/scania/scanhub/internal/engine"
	"github.com/scania/scanhub/internal/engine/enginetest"
	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/metrics"
	"github.com/scania/scanhub/internal/model"
	"github.com/scania/scanhub/internal/service"
	"github.com/scania/scanhub/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var tokens = api.StaticTokens{"t-alice": "alice", "t-bob": "bob"}

type fixture struct {
	srv     *httptest.Server
	manager *service.Manager
	events  *broadcast.Broadcaster
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, adapters ...engine.Adapter) fixture {
	t.Helper()
	reg := engine.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a, time.Minute))
	}
	m := metrics.New()
	events := broadcast.New(broadcast.WithGrace(100*time.Millisecond), broadcast.WithMetrics(m))
	cfg := model.Service{Jobs: model.Jobs{CancelWait: "200ms", Janitor: "1m"}}
	manager, err := service.NewManager(t.Context(), cfg, store.NewMemory(), reg, events, service.WithMetrics(m))
	require.NoError(t, err)
	s, err := api.New(manager, events, tokens, api.WithMetrics(m), api.WithHeartbeat(time.Second))
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, manager.Shutdown(ctx))
		events.Close()
	})
	return fixture{srv: srv, manager: manager, events: events, metrics: m}
}

func (f fixture) do(t *testing.T, method, path, token, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func (f fixture) submit(t *testing.T, token, body string) model.Job {
	t.Helper()
	code, b := f.do(t, http.MethodPost, "/api/v1/jobs", token, body)
	require.Equal(t, http.StatusAccepted, code, string(b))
	var job model.Job
	require.NoError(t, json.Unmarshal(b, &job))
	return job
}

func (f fixture) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	_, err := f.manager.Wait(ctx, id)
	require.NoError(t, err)
}

func webapp(findings ...finding.Finding) *enginetest.Fake {
	return enginetest.New(model.KindWebApp, enginetest.Steps(engine.Completed(findings), 25, 50, 100))
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, webapp(
		finding.Finding{ID: "xss", Engine: "webapp", Title: "Cross Site Scripting", Severity: finding.SeverityHigh, Location: "http://target.example/q"},
	))
	job := f.submit(t, "t-alice", `{"target":"http://target.example","kinds":["zap"],"options":{"max_crawl_depth":2}}`)
	require.Equal(t, "alice", job.Owner)
	require.Equal(t, []model.ScanKind{model.KindWebApp}, job.Kinds)
	f.wait(t, job.ID)

	code, b := f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, "t-alice", "")
	require.Equal(t, http.StatusOK, code)
	var got model.Job
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, model.StatusCompleted, got.Status)
	require.Equal(t, 100.0, got.Progress)
	require.NotNil(t, got.CompletedAt)

	code, b = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID+"/findings", "t-alice", "")
	require.Equal(t, http.StatusOK, code)
	var findings struct {
		Summary  finding.Summary   `json:"summary"`
		Findings []finding.Finding `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(b, &findings))
	require.Equal(t, finding.Summary{High: 1, Total: 1}, findings.Summary)
	require.Equal(t, "Cross Site Scripting", findings.Findings[0].Title)

	code, b = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID+"/bom", "t-alice", "")
	require.Equal(t, http.StatusOK, code)
	var doc cdx.BOM
	require.NoError(t, cdx.NewBOMDecoder(bytes.NewReader(b), cdx.BOMFileFormatJSON).Decode(&doc))
	require.Equal(t, cdx.SpecVersion1_6, doc.SpecVersion)
	require.Len(t, *doc.Vulnerabilities, 1)

	// cancel and start of a finished job are no-ops
	code, b = f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", "t-alice", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, model.StatusCompleted, got.Status)
	code, _ = f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/start", "t-alice", "")
	require.Equal(t, http.StatusAccepted, code)
}

func TestDeferredStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, webapp())
	job := f.submit(t, "t-bob", `{"target":"http://target.example","kinds":["webapp"],"deferred":true}`)
	require.Equal(t, model.StatusPending, job.Status)

	code, b := f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/start", "t-bob", "")
	require.Equal(t, http.StatusAccepted, code)
	var started model.Job
	require.NoError(t, json.Unmarshal(b, &started))
	require.Equal(t, model.StatusRunning, started.Status)
	f.wait(t, job.ID)
}

func TestErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, webapp())
	job := f.submit(t, "t-alice", `{"target":"http://target.example","kinds":["webapp"],"deferred":true}`)

	type given struct {
		method string
		path   string
		token  string
		body   string
	}
	var testCases = []struct {
		scenario string
		given    given
		then     int
	}{
		{"missing token", given{http.MethodGet, "/api/v1/jobs/" + job.ID, "", ""}, http.StatusUnauthorized},
		{"unknown token", given{http.MethodGet, "/api/v1/jobs/" + job.ID, "nope", ""}, http.StatusUnauthorized},
		{"other owner", given{http.MethodGet, "/api/v1/jobs/" + job.ID, "t-bob", ""}, http.StatusForbidden},
		{"other owner cancel", given{http.MethodPost, "/api/v1/jobs/" + job.ID + "/cancel", "t-bob", ""}, http.StatusForbidden},
		{"other owner findings", given{http.MethodGet, "/api/v1/jobs/" + job.ID + "/findings", "t-bob", ""}, http.StatusForbidden},
		{"unknown job", given{http.MethodGet, "/api/v1/jobs/missing", "t-alice", ""}, http.StatusNotFound},
		{"missing kinds", given{http.MethodPost, "/api/v1/jobs", "t-alice", `{"target":"10.0.0.1"}`}, http.StatusBadRequest},
		{"empty kinds", given{http.MethodPost, "/api/v1/jobs", "t-alice", `{"target":"10.0.0.1","kinds":[]}`}, http.StatusBadRequest},
		{"extra field", given{http.MethodPost, "/api/v1/jobs", "t-alice", `{"target":"10.0.0.1","kinds":["nmap"],"priority":1}`}, http.StatusBadRequest},
		{"unknown kind", given{http.MethodPost, "/api/v1/jobs", "t-alice", `{"target":"10.0.0.1","kinds":["fuzz"]}`}, http.StatusBadRequest},
		{"bad scheme", given{http.MethodPost, "/api/v1/jobs", "t-alice", `{"target":"ftp://x","kinds":["webapp"]}`}, http.StatusBadRequest},
		{"not json", given{http.MethodPost, "/api/v1/jobs", "t-alice", `target=x`}, http.StatusBadRequest},
		{"empty notice", given{http.MethodPost, "/api/v1/notifications", "t-alice", `{"message":""}`}, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			code, b := f.do(t, tc.given.method, tc.given.path, tc.given.token, tc.given.body)
			require.Equal(t, tc.then, code, string(b))
			var body struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(b, &body))
			require.NotEmpty(t, body.Error)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	sick := enginetest.New(model.KindNetwork, nil)
	sick.Unhealthy = true
	f := newFixture(t, webapp(), sick)

	code, b := f.do(t, http.MethodGet, "/api/v1/health", "", "")
	require.Equal(t, http.StatusServiceUnavailable, code)
	var h service.Health
	require.NoError(t, json.Unmarshal(b, &h))
	require.False(t, h.Healthy)
	require.True(t, h.Engines[model.KindWebApp])
	require.False(t, h.Engines[model.KindNetwork])

	code, b = f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(b), `scanhub_http_requests_total{code="503",route="GET /api/v1/health"} 1`)
}

func dial(t *testing.T, f fixture, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	ws, err := websocket.Dial(url, "", f.srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// next reads events until one of type typ arrives.
func next(t *testing.T, ws *websocket.Conn, typ model.EventType) model.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var ev model.Event
		require.NoError(t, websocket.JSON.Receive(ws, &ev))
		if ev.Type == typ {
			return ev
		}
	}
}

func TestJobStream(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, enginetest.New(model.KindWebApp, enginetest.Blocking(started, release)))
	job := f.submit(t, "t-alice", `{"target":"http://target.example","kinds":["webapp"],"deferred":true}`)

	ws := dial(t, f, "/ws/jobs/"+job.ID+"?token=t-alice")
	confirm := next(t, ws, model.EventSubscribed)
	require.Equal(t, job.ID, confirm.JobID)
	snap := next(t, ws, model.EventStatusChange)
	require.Equal(t, model.StatusPending, snap.Status)

	require.NoError(t, websocket.JSON.Send(ws, map[string]string{"type": "ping"}))
	next(t, ws, model.EventPong)

	code, _ := f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/start", "t-alice", "")
	require.Equal(t, http.StatusAccepted, code)
	running := next(t, ws, model.EventStatusChange)
	require.Equal(t, model.StatusRunning, running.Status)
	<-started

	require.NoError(t, websocket.JSON.Send(ws, map[string]string{"type": "request_status"}))
	progress := next(t, ws, model.EventProgress)
	require.Equal(t, job.ID, progress.JobID)

	close(release)
	done := next(t, ws, model.EventCompletion)
	require.Equal(t, model.StatusCompleted, done.Status)
	require.NotNil(t, done.Summary)

	// the stream ends once the job is purged after the grace period
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(10*time.Second)))
	var ev model.Event
	for {
		err := websocket.JSON.Receive(ws, &ev)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}
}

func TestJobStreamAfterPurge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, webapp())
	job := f.submit(t, "t-alice", `{"target":"http://target.example","kinds":["webapp"]}`)
	f.wait(t, job.ID)
	require.Eventually(t, func() bool {
		_, ok := f.events.Snapshot(job.ID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	ws := dial(t, f, "/ws/jobs/"+job.ID+"?token=t-alice")
	next(t, ws, model.EventSubscribed)
	done := next(t, ws, model.EventCompletion)
	require.Equal(t, model.StatusCompleted, done.Status)

	var ev model.Event
	require.True(t, errors.Is(websocket.JSON.Receive(ws, &ev), io.EOF))
}

func TestJobStreamForbidden(t *testing.T) {
	t.Parallel()

	f := newFixture(t, webapp())
	job := f.submit(t, "t-alice", `{"target":"http://target.example","kinds":["webapp"],"deferred":true}`)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/jobs/" + job.ID + "?token=t-bob"
	_, err := websocket.Dial(url, "", f.srv.URL)
	require.Error(t, err)
	code, _ := f.do(t, http.MethodGet, "/ws/jobs/"+job.ID+"?token=t-bob", "", "")
	require.Equal(t, http.StatusForbidden, code)
}

func TestNotifications(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ws := dial(t, f, "/ws/notifications?token=t-bob")
	next(t, ws, model.EventSubscribed)

	code, _ := f.do(t, http.MethodPost, "/api/v1/notifications", "t-alice", `{"message":"maintenance at noon"}`)
	require.Equal(t, http.StatusAccepted, code)
	notice := next(t, ws, model.EventNotice)
	require.Equal(t, "maintenance at noon", notice.Message)

	require.NoError(t, websocket.JSON.Send(ws, map[string]string{"type": "request_status"}))
	stats := next(t, ws, model.EventNotice)
	require.Contains(t, stats.Message, "live subscriptions")

	require.NoError(t, websocket.Message.Send(ws, "hello"))
	next(t, ws, model.EventError)

	code, b := f.do(t, http.MethodGet, "/api/v1/ws/stats", "t-bob", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"subscriptions":1,"jobs":0,"snapshots":0,"dropped":0}`, string(b))
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ws := dial(t, f, "/ws/notifications?token=t-alice")
	next(t, ws, model.EventSubscribed)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev model.Event
	require.NoError(t, websocket.JSON.Receive(ws, &ev))
	require.Equal(t, model.EventHeartbeat, ev.Type)
}
