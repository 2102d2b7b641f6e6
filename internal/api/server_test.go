package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/warc-tiering/internal/evidence"
	"github.com/JakeFAU/warc-tiering/internal/metrics"
	"github.com/JakeFAU/warc-tiering/internal/state"
	"github.com/JakeFAU/warc-tiering/internal/watchdog"
)

type fakeOutcomes struct {
	out watchdog.RunOutcome
	ok  bool
}

func (f fakeOutcomes) LastOutcome() (watchdog.RunOutcome, bool) { return f.out, f.ok }

type fakeCapturer struct {
	mu   sync.Mutex
	reqs []evidence.Request
	err  error
}

func (f *fakeCapturer) Capture(_ context.Context, req evidence.Request) (evidence.Snapshot, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return evidence.Snapshot{}, "", f.err
	}
	return evidence.Snapshot{ID: "snap-1"}, "memory://evidence/snap-1.json", nil
}

func newTestExporter(t *testing.T) *metrics.Exporter {
	t.Helper()
	exp, err := metrics.New("")
	require.NoError(t, err)
	require.NoError(t, exp.EnableHTTP())
	return exp
}

func newTestServer(t *testing.T, mutate func(*Deps)) *Server {
	t.Helper()
	deps := Deps{
		Metrics: newTestExporter(t),
		State: func() (*state.WatchdogState, error) {
			st := state.Default()
			st.RecordRecovery("/srv/warc/hot/a", time.Now())
			return st, nil
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := NewServer(deps)
	require.NoError(t, err)
	return srv
}

func serve(srv *Server, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_RequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Deps{State: func() (*state.WatchdogState, error) { return state.Default(), nil }})
	require.Error(t, err)
	_, err = NewServer(Deps{Metrics: newTestExporter(t)})
	require.Error(t, err)
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(t, nil), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ready := serve(newTestServer(t, nil), http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, ready.Code)

	broken := newTestServer(t, func(d *Deps) {
		d.State = func() (*state.WatchdogState, error) { return nil, errors.New("decode state file: bad json") }
	})
	rec := serve(broken, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad json")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	serve(srv, http.MethodGet, "/healthz", "", nil)
	rec := serve(srv, http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, metrics.DefaultPrefix+"_enabled")
	assert.Contains(t, body, metrics.DefaultPrefix+"_targets")
	assert.Contains(t, body, metrics.DefaultPrefix+"_http_requests_total")
}

func TestServer_State(t *testing.T) {
	t.Parallel()

	last := watchdog.RunOutcome{RunID: "run-7", Trace: []watchdog.Phase{watchdog.PhaseIdle, watchdog.PhaseHealthy, watchdog.PhaseIdle}}
	srv := newTestServer(t, func(d *Deps) { d.Outcomes = fakeOutcomes{out: last, ok: true} })

	rec := serve(srv, http.MethodGet, "/v1/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		State           state.WatchdogState  `json:"state"`
		RecoveriesToday map[string]int       `json:"recoveries_today"`
		LastRun         *watchdog.RunOutcome `json:"last_run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.State.Enabled)
	assert.Equal(t, 1, resp.RecoveriesToday["/srv/warc/hot/a"])
	require.NotNil(t, resp.LastRun)
	assert.Equal(t, "run-7", resp.LastRun.RunID)
}

func TestServer_StateWithoutOutcome(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(d *Deps) { d.Outcomes = fakeOutcomes{} })
	rec := serve(srv, http.MethodGet, "/v1/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "last_run")
}

func TestServer_StateError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(d *Deps) {
		d.State = func() (*state.WatchdogState, error) { return nil, errors.New("read state file: permission denied") }
	})
	rec := serve(srv, http.MethodGet, "/v1/state", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_CaptureEvidence(t *testing.T) {
	t.Parallel()

	capturer := &fakeCapturer{}
	srv := newTestServer(t, func(d *Deps) {
		d.Evidence = capturer
		d.EvidenceRequest = evidence.Request{ManifestPath: "/etc/warc-tiering/tiering.manifest", Reason: "on demand"}
	})

	rec := serve(srv, http.MethodPost, "/v1/evidence", `{"reason":"pager 1234"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "snap-1")
	assert.Contains(t, rec.Body.String(), "memory://evidence/snap-1.json")

	rec = serve(srv, http.MethodPost, "/v1/evidence", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, capturer.reqs, 2)
	assert.Equal(t, "pager 1234", capturer.reqs[0].Reason)
	assert.Equal(t, "/etc/warc-tiering/tiering.manifest", capturer.reqs[0].ManifestPath)
	assert.Equal(t, "on demand", capturer.reqs[1].Reason)
}

func TestServer_CaptureEvidenceErrors(t *testing.T) {
	t.Parallel()

	unconfigured := newTestServer(t, nil)
	rec := serve(unconfigured, http.MethodPost, "/v1/evidence", "", nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)

	srv := newTestServer(t, func(d *Deps) { d.Evidence = &fakeCapturer{err: errors.New("store evidence snapshot: bucket unavailable")} })
	rec = serve(srv, http.MethodPost, "/v1/evidence", "{invalid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(srv, http.MethodPost, "/v1/evidence", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "bucket unavailable")
}

func TestServer_EvidenceRequiresAPIKey(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(d *Deps) {
		d.Evidence = &fakeCapturer{}
		d.APIKey = "secret"
	})

	rec := serve(srv, http.MethodPost, "/v1/evidence", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(srv, http.MethodPost, "/v1/evidence", "", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Read-only routes stay open.
	rec = serve(srv, http.MethodGet, "/v1/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(d *Deps) {
		d.State = func() (*state.WatchdogState, error) { panic("boom") }
	})
	rec := serve(srv, http.MethodGet, "/v1/state", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
