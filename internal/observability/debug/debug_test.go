package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	logx "timerd/pkg/logx"
)

type fakeScheduler struct{ snap scheduler.Snapshot }

func (f fakeScheduler) Snapshot() scheduler.Snapshot { return f.snap }

type fakeFirings struct{ got []storage.Firing }

func (f *fakeFirings) AppendFiring(context.Context, storage.Firing) error { return nil }
func (f *fakeFirings) RecentFirings(_ context.Context, n int) ([]storage.Firing, error) {
	return f.got[:min(n, len(f.got))], nil
}
func (f *fakeFirings) Close() error { return nil }

func testSources() Sources {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "timerd_test_total", Help: "test"}))
	return Sources{
		Scheduler: fakeScheduler{snap: scheduler.Snapshot{Running: true, Pending: 2}},
		Engine:    engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil),
		Firings:   &fakeFirings{got: []storage.Firing{{Name: "a"}, {Name: "b"}}},
		Gatherer:  reg,
		Health: func() []Check {
			return []Check{{Name: "scheduler", OK: true}}
		},
	}
}

func get(t *testing.T, h http.Handler, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	mux := newMux("", testSources())

	rec := get(t, mux, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok": true`)

	rec = get(t, mux, "/timers")
	require.Equal(t, http.StatusOK, rec.Code)
	var timers timersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timers))
	require.NotNil(t, timers.Scheduler)
	assert.Equal(t, 2, timers.Scheduler.Pending)
	require.NotNil(t, timers.Engine)
	assert.Equal(t, 1, timers.Engine.Workers)

	rec = get(t, mux, "/firings?n=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var firings []storage.Firing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &firings))
	require.Len(t, firings, 1)
	assert.Equal(t, "a", firings[0].Name)
	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/firings?n=x").Code)

	rec = get(t, mux, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "timerd_test_total")

	assert.Equal(t, http.StatusOK, get(t, mux, "/debug/pprof/").Code)
}

func TestUnhealthy(t *testing.T) {
	t.Parallel()
	src := testSources()
	src.Health = func() []Check { return []Check{{Name: "engine", Error: "worker.0: boom"}} }
	rec := get(t, newMux("", src), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "worker.0: boom")

	src.Firings = nil
	assert.Equal(t, http.StatusNotFound, get(t, newMux("", src), "/firings").Code)
}

func TestRunJob(t *testing.T) {
	t.Parallel()
	src := testSources()
	var got []string
	src.Trigger = func(_ context.Context, name string) error {
		switch name {
		case "backup":
			got = append(got, name)
			return nil
		case "idle":
			return engine.ErrDisabled
		case "busy":
			return context.DeadlineExceeded
		}
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	mux := newMux("", src)

	post := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
		return rec
	}

	rec := post("/jobs/run?name=backup")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued": true`)
	assert.Equal(t, []string{"backup"}, got)

	assert.Equal(t, http.StatusNotFound, post("/jobs/run?name=nope").Code)
	assert.Equal(t, http.StatusConflict, post("/jobs/run?name=idle").Code)
	assert.Equal(t, http.StatusServiceUnavailable, post("/jobs/run?name=busy").Code)
	assert.Equal(t, http.StatusBadRequest, post("/jobs/run").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, get(t, mux, "/jobs/run?name=backup").Code)

	assert.Equal(t, http.StatusNotFound, get(t, newMux("", testSources()), "/jobs/run").Code)
}

func TestAuth(t *testing.T) {
	t.Parallel()
	mux := newMux("s3cret", testSources())

	assert.Equal(t, http.StatusUnauthorized, get(t, mux, "/timers").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, mux, "/timers", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, get(t, mux, "/timers", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, mux, "/timers?token=s3cret").Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("10.0.0.1:6060"))
	assert.False(t, isLoopbackAddr("nonsense"))
}

func TestServiceLifecycle(t *testing.T) {
	svc := New(Config{}, testSources(), logx.Nop())
	ctx := context.Background()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 5*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scheduler")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Nil(t, svc.Supervisor())
	assert.Empty(t, svc.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	err := svc.serveOnce(context.Background())
	assert.ErrorIs(t, err, ErrInsecureBind)
}
