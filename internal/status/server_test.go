package status

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lovebot/internal/dispatch"
	"lovebot/internal/runtime/supervisor"
	"lovebot/internal/storage"
	logx "lovebot/pkg/logx"
)

type fixedSource struct{ st dispatch.Status }

func (f fixedSource) Status() dispatch.Status { return f.st }

func sampleStatus() dispatch.Status {
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	return dispatch.Status{
		State:    dispatch.StateIdle,
		Cadence:  "every 24h0m0s from 2024-01-01T09:00:00Z",
		NextSlot: "2024-01-02T09:00:00Z",
		NextDue:  due.Add(24 * time.Hour),
		Suspended: []dispatch.SuspendedSlot{
			{SlotID: "2024-01-01T09:00:00Z", Attempts: 2, NextRetryAt: due.Add(3 * time.Second), LastError: "transient: bad gateway"},
		},
		Last:      &storage.Record{SlotID: "2023-12-31T09:00:00Z", Status: storage.StatusDelivered, Attempts: 1},
		Delivered: 3,
		Retries:   2,
		Tasks: []supervisor.TaskState{
			{Name: "dispatch", Running: true},
			{Name: "status.http", Running: true, Restarts: 1, LastErr: "address in use"},
		},
	}
}

func TestHandlerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "lovebot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := New(Config{Addr: "127.0.0.1:0"}, fixedSource{sampleStatus()}, reg, logx.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "lovebot_test_total 1")

	resp, err = http.Get(ts.URL + "/debug/pprof/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	st, err := Fetch(context.Background(), strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)
	want := sampleStatus()
	assert.Equal(t, want.NextSlot, st.NextSlot)
	assert.True(t, want.NextDue.Equal(st.NextDue))
	require.Len(t, st.Suspended, 1)
	assert.Equal(t, 2, st.Suspended[0].Attempts)
	require.NotNil(t, st.Last)
	assert.Equal(t, storage.StatusDelivered, st.Last.Status)
	assert.Equal(t, 3, st.Delivered)
	require.Len(t, st.Tasks, 2)
	assert.Equal(t, "status.http", st.Tasks[1].Name)
	assert.Equal(t, 1, st.Tasks[1].Restarts)
}

func TestHealthzReportsStopped(t *testing.T) {
	srv := New(Config{}, fixedSource{dispatch.Status{State: dispatch.StateStopped}}, prometheus.NewRegistry(), logx.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPprofOnlyOnLoopback(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0", Pprof: true}, fixedSource{}, prometheus.NewRegistry(), logx.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	srv = New(Config{Addr: "0.0.0.0:9469", Pprof: true}, fixedSource{}, prometheus.NewRegistry(), logx.Nop())
	assert.False(t, srv.cfg.Pprof)
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9469": true,
		"localhost:80":   true,
		"[::1]:9469":     true,
		":9469":          false,
		"0.0.0.0:9469":   false,
		"10.0.0.2:9469":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(Config{Addr: ln.Addr().String()}, fixedSource{sampleStatus()}, prometheus.NewRegistry(), logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		_, err := Fetch(context.Background(), ln.Addr().String())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
