package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type countingRunner struct{ n atomic.Int32 }

func (c *countingRunner) RunCycle(context.Context) CycleLog {
	n := c.n.Add(1)
	return CycleLog{CycleID: "c" + string(rune('0'+n)), Status: StatusIdle, Tier: TierNone}
}

func TestRunLiveStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := &countingRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runLive(ctx, r, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runLive did not return after cancel")
	}
}

func TestRunLiveWithoutIntervalWaits(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := &countingRunner{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	runLive(ctx, r, 0)
	assert.Zero(t, r.n.Load(), "trigger-only mode never runs a cycle by itself")
}

func TestMuxCycleTrigger(t *testing.T) {
	r := &countingRunner{}
	srv := httptest.NewServer(newMux(r))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/cycle", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	var e CycleLog
	require.NoError(t, json.NewDecoder(res.Body).Decode(&e))
	assert.Equal(t, StatusIdle, e.Status)
	assert.Equal(t, "c1", e.CycleID)

	res2, err := http.Get(srv.URL + "/cycle")
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res2.StatusCode)
	assert.Equal(t, http.MethodPost, res2.Header.Get("Allow"))
	assert.EqualValues(t, 1, r.n.Load())
}

type ctxRunner struct{ err error }

func (c *ctxRunner) RunCycle(ctx context.Context) CycleLog {
	c.err = ctx.Err()
	return CycleLog{Status: StatusComplete}
}

func TestCycleHandlerOutlivesCaller(t *testing.T) {
	r := &ctxRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/cycle", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	cycleHandler(r).ServeHTTP(rec, req)

	assert.NoError(t, r.err, "the cycle context is detached from the request")
	var e CycleLog
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, StatusComplete, e.Status)
}

func TestMuxHealthAndMetrics(t *testing.T) {
	srv := httptest.NewServer(newMux(&countingRunner{}))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, "ok\n", string(body))

	observeCycle(StatusIdle, 5*time.Millisecond)
	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.Contains(t, string(body), "overseer_cycles_total")
}

func TestServeHTTPShutsDown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- serveHTTP(ctx, 0, http.NewServeMux()) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("serveHTTP did not shut down")
	}
}

func TestServeStopsLoopWhenPortTaken(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	r := &countingRunner{}
	errc := make(chan error, 1)
	go func() { errc <- serve(context.Background(), r, port, time.Hour) }()
	select {
	case err := <-errc:
		assert.ErrorContains(t, err, "address already in use")
	case <-time.After(5 * time.Second):
		t.Fatal("serve kept looping without its HTTP server")
	}
}
