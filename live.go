// FILE: live.go
// Package main – Live loop, HTTP trigger and the serve mux.
//
// runLive drives cycles in real time:
//   • one cycle immediately, then one per interval tick
//   • a tick that lands while a cycle is running is dropped by the ticker, and
//     RunCycle itself refuses to overlap (TryLock)
//   • returns when ctx is cancelled
//
// The same cycles can be triggered externally with POST /cycle, which answers
// with the cycle's JSON summary.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// cycleRunner is what the loop and the trigger need from the orchestrator.
type cycleRunner interface {
	RunCycle(ctx context.Context) CycleLog
}

// runLive runs a cycle every interval until ctx is done.
func runLive(ctx context.Context, r cycleRunner, interval time.Duration) {
	if interval <= 0 {
		zap.S().Infof("[LIVE] no interval; waiting for external triggers")
		<-ctx.Done()
		return
	}
	zap.S().Infof("[LIVE] cycle every %s", interval)

	r.RunCycle(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.S().Infof("[LIVE] shutdown")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// cycleHandler runs one cycle per POST and writes its summary.
func cycleHandler(r cycleRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		// A caller that hangs up does not cancel the cycle; CycleTimeout bounds it.
		entry := r.RunCycle(context.WithoutCancel(req.Context()))
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(entry); err != nil {
			zap.S().Warnf("[HTTP] write cycle summary: %v", err)
		}
	}
}

// newMux wires health, metrics and the trigger.
func newMux(r cycleRunner) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/cycle", cycleHandler(r))
	return mux
}

// serveHTTP runs the server until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, port int, h http.Handler) error {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		zap.S().Infof("[HTTP] serving /healthz /metrics /cycle on :%d", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// serve runs the HTTP server next to the live loop. A server that fails (port
// in use) stops the loop; a cancelled ctx stops both.
func serve(ctx context.Context, r cycleRunner, port int, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		err := serveHTTP(ctx, port, newMux(r))
		if err != nil {
			zap.S().Errorf("[HTTP] %v", err)
		}
		errc <- err
		cancel()
	}()
	runLive(ctx, r, interval)
	cancel()
	return <-errc
}
