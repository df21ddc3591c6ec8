// FILE: metrics.go
// Package main – Prometheus metrics for observability.
//
// Exposes the metrics the loop updates while it runs:
//   • overseer_cycles_total{status}                 – cycles by outcome (halted|idle|complete|error)
//   • overseer_cycle_duration_seconds               – wall time per cycle
//   • overseer_actions_total{source,type,result}    – dispatched actions (result: ok|failed)
//   • overseer_oracle_requests_total{tier,result}   – oracle calls (result: ok|error)
//   • overseer_gate_halts_total{gate}               – halts by gate (circuit_breaker|loop_halt|rate_limit|min_gap|store|busy)
//   • overseer_actions_discarded_total              – actions dropped by the per-cycle cap
//
// These are registered in init() and served at /metrics by the serve command.

package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mtxCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_cycles_total",
			Help: "Cycles run, by final status",
		},
		[]string{"status"},
	)

	mtxCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "overseer_cycle_duration_seconds",
			Help:    "Cycle wall time in seconds",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 240},
		},
	)

	mtxActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_actions_total",
			Help: "Dispatched actions by source, type and result",
		},
		[]string{"source", "type", "result"},
	)

	// Oracle calls; result is ok|error. Tier is fast|deep.
	mtxOracle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_oracle_requests_total",
			Help: "Oracle requests by tier and result",
		},
		[]string{"tier", "result"},
	)

	mtxGateHalts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_gate_halts_total",
			Help: "Cycles halted before any state fetch, by gate",
		},
		[]string{"gate"},
	)

	mtxDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "overseer_actions_discarded_total",
			Help: "Actions dropped by the per-cycle cap",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxCycles, mtxCycleDuration)
	prometheus.MustRegister(mtxActions, mtxDiscarded)
	prometheus.MustRegister(mtxOracle, mtxGateHalts)
}

func observeCycle(status CycleStatus, d time.Duration) {
	mtxCycles.WithLabelValues(string(status)).Inc()
	mtxCycleDuration.Observe(d.Seconds())
}

func incAction(source ActionSource, typ string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	mtxActions.WithLabelValues(string(source), typ, result).Inc()
}

func incOracle(tier Tier, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	mtxOracle.WithLabelValues(string(tier), result).Inc()
}

func incGateHalt(gate string) { mtxGateHalts.WithLabelValues(gate).Inc() }
func addDiscarded(n int)      { mtxDiscarded.Add(float64(n)) }
