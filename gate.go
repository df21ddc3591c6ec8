// FILE: gate.go
// Package main – Circuit breaker & rate limiter (cycle gate).
//
// Check runs before any state fetch, in a fixed order:
//   1) equity circuit breaker – drawdown from the account summary vs threshold;
//      halts when the summary cannot be fetched (fail-closed)
//   2) loop halt override     – halts with its stated reason
//   3) hourly action budget   – sum of audit actionCount over the trailing 60m
//   4) minimum cycle gap      – rejects a cycle if the previous one finished too recently
//
// The breaker is first on purpose: drawdown protection dominates cost control.
// A store read error also halts; the gate never lets a cycle run blind.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	gateBreaker   = "circuit_breaker"
	gateHalt      = "loop_halt"
	gateRateLimit = "rate_limit"
	gateMinGap    = "min_gap"
	gateStore     = "store"
	gateBusy      = "busy"
)

// GateResult is the gate's verdict for one cycle.
type GateResult struct {
	Halted          bool
	Gate            string
	Reason          string
	RemainingBudget int // actions still allowed in the trailing hour
}

// Gate decides whether a cycle may run.
type Gate struct {
	store        *Store
	audit        *AuditLog
	broker       Broker
	hourlyBudget int
	minGap       time.Duration
}

func NewGate(store *Store, audit *AuditLog, broker Broker, hourlyBudget int, minGap time.Duration) *Gate {
	return &Gate{store: store, audit: audit, broker: broker, hourlyBudget: hourlyBudget, minGap: minGap}
}

func halt(gate, format string, a ...any) GateResult {
	return GateResult{Halted: true, Gate: gate, Reason: fmt.Sprintf(format, a...)}
}

// Check evaluates the gates in order and returns at the first halt.
func (g *Gate) Check(ctx context.Context) GateResult {
	if r := g.checkBreaker(ctx); r.Halted {
		return r
	}

	halts, err := g.store.ReadActive(ctx, KindLoopHalt, keyFor(KindLoopHalt, ""), nil)
	if err != nil {
		return halt(gateStore, "halt check failed: %v", err)
	}
	if len(halts) > 0 {
		var hp HaltPayload
		_ = halts[len(halts)-1].Decode(&hp)
		return halt(gateHalt, "loop halted: %s", firstNonEmpty(hp.Reason, "no reason given"))
	}

	now := g.store.Now()
	used, err := g.audit.actionsSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return halt(gateStore, "rate limit check failed: %v", err)
	}
	if used >= g.hourlyBudget {
		return halt(gateRateLimit, "hourly action budget exhausted: %d/%d actions in the last 60m", used, g.hourlyBudget)
	}

	if g.minGap > 0 {
		last, err := g.audit.lastCycleAt(ctx, now.Add(-g.minGap))
		if err != nil {
			return halt(gateStore, "last cycle lookup failed: %v", err)
		}
		if !last.IsZero() && now.Sub(last) < g.minGap {
			return halt(gateMinGap, "previous cycle finished %s ago (minimum gap %s)",
				now.Sub(last).Round(time.Second), g.minGap)
		}
	}

	return GateResult{RemainingBudget: g.hourlyBudget - used}
}

// checkBreaker evaluates every active circuit-breaker override against the
// account drawdown. The tightest threshold wins.
func (g *Gate) checkBreaker(ctx context.Context) GateResult {
	breakers, err := g.store.ReadActive(ctx, KindCircuitBreaker, keyFor(KindCircuitBreaker, ""), nil)
	if err != nil {
		return halt(gateStore, "circuit breaker check failed: %v", err)
	}
	if len(breakers) == 0 {
		return GateResult{}
	}

	sum, err := g.broker.AccountSummary(ctx)
	if err != nil {
		zap.S().Warnf("[GATE] account summary unavailable with active breaker: %v", err)
		return halt(gateBreaker, "circuit breaker active and account summary unavailable (fail-closed): %v", err)
	}

	for _, o := range breakers {
		var bp BreakerPayload
		if err := o.Decode(&bp); err != nil {
			zap.S().Warnf("[GATE] unreadable breaker %s treated as tripped: %v", o.Key, err)
			return halt(gateBreaker, "circuit breaker %s unreadable (fail-closed)", o.Key)
		}
		dd := drawdownPct(sum, decimal.NewFromFloat(bp.ReferenceEquity))
		th := decimal.NewFromFloat(bp.ThresholdPct)
		if dd.GreaterThanOrEqual(th) {
			return halt(gateBreaker, "equity circuit breaker tripped: drawdown %s%% >= threshold %s%%",
				dd.StringFixed(2), th.StringFixed(2))
		}
		zap.S().Debugf("[GATE] breaker %s armed: drawdown %s%% < %s%%", o.Key, dd.StringFixed(2), th.StringFixed(2))
	}
	return GateResult{}
}
