// FILE: cycle.go
// Package main – Cycle orchestrator.
//
// RunCycle sequences one unit of work:
//
//	gate → state fetch → L1 (may stop as idle) → signal feeds → L0 rules →
//	tier → compactor → oracle → extractor → dispatcher → audit
//
// Every cycle, whatever happens inside it, ends with exactly one audit entry.
// The action cap for the cycle is min(MaxActionsPerCycle, hourly budget left)
// and is shared by L1, L0 and oracle actions in that order.
//
// Concurrency design:
//   - RunCycle is non-reentrant in-process (TryLock). An overlapping trigger
//     is reported as halted instead of waiting.
//   - Across processes the min-gap guard and transactional Replace are the
//     only protection; plain Write stays best-effort.
package main

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	assessAIError = "AI_ERROR"
	assessFatal   = "FATAL_ERROR"
)

// Deps are the collaborators a cycle talks to.
type Deps struct {
	Store        *Store
	Broker       Broker // state reads and the breaker check
	Exec         Broker // order execution; Broker when nil (DRY_RUN passes the paper broker)
	Feeds        *FeedClient
	Oracle       Oracle
	SystemPrompt string
}

// Orchestrator runs cycles.
type Orchestrator struct {
	mu sync.Mutex

	store    *Store
	broker   Broker
	feeds    *FeedClient
	oracle   Oracle
	audit    *AuditLog
	gate     *Gate
	dispatch *Dispatcher

	l1        Heuristics
	tiers     TierPolicy
	compactor Compactor

	system        string
	maxActions    int
	recentCloses  int
	shockFeed     string
	cycleTimeout  time.Duration
	fastModel     string
	deepModel     string
	fastMaxTokens int
	deepMaxTokens int
	temperature   float64
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	exec := deps.Exec
	if exec == nil {
		exec = deps.Broker
	}
	audit := NewAuditLog(deps.Store, cfg.AuditRetention, cfg.CreatedBy)
	return &Orchestrator{
		store:  deps.Store,
		broker: deps.Broker,
		feeds:  deps.Feeds,
		oracle: deps.Oracle,
		audit:  audit,
		gate:   NewGate(deps.Store, audit, deps.Broker, cfg.HourlyActionBudget, cfg.MinCycleGap),
		dispatch: NewDispatcher(deps.Store, exec, DispatchConfig{
			BreakerTTL:   cfg.BreakerTTL,
			RuleTTL:      cfg.RuleTTL,
			OverrideTTL:  cfg.OverrideTTL,
			ExecutionTTL: cfg.AuditRetention,
			CreatedBy:    cfg.CreatedBy,
		}),
		l1: Heuristics{
			HealthFloor:      cfg.HealthFloor,
			StreakCount:      cfg.LossStreakCount,
			StreakWindow:     cfg.LossStreakWindow,
			StreakBreakerPct: cfg.LossStreakBreakerPct,
			ShockSevere:      cfg.ShockSevereLevel,
		},
		tiers: TierPolicy{
			Ceiling:           cfg.DeepCeiling,
			Cooldown:          cfg.DeepCooldown,
			WinRateFloor:      cfg.WinRateFloor,
			WinRateMinSamples: cfg.WinRateMinSamples,
			SevereStreak:      cfg.SevereStreak,
		},
		compactor:     Compactor{DirectiveChars: cfg.DigestDirectiveChars, TopSignals: cfg.DigestTopSignals},
		system:        firstNonEmpty(deps.SystemPrompt, defaultSystemPrompt),
		maxActions:    cfg.MaxActionsPerCycle,
		recentCloses:  cfg.RecentCloses,
		shockFeed:     cfg.ShockFeed,
		cycleTimeout:  cfg.CycleTimeout,
		fastModel:     cfg.FastModel,
		deepModel:     cfg.DeepModel,
		fastMaxTokens: cfg.FastMaxTokens,
		deepMaxTokens: cfg.DeepMaxTokens,
		temperature:   cfg.OracleTemperature,
	}
}

// RunCycle runs one cycle and returns its audit entry.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleLog {
	started := time.Now()
	e := CycleLog{CycleID: uuid.New().String(), Timestamp: o.store.Now(), Tier: TierNone}

	if !o.mu.TryLock() {
		e.Status, e.Reason = StatusHalted, "another cycle is still running"
		incGateHalt(gateBusy)
		o.finish(ctx, &e, started)
		return e
	}
	defer o.mu.Unlock()

	cctx := ctx
	if o.cycleTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, o.cycleTimeout)
		defer cancel()
	}
	o.runSafely(cctx, &e)
	o.finish(ctx, &e, started)
	return e
}

// runSafely turns a panic anywhere in the cycle into a FATAL_ERROR entry.
func (o *Orchestrator) runSafely(ctx context.Context, e *CycleLog) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("[CYCLE] %s panic: %v\n%s", e.CycleID, r, debug.Stack())
			e.Status = StatusError
			e.Assessment = assessFatal
			e.Reason = fmt.Sprintf("panic: %v", r)
		}
	}()
	o.run(ctx, e)
}

// finish stamps counters and writes the single audit entry. The write gets its
// own deadline so a cycle that ran out of time is still recorded.
func (o *Orchestrator) finish(ctx context.Context, e *CycleLog, started time.Time) {
	e.DurationMs = time.Since(started).Milliseconds()
	e.ActionCount = len(e.Results)
	e.ActionsExecuted, e.ActionsFailed = 0, 0
	for _, r := range e.Results {
		if r.OK {
			e.ActionsExecuted++
		} else {
			e.ActionsFailed++
		}
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.audit.Record(wctx, *e); err != nil {
		zap.S().Errorf("[CYCLE] %s audit write failed: %v", e.CycleID, err)
	}
	observeCycle(e.Status, time.Since(started))
	zap.S().Infof("[CYCLE] %s status=%s tier=%s executed=%d failed=%d l1=%d l0=%d oracle=%d discarded=%d %dms reason=%q",
		e.CycleID, e.Status, e.Tier, e.ActionsExecuted, e.ActionsFailed, e.L1Actions, e.L0Actions, e.OracleActions,
		e.Discarded, e.DurationMs, e.Reason)
}

func (o *Orchestrator) run(ctx context.Context, e *CycleLog) {
	// 1) gate
	g := o.gate.Check(ctx)
	if g.Halted {
		e.Status, e.Reason = StatusHalted, g.Reason
		incGateHalt(g.Gate)
		zap.S().Warnf("[GATE] halted (%s): %s", g.Gate, g.Reason)
		return
	}
	limit := o.maxActions
	if g.RemainingBudget < limit {
		limit = g.RemainingBudget
	}

	// 2) state fetch
	positions, err := o.broker.OpenTrades(ctx)
	if err != nil {
		e.Status, e.Reason = StatusError, fmt.Sprintf("state fetch: open trades: %v", err)
		return
	}
	closed, err := o.broker.RecentClosedTrades(ctx, o.recentCloses)
	if err != nil {
		e.Status, e.Reason = StatusError, fmt.Sprintf("state fetch: closed trades: %v", err)
		return
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].ClosedAt.After(closed[j].ClosedAt) })
	breakers, err := o.store.ReadActive(ctx, KindCircuitBreaker, keyFor(KindCircuitBreaker, ""), nil)
	if err != nil {
		e.Status, e.Reason = StatusError, fmt.Sprintf("state fetch: breakers: %v", err)
		return
	}

	// 3) L1; the shock feed is the only feed read before the idle check
	signals := SignalSet{}
	var shock *Signal
	if len(positions) > 0 && o.feeds != nil && o.feeds.Has(o.shockFeed) {
		sig, ferr := o.feeds.Fetch(ctx, o.shockFeed)
		if ferr != nil {
			zap.S().Warnf("[L1] shock feed: %v", ferr)
			sig.Err = ferr.Error()
		}
		signals[o.shockFeed] = sig
		shock = &sig
	}
	now := o.store.Now()
	l1 := o.l1.Evaluate(now, positions, closed, shock, len(breakers) > 0)
	if len(l1.Fired) > 0 {
		zap.S().Infof("[L1] fired: %s", strings.Join(l1.Fired, ", "))
	}
	gone := map[string]bool{}
	e.L1Actions = o.dispatchCapped(ctx, e, l1.Actions, limit, gone)

	if l1.Idle {
		e.Status, e.Reason = StatusIdle, "no open positions and no L1 trigger"
		return
	}

	// 4) everything else the oracle may need
	if o.feeds != nil {
		signals = o.feeds.FetchAll(ctx, signals)
	}
	st, err := o.loadState(ctx, now, positions, closed, signals)
	if err != nil {
		e.Status, e.Reason = StatusError, fmt.Sprintf("state fetch: %v", err)
		return
	}

	// 5) L0
	l0 := evaluateRules(st.Rules, st, gone)
	e.L0Actions = o.dispatchCapped(ctx, e, l0, limit, gone)

	// 6) tier
	lastDeep, err := o.audit.lastDeepCycleAt(ctx)
	if err != nil {
		zap.S().Warnf("[TIER] last deep cycle unknown: %v", err)
	}
	td := o.tiers.Classify(now, lastDeep, st.Stats)
	e.Tier, e.TierReason = td.Tier, td.Reason
	zap.S().Infof("[TIER] %s: %s", td.Tier, td.Reason)

	// 7) oracle
	st.Positions = remaining(st.Positions, gone)
	st.Executed = append([]ActionResult(nil), e.Results...)
	st.ActionBudget = max(limit-len(e.Results), 0)
	payload, err := o.compactor.Build(td.Tier, st)
	if err != nil {
		e.Status, e.Reason = StatusError, err.Error()
		return
	}
	req := OracleRequest{System: o.system, User: payload, Model: o.fastModel, MaxTokens: o.fastMaxTokens, Temperature: o.temperature}
	if td.Tier == TierDeep {
		req.Model, req.MaxTokens = o.deepModel, o.deepMaxTokens
	}
	reply, err := o.oracle.Decide(ctx, req)
	incOracle(td.Tier, err)
	if err != nil {
		zap.S().Errorf("[ORACLE] %s/%s: %v", td.Tier, req.Model, err)
		e.Status, e.Assessment, e.Reason = StatusError, assessAIError, err.Error()
		return
	}
	e.Assessment, e.Score = parseAssessment(reply)

	// 8) oracle actions
	e.OracleActions = o.dispatchCapped(ctx, e, extractActions(reply), limit, gone)
	e.Status = StatusComplete
}

// dispatchCapped runs as many of reqs as the cycle cap still allows and
// returns how many were dispatched. Dropped requests are noted on the entry.
func (o *Orchestrator) dispatchCapped(ctx context.Context, e *CycleLog, reqs []ActionRequest, limit int, gone map[string]bool) int {
	kept, dropped := capActions(reqs, limit-len(e.Results))
	if len(dropped) > 0 {
		types := make([]string, 0, len(dropped))
		for _, r := range dropped {
			types = append(types, string(r.Source)+"/"+r.Type)
		}
		note := fmt.Sprintf("discarded %d action(s) over cycle cap %d: %s", len(dropped), limit, strings.Join(types, ", "))
		zap.S().Warnf("[CYCLE] %s", note)
		e.Discarded += len(dropped)
		e.Notes = append(e.Notes, note)
		addDiscarded(len(dropped))
	}
	for _, r := range kept {
		res := o.dispatch.Dispatch(ctx, e.CycleID, r)
		e.Results = append(e.Results, res)
		if !res.OK {
			continue
		}
		switch r.Type {
		case "close_trade":
			gone[paramString(r.Params, "tradeId")] = true
		case "log_note":
			e.Notes = append(e.Notes, res.Detail)
		}
	}
	return len(kept)
}

// loadState reads the account and every override the later phases use.
func (o *Orchestrator) loadState(ctx context.Context, now time.Time, positions []Position, closed []ClosedTrade, signals SignalSet) (*CycleState, error) {
	st := &CycleState{
		Now:       now,
		Positions: positions,
		Closed:    closed,
		Stats:     computeStats(closed),
		Signals:   signals,
	}
	if sum, err := o.broker.AccountSummary(ctx); err == nil {
		st.Account = sum
	} else {
		zap.S().Warnf("[CYCLE] account summary: %v", err)
	}

	rules, err := loadRules(ctx, o.store)
	if err != nil {
		return nil, err
	}
	st.Rules = rules

	if rows, err := o.store.ReadActive(ctx, KindCircuitBreaker, keyEquityBreaker, nil); err != nil {
		return nil, err
	} else if len(rows) > 0 {
		var bp BreakerPayload
		if rows[len(rows)-1].Decode(&bp) == nil {
			st.ReferenceEquity = decimal.NewFromFloat(bp.ReferenceEquity)
		}
	}
	if err := readPayloads(ctx, o.store, KindRiskParam, &st.RiskParams); err != nil {
		return nil, err
	}
	if err := readPayloads(ctx, o.store, KindDirective, &st.Directives); err != nil {
		return nil, err
	}
	if err := readPayloads(ctx, o.store, KindEntryBlock, &st.EntryBlocks); err != nil {
		return nil, err
	}
	return st, nil
}

// readPayloads decodes every active row of kind into *out, skipping bad rows.
func readPayloads[T any](ctx context.Context, st *Store, kind Kind, out *[]T) error {
	rows, err := st.ReadActive(ctx, kind, keyFor(kind, ""), nil)
	if err != nil {
		return fmt.Errorf("read %s: %w", kind, err)
	}
	for _, r := range rows {
		var v T
		if err := r.Decode(&v); err != nil {
			zap.S().Warnf("[CYCLE] %v", err)
			continue
		}
		*out = append(*out, v)
	}
	return nil
}

func remaining(positions []Position, gone map[string]bool) []Position {
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		if !gone[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

var (
	reAssessment = regexp.MustCompile(`(?im)^[\s*#>_-]*ASSESSMENT[\s*_]*:\s*(.+?)\s*$`)
	reScore      = regexp.MustCompile(`(?im)^[\s*#>_-]*SCORE[\s*_]*:[\s*_]*(-?\d+(?:\.\d+)?)`)
)

// parseAssessment pulls ASSESSMENT: and SCORE: lines from the reply. Without
// an ASSESSMENT line the first prose line outside action blocks is used.
func parseAssessment(reply string) (string, float64) {
	prose := reActionBlock.ReplaceAllString(reply, "")
	var assessment string
	if m := reAssessment.FindStringSubmatch(prose); m != nil {
		assessment = strings.Trim(m[1], "* ")
	} else {
		for _, line := range strings.Split(prose, "\n") {
			line = strings.TrimSpace(strings.Trim(line, "#*> "))
			if line != "" && !strings.HasPrefix(line, "```") {
				assessment = line
				break
			}
		}
	}
	var score float64
	if m := reScore.FindStringSubmatch(prose); m != nil {
		score, _ = strconv.ParseFloat(m[1], 64)
	}
	return truncateRunes(assessment, 280), score
}
