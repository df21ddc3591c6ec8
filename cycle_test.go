package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cycleFixture struct {
	st     *Store
	clk    *testClock
	paper  *PaperBroker
	spy    *spyBroker
	oracle *fakeOracle
	orch   *Orchestrator
}

func newCycleFixture(t *testing.T, cfg Config, reply string) *cycleFixture {
	t.Helper()
	f := &cycleFixture{st: newTestStore(t), paper: NewPaperBroker(10000), oracle: &fakeOracle{reply: reply}}
	f.clk = pinClock(f.st, t0)
	f.spy = newSpyBroker(f.paper)
	f.orch = NewOrchestrator(cfg, Deps{Store: f.st, Broker: f.spy, Oracle: f.oracle})
	return f
}

func (f *cycleFixture) audits(t *testing.T) []CycleLog {
	t.Helper()
	out, err := f.orch.audit.recent(context.Background(), 100)
	require.NoError(t, err)
	return out
}

func actionBlock(typ string, params map[string]any) string {
	m := map[string]any{"type": typ}
	for k, v := range params {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return "```action\n" + string(b) + "\n```\n"
}

func TestCycleIdleMakesNoOracleCall(t *testing.T) {
	f := newCycleFixture(t, testConfig(), "unused")

	e := f.orch.RunCycle(context.Background())

	assert.Equal(t, StatusIdle, e.Status)
	assert.Equal(t, TierNone, e.Tier)
	assert.Empty(t, f.oracle.reqs)
	assert.Zero(t, e.ActionCount)
	require.Len(t, f.audits(t), 1)
	assert.Equal(t, e.CycleID, f.audits(t)[0].CycleID)
}

func TestCycleHaltedBeforeStateFetch(t *testing.T) {
	f := newCycleFixture(t, testConfig(), "unused")
	f.paper.SeedOpen(Position{ID: "1", Instrument: "EUR_USD", Units: 10, HealthScore: 5})
	_, err := f.st.Replace(context.Background(), WriteRequest{Kind: KindLoopHalt, Key: keyLoopHalt, Payload: HaltPayload{Reason: "operator"}, TTL: time.Hour})
	require.NoError(t, err)

	e := f.orch.RunCycle(context.Background())

	assert.Equal(t, StatusHalted, e.Status)
	assert.Contains(t, e.Reason, "operator")
	assert.Zero(t, f.spy.count("OpenTrades"))
	assert.Zero(t, f.spy.count("RecentClosedTrades"))
	assert.Empty(t, f.oracle.reqs)
	assert.Len(t, f.audits(t), 1)

	open, err := f.paper.OpenTrades(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1, "a halted cycle never acts")
}

func TestCycleBreakerTripHaltsWithReason(t *testing.T) {
	f := newCycleFixture(t, testConfig(), "unused")
	f.paper.SetAccount(account(1000, 958))
	armBreaker(t, f.st, 3, 0)

	e := f.orch.RunCycle(context.Background())

	assert.Equal(t, StatusHalted, e.Status)
	assert.Contains(t, e.Reason, "4.20%")
	assert.Contains(t, e.Reason, "3.00%")
	assert.Zero(t, f.spy.count("OpenTrades"))
}

func TestCycleLossStreakArmsBreakerWithoutPositions(t *testing.T) {
	f := newCycleFixture(t, testConfig(), "ASSESSMENT: standing down after the streak\nSCORE: 20")
	f.paper.SeedClosed(
		ClosedTrade{ID: "a", RealizedPL: -12, ClosedAt: t0.Add(-15 * time.Minute)},
		ClosedTrade{ID: "b", RealizedPL: -8, ClosedAt: t0.Add(-50 * time.Minute)},
		ClosedTrade{ID: "c", RealizedPL: -20, ClosedAt: t0.Add(-100 * time.Minute)},
	)

	e := f.orch.RunCycle(context.Background())

	assert.Equal(t, StatusComplete, e.Status)
	assert.Equal(t, 1, e.L1Actions)
	assert.Equal(t, 1, e.ActionsExecuted)
	rows, err := f.st.ReadActive(context.Background(), KindCircuitBreaker, keyEquityBreaker, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.Len(t, f.oracle.reqs, 1)
	req := f.oracle.reqs[0]
	assert.Equal(t, "deep-model", req.Model)
	assert.Contains(t, req.User, "executedThisCycle")
	assert.Contains(t, req.User, "activate_circuit_breaker")
	assert.Equal(t, "standing down after the streak", e.Assessment)
	assert.Equal(t, 20.0, e.Score)
}

func TestCycleOracleCloseIsExecutedAndRecorded(t *testing.T) {
	reply := "ASSESSMENT: EUR_USD trade is failing\nSCORE: 40\n" + actionBlock("close_trade", map[string]any{"tradeId": "42"})
	f := newCycleFixture(t, testConfig(), reply)
	f.paper.SeedOpen(Position{ID: "42", Instrument: "EUR_USD", Direction: DirLong, Units: 1000, HealthScore: 60})

	e := f.orch.RunCycle(context.Background())

	require.Equal(t, StatusComplete, e.Status, e.Reason)
	assert.Equal(t, TierDeep, e.Tier)
	assert.Equal(t, 1, e.OracleActions)
	assert.Equal(t, 1, e.ActionsExecuted)
	assert.Equal(t, 1, e.ActionCount)
	assert.Equal(t, "EUR_USD trade is failing", e.Assessment)
	assert.Equal(t, 40.0, e.Score)

	open, err := f.paper.OpenTrades(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	ex := executions(t, f.st)
	require.Len(t, ex, 1)
	assert.Equal(t, "42", ex[0].TradeID)
	assert.Equal(t, execFilled, ex[0].Status)
	assert.Equal(t, e.CycleID, ex[0].CycleID)

	logged := f.audits(t)
	require.Len(t, logged, 1)
	assert.Equal(t, 1, logged[0].ActionCount)
}

func TestCycleOracleFailureKeepsEarlierActions(t *testing.T) {
	f := newCycleFixture(t, testConfig(), "")
	f.oracle.err = errors.New("upstream 503")
	f.paper.SeedOpen(
		Position{ID: "9", Instrument: "EUR_USD", Units: 100, HealthScore: 10},
		Position{ID: "10", Instrument: "GBP_USD", Units: 100, HealthScore: 70},
	)

	e := f.orch.RunCycle(context.Background())

	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, assessAIError, e.Assessment)
	assert.Contains(t, e.Reason, "upstream 503")
	assert.Equal(t, 1, e.L1Actions)
	assert.Equal(t, 1, e.ActionsExecuted)

	open, err := f.paper.OpenTrades(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "10", open[0].ID)
	assert.Len(t, f.audits(t), 1)
}

func TestCyclePanicIsRecorded(t *testing.T) {
	f := newCycleFixture(t, testConfig(), "")
	f.orch.oracle = panicOracle{}
	f.paper.SeedOpen(Position{ID: "1", Instrument: "EUR_USD", Units: 100, HealthScore: 70})

	var e CycleLog
	require.NotPanics(t, func() { e = f.orch.RunCycle(context.Background()) })

	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, assessFatal, e.Assessment)
	assert.Contains(t, e.Reason, "oracle exploded")
	logged := f.audits(t)
	require.Len(t, logged, 1)
	assert.Equal(t, assessFatal, logged[0].Assessment)
}

func TestCycleCapDiscardsExcessOracleActions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActionsPerCycle = 2
	var reply strings.Builder
	reply.WriteString("ASSESSMENT: noisy\n")
	for _, n := range []string{"one", "two", "three", "four"} {
		reply.WriteString(actionBlock("log_note", map[string]any{"note": n}))
	}
	f := newCycleFixture(t, cfg, reply.String())
	f.paper.SeedOpen(Position{ID: "1", Instrument: "EUR_USD", Units: 100, HealthScore: 70})

	e := f.orch.RunCycle(context.Background())

	require.Equal(t, StatusComplete, e.Status, e.Reason)
	assert.Equal(t, 2, e.OracleActions)
	assert.Equal(t, 2, e.Discarded)
	assert.Equal(t, 2, e.ActionCount)
	require.NotEmpty(t, e.Notes)
	assert.Contains(t, e.Notes[0], "discarded 2 action(s)")
	assert.Contains(t, e.Notes, "one")
	assert.Contains(t, e.Notes, "two")
	assert.NotContains(t, e.Notes, "three")
}

func TestCycleCapSharedAcrossLayers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActionsPerCycle = 2
	reply := "ASSESSMENT: ok\n" + actionBlock("log_note", map[string]any{"note": "late"})
	f := newCycleFixture(t, cfg, reply)
	f.paper.SeedOpen(
		Position{ID: "1", Instrument: "EUR_USD", Units: 100, HealthScore: 5},
		Position{ID: "2", Instrument: "GBP_USD", Units: 100, HealthScore: 6},
		Position{ID: "3", Instrument: "USD_JPY", Units: 100, HealthScore: 7},
	)

	e := f.orch.RunCycle(context.Background())

	assert.Equal(t, 2, e.L1Actions)
	assert.Zero(t, e.OracleActions)
	assert.Equal(t, 2, e.Discarded)
	assert.Equal(t, 2, e.ActionCount)
	require.Len(t, f.oracle.reqs, 1)
	assert.Contains(t, f.oracle.reqs[0].User, `"actionBudget": 0`)
}

func TestCycleHonoursHourlyRemainder(t *testing.T) {
	reply := "ASSESSMENT: busy\n" +
		actionBlock("log_note", map[string]any{"note": "a"}) +
		actionBlock("log_note", map[string]any{"note": "b"}) +
		actionBlock("log_note", map[string]any{"note": "c"})
	f := newCycleFixture(t, testConfig(), reply)
	f.paper.SeedOpen(Position{ID: "1", Instrument: "EUR_USD", Units: 100, HealthScore: 70})
	recordAudit(t, f.orch.audit, CycleLog{CycleID: "earlier", Status: StatusComplete, ActionCount: 19})

	e := f.orch.RunCycle(context.Background())

	assert.Equal(t, 1, e.OracleActions)
	assert.Equal(t, 2, e.Discarded)

	f.clk.advance(time.Minute)
	e = f.orch.RunCycle(context.Background())
	assert.Equal(t, StatusHalted, e.Status)
	assert.Contains(t, e.Reason, "20/20")
}

func TestCycleBusyIsHaltedAndAudited(t *testing.T) {
	cfg := testConfig()
	cfg.MinCycleGap = time.Minute
	f := newCycleFixture(t, cfg, "")
	f.orch.mu.Lock()
	e := f.orch.RunCycle(context.Background())
	f.orch.mu.Unlock()

	assert.Equal(t, StatusHalted, e.Status)
	assert.Contains(t, e.Reason, "another cycle")
	assert.Zero(t, f.spy.count("AccountSummary"))
	assert.Len(t, f.audits(t), 1)

	e = f.orch.RunCycle(context.Background())
	assert.Equal(t, StatusIdle, e.Status, "a busy halt does not arm the minimum gap")
}

func TestCycleMinimumGapUnderFrequentTriggers(t *testing.T) {
	cfg := testConfig()
	cfg.MinCycleGap = time.Minute
	f := newCycleFixture(t, cfg, "")

	var got []CycleStatus
	for i := 0; i < 8; i++ {
		got = append(got, f.orch.RunCycle(context.Background()).Status)
		f.clk.advance(40 * time.Second)
	}
	assert.Equal(t, []CycleStatus{
		StatusIdle, StatusHalted, StatusIdle, StatusHalted,
		StatusIdle, StatusHalted, StatusIdle, StatusHalted,
	}, got)
}

func TestCycleDeepThenFastWithinCooldown(t *testing.T) {
	f := newCycleFixture(t, testConfig(), "ASSESSMENT: fine")
	f.paper.SeedOpen(Position{ID: "1", Instrument: "EUR_USD", Units: 100, HealthScore: 70})

	first := f.orch.RunCycle(context.Background())
	f.clk.advance(10 * time.Minute)
	second := f.orch.RunCycle(context.Background())
	f.clk.advance(61 * time.Minute)
	third := f.orch.RunCycle(context.Background())

	assert.Equal(t, TierDeep, first.Tier)
	assert.Equal(t, TierFast, second.Tier)
	assert.Contains(t, second.TierReason, "cool-down")
	assert.Equal(t, TierFast, third.Tier, "past the cool-down but inside the ceiling")

	require.Len(t, f.oracle.reqs, 3)
	assert.Equal(t, "deep-model", f.oracle.reqs[0].Model)
	assert.Equal(t, 4096, f.oracle.reqs[0].MaxTokens)
	assert.Equal(t, "fast-model", f.oracle.reqs[1].Model)
	assert.Equal(t, 1024, f.oracle.reqs[1].MaxTokens)
	assert.Contains(t, f.oracle.reqs[1].User, `"tier": "fast"`)
	assert.Equal(t, defaultSystemPrompt, f.oracle.reqs[0].System)
}

func TestCycleRuleClosesBeforeOracle(t *testing.T) {
	f := newCycleFixture(t, testConfig(), "ASSESSMENT: rule handled it")
	f.paper.SeedOpen(
		Position{ID: "5", Instrument: "EUR_USD", Units: 100, HealthScore: 40},
		Position{ID: "6", Instrument: "GBP_USD", Units: 100, HealthScore: 80},
	)
	_, err := writeRule(context.Background(), f.st, mustRule(t, "cut-weak", "health_score < 50", "close", 1), time.Hour, "t")
	require.NoError(t, err)

	e := f.orch.RunCycle(context.Background())

	require.Equal(t, StatusComplete, e.Status, e.Reason)
	assert.Zero(t, e.L1Actions)
	assert.Equal(t, 1, e.L0Actions)

	require.Len(t, f.oracle.reqs, 1)
	var p struct {
		Positions []Position `json:"positions"`
	}
	require.NoError(t, json.Unmarshal([]byte(f.oracle.reqs[0].User), &p))
	require.Len(t, p.Positions, 1)
	assert.Equal(t, "6", p.Positions[0].ID, "the oracle only sees positions still open")
}

func TestCycleStateFetchFailure(t *testing.T) {
	f := newCycleFixture(t, testConfig(), "")
	f.orch.broker = failingTrades{f.spy}

	e := f.orch.RunCycle(context.Background())

	assert.Equal(t, StatusError, e.Status)
	assert.Contains(t, e.Reason, "state fetch")
	assert.Empty(t, f.oracle.reqs)
	assert.Len(t, f.audits(t), 1)
}

type failingTrades struct{ Broker }

func (failingTrades) OpenTrades(context.Context) ([]Position, error) { return nil, errBrokerDown }
