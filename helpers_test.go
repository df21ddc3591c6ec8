package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(filepath.Join(t.TempDir(), "overrides.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// testClock pins the store clock. Tests using it are sequential.
type testClock struct{ at time.Time }

func (c *testClock) now() time.Time          { return c.at }
func (c *testClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func pinClock(st *Store, at time.Time) *testClock {
	c := &testClock{at: at}
	st.now = c.now
	return c
}

func testConfig() Config {
	return Config{
		CreatedBy:            "test",
		CycleTimeout:         time.Minute,
		HourlyActionBudget:   20,
		MaxActionsPerCycle:   5,
		AuditRetention:       30 * 24 * time.Hour,
		BreakerTTL:           24 * time.Hour,
		RuleTTL:              90 * 24 * time.Hour,
		OverrideTTL:          24 * time.Hour,
		HealthFloor:          25,
		LossStreakCount:      3,
		LossStreakWindow:     2 * time.Hour,
		LossStreakBreakerPct: 3,
		ShockFeed:            "shock",
		ShockSevereLevel:     "EXTREME",
		RecentCloses:         50,
		DeepCeiling:          8 * time.Hour,
		DeepCooldown:         60 * time.Minute,
		WinRateFloor:         0.40,
		WinRateMinSamples:    10,
		SevereStreak:         5,
		DigestDirectiveChars: 140,
		DigestTopSignals:     5,
		FastModel:            "fast-model",
		DeepModel:            "deep-model",
		FastMaxTokens:        1024,
		DeepMaxTokens:        4096,
		OracleTemperature:    0.2,
	}
}

func account(balance, nav float64) AccountSummary {
	return AccountSummary{
		Currency: "USD",
		Balance:  decimal.NewFromFloat(balance),
		NAV:      decimal.NewFromFloat(nav),
	}
}

// spyBroker counts calls and can fail the account summary.
type spyBroker struct {
	Broker
	mu         sync.Mutex
	calls      map[string]int
	summaryErr error
}

func newSpyBroker(b Broker) *spyBroker { return &spyBroker{Broker: b, calls: map[string]int{}} }

func (s *spyBroker) hit(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

func (s *spyBroker) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *spyBroker) AccountSummary(ctx context.Context) (*AccountSummary, error) {
	s.hit("AccountSummary")
	if s.summaryErr != nil {
		return nil, s.summaryErr
	}
	return s.Broker.AccountSummary(ctx)
}

func (s *spyBroker) OpenTrades(ctx context.Context) ([]Position, error) {
	s.hit("OpenTrades")
	return s.Broker.OpenTrades(ctx)
}

func (s *spyBroker) RecentClosedTrades(ctx context.Context, limit int) ([]ClosedTrade, error) {
	s.hit("RecentClosedTrades")
	return s.Broker.RecentClosedTrades(ctx, limit)
}

// fakeOracle returns a canned reply and records requests.
type fakeOracle struct {
	reply string
	err   error
	reqs  []OracleRequest
}

func (f *fakeOracle) Decide(_ context.Context, req OracleRequest) (string, error) {
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

type panicOracle struct{}

func (panicOracle) Decide(context.Context, OracleRequest) (string, error) {
	panic("oracle exploded")
}

var errBrokerDown = errors.New("broker down")
