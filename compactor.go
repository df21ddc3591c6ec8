// FILE: compactor.go
// Package main – Cycle state and the context compactor.
//
// CycleState is everything one cycle fetched. The compactor turns it into the
// oracle's user message:
//   • fast tier – digest: positions, summary stats, one-line directives cut to
//     DirectiveChars, the TopSignals strongest signals by |score|, active
//     directives and what already ran this cycle
//   • deep tier – full state: every feed's structured fields, active rules,
//     risk params, directives, entry blocks and recent closes
package main

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CycleState is read fresh once per cycle, after the gate.
type CycleState struct {
	Now             time.Time
	Account         *AccountSummary
	ReferenceEquity decimal.Decimal // active breaker reference, zero when none
	Positions       []Position
	Closed          []ClosedTrade // newest first
	Stats           TradeStats
	Signals         SignalSet
	Rules           []RulePayload
	RiskParams      []RiskParamPayload
	Directives      []DirectivePayload
	EntryBlocks     []EntryBlockPayload
	Executed        []ActionResult // L1/L0 results so far this cycle
	ActionBudget    int            // oracle actions still allowed this cycle
}

// Compactor builds tier-specific payloads.
type Compactor struct {
	DirectiveChars int
	TopSignals     int
}

type accountView struct {
	Currency    string `json:"currency,omitempty"`
	Balance     string `json:"balance"`
	NAV         string `json:"nav"`
	Unrealized  string `json:"unrealizedPL"`
	MarginUsed  string `json:"marginUsed"`
	DrawdownPct string `json:"drawdownPct"`
}

type positionView struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Units      float64   `json:"units"`
	Health     float64   `json:"health"`
	MFE        float64   `json:"mfe"`
	MAE        float64   `json:"mae"`
	UPL        float64   `json:"upl"`
	AgeMinutes int       `json:"ageMin"`
}

type signalView struct {
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	Directive string  `json:"directive"`
}

type fastDigest struct {
	Tier         Tier               `json:"tier"`
	At           time.Time          `json:"at"`
	Account      *accountView       `json:"account,omitempty"`
	Positions    []positionView     `json:"positions"`
	Stats        TradeStats         `json:"stats"`
	Directives   map[string]string  `json:"signalDirectives,omitempty"`
	TopSignals   []signalView       `json:"topSignals,omitempty"`
	Active       []DirectivePayload `json:"activeDirectives,omitempty"`
	Executed     []ActionResult     `json:"executedThisCycle,omitempty"`
	ActionBudget int                `json:"actionBudget"`
}

type deepPayload struct {
	Tier         Tier                `json:"tier"`
	At           time.Time           `json:"at"`
	Account      *accountView        `json:"account,omitempty"`
	Positions    []Position          `json:"positions"`
	RecentCloses []ClosedTrade       `json:"recentCloses,omitempty"`
	Stats        TradeStats          `json:"stats"`
	Signals      SignalSet           `json:"signals,omitempty"`
	Rules        []RulePayload       `json:"rules,omitempty"`
	RiskParams   []RiskParamPayload  `json:"riskParams,omitempty"`
	Directives   []DirectivePayload  `json:"activeDirectives,omitempty"`
	EntryBlocks  []EntryBlockPayload `json:"entryBlocks,omitempty"`
	Executed     []ActionResult      `json:"executedThisCycle,omitempty"`
	ActionBudget int                 `json:"actionBudget"`
}

// Build returns the user payload for tier.
func (c Compactor) Build(tier Tier, st *CycleState) (string, error) {
	var v any
	switch tier {
	case TierDeep:
		v = deepPayload{
			Tier: tier, At: st.Now, Account: viewAccount(st),
			Positions: st.Positions, RecentCloses: st.Closed, Stats: st.Stats,
			Signals: st.Signals, Rules: st.Rules, RiskParams: st.RiskParams,
			Directives: st.Directives, EntryBlocks: st.EntryBlocks,
			Executed: st.Executed, ActionBudget: st.ActionBudget,
		}
	case TierFast:
		v = c.digest(st)
	default:
		return "", fmt.Errorf("no payload for tier %q", tier)
	}
	b, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", tier, err)
	}
	return string(b), nil
}

func (c Compactor) digest(st *CycleState) fastDigest {
	d := fastDigest{
		Tier: TierFast, At: st.Now, Account: viewAccount(st),
		Positions: make([]positionView, 0, len(st.Positions)),
		Stats: st.Stats, Active: st.Directives,
		Executed: st.Executed, ActionBudget: st.ActionBudget,
	}
	for _, p := range st.Positions {
		d.Positions = append(d.Positions, positionView{
			ID: p.ID, Instrument: p.Instrument, Direction: p.Direction, Units: p.Units,
			Health: p.HealthScore, MFE: p.FavorableExcursion, MAE: p.AdverseExcursion,
			UPL: p.UnrealizedPL, AgeMinutes: int(st.Now.Sub(p.CreatedAt).Minutes()),
		})
	}

	var ranked []signalView
	for _, name := range st.Signals.names() {
		sg := st.Signals[name]
		if sg.Err != "" || sg.Directive == "" {
			continue
		}
		if d.Directives == nil {
			d.Directives = map[string]string{}
		}
		line := truncateRunes(sg.Directive, c.DirectiveChars)
		d.Directives[name] = line
		ranked = append(ranked, signalView{Name: name, Score: sg.Score, Directive: line})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return math.Abs(ranked[i].Score) > math.Abs(ranked[j].Score) })
	if c.TopSignals >= 0 && len(ranked) > c.TopSignals {
		ranked = ranked[:c.TopSignals]
	}
	d.TopSignals = ranked
	return d
}

func viewAccount(st *CycleState) *accountView {
	if st.Account == nil {
		return nil
	}
	a := st.Account
	return &accountView{
		Currency: a.Currency, Balance: a.Balance.StringFixed(2), NAV: a.NAV.StringFixed(2),
		Unrealized: a.UnrealizedPL.StringFixed(2), MarginUsed: a.MarginUsed.StringFixed(2),
		DrawdownPct: drawdownPct(a, st.ReferenceEquity).StringFixed(2),
	}
}

// truncateRunes cuts s to at most n runes, ending with "…" when cut.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return string(r[:1])
	}
	return string(r[:n-1]) + "…"
}
