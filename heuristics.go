// FILE: heuristics.go
// Package main – L1 heuristic engine.
//
// A fixed set of safety checks on freshly fetched state. None of them call the
// oracle and none are extensible at runtime:
//   • health floor   – open position with healthScore < floor → close_trade
//   • loss streak    – last N closes all losing, all inside the window → breaker
//   • shock defense  – shock feed at the severe level covering the instrument → close_trade
//   • idle           – no open positions and nothing fired → the cycle stops here
package main

import (
	"fmt"
	"strings"
	"time"
)

// TradeStats summarizes recent closed trades (newest first on input).
type TradeStats struct {
	Closes            int     `json:"closes"`
	Wins              int     `json:"wins"`
	Losses            int     `json:"losses"`
	WinRate           float64 `json:"winRate"`
	ConsecutiveLosses int     `json:"consecutiveLosses"`
	RealizedPL        float64 `json:"realizedPL"`
}

func computeStats(closed []ClosedTrade) TradeStats {
	var s TradeStats
	streak := true
	for _, t := range closed {
		s.Closes++
		s.RealizedPL += t.RealizedPL
		switch {
		case t.RealizedPL > 0:
			s.Wins++
		case t.RealizedPL < 0:
			s.Losses++
		}
		if streak && t.RealizedPL < 0 {
			s.ConsecutiveLosses++
		} else {
			streak = false
		}
	}
	if s.Closes > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Closes)
	}
	return s
}

// Heuristics holds the L1 thresholds.
type Heuristics struct {
	HealthFloor      float64
	StreakCount      int
	StreakWindow     time.Duration
	StreakBreakerPct float64
	ShockSevere      string
}

// L1Result is what the heuristics asked for this cycle.
type L1Result struct {
	Actions []ActionRequest
	Idle    bool
	Fired   []string
}

// Evaluate runs every check. shock may be nil when no shock feed was fetched.
// breakerActive suppresses a second loss-streak breaker.
func (h Heuristics) Evaluate(now time.Time, positions []Position, closed []ClosedTrade, shock *Signal, breakerActive bool) L1Result {
	var res L1Result
	closing := map[string]bool{}

	for _, p := range positions {
		if p.HealthScore < h.HealthFloor {
			closing[p.ID] = true
			res.Fired = append(res.Fired, fmt.Sprintf("health %s %.1f<%.1f", p.ID, p.HealthScore, h.HealthFloor))
			res.Actions = append(res.Actions, ActionRequest{Type: "close_trade", Source: SourceL1, Params: map[string]any{
				"tradeId": p.ID,
				"reason":  fmt.Sprintf("health score %.1f below floor %.1f", p.HealthScore, h.HealthFloor),
			}})
		}
	}

	if h.lossStreak(now, closed) {
		if breakerActive {
			res.Fired = append(res.Fired, "loss streak (breaker already active)")
		} else {
			res.Fired = append(res.Fired, "loss streak")
			res.Actions = append(res.Actions, ActionRequest{Type: "activate_circuit_breaker", Source: SourceL1, Params: map[string]any{
				"thresholdPct": h.StreakBreakerPct,
				"reason":       fmt.Sprintf("%d consecutive losing closes within %s", h.StreakCount, h.StreakWindow),
			}})
		}
	}

	if shock != nil && shock.Err == "" && h.ShockSevere != "" {
		level, _ := shock.Fields["level"].(string)
		if strings.EqualFold(strings.TrimSpace(level), h.ShockSevere) {
			affected := map[string]bool{}
			for _, in := range shock.Strings("instruments") {
				affected[strings.ToUpper(in)] = true
			}
			for _, p := range positions {
				if closing[p.ID] || !(affected["*"] || affected[strings.ToUpper(p.Instrument)]) {
					continue
				}
				closing[p.ID] = true
				res.Fired = append(res.Fired, "shock "+p.Instrument)
				res.Actions = append(res.Actions, ActionRequest{Type: "close_trade", Source: SourceL1, Params: map[string]any{
					"tradeId": p.ID,
					"reason":  fmt.Sprintf("shock level %s affects %s", level, p.Instrument),
				}})
			}
		}
	}

	res.Idle = len(positions) == 0 && len(res.Actions) == 0
	return res
}

// lossStreak reports whether the StreakCount newest closes are all losses
// closed within StreakWindow of now.
func (h Heuristics) lossStreak(now time.Time, closed []ClosedTrade) bool {
	if h.StreakCount <= 0 || len(closed) < h.StreakCount {
		return false
	}
	cutoff := now.Add(-h.StreakWindow)
	for _, t := range closed[:h.StreakCount] {
		if t.RealizedPL >= 0 || t.ClosedAt.Before(cutoff) {
			return false
		}
	}
	return true
}
