// FILE: broker_paper.go
// Package main – In-memory paper broker (no external dependencies).
//
// This broker simulates execution against a local book of trades. It backs
// DRY_RUN mode and the tests: the loop can read an account summary and open
// trades, place/close/resize/modify, and every order gets a uuid.
//
// Fill price is the trade's last known price (1.0 when none is seeded), so
// P/L is not meaningful here; only the bookkeeping is.
package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperBroker keeps trades and an account snapshot in memory.
type PaperBroker struct {
	mu           sync.Mutex
	account      AccountSummary
	open         map[string]*Position
	closed       []ClosedTrade
	rejectReason string
	now          func() time.Time
}

func NewPaperBroker(balance float64) *PaperBroker {
	b := decimal.NewFromFloat(balance)
	return &PaperBroker{
		account: AccountSummary{Currency: "USD", Balance: b, NAV: b},
		open:    map[string]*Position{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *PaperBroker) Name() string { return "paper" }

// SetAccount replaces the account snapshot.
func (p *PaperBroker) SetAccount(sum AccountSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account = sum
}

// SeedOpen adds open trades as-is.
func (p *PaperBroker) SeedOpen(positions ...Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range positions {
		pos := positions[i]
		if pos.ID == "" {
			pos.ID = uuid.New().String()
		}
		p.open[pos.ID] = &pos
	}
}

// SeedClosed appends closed trades to the history.
func (p *PaperBroker) SeedClosed(trades ...ClosedTrade) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, trades...)
}

// RejectOrders makes subsequent PlaceOrder calls come back unfilled with reason.
// An empty reason restores normal fills.
func (p *PaperBroker) RejectOrders(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectReason = reason
}

func (p *PaperBroker) AccountSummary(ctx context.Context) (*AccountSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := p.account
	sum.OpenTradeCount = len(p.open)
	return &sum, nil
}

// OpenTrades returns open trades ordered by creation time.
func (p *PaperBroker) OpenTrades(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.open))
	for _, pos := range p.open {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RecentClosedTrades returns the newest closes first.
func (p *PaperBroker) RecentClosedTrades(ctx context.Context, limit int) ([]ClosedTrade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]ClosedTrade(nil), p.closed...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.rejectReason != "" || req.Units == 0 {
		return &OrderResult{
			OrderID:    uuid.New().String(),
			Instrument: req.Instrument,
			Filled:     false,
			Reason:     firstNonEmpty(p.rejectReason, "UNITS_ZERO"),
			Time:       now,
		}, nil
	}
	dir := DirLong
	if req.Units < 0 {
		dir = DirShort
	}
	id := uuid.New().String()
	p.open[id] = &Position{
		ID:          id,
		Instrument:  req.Instrument,
		Direction:   dir,
		Units:       req.Units,
		HealthScore: 100,
		CreatedAt:   now,
	}
	return &OrderResult{
		OrderID:    uuid.New().String(),
		TradeID:    id,
		Instrument: req.Instrument,
		Units:      req.Units,
		Price:      1.0,
		Filled:     true,
		Time:       now,
	}, nil
}

// CloseTrade closes units (absolute) of a trade; zero or >= size closes it fully.
func (p *PaperBroker) CloseTrade(ctx context.Context, tradeID string, units float64) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.open[tradeID]
	if !ok {
		return nil, fmt.Errorf("close trade %s: %w", tradeID, ErrTradeNotFound)
	}
	now := p.now()
	size := pos.Units
	if size < 0 {
		size = -size
	}
	closing := size
	if units > 0 && units < size {
		closing = units
		if pos.Units < 0 {
			pos.Units += closing
		} else {
			pos.Units -= closing
		}
	} else {
		delete(p.open, tradeID)
		p.closed = append(p.closed, ClosedTrade{
			ID:         tradeID,
			Instrument: pos.Instrument,
			RealizedPL: pos.UnrealizedPL,
			ClosedAt:   now,
		})
	}
	return &OrderResult{
		OrderID:    uuid.New().String(),
		TradeID:    tradeID,
		Instrument: pos.Instrument,
		Units:      closing,
		Price:      1.0,
		Filled:     true,
		Time:       now,
	}, nil
}

// ModifyTrade only validates the trade exists; paper trades carry no levels.
func (p *PaperBroker) ModifyTrade(ctx context.Context, tradeID string, mod TradeModification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.open[tradeID]; !ok {
		return fmt.Errorf("modify trade %s: %w", tradeID, ErrTradeNotFound)
	}
	return nil
}

// DryRunBroker reads from a live broker and simulates every write. Used when
// DRY_RUN is set against the REST broker.
type DryRunBroker struct {
	Broker
}

func (d DryRunBroker) Name() string { return "dry-run(" + d.Broker.Name() + ")" }

func (d DryRunBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return &OrderResult{
		OrderID:    "dry-" + uuid.New().String(),
		Instrument: req.Instrument,
		Units:      req.Units,
		Filled:     true,
		Time:       time.Now().UTC(),
	}, nil
}

func (d DryRunBroker) CloseTrade(ctx context.Context, tradeID string, units float64) (*OrderResult, error) {
	return &OrderResult{
		OrderID: "dry-" + uuid.New().String(),
		TradeID: tradeID,
		Units:   units,
		Filled:  true,
		Time:    time.Now().UTC(),
	}, nil
}

func (d DryRunBroker) ModifyTrade(ctx context.Context, tradeID string, mod TradeModification) error {
	return nil
}
