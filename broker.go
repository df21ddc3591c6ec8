// FILE: broker.go
// Package main – Broker abstractions shared by all execution backends.
//
// This file defines the minimal surface the control loop needs from the
// execution/bookkeeping system:
//   • Broker interface: account summary, open/closed trades, place/close/modify
//   • Common types: Position, ClosedTrade, AccountSummary, OrderRequest, OrderResult
//
// Two concrete implementations live in separate files:
//   • broker_paper.go – in-memory paper broker (DRY_RUN and tests)
//   • broker_rest.go  – bearer-token REST client for the live account
//
// Positions are read-only to the loop: health score, excursions, regime and
// session are computed by the bookkeeping system and only consumed here.
package main

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	DirLong  Direction = "long"
	DirShort Direction = "short"
)

// Position is an open trade as reported by the bookkeeping system.
type Position struct {
	ID                 string    `json:"id"`
	Instrument         string    `json:"instrument"`
	Direction          Direction `json:"direction"`
	Units              float64   `json:"units"`
	HealthScore        float64   `json:"healthScore"`
	FavorableExcursion float64   `json:"favorableExcursion"`
	AdverseExcursion   float64   `json:"adverseExcursion"`
	Regime             string    `json:"regime,omitempty"`
	Session            string    `json:"session,omitempty"`
	UnrealizedPL       float64   `json:"unrealizedPL"`
	CreatedAt          time.Time `json:"createdAt"`
}

// ClosedTrade is a finished trade used for streak and win-rate statistics.
type ClosedTrade struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	RealizedPL float64   `json:"realizedPL"`
	ClosedAt   time.Time `json:"closedAt"`
}

// AccountSummary is the broker's account snapshot.
type AccountSummary struct {
	Currency       string          `json:"currency"`
	Balance        decimal.Decimal `json:"balance"`
	NAV            decimal.Decimal `json:"nav"`
	UnrealizedPL   decimal.Decimal `json:"unrealizedPL"`
	MarginUsed     decimal.Decimal `json:"marginUsed"`
	OpenTradeCount int             `json:"openTradeCount"`
}

// OrderRequest is a market order with optional protective levels.
// Units are signed: positive buys, negative sells.
type OrderRequest struct {
	Instrument string
	Units      float64
	StopLoss   float64
	TakeProfit float64
	ClientID   string
}

// OrderResult is the normalized broker response for place/close calls.
type OrderResult struct {
	OrderID    string
	TradeID    string
	Instrument string
	Units      float64
	Price      float64
	Filled     bool
	Reason     string // rejection reason when !Filled
	Time       time.Time
}

// TradeModification updates protective levels on an open trade. Zero leaves a level unchanged.
type TradeModification struct {
	StopLoss   float64
	TakeProfit float64
}

// ErrTradeNotFound is returned when a trade id is unknown to the broker.
var ErrTradeNotFound = errors.New("trade not found")

// Broker is the minimal surface the loop needs to operate.
type Broker interface {
	Name() string
	AccountSummary(ctx context.Context) (*AccountSummary, error)
	OpenTrades(ctx context.Context) ([]Position, error)
	RecentClosedTrades(ctx context.Context, limit int) ([]ClosedTrade, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// CloseTrade closes units of a trade; zero units closes it fully.
	CloseTrade(ctx context.Context, tradeID string, units float64) (*OrderResult, error)
	ModifyTrade(ctx context.Context, tradeID string, mod TradeModification) error
}

// drawdownPct returns (reference - nav) / reference * 100, floored at zero.
// reference <= 0 falls back to the account balance.
func drawdownPct(sum *AccountSummary, reference decimal.Decimal) decimal.Decimal {
	if sum == nil {
		return decimal.Zero
	}
	if !reference.IsPositive() {
		reference = sum.Balance
	}
	if !reference.IsPositive() {
		return decimal.Zero
	}
	dd := reference.Sub(sum.NAV).Div(reference).Mul(decimal.NewFromInt(100))
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}
