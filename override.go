// FILE: override.go
// Package main – Override rows and their typed payloads.
//
// Every durable fact the loop reads or writes is an Override: breakers, halts,
// rules, directives, risk parameters, entry blocks, execution records and the
// per-cycle audit log. A row is active while !revoked && expires_at > now.
package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is the explicit namespace of an override row.
type Kind string

const (
	KindCircuitBreaker Kind = "circuit-breaker"
	KindLoopHalt       Kind = "loop-halt"
	KindRule           Kind = "rule"
	KindDirective      Kind = "directive"
	KindRiskParam      Kind = "risk-param"
	KindEntryBlock     Kind = "entry-block"
	KindExecution      Kind = "execution"
	KindAudit          Kind = "audit-entry"
)

var allKinds = []Kind{
	KindCircuitBreaker, KindLoopHalt, KindRule, KindDirective,
	KindRiskParam, KindEntryBlock, KindExecution, KindAudit,
}

// parseKind accepts the canonical kind names used on the CLI.
func parseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range allKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown override kind %q", s)
}

// keyFor builds the NAMESPACE:ID key convention.
func keyFor(kind Kind, id string) string {
	return string(kind) + ":" + id
}

// Well-known singleton keys.
var (
	keyEquityBreaker = keyFor(KindCircuitBreaker, "equity")
	keyLoopHalt      = keyFor(KindLoopHalt, "loop")
)

// Override is the store's only row shape.
type Override struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Key       string          `json:"key"`
	Scope     *string         `json:"scope,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Revoked   bool            `json:"revoked"`
	CreatedBy string          `json:"created_by"`
}

// Active reports whether the row is authoritative at now.
func (o Override) Active(now time.Time) bool {
	return !o.Revoked && o.ExpiresAt.After(now)
}

// Decode unmarshals the payload into v.
func (o Override) Decode(v any) error {
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload %s: %w", o.Kind, o.Key, err)
	}
	return nil
}

// scopeOf returns a scope pointer, nil for the empty (global) scope.
func scopeOf(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// ---- typed payloads ----

type BreakerPayload struct {
	ThresholdPct    float64 `json:"thresholdPct"`
	ReferenceEquity float64 `json:"referenceEquity,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

type HaltPayload struct {
	Reason string `json:"reason"`
}

type DirectivePayload struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type RiskParamPayload struct {
	Param string  `json:"param"`
	Value float64 `json:"value"`
}

type EntryBlockPayload struct {
	Instrument string `json:"instrument,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ExecutionPayload records a broker attempt. Rejections are stored too.
type ExecutionPayload struct {
	Action     string  `json:"action"`
	TradeID    string  `json:"tradeId,omitempty"`
	OrderID    string  `json:"orderId,omitempty"`
	Instrument string  `json:"instrument,omitempty"`
	Units      float64 `json:"units,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Status     string  `json:"status"` // filled | rejected
	Detail     string  `json:"detail,omitempty"`
	CycleID    string  `json:"cycleId,omitempty"`
}

const (
	execFilled   = "filled"
	execRejected = "rejected"
)
