// FILE: dispatcher.go
// Package main – Action dispatcher.
//
// Each action type maps to one registered handler carrying its category,
// its required fields and the function that performs it. A handler failure
// is recorded on its ActionResult and never stops the next dispatch.
//
// Categories:
//   • store  – write/revoke overrides (risk params, rules, directives, breaker, halt, entry blocks)
//   • broker – place/close/resize/modify and account summary; every fill AND
//              every rejection is written as an execution override
//   • read   – queries that only report (correlation scan, notes)
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownAction = errors.New("unknown action type")
	ErrMissingField  = errors.New("missing required field")
	ErrEntryBlocked  = errors.New("entries blocked")
)

// ActionResult is the outcome of one dispatched request.
type ActionResult struct {
	Type   string       `json:"type"`
	Source ActionSource `json:"source"`
	OK     bool         `json:"ok"`
	Detail string       `json:"detail"`
}

type handlerCategory string

const (
	catStore  handlerCategory = "store"
	catBroker handlerCategory = "broker"
	catRead   handlerCategory = "read"
)

type handlerFunc func(ctx context.Context, d *Dispatcher, cycleID string, p map[string]any) (string, error)

type actionHandler struct {
	category handlerCategory
	required []string
	fn       handlerFunc
}

// DispatchConfig carries the lifetimes and identity stamped on writes.
type DispatchConfig struct {
	BreakerTTL   time.Duration
	RuleTTL      time.Duration
	OverrideTTL  time.Duration
	ExecutionTTL time.Duration
	CreatedBy    string
}

// Dispatcher routes ActionRequests to handlers.
type Dispatcher struct {
	store    *Store
	broker   Broker
	cfg      DispatchConfig
	handlers map[string]actionHandler
}

func NewDispatcher(store *Store, broker Broker, cfg DispatchConfig) *Dispatcher {
	if cfg.BreakerTTL <= 0 {
		cfg.BreakerTTL = 24 * time.Hour
	}
	if cfg.RuleTTL <= 0 {
		cfg.RuleTTL = 90 * 24 * time.Hour
	}
	if cfg.OverrideTTL <= 0 {
		cfg.OverrideTTL = 24 * time.Hour
	}
	if cfg.ExecutionTTL <= 0 {
		cfg.ExecutionTTL = 30 * 24 * time.Hour
	}
	d := &Dispatcher{store: store, broker: broker, cfg: cfg, handlers: map[string]actionHandler{}}

	d.Register("set_risk_param", catStore, []string{"param", "value"}, handleSetRiskParam)
	d.Register("create_rule", catStore, []string{"ruleId", "condition", "directive"}, handleCreateRule)
	d.Register("revoke_rule", catStore, []string{"ruleId"}, handleRevokeRule)
	d.Register("update_directive", catStore, []string{"name", "text"}, handleUpdateDirective)
	d.Register("activate_circuit_breaker", catStore, []string{"thresholdPct"}, handleActivateBreaker)
	d.Register("deactivate_circuit_breaker", catStore, nil, handleDeactivateBreaker)
	d.Register("halt_loop", catStore, nil, handleHaltLoop)
	d.Register("block_entries", catStore, nil, handleBlockEntries)
	d.Register("log_note", catRead, []string{"note"}, handleLogNote)

	d.Register("place_order", catBroker, []string{"instrument", "units"}, handlePlaceOrder)
	d.Register("close_trade", catBroker, []string{"tradeId"}, handleCloseTrade)
	d.Register("resize_trade", catBroker, []string{"tradeId", "factor"}, handleResizeTrade)
	d.Register("modify_trade", catBroker, []string{"tradeId"}, handleModifyTrade)
	d.Register("account_summary", catBroker, nil, handleAccountSummary)

	d.Register("correlation_scan", catRead, nil, handleCorrelationScan)
	return d
}

// Register adds or replaces the handler for an action type.
func (d *Dispatcher) Register(typ string, cat handlerCategory, required []string, fn handlerFunc) {
	d.handlers[typ] = actionHandler{category: cat, required: required, fn: fn}
}

// Types returns the registered action types, sorted.
func (d *Dispatcher) Types() []string {
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs one request and always returns a result.
func (d *Dispatcher) Dispatch(ctx context.Context, cycleID string, req ActionRequest) (res ActionResult) {
	res = ActionResult{Type: req.Type, Source: req.Source}
	h, ok := d.handlers[req.Type]
	if !ok {
		res.Detail = fmt.Errorf("%w: %q", ErrUnknownAction, req.Type).Error()
		zap.S().Warnf("[DISPATCH] %s", res.Detail)
		incAction(req.Source, "unknown", false)
		return res
	}
	defer func() { incAction(req.Source, req.Type, res.OK) }()

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	for _, f := range h.required {
		if !hasParam(params, f) {
			res.Detail = fmt.Errorf("%s: %w %q", req.Type, ErrMissingField, f).Error()
			zap.S().Warnf("[DISPATCH] %s", res.Detail)
			return res
		}
	}

	detail, err := h.fn(ctx, d, cycleID, params)
	if err != nil {
		res.Detail = fmt.Sprintf("%s: %v", req.Type, err)
		zap.S().Warnf("[DISPATCH] %s (%s) failed: %v", req.Type, h.category, err)
		return res
	}
	res.OK = true
	res.Detail = detail
	zap.S().Infof("[DISPATCH] %s/%s ok: %s", req.Source, req.Type, detail)
	return res
}

// ttlFrom reads ttlMinutes / ttlHours from params, else def.
func ttlFrom(p map[string]any, def time.Duration) time.Duration {
	if m, ok := paramFloat(p, "ttlMinutes"); ok && m > 0 {
		return time.Duration(m * float64(time.Minute))
	}
	if h, ok := paramFloat(p, "ttlHours"); ok && h > 0 {
		return time.Duration(h * float64(time.Hour))
	}
	return def
}

func (d *Dispatcher) replace(ctx context.Context, kind Kind, id string, payload any, ttl time.Duration) (Override, error) {
	return d.store.Replace(ctx, WriteRequest{
		Kind:      kind,
		Key:       keyFor(kind, id),
		Payload:   payload,
		TTL:       ttl,
		CreatedBy: d.cfg.CreatedBy,
	})
}

// ---- store handlers ----

func handleSetRiskParam(ctx context.Context, d *Dispatcher, _ string, p map[string]any) (string, error) {
	name := paramString(p, "param")
	v, ok := paramFloat(p, "value")
	if !ok {
		return "", fmt.Errorf("value %q is not a number", paramString(p, "value"))
	}
	o, err := d.replace(ctx, KindRiskParam, name, RiskParamPayload{Param: name, Value: v}, ttlFrom(p, d.cfg.OverrideTTL))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s=%g until %s", name, v, o.ExpiresAt.Format(time.RFC3339)), nil
}

func handleCreateRule(ctx context.Context, d *Dispatcher, _ string, p map[string]any) (string, error) {
	prio := 0
	if v, ok := paramFloat(p, "priority"); ok {
		prio = int(v)
	}
	r, err := NewRule(paramString(p, "ruleId"), paramString(p, "condition"), paramString(p, "directive"), prio)
	if err != nil {
		return "", err
	}
	o, err := writeRule(ctx, d.store, r, ttlFrom(p, d.cfg.RuleTTL), d.cfg.CreatedBy)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rule %s [%s → %s] priority %d until %s", r.RuleID, r.Condition, r.Directive, r.Priority,
		o.ExpiresAt.Format(time.RFC3339)), nil
}

func handleRevokeRule(ctx context.Context, d *Dispatcher, _ string, p map[string]any) (string, error) {
	id := paramString(p, "ruleId")
	n, err := d.store.Revoke(ctx, KindRule, keyFor(KindRule, id), nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rule %s revoked (%d rows)", id, n), nil
}

func handleUpdateDirective(ctx context.Context, d *Dispatcher, _ string, p map[string]any) (string, error) {
	name, text := paramString(p, "name"), paramString(p, "text")
	if _, err := d.replace(ctx, KindDirective, name, DirectivePayload{Name: name, Text: text}, ttlFrom(p, d.cfg.OverrideTTL)); err != nil {
		return "", err
	}
	return fmt.Sprintf("directive %s updated", name), nil
}

func handleActivateBreaker(ctx context.Context, d *Dispatcher, _ string, p map[string]any) (string, error) {
	th, ok := paramFloat(p, "thresholdPct")
	if !ok || th <= 0 || th > 100 {
		return "", fmt.Errorf("thresholdPct %q out of range (0,100]", paramString(p, "thresholdPct"))
	}
	bp := BreakerPayload{ThresholdPct: th, Reason: paramString(p, "reason")}
	if ref, ok := paramFloat(p, "referenceEquity"); ok && ref > 0 {
		bp.ReferenceEquity = ref
	} else if sum, err := d.broker.AccountSummary(ctx); err == nil {
		// Drawdown is measured from equity at activation.
		bp.ReferenceEquity = sum.NAV.InexactFloat64()
	} else {
		zap.S().Warnf("[DISPATCH] breaker reference falls back to balance: %v", err)
	}
	if _, err := d.store.Replace(ctx, WriteRequest{
		Kind: KindCircuitBreaker, Key: keyEquityBreaker, Payload: bp,
		TTL: ttlFrom(p, d.cfg.BreakerTTL), CreatedBy: d.cfg.CreatedBy,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("equity breaker armed at %.2f%% from %.2f", th, bp.ReferenceEquity), nil
}

func handleDeactivateBreaker(ctx context.Context, d *Dispatcher, _ string, _ map[string]any) (string, error) {
	n, err := d.store.Revoke(ctx, KindCircuitBreaker, keyEquityBreaker, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("equity breaker revoked (%d rows)", n), nil
}

func handleHaltLoop(ctx context.Context, d *Dispatcher, _ string, p map[string]any) (string, error) {
	reason := firstNonEmpty(paramString(p, "reason"), "halted by action")
	o, err := d.store.Replace(ctx, WriteRequest{
		Kind: KindLoopHalt, Key: keyLoopHalt, Payload: HaltPayload{Reason: reason},
		TTL: ttlFrom(p, d.cfg.OverrideTTL), CreatedBy: d.cfg.CreatedBy,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("loop halted until %s: %s", o.ExpiresAt.Format(time.RFC3339), reason), nil
}

func handleBlockEntries(ctx context.Context, d *Dispatcher, _ string, p map[string]any) (string, error) {
	inst := strings.ToUpper(paramString(p, "instrument"))
	id := firstNonEmpty(inst, "all")
	o, err := d.replace(ctx, KindEntryBlock, id, EntryBlockPayload{Instrument: inst, Reason: paramString(p, "reason")},
		ttlFrom(p, d.cfg.OverrideTTL))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("entries blocked for %s until %s", id, o.ExpiresAt.Format(time.RFC3339)), nil
}

// ---- read handlers ----

func handleLogNote(_ context.Context, _ *Dispatcher, cycleID string, p map[string]any) (string, error) {
	note := paramString(p, "note")
	zap.S().Infof("[NOTE] cycle=%s %s", cycleID, note)
	return note, nil
}

// handleCorrelationScan reports currencies shared by two or more open
// positions with their net signed exposure in units.
func handleCorrelationScan(ctx context.Context, d *Dispatcher, _ string, _ map[string]any) (string, error) {
	positions, err := d.broker.OpenTrades(ctx)
	if err != nil {
		return "", fmt.Errorf("open trades: %w", err)
	}
	type exposure struct {
		count int
		net   float64
	}
	exp := map[string]*exposure{}
	add := func(ccy string, units float64) {
		e := exp[ccy]
		if e == nil {
			e = &exposure{}
			exp[ccy] = e
		}
		e.count++
		e.net += units
	}
	for _, pos := range positions {
		base, quote, ok := splitInstrument(pos.Instrument)
		if !ok {
			continue
		}
		u := math.Abs(pos.Units)
		if pos.Direction == DirShort {
			u = -u
		}
		add(base, u)
		add(quote, -u)
	}
	var parts []string
	for ccy, e := range exp {
		if e.count >= 2 {
			parts = append(parts, fmt.Sprintf("%s×%d net %+.0f", ccy, e.count, e.net))
		}
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return fmt.Sprintf("%d positions, no shared currency exposure", len(positions)), nil
	}
	return fmt.Sprintf("%d positions, shared: %s", len(positions), strings.Join(parts, "; ")), nil
}

// splitInstrument splits "EUR_USD", "EUR/USD" or "EURUSD".
func splitInstrument(s string) (base, quote string, ok bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexAny(s, "_/-"); i > 0 && i < len(s)-1 {
		return s[:i], s[i+1:], true
	}
	if len(s) == 6 {
		return s[:3], s[3:], true
	}
	return "", "", false
}

// ---- broker handlers ----

// entryBlocked returns the active block covering instrument, if any.
func (d *Dispatcher) entryBlocked(ctx context.Context, instrument string) (*EntryBlockPayload, error) {
	rows, err := d.store.ReadActive(ctx, KindEntryBlock, keyFor(KindEntryBlock, ""), nil)
	if err != nil {
		return nil, err
	}
	for _, o := range rows {
		var eb EntryBlockPayload
		if err := o.Decode(&eb); err != nil {
			continue
		}
		if eb.Instrument == "" || strings.EqualFold(eb.Instrument, instrument) {
			return &eb, nil
		}
	}
	return nil, nil
}

// recordExecution writes a broker attempt. A failed write is logged only.
func (d *Dispatcher) recordExecution(ctx context.Context, cycleID string, ep ExecutionPayload) {
	ep.CycleID = cycleID
	id := firstNonEmpty(ep.OrderID, uuid.New().String())
	if _, err := d.store.Write(ctx, WriteRequest{
		Kind: KindExecution, Key: keyFor(KindExecution, id), Payload: ep,
		TTL: d.cfg.ExecutionTTL, CreatedBy: d.cfg.CreatedBy,
	}); err != nil {
		zap.S().Warnf("[DISPATCH] execution record %s: %v", id, err)
	}
}

// finishOrder records the broker outcome and turns a rejection into an error.
func (d *Dispatcher) finishOrder(ctx context.Context, cycleID, action, tradeID, instrument string, units float64, r *OrderResult, callErr error) (string, error) {
	ep := ExecutionPayload{Action: action, TradeID: tradeID, Instrument: instrument, Units: units}
	switch {
	case callErr != nil:
		ep.Status, ep.Detail = execRejected, callErr.Error()
	case r == nil:
		ep.Status, ep.Detail = execRejected, "empty broker response"
	default:
		ep.OrderID, ep.Price = r.OrderID, r.Price
		ep.TradeID = firstNonEmpty(r.TradeID, tradeID)
		ep.Instrument = firstNonEmpty(r.Instrument, instrument)
		if r.Units != 0 {
			ep.Units = r.Units
		}
		if r.Filled {
			ep.Status = execFilled
		} else {
			ep.Status, ep.Detail = execRejected, firstNonEmpty(r.Reason, "not filled")
		}
	}
	d.recordExecution(ctx, cycleID, ep)
	if ep.Status == execRejected {
		return "", fmt.Errorf("rejected: %s", ep.Detail)
	}
	return fmt.Sprintf("%s %s %g @ %g (order %s)", action, firstNonEmpty(ep.TradeID, ep.Instrument), ep.Units, ep.Price, ep.OrderID), nil
}

func handlePlaceOrder(ctx context.Context, d *Dispatcher, cycleID string, p map[string]any) (string, error) {
	inst := strings.ToUpper(paramString(p, "instrument"))
	units, ok := paramFloat(p, "units")
	if !ok || units == 0 {
		return "", fmt.Errorf("units %q must be a non-zero number", paramString(p, "units"))
	}
	if dir := strings.ToLower(paramString(p, "direction")); dir == string(DirShort) || dir == "sell" {
		units = -math.Abs(units)
	}
	eb, err := d.entryBlocked(ctx, inst)
	if err != nil {
		return "", fmt.Errorf("entry block check: %w", err)
	}
	if eb != nil {
		return "", fmt.Errorf("%w for %s: %s", ErrEntryBlocked, firstNonEmpty(eb.Instrument, "all instruments"), eb.Reason)
	}
	req := OrderRequest{Instrument: inst, Units: units, ClientID: uuid.New().String()}
	req.StopLoss, _ = paramFloat(p, "stopLoss")
	req.TakeProfit, _ = paramFloat(p, "takeProfit")
	r, err := d.broker.PlaceOrder(ctx, req)
	return d.finishOrder(ctx, cycleID, "place_order", "", inst, units, r, err)
}

func handleCloseTrade(ctx context.Context, d *Dispatcher, cycleID string, p map[string]any) (string, error) {
	id := paramString(p, "tradeId")
	units, _ := paramFloat(p, "units")
	r, err := d.broker.CloseTrade(ctx, id, math.Abs(units))
	return d.finishOrder(ctx, cycleID, "close_trade", id, "", units, r, err)
}

// handleResizeTrade scales a trade by factor: < 1 partially closes, > 1 adds
// units in the same direction.
func handleResizeTrade(ctx context.Context, d *Dispatcher, cycleID string, p map[string]any) (string, error) {
	id := paramString(p, "tradeId")
	factor, ok := paramFloat(p, "factor")
	if !ok || factor <= 0 {
		return "", fmt.Errorf("factor %q must be > 0", paramString(p, "factor"))
	}
	positions, err := d.broker.OpenTrades(ctx)
	if err != nil {
		return "", fmt.Errorf("open trades: %w", err)
	}
	var pos *Position
	for i := range positions {
		if positions[i].ID == id {
			pos = &positions[i]
			break
		}
	}
	if pos == nil {
		return "", fmt.Errorf("trade %s: %w", id, ErrTradeNotFound)
	}
	size := math.Abs(pos.Units)
	switch {
	case factor == 1:
		return fmt.Sprintf("trade %s unchanged (factor 1)", id), nil
	case factor < 1:
		cut := math.Round(size * (1 - factor))
		if cut <= 0 {
			return fmt.Sprintf("trade %s unchanged (reduction rounds to 0)", id), nil
		}
		r, err := d.broker.CloseTrade(ctx, id, cut)
		return d.finishOrder(ctx, cycleID, "resize_trade", id, pos.Instrument, cut, r, err)
	default:
		add := math.Round(size * (factor - 1))
		if pos.Units < 0 || pos.Direction == DirShort {
			add = -add
		}
		if eb, err := d.entryBlocked(ctx, pos.Instrument); err != nil {
			return "", fmt.Errorf("entry block check: %w", err)
		} else if eb != nil {
			return "", fmt.Errorf("%w for %s: %s", ErrEntryBlocked, pos.Instrument, eb.Reason)
		}
		r, err := d.broker.PlaceOrder(ctx, OrderRequest{Instrument: pos.Instrument, Units: add, ClientID: uuid.New().String()})
		return d.finishOrder(ctx, cycleID, "resize_trade", id, pos.Instrument, add, r, err)
	}
}

func handleModifyTrade(ctx context.Context, d *Dispatcher, cycleID string, p map[string]any) (string, error) {
	id := paramString(p, "tradeId")
	var mod TradeModification
	mod.StopLoss, _ = paramFloat(p, "stopLoss")
	mod.TakeProfit, _ = paramFloat(p, "takeProfit")
	if mod.StopLoss == 0 && mod.TakeProfit == 0 {
		return "", fmt.Errorf("%w: stopLoss or takeProfit", ErrMissingField)
	}
	levels := fmt.Sprintf("sl=%g tp=%g", mod.StopLoss, mod.TakeProfit)
	ep := ExecutionPayload{Action: "modify_trade", TradeID: id, Status: execFilled, Detail: levels}
	err := d.broker.ModifyTrade(ctx, id, mod)
	if err != nil {
		ep.Status, ep.Detail = execRejected, err.Error()
	}
	d.recordExecution(ctx, cycleID, ep)
	if err != nil {
		return "", err
	}
	return "trade " + id + " " + levels, nil
}

func handleAccountSummary(ctx context.Context, d *Dispatcher, _ string, _ map[string]any) (string, error) {
	sum, err := d.broker.AccountSummary(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("balance %s nav %s %s, upl %s, margin %s, %d open, drawdown %s%%",
		sum.Balance.StringFixed(2), sum.NAV.StringFixed(2), sum.Currency, sum.UnrealizedPL.StringFixed(2),
		sum.MarginUsed.StringFixed(2), sum.OpenTradeCount, drawdownPct(sum, decimal.Zero).StringFixed(2)), nil
}
