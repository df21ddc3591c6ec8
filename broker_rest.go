// FILE: broker_rest.go
// Package main – REST broker for the live account (v3-style API).
//
// Endpoints used (all relative to BROKER_URL, scoped by BROKER_ACCOUNT_ID):
//   • AccountSummary:      GET  /v3/accounts/{id}/summary
//   • OpenTrades:          GET  /v3/accounts/{id}/openTrades
//   • RecentClosedTrades:  GET  /v3/accounts/{id}/trades?state=CLOSED&count=N
//   • PlaceOrder:          POST /v3/accounts/{id}/orders
//   • CloseTrade:          PUT  /v3/accounts/{id}/trades/{tradeID}/close
//   • ModifyTrade:         PUT  /v3/accounts/{id}/trades/{tradeID}/orders
//
// Auth is a bearer token. Every request carries the http.Client timeout, so a
// hung broker fails that call only. Numeric fields arrive as strings and are
// parsed with shopspring/decimal; the bookkeeping extensions (healthScore,
// excursions, regime, session) may arrive as strings or numbers.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RESTBroker talks to the broker's REST API.
type RESTBroker struct {
	base      string
	token     string
	accountID string
	hc        *http.Client
}

func NewRESTBroker(base, token, accountID string, timeout time.Duration) *RESTBroker {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RESTBroker{
		base:      strings.TrimRight(strings.TrimSpace(base), "/"),
		token:     token,
		accountID: accountID,
		hc:        &http.Client{Timeout: timeout},
	}
}

func (rb *RESTBroker) Name() string { return "rest" }

func (rb *RESTBroker) accountPath(format string, a ...any) string {
	return fmt.Sprintf("/v3/accounts/%s", url.PathEscape(rb.accountID)) + fmt.Sprintf(format, a...)
}

// --- Account ---

func (rb *RESTBroker) AccountSummary(ctx context.Context) (*AccountSummary, error) {
	b, _, err := rb.do(ctx, http.MethodGet, rb.accountPath("/summary"), nil)
	if err != nil {
		return nil, fmt.Errorf("account summary: %w", err)
	}
	var out struct {
		Account struct {
			Currency       string `json:"currency"`
			Balance        any    `json:"balance"`
			NAV            any    `json:"NAV"`
			UnrealizedPL   any    `json:"unrealizedPL"`
			MarginUsed     any    `json:"marginUsed"`
			OpenTradeCount any    `json:"openTradeCount"`
		} `json:"account"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("account summary: decode: %w", err)
	}
	a := out.Account
	return &AccountSummary{
		Currency:       a.Currency,
		Balance:        flexDecimal(a.Balance),
		NAV:            flexDecimal(a.NAV),
		UnrealizedPL:   flexDecimal(a.UnrealizedPL),
		MarginUsed:     flexDecimal(a.MarginUsed),
		OpenTradeCount: int(flexDecimal(a.OpenTradeCount).IntPart()),
	}, nil
}

// --- Trades ---

type restTrade struct {
	ID                 string `json:"id"`
	Instrument         string `json:"instrument"`
	CurrentUnits       any    `json:"currentUnits"`
	InitialUnits       any    `json:"initialUnits"`
	OpenTime           string `json:"openTime"`
	CloseTime          string `json:"closeTime"`
	UnrealizedPL       any    `json:"unrealizedPL"`
	RealizedPL         any    `json:"realizedPL"`
	HealthScore        any    `json:"healthScore"`
	FavorableExcursion any    `json:"favorableExcursion"`
	AdverseExcursion   any    `json:"adverseExcursion"`
	Regime             string `json:"regime"`
	Session            string `json:"session"`
}

func (rb *RESTBroker) OpenTrades(ctx context.Context) ([]Position, error) {
	b, _, err := rb.do(ctx, http.MethodGet, rb.accountPath("/openTrades"), nil)
	if err != nil {
		return nil, fmt.Errorf("open trades: %w", err)
	}
	var out struct {
		Trades []restTrade `json:"trades"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("open trades: decode: %w", err)
	}
	positions := make([]Position, 0, len(out.Trades))
	for _, t := range out.Trades {
		units, _ := flexDecimal(t.CurrentUnits).Float64()
		dir := DirLong
		if units < 0 {
			dir = DirShort
		}
		positions = append(positions, Position{
			ID:                 t.ID,
			Instrument:         t.Instrument,
			Direction:          dir,
			Units:              units,
			HealthScore:        flexFloat(t.HealthScore),
			FavorableExcursion: flexFloat(t.FavorableExcursion),
			AdverseExcursion:   flexFloat(t.AdverseExcursion),
			Regime:             t.Regime,
			Session:            t.Session,
			UnrealizedPL:       flexFloat(t.UnrealizedPL),
			CreatedAt:          parseTimeFlexible(t.OpenTime),
		})
	}
	return positions, nil
}

func (rb *RESTBroker) RecentClosedTrades(ctx context.Context, limit int) ([]ClosedTrade, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("state", "CLOSED")
	q.Set("count", strconv.Itoa(limit))
	b, _, err := rb.do(ctx, http.MethodGet, rb.accountPath("/trades?%s", q.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("closed trades: %w", err)
	}
	var out struct {
		Trades []restTrade `json:"trades"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("closed trades: decode: %w", err)
	}
	closed := make([]ClosedTrade, 0, len(out.Trades))
	for _, t := range out.Trades {
		closed = append(closed, ClosedTrade{
			ID:         t.ID,
			Instrument: t.Instrument,
			RealizedPL: flexFloat(t.RealizedPL),
			ClosedAt:   parseTimeFlexible(t.CloseTime),
		})
	}
	return closed, nil
}

// --- Orders ---

// fillResponse covers both the fill and the cancel/reject shapes.
type fillResponse struct {
	OrderFillTransaction *struct {
		ID          string `json:"id"`
		OrderID     string `json:"orderID"`
		Instrument  string `json:"instrument"`
		Units       any    `json:"units"`
		Price       any    `json:"price"`
		Time        string `json:"time"`
		TradeOpened *struct {
			TradeID string `json:"tradeID"`
		} `json:"tradeOpened"`
		TradesClosed []struct {
			TradeID string `json:"tradeID"`
		} `json:"tradesClosed"`
	} `json:"orderFillTransaction"`
	OrderCancelTransaction *struct {
		OrderID string `json:"orderID"`
		Reason  string `json:"reason"`
	} `json:"orderCancelTransaction"`
	ErrorMessage string `json:"errorMessage"`
}

func (fr fillResponse) result(instrument string) *OrderResult {
	if f := fr.OrderFillTransaction; f != nil {
		res := &OrderResult{
			OrderID:    firstNonEmpty(f.OrderID, f.ID),
			Instrument: firstNonEmpty(f.Instrument, instrument),
			Units:      flexFloat(f.Units),
			Price:      flexFloat(f.Price),
			Filled:     true,
			Time:       parseTimeFlexible(f.Time),
		}
		if f.TradeOpened != nil {
			res.TradeID = f.TradeOpened.TradeID
		} else if len(f.TradesClosed) > 0 {
			res.TradeID = f.TradesClosed[0].TradeID
		}
		return res
	}
	res := &OrderResult{Instrument: instrument, Filled: false, Time: time.Now().UTC()}
	if c := fr.OrderCancelTransaction; c != nil {
		res.OrderID = c.OrderID
		res.Reason = c.Reason
	}
	res.Reason = firstNonEmpty(res.Reason, fr.ErrorMessage, "no fill transaction")
	return res
}

func (rb *RESTBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	order := map[string]any{
		"type":         "MARKET",
		"instrument":   req.Instrument,
		"units":        decimal.NewFromFloat(req.Units).String(),
		"timeInForce":  "FOK",
		"positionFill": "DEFAULT",
		"clientExtensions": map[string]string{
			"id": firstNonEmpty(req.ClientID, uuid.New().String()),
		},
	}
	if req.StopLoss > 0 {
		order["stopLossOnFill"] = map[string]string{"price": decimal.NewFromFloat(req.StopLoss).String()}
	}
	if req.TakeProfit > 0 {
		order["takeProfitOnFill"] = map[string]string{"price": decimal.NewFromFloat(req.TakeProfit).String()}
	}
	b, _, err := rb.do(ctx, http.MethodPost, rb.accountPath("/orders"), map[string]any{"order": order})
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	var fr fillResponse
	if err := json.Unmarshal(b, &fr); err != nil {
		return nil, fmt.Errorf("place order: decode: %w", err)
	}
	return fr.result(req.Instrument), nil
}

func (rb *RESTBroker) CloseTrade(ctx context.Context, tradeID string, units float64) (*OrderResult, error) {
	body := map[string]string{"units": "ALL"}
	if units > 0 {
		body["units"] = decimal.NewFromFloat(units).String()
	}
	b, status, err := rb.do(ctx, http.MethodPut, rb.accountPath("/trades/%s/close", url.PathEscape(tradeID)), body)
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("close trade %s: %w", tradeID, ErrTradeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("close trade %s: %w", tradeID, err)
	}
	var fr fillResponse
	if err := json.Unmarshal(b, &fr); err != nil {
		return nil, fmt.Errorf("close trade %s: decode: %w", tradeID, err)
	}
	res := fr.result("")
	if res.TradeID == "" {
		res.TradeID = tradeID
	}
	return res, nil
}

func (rb *RESTBroker) ModifyTrade(ctx context.Context, tradeID string, mod TradeModification) error {
	body := map[string]any{}
	if mod.StopLoss > 0 {
		body["stopLoss"] = map[string]string{"price": decimal.NewFromFloat(mod.StopLoss).String()}
	}
	if mod.TakeProfit > 0 {
		body["takeProfit"] = map[string]string{"price": decimal.NewFromFloat(mod.TakeProfit).String()}
	}
	_, status, err := rb.do(ctx, http.MethodPut, rb.accountPath("/trades/%s/orders", url.PathEscape(tradeID)), body)
	if status == http.StatusNotFound {
		return fmt.Errorf("modify trade %s: %w", tradeID, ErrTradeNotFound)
	}
	if err != nil {
		return fmt.Errorf("modify trade %s: %w", tradeID, err)
	}
	return nil
}

// --- transport ---

// do issues one request and returns the body. Any status >= 300 is an error
// carrying the response body; the status is returned either way.
func (rb *RESTBroker) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var rdr io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode body: %w", err)
		}
		rdr = bytes.NewReader(bs)
	}
	u := rb.base + path
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, 0, fmt.Errorf("newrequest: %w (url=%s)", err, u)
	}
	req.Header.Set("Authorization", "Bearer "+rb.token)
	req.Header.Set("User-Agent", "overseer/rest")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := rb.hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, fmt.Errorf("read body: %w", err)
	}
	if res.StatusCode >= 300 {
		return b, res.StatusCode, fmt.Errorf("%s %s %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(b)))
	}
	return b, res.StatusCode, nil
}

// --- small helpers local to this file ---

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// flexDecimal parses a JSON number or numeric string; anything else is zero.
func flexDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t)
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

func flexFloat(v any) float64 {
	f, _ := flexDecimal(v).Float64()
	return f
}

// parseTimeFlexible accepts RFC3339(Nano) or unix seconds (optionally fractional).
func parseTimeFlexible(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	}
	return time.Time{}
}
