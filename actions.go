// FILE: actions.go
// Package main – Action requests and the extractor for oracle replies.
//
// The oracle answers in free text. Structured requests travel inside fenced
// blocks tagged `action`, one JSON object per block:
//
//	```action
//	{"type":"close_trade","tradeId":"42"}
//	```
//
// Both flat objects and {"type":..., "parameters":{...}} are accepted. A block
// that does not parse is skipped and extraction moves on to the next one.
package main

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ActionSource says which layer produced a request.
type ActionSource string

const (
	SourceL1       ActionSource = "l1"
	SourceL0       ActionSource = "l0"
	SourceOracle   ActionSource = "oracle"
	SourceOperator ActionSource = "operator"
)

// ActionRequest is one requested side effect. It lives for a single cycle.
type ActionRequest struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"parameters,omitempty"`
	Source ActionSource   `json:"source,omitempty"`
}

var reActionBlock = regexp.MustCompile("(?s)```action\\b[ \\t]*(.*?)```")

// extractActions returns every well-formed action block in reply, in order.
func extractActions(reply string) []ActionRequest {
	var out []ActionRequest
	for i, m := range reActionBlock.FindAllStringSubmatch(reply, -1) {
		req, err := parseActionBlock(m[1])
		if err != nil {
			zap.S().Debugf("[EXTRACT] block %d skipped: %v", i+1, err)
			continue
		}
		req.Source = SourceOracle
		out = append(out, req)
	}
	return out
}

func parseActionBlock(body string) (ActionRequest, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &raw); err != nil {
		return ActionRequest{}, fmt.Errorf("decode: %w", err)
	}
	typ, _ := raw["type"].(string)
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return ActionRequest{}, fmt.Errorf("missing type")
	}
	params := map[string]any{}
	if nested, ok := raw["parameters"].(map[string]any); ok {
		for k, v := range nested {
			params[k] = v
		}
	}
	for k, v := range raw {
		if k == "type" || k == "parameters" {
			continue
		}
		if _, dup := params[k]; !dup {
			params[k] = v
		}
	}
	return ActionRequest{Type: typ, Params: params}, nil
}

// capActions keeps the first limit requests and returns the rest as dropped.
func capActions(reqs []ActionRequest, limit int) (kept, dropped []ActionRequest) {
	if limit < 0 {
		limit = 0
	}
	if len(reqs) <= limit {
		return reqs, nil
	}
	return reqs[:limit], reqs[limit:]
}

// ---- parameter access ----

// fieldAliases lists spellings the oracle is known to use for a field.
var fieldAliases = map[string][]string{
	"tradeId":      {"trade_id", "tradeID", "id"},
	"ruleId":       {"rule_id", "ruleID", "id"},
	"thresholdPct": {"threshold_pct", "threshold", "drawdownPct"},
	"directive":    {"action", "actionDirective"},
	"stopLoss":     {"stop_loss", "sl"},
	"takeProfit":   {"take_profit", "tp"},
	"note":         {"text", "message"},
	"param":        {"name", "parameter"},
}

func lookup(p map[string]any, field string) (any, bool) {
	if v, ok := p[field]; ok && v != nil {
		return v, true
	}
	for _, alt := range fieldAliases[field] {
		if v, ok := p[alt]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// paramString returns a field as text; numbers are formatted without exponent.
func paramString(p map[string]any, field string) string {
	v, ok := lookup(p, field)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// paramFloat returns a numeric field; numeric strings ("0.5", "3%") are accepted.
func paramFloat(p map[string]any, field string) (float64, bool) {
	v, ok := lookup(p, field)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		return f, err == nil
	}
	return 0, false
}

// hasParam reports whether a required field is present and non-empty.
func hasParam(p map[string]any, field string) bool {
	v, ok := lookup(p, field)
	if !ok {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}
