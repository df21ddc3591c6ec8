// FILE: oracle.go
// Package main – Decision oracle adapters.
//
// The oracle is an opaque reasoning service: one non-streaming request per
// cycle, free text back, no retry. A failed call costs the cycle its oracle
// actions and nothing else.
//
// Backends:
//   • ChatOracle   – OpenAI-style POST {base}/chat/completions with a bearer key
//   • GeminiOracle – Google Gemini through google.golang.org/genai
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

// OracleRequest is one reasoning call.
type OracleRequest struct {
	System      string
	User        string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Oracle returns the model's free-text reply.
type Oracle interface {
	Decide(ctx context.Context, req OracleRequest) (string, error)
}

// defaultSystemPrompt frames the wire format only; strategy content is
// deployment configuration (SYSTEM_PROMPT_FILE).
const defaultSystemPrompt = `You supervise an automated trading account. You receive a JSON state payload.
Reply with a short assessment. Start with a line "ASSESSMENT: <one line>" and a line "SCORE: <0-100>".
Request side effects only inside fenced blocks tagged action, one JSON object per block, for example:
` + "```action\n{\"type\":\"close_trade\",\"tradeId\":\"42\",\"reason\":\"...\"}\n```" + `
Never exceed actionBudget blocks. Reply with no action blocks when nothing should change.`

// loadSystemPrompt reads path, or returns the built-in prompt when path is empty.
func loadSystemPrompt(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return defaultSystemPrompt, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return string(b), nil
}

// ---- chat completions over HTTP ----

// ChatOracle talks to a chat-completions endpoint.
type ChatOracle struct {
	base   string
	apiKey string
	hc     *http.Client
}

func NewChatOracle(base, apiKey string, timeout time.Duration) *ChatOracle {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ChatOracle{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		hc:     &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *ChatOracle) Decide(ctx context.Context, req OracleRequest) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat: marshal: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat: newrequest: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	res, err := o.hc.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("chat: read: %w", err)
	}
	if res.StatusCode >= 300 {
		return "", fmt.Errorf("chat %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("chat: decode: %w", err)
	}
	if cr.Error != nil && cr.Error.Message != "" {
		return "", fmt.Errorf("chat: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("chat: no choices in response")
	}
	return cr.Choices[0].Message.Content, nil
}

// ---- Gemini ----

// GeminiOracle calls Gemini through the genai SDK.
type GeminiOracle struct {
	client  *genai.Client
	timeout time.Duration
}

func NewGeminiOracle(ctx context.Context, apiKey string, timeout time.Duration) (*GeminiOracle, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: ORACLE_API_KEY is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GeminiOracle{client: client, timeout: timeout}, nil
}

func (o *GeminiOracle) Decide(ctx context.Context, req OracleRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	resp, err := o.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.User), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}
