package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/skillgate/skillgate/internal/fault"
	"go.uber.org/zap"
)

// AnthropicConnector wraps the Claude messages API. The governance
// pipeline uses it for source review on proposals; skills holding the
// network capability reach it through the connector API surface.
type AnthropicConnector struct {
	cfg    Config
	client *client
	model  string
	// micro-USD per 1K tokens, from the connector's cost table
	inputCost  int64
	outputCost int64
}

// NewAnthropicConnector creates an Anthropic connector.
func NewAnthropicConnector(cfg Config, meter *Meter, logger *zap.Logger) *AnthropicConnector {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	model := cfg.Extra["model"]
	if model == "" {
		model = "claude-3-5-haiku-20241022"
	}
	return &AnthropicConnector{
		cfg:        cfg,
		client:     newClient(cfg, meter, logger),
		model:      model,
		inputCost:  extraInt64(cfg.Extra, "input_cost_micros_per_ktok", 800),
		outputCost: extraInt64(cfg.Extra, "output_cost_micros_per_ktok", 4000),
	}
}

func (a *AnthropicConnector) ID() string   { return a.cfg.ID }
func (a *AnthropicConnector) Name() string { return a.cfg.Name }

type anthropicRequest struct {
	Model     string         `json:"model"`
	Messages  []anthropicMsg `json:"messages"`
	System    string         `json:"system,omitempty"`
	MaxTokens int            `json:"max_tokens"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends a single-turn prompt and returns the text response.
func (a *AnthropicConnector) Complete(ctx context.Context, system, prompt string) (string, *CallRecord, error) {
	body, err := json.Marshal(&anthropicRequest{
		Model:     a.model,
		System:    system,
		Messages:  []anthropicMsg{{Role: "user", Content: prompt}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"Content-Type":      "application/json",
		"x-api-key":         a.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}
	data, rec, err := a.client.do(ctx, http.MethodPost, a.cfg.Endpoint+"/messages", headers, body, "complete")
	if err != nil {
		return "", rec, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", rec, fmt.Errorf("decode response: %w", err)
	}

	// Usage-based surplus over the flat reservation.
	tokenCost := int64(resp.Usage.InputTokens)*a.inputCost/1000 +
		int64(resp.Usage.OutputTokens)*a.outputCost/1000
	if tokenCost > 0 {
		a.client.meter.Commit(tokenCost)
		rec.CostMicros += tokenCost
	}

	text := ""
	for _, c := range resp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return text, rec, nil
}

// Call implements the generic connector surface. The only operation is
// "complete" with payload {"system": ..., "prompt": ...}.
func (a *AnthropicConnector) Call(ctx context.Context, req *Request) (*Result, error) {
	if req.Operation != "complete" {
		return nil, fault.New(fault.NotFound, "connector %s has no operation %q", a.cfg.ID, req.Operation)
	}
	var payload struct {
		System string `json:"system"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	text, rec, err := a.Complete(ctx, payload.System, payload.Prompt)
	if err != nil {
		return nil, err
	}
	data, _ := json.Marshal(map[string]string{"text": text})
	return &Result{Data: data, CostMicros: rec.CostMicros, Latency: rec.Latency, Attempts: rec.Attempts}, nil
}

func extraInt64(extra map[string]string, key string, def int64) int64 {
	if v, ok := extra[key]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
