package protocol

import (
	"encoding/json"
	"math"
)

// Envelope types of the stream-json dialect spoken by Claude-style agent CLIs.
const (
	streamTypeAssistant   = "assistant"
	streamTypeUser        = "user"
	streamTypeResult      = "result"
	streamTypeStreamEvent = "stream_event"
	streamSubtypeInit     = "init"
)

type streamContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type streamUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

func (u *streamUsage) contextTokens() int64 {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

type streamMessage struct {
	Role string `json:"role"`
	// Content is either a string or a list of blocks.
	Content json.RawMessage `json:"content"`
	Usage   *streamUsage    `json:"usage,omitempty"`
}

func (m *streamMessage) blocks() []streamContentBlock {
	if len(m.Content) == 0 || m.Content[0] != '[' {
		return nil
	}
	var blocks []streamContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

type streamModelUsage struct {
	ContextWindow int64 `json:"contextWindow"`
}

type streamResult struct {
	Subtype      string                      `json:"subtype"`
	IsError      bool                        `json:"is_error"`
	Result       json.RawMessage             `json:"result"`
	TotalCostUSD float64                     `json:"total_cost_usd"`
	CostUSD      float64                     `json:"cost_usd"`
	Usage        *streamUsage                `json:"usage,omitempty"`
	ModelUsage   map[string]streamModelUsage `json:"modelUsage,omitempty"`
}

func (d *Decoder) parseAssistant(line []byte) ([]Event, bool) {
	var env struct {
		Message streamMessage `json:"message"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, false
	}

	var events []Event
	if len(env.Message.Content) > 0 && env.Message.Content[0] == '"' {
		var s string
		if err := json.Unmarshal(env.Message.Content, &s); err == nil && s != "" {
			events = append(events, Text{Content: s})
		}
	}
	for _, b := range env.Message.blocks() {
		switch b.Type {
		case "text":
			if b.Text != "" {
				events = append(events, Text{Content: b.Text})
			}
		case "tool_use":
			events = append(events, ToolUse{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	if u := env.Message.Usage; u != nil && (u.contextTokens() > 0 || u.OutputTokens > 0) {
		events = append(events, d.usage(u, d.maxTokens, 0))
	}
	return events, true
}

func parseUser(line []byte) ([]Event, bool) {
	var env struct {
		Message streamMessage `json:"message"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, false
	}

	var events []Event
	for _, b := range env.Message.blocks() {
		if b.Type != "tool_result" {
			continue
		}
		events = append(events, ToolResult{
			ID:      b.ToolUseID,
			Result:  b.Content,
			Success: !b.IsError,
		})
	}
	return events, true
}

func (d *Decoder) parseResult(line []byte) ([]Event, bool) {
	var r streamResult
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, false
	}

	var events []Event
	if r.IsError {
		msg := r.Subtype
		var s string
		if len(r.Result) > 0 && json.Unmarshal(r.Result, &s) == nil && s != "" {
			msg = s
		}
		if msg == "" {
			msg = "agent reported an error"
		}
		events = append(events, Error{Content: msg})
	}

	cost := r.TotalCostUSD
	if cost == 0 {
		cost = r.CostUSD
	}
	// Several models may report; the largest window is the session's.
	var maxTokens int64
	for _, mu := range r.ModelUsage {
		maxTokens = max(maxTokens, mu.ContextWindow)
	}
	if maxTokens <= 0 {
		maxTokens = d.maxTokens
	}
	if r.Usage != nil || cost > 0 {
		u := r.Usage
		if u == nil {
			u = &streamUsage{}
		}
		events = append(events, d.usage(u, maxTokens, cost))
	}
	return events, true
}

func (d *Decoder) usage(u *streamUsage, maxTokens int64, cost float64) Usage {
	in := u.contextTokens()
	pct := 0.0
	if maxTokens > 0 {
		pct = math.Round(float64(in)/float64(maxTokens)*1000) / 10
	}
	return Usage{
		ContextPercent: pct,
		InputTokens:    in,
		OutputTokens:   u.OutputTokens,
		MaxTokens:      maxTokens,
		EstimatedCost:  cost,
	}
}
