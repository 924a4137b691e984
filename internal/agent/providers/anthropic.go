package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/warden/internal/agent"
	"github.com/haasonsaas/warden/pkg/models"
)

// DefaultAnthropicModel is used when a session has no model set.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string

	// MaxRetries bounds stream-open retries on transient failures.
	// Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between retries; actual delay is
	// RetryDelay * 2^attempt. Default: 1s.
	RetryDelay time.Duration

	// DefaultModel is used when the request names no model.
	DefaultModel string
}

// Anthropic implements agent.Provider over the official SDK, translating
// its SSE events into the uniform stream event shape.
type Anthropic struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewAnthropic validates the config and builds the provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultAnthropicModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// CreateMessage collects a streamed response into a single reply.
func (p *Anthropic) CreateMessage(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	events, err := p.CreateMessageStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return agent.Collect(events)
}

// CreateMessageStream opens an SSE stream, retrying transient open failures
// with exponential backoff, and pumps translated events until the stream
// ends.
func (p *Anthropic) CreateMessageStream(ctx context.Context, req *agent.Request) (<-chan agent.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan agent.StreamEvent)
	go func() {
		defer close(out)

		for attempt := 0; ; attempt++ {
			stream := p.client.Messages.NewStreaming(ctx, params)
			if done := p.pump(stream, out); done {
				return
			}
			// pump returned retryable before any event was emitted
			if attempt >= p.maxRetries {
				out <- agent.StreamEvent{
					Type: agent.EventStreamError,
					Err:  fmt.Errorf("anthropic: max retries exceeded: %w", stream.Err()),
				}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				out <- agent.StreamEvent{Type: agent.EventStreamError, Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}
	}()
	return out, nil
}

// pump translates one SDK stream. Returns false only when the stream failed
// before producing any event and the failure looks transient, so the caller
// may retry the open.
func (p *Anthropic) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- agent.StreamEvent) bool {
	emitted := false

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			out <- agent.StreamEvent{
				Type:        agent.EventMessageStart,
				MessageID:   start.Message.ID,
				Model:       string(start.Message.Model),
				InputTokens: int(start.Message.Usage.InputTokens),
			}
			emitted = true

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			ev := agent.StreamEvent{
				Type:  agent.EventContentBlockStart,
				Index: int(blockStart.Index),
				Block: agent.BlockText,
			}
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				ev.Block = agent.BlockToolUse
				ev.ToolCallID = toolUse.ID
				ev.ToolName = toolUse.Name
			}
			out <- ev
			emitted = true

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					out <- agent.StreamEvent{
						Type:      agent.EventContentBlockDelta,
						Index:     int(blockDelta.Index),
						TextDelta: blockDelta.Delta.Text,
					}
					emitted = true
				}
			case "input_json_delta":
				if blockDelta.Delta.PartialJSON != "" {
					out <- agent.StreamEvent{
						Type:           agent.EventContentBlockDelta,
						Index:          int(blockDelta.Index),
						InputJSONDelta: blockDelta.Delta.PartialJSON,
					}
					emitted = true
				}
			}

		case "content_block_stop":
			blockStop := event.AsContentBlockStop()
			out <- agent.StreamEvent{
				Type:  agent.EventContentBlockStop,
				Index: int(blockStop.Index),
			}
			emitted = true

		case "message_delta":
			delta := event.AsMessageDelta()
			out <- agent.StreamEvent{
				Type:         agent.EventMessageDelta,
				StopReason:   mapStopReason(string(delta.Delta.StopReason)),
				OutputTokens: int(delta.Usage.OutputTokens),
			}
			emitted = true

		case "message_stop":
			out <- agent.StreamEvent{Type: agent.EventMessageStop}
			return true
		}
	}

	if err := stream.Err(); err != nil {
		if !emitted && isRetryable(err) {
			return false
		}
		out <- agent.StreamEvent{
			Type: agent.EventStreamError,
			Err:  fmt.Errorf("anthropic: %w", err),
		}
	}
	return true
}

func (p *Anthropic) buildParams(req *agent.Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, system, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if req.System != "" {
		system = append([]string{req.System}, system...)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: strings.Join(system, "\n\n")},
		}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertMessages maps the internal transcript to Anthropic content blocks.
// System messages are lifted out; tool results ride in user messages.
func convertMessages(messages []models.Message) ([]anthropic.MessageParam, []string, error) {
	var result []anthropic.MessageParam
	var system []string

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, system, nil
}

func convertTools(defs []agent.ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", def.Name, err)
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("anthropic: tool %s produced no definition", def.Name)
		}
		tool.OfTool.Description = anthropic.String(def.Description)
		result = append(result, tool)
	}
	return result, nil
}

func mapStopReason(reason string) agent.StopReason {
	switch reason {
	case "tool_use":
		return agent.StopToolUse
	case "max_tokens":
		return agent.StopMaxTokens
	case "":
		return ""
	default:
		return agent.StopEndTurn
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"):
		return true
	}
	return false
}
