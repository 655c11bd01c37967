// Package anthropic implements oasis.Provider for Anthropic Claude models.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nevindra/oasis"
)

// Anthropic implements oasis.Provider for Claude models.
type Anthropic struct {
	client anthropic.Client
	model  string

	temperature float64
	topP        float64
	maxTokens   int64
}

// Option configures an Anthropic provider.
type Option func(*Anthropic)

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(a *Anthropic) { a.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(p float64) Option {
	return func(a *Anthropic) { a.topP = p }
}

// WithMaxTokens sets the default max output tokens (default 4096).
func WithMaxTokens(n int) Option {
	return func(a *Anthropic) { a.maxTokens = int64(n) }
}

// New creates a new Anthropic chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Anthropic {
	a := &Anthropic{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       model,
		temperature: 0.1,
		topP:        0.9,
		maxTokens:   4096,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns "anthropic".
func (a *Anthropic) Name() string { return "anthropic" }

// Chat sends a non-streaming chat request and returns the complete response.
func (a *Anthropic) Chat(ctx context.Context, req oasis.ChatRequest) (oasis.ChatResponse, error) {
	return a.chat(ctx, req, nil)
}

// ChatWithTools sends a chat request with tool definitions, returning a
// response that may contain ToolCalls.
func (a *Anthropic) ChatWithTools(ctx context.Context, req oasis.ChatRequest, tools []oasis.ToolDefinition) (oasis.ChatResponse, error) {
	return a.chat(ctx, req, tools)
}

func (a *Anthropic) chat(ctx context.Context, req oasis.ChatRequest, tools []oasis.ToolDefinition) (oasis.ChatResponse, error) {
	params, err := a.buildParams(req, tools)
	if err != nil {
		return oasis.ChatResponse{}, a.wrapErr("build params: " + err.Error())
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return oasis.ChatResponse{}, a.wrapErr("request failed: " + err.Error())
	}
	if resp == nil || len(resp.Content) == 0 {
		return oasis.ChatResponse{}, a.wrapErr("received empty response")
	}

	return parseMessage(resp), nil
}

// ChatStream streams text-delta events into ch, then returns the final
// accumulated response. The channel is closed when streaming completes.
func (a *Anthropic) ChatStream(ctx context.Context, req oasis.ChatRequest, ch chan<- oasis.StreamEvent) (oasis.ChatResponse, error) {
	defer close(ch)

	params, err := a.buildParams(req, req.Tools)
	if err != nil {
		return oasis.ChatResponse{}, a.wrapErr("build params: " + err.Error())
	}

	stream := a.client.Messages.NewStreaming(ctx, params)

	var message anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return oasis.ChatResponse{}, a.wrapErr("accumulate stream event: " + err.Error())
		}

		switch delta := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if text := delta.Delta.Text; text != "" {
				ch <- oasis.StreamEvent{Type: oasis.EventTextDelta, Content: text}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return oasis.ChatResponse{}, a.wrapErr("stream failed: " + err.Error())
	}

	return parseMessage(&message), nil
}

// buildParams extracts the system prompt, enforces user/assistant
// alternation, and assembles the request parameters Claude requires.
func (a *Anthropic) buildParams(req oasis.ChatRequest, tools []oasis.ToolDefinition) (anthropic.MessageNewParams, error) {
	systemPrompt, alternating, err := ensureAlternation(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	messages := make([]anthropic.MessageParam, 0, len(alternating))
	for _, msg := range alternating {
		messages = append(messages, toMessageParam(msg))
	}

	maxTokens := a.maxTokens
	temperature := a.temperature
	topP := a.topP
	if req.GenerationParams != nil {
		if req.GenerationParams.MaxTokens != nil {
			maxTokens = int64(*req.GenerationParams.MaxTokens)
		}
		if req.GenerationParams.Temperature != nil {
			temperature = *req.GenerationParams.Temperature
		}
		if req.GenerationParams.TopP != nil {
			topP = *req.GenerationParams.TopP
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
		TopP:        anthropic.Float(topP),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt, Type: "text"}}
	}
	if req.ResponseSchema != nil {
		params.System = append(params.System, anthropic.TextBlockParam{
			Type: "text",
			Text: "Respond with JSON matching this schema, and nothing else: " + string(req.ResponseSchema.Schema),
		})
	}

	if len(tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(tools))
		for _, t := range tools {
			var schema map[string]any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &schema); err != nil {
					return anthropic.MessageNewParams{}, fmt.Errorf("parse tool %q parameters: %w", t.Name, err)
				}
			}
			toolParams = append(toolParams, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: schema["properties"],
					},
				},
			})
		}
		params.Tools = toolParams
	}

	return params, nil
}

// ensureAlternation extracts system messages into a single prompt and merges
// consecutive non-assistant messages so the remaining sequence strictly
// alternates user/assistant, which the Anthropic API requires.
func ensureAlternation(messages []oasis.ChatMessage) (systemPrompt string, alternating []oasis.ChatMessage, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	var nonSystem []oasis.ChatMessage
	for _, m := range messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
			continue
		}
		nonSystem = append(nonSystem, m)
	}
	systemPrompt = strings.Join(systemParts, "\n\n")
	if len(nonSystem) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}

	var merged []oasis.ChatMessage
	var pending oasis.ChatMessage
	var havePending bool

	flush := func() {
		if havePending {
			merged = append(merged, pending)
			pending = oasis.ChatMessage{}
			havePending = false
		}
	}

	for _, m := range nonSystem {
		if m.Role == "assistant" {
			flush()
			merged = append(merged, m)
			continue
		}
		// user and tool messages both collapse into the pending user turn.
		if !havePending {
			pending = oasis.ChatMessage{Role: "user"}
			havePending = true
		}
		if m.Content != "" {
			if pending.Content != "" {
				pending.Content += "\n\n"
			}
			pending.Content += m.Content
		}
		pending.Attachments = append(pending.Attachments, m.Attachments...)
		if m.Role == "tool" {
			pending.ToolCalls = append(pending.ToolCalls, oasis.ToolCall{ID: m.ToolCallID, Name: "", Args: json.RawMessage(m.Content)})
		}
	}
	flush()

	if merged[0].Role != "user" {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", merged[0].Role)
	}
	if merged[len(merged)-1].Role != "user" {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", merged[len(merged)-1].Role)
	}
	for i := 1; i < len(merged); i++ {
		if merged[i].Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, merged[i].Role)
		}
	}

	return systemPrompt, merged, nil
}

func toMessageParam(msg oasis.ChatMessage) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if msg.Role == "assistant" {
		role = anthropic.MessageParamRoleAssistant
	}

	var blocks []anthropic.ContentBlockParamUnion

	for _, tr := range msg.ToolCalls {
		if tr.ID == "" || tr.Name != "" {
			continue
		}
		textBlock := anthropic.TextBlockParam{Text: string(tr.Args), Type: "text"}
		content := anthropic.ToolResultBlockParamContentUnion{OfText: &textBlock}
		block := anthropic.ContentBlockParamUnion{}
		block.OfToolResult = &anthropic.ToolResultBlockParam{
			Type:      "tool_result",
			ToolUseID: tr.ID,
			Content:   []anthropic.ToolResultBlockParamContentUnion{content},
		}
		blocks = append(blocks, block)
	}

	if msg.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
	}

	for _, att := range msg.Attachments {
		b64 := att.Base64
		if b64 == "" {
			if data := att.InlineData(); len(data) > 0 {
				b64 = base64.StdEncoding.EncodeToString(data)
			}
		}
		if b64 != "" {
			blocks = append(blocks, anthropic.NewImageBlockBase64(att.MimeType, b64))
		}
	}

	if role == anthropic.MessageParamRoleAssistant {
		for _, tc := range msg.ToolCalls {
			if tc.Name == "" {
				continue
			}
			block := anthropic.ContentBlockParamUnion{}
			block.OfToolUse = &anthropic.ToolUseBlockParam{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Args,
			}
			blocks = append(blocks, block)
		}
	}

	return anthropic.MessageParam{Role: role, Content: blocks}
}

func parseMessage(resp *anthropic.Message) oasis.ChatResponse {
	var content strings.Builder
	var toolCalls []oasis.ToolCall

	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			content.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()
			toolCalls = append(toolCalls, oasis.ToolCall{
				ID:   tu.ID,
				Name: tu.Name,
				Args: json.RawMessage(tu.Input),
			})
		}
	}

	return oasis.ChatResponse{
		Content:   content.String(),
		ToolCalls: toolCalls,
		Usage: oasis.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
}

func (a *Anthropic) wrapErr(msg string) error {
	return &oasis.ErrLLM{Provider: "anthropic", Message: msg}
}

// Compile-time interface check.
var _ oasis.Provider = (*Anthropic)(nil)
