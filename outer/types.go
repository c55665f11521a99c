package outer

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
)

// ThinkingConfig mirrors Anthropic's {"type":"enabled","budget_tokens":N}
// thinking request and is forwarded to the Inner API verbatim (§4.5).
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Tool is one entry of the Outer request's "tools" array.
type Tool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// IsWebSearch reports whether this tool is the built-in web-search tool,
// which the Request Converter filters out (§4.5 "Tool filtering").
func (t Tool) IsWebSearch() bool {
	return t.Name == "web_search" || t.Name == "websearch"
}

// Message is one entry of the Outer request's "messages" array. Content is
// left as raw JSON because it may be a plain string or a content-block
// array; ParseContent decodes it on demand.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is one element of a message's content-block array form:
// text, image, tool_use, or tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is a base64 or URL image content-block source.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ParseContent decodes Content as either a plain string (wrapped in a
// single text block) or a content-block array.
func (m Message) ParseContent() ([]ContentBlock, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		if asString == "" {
			return nil, nil
		}
		return []ContentBlock{{Type: "text", Text: asString}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, errors.Wrap(err, "parse message content")
	}
	return blocks, nil
}

// SystemBlock is one element of the Outer request's array-form "system"
// field (a sequence of text blocks, per spec §3).
type SystemBlock struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

// Metadata is the optional, mostly-opaque metadata object on a request.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// Request is the Outer API /v1/messages request body.
type Request struct {
	Model         string           `json:"model"`
	MaxTokens     int              `json:"max_tokens"`
	Messages      []Message        `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Tools         []Tool           `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig  `json:"thinking,omitempty"`
	Stream        *bool            `json:"stream,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	TopK          *int             `json:"top_k,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Metadata      *Metadata        `json:"metadata,omitempty"`
}

// IsStreaming reports whether the caller asked for an SSE response.
func (r *Request) IsStreaming() bool {
	return r.Stream != nil && *r.Stream
}

// ParseSystem decodes System as either a plain string or an array of
// SystemBlock, matching the Inner-side "system blocks concatenated into a
// single preamble" rule (§4.5).
func (r *Request) ParseSystem() ([]SystemBlock, error) {
	if len(r.System) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(r.System, &asString); err == nil {
		if asString == "" {
			return nil, nil
		}
		return []SystemBlock{{Type: "text", Text: asString}}, nil
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return nil, errors.Wrap(err, "parse system field")
	}
	return blocks, nil
}

// Validate checks the Request against the §4.5 "Input validation" rules.
// Validation errors never consume a credential (§7 Propagation).
func (r *Request) Validate() error {
	if r.MaxTokens <= 0 {
		return errors.New("max_tokens must be a positive integer")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range r.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return errors.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	for i, t := range r.Tools {
		if t.Name == "" {
			return errors.Errorf("tools[%d]: missing name", i)
		}
		if len(t.InputSchema) == 0 && !t.IsWebSearch() {
			return errors.Errorf("tools[%d]: missing input_schema", i)
		}
	}
	return nil
}

// CountTokensRequest is the (partial) body accepted by
// /v1/messages/count_tokens: model, messages, system, tools — no
// max_tokens, no stream.
type CountTokensRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	System   json.RawMessage `json:"system,omitempty"`
	Tools    []Tool          `json:"tools,omitempty"`
}

// CountTokensResponse is the /v1/messages/count_tokens response body.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// Usage is the token-usage block attached to message_start (zeroed),
// message_delta (final), and the non-streaming response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Model is one entry of the /v1/models response.
type Model struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// ModelsResponse is the /v1/models response body.
type ModelsResponse struct {
	Data    []Model `json:"data"`
	HasMore bool    `json:"has_more"`
}

// ResponseContentBlock is one finalized block of a non-streaming response's
// "content" array.
type ResponseContentBlock struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	// Thinking holds the accumulated reasoning text for "thinking" blocks.
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// StopReason is the terminal reason a message finished.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// Response is the consolidated, non-streaming /v1/messages response body
// (§4.6 "Non-streaming path").
type Response struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Role       string                 `json:"role"`
	Model      string                 `json:"model"`
	Content    []ResponseContentBlock `json:"content"`
	StopReason StopReason             `json:"stop_reason"`
	Usage      Usage                  `json:"usage"`
}
