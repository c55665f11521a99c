package kiro

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
)

// EventKind classifies one decoded Inner event for the transducer (§3
// "Inner event (post-decode)").
type EventKind int

const (
	EventUnknown EventKind = iota
	// EventMessageStart marks the beginning of the upstream message.
	EventMessageStart
	// EventMessageStop marks the end of the upstream message.
	EventMessageStop
	// EventTextDelta carries one chunk of assistant text.
	EventTextDelta
	// EventThinkingDelta carries one chunk of reasoning/thinking text.
	EventThinkingDelta
	// EventToolUse carries one chunk of a tool invocation: either the
	// opening chunk (Input empty, Stop false) or a subsequent argument
	// fragment, ending with Stop true.
	EventToolUse
	// EventUsage carries a usage report from the upstream.
	EventUsage
	// EventError is a fatal, upstream-signaled error for this connection.
	EventError
)

// Event is the payload-typed record the decoder's frames are classified
// into before reaching the transducer (C6).
type Event struct {
	Kind EventKind

	// Text/Thinking delta payload.
	Text string

	// Tool-use payload.
	ToolUseID   string
	ToolName    string
	ToolInput   string // one fragment of the streamed JSON-encoded arguments
	ToolStop    bool

	// Usage payload.
	InputTokens  int
	OutputTokens int
	// Truncated signals the upstream hit its own output cap (maps to the
	// Outer "max_tokens" stop reason, §4.6 rule 7).
	Truncated bool

	// Error payload.
	ErrorMessage string
}

// inner event-type header values (§4.1's ":event-type").
const (
	innerEventAssistantResponse = "assistantResponseEvent"
	innerEventToolUse           = "toolUseEvent"
	innerEventMessageMetadata   = "messageMetadataEvent"
	innerEventMessageStart      = "messageStartEvent"
	innerEventMessageStop       = "messageStopEvent"
)

// inner message-type header values that signal a fatal error (§4.1 "Event
// interpretation").
const (
	innerMessageException = "exception"
	innerMessageError     = "error"
)

// Classify interprets one decoded Frame's headers and payload into a typed
// Event. The decoder itself is payload-agnostic (§4.1); this classification
// step belongs conceptually to C6, kept in its own file per the package
// layout.
func Classify(f *Frame) (*Event, error) {
	messageType := f.Headers.String(":message-type")
	if messageType == innerMessageException || messageType == innerMessageError {
		return &Event{Kind: EventError, ErrorMessage: string(f.Payload)}, nil
	}

	eventType := f.Headers.String(":event-type")
	switch eventType {
	case innerEventMessageStart:
		return &Event{Kind: EventMessageStart}, nil
	case innerEventMessageStop:
		return &Event{Kind: EventMessageStop}, nil
	case innerEventAssistantResponse:
		return classifyAssistantResponse(f.Payload)
	case innerEventToolUse:
		return classifyToolUse(f.Payload)
	case innerEventMessageMetadata:
		return classifyMessageMetadata(f.Payload)
	default:
		// Forward-compatible: an event-type this decoder doesn't recognize
		// is ignored rather than fatal, so a new upstream event kind never
		// breaks an in-flight stream.
		return &Event{Kind: EventUnknown}, nil
	}
}

type assistantResponsePayload struct {
	Content          string `json:"content,omitempty"`
	ReasoningContent *struct {
		Text string `json:"text,omitempty"`
	} `json:"reasoningContent,omitempty"`
}

func classifyAssistantResponse(payload []byte) (*Event, error) {
	var p assistantResponsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Wrap(err, "decode assistantResponseEvent payload")
	}
	if p.ReasoningContent != nil && p.ReasoningContent.Text != "" {
		return &Event{Kind: EventThinkingDelta, Text: p.ReasoningContent.Text}, nil
	}
	return &Event{Kind: EventTextDelta, Text: p.Content}, nil
}

type toolUsePayload struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name,omitempty"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`
}

func classifyToolUse(payload []byte) (*Event, error) {
	var p toolUsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Wrap(err, "decode toolUseEvent payload")
	}
	return &Event{
		Kind:      EventToolUse,
		ToolUseID: p.ToolUseID,
		ToolName:  p.Name,
		ToolInput: p.Input,
		ToolStop:  p.Stop,
	}, nil
}

type messageMetadataPayload struct {
	InputTokens  int  `json:"inputTokens,omitempty"`
	OutputTokens int  `json:"outputTokens,omitempty"`
	Truncated    bool `json:"truncated,omitempty"`
}

func classifyMessageMetadata(payload []byte) (*Event, error) {
	var p messageMetadataPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		// Metadata frames vary by upstream version; a malformed one is
		// not fatal, it just carries no usage information.
		return &Event{Kind: EventUsage}, nil
	}
	return &Event{
		Kind:         EventUsage,
		InputTokens:  p.InputTokens,
		OutputTokens: p.OutputTokens,
		Truncated:    p.Truncated,
	}, nil
}
