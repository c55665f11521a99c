package outer

import "encoding/json"

// SSEEvent is one wire-level event: "event: <Name>\ndata: <json>\n\n".
type SSEEvent struct {
	Name string
	Data any
}

// Marshal renders the event's data payload to JSON.
func (e SSEEvent) Marshal() ([]byte, error) {
	return json.Marshal(e.Data)
}

// Event name constants, as enumerated in §4.6/GLOSSARY.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// MessageStartPayload is the data payload of the first "message_start"
// event (§4.6 rule 1): empty content, zero usage.
type MessageStartPayload struct {
	Type    string `json:"type"`
	Message struct {
		ID      string                 `json:"id"`
		Type    string                 `json:"type"`
		Role    string                 `json:"role"`
		Model   string                 `json:"model"`
		Content []ResponseContentBlock `json:"content"`
		Usage   Usage                  `json:"usage"`
	} `json:"message"`
}

// NewMessageStart builds the message_start payload for a fresh response.
func NewMessageStart(id, model string) MessageStartPayload {
	p := MessageStartPayload{Type: EventMessageStart}
	p.Message.ID = id
	p.Message.Type = "message"
	p.Message.Role = "assistant"
	p.Message.Model = model
	p.Message.Content = []ResponseContentBlock{}
	return p
}

// ContentBlockStartPayload opens a new indexed content block.
type ContentBlockStartPayload struct {
	Type         string               `json:"type"`
	Index        int                  `json:"index"`
	ContentBlock ResponseContentBlock `json:"content_block"`
}

// TextDelta is the delta payload for a text content block.
type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ThinkingDelta is the delta payload for a thinking content block.
type ThinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

// InputJSONDelta is the delta payload for a tool_use content block's
// streaming argument JSON.
type InputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

// ContentBlockDeltaPayload carries one of TextDelta/ThinkingDelta/
// InputJSONDelta in Delta.
type ContentBlockDeltaPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta any    `json:"delta"`
}

// ContentBlockStopPayload closes the content block at Index.
type ContentBlockStopPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaPayload carries the terminal stop_reason and aggregated usage
// (§4.6 rule 7).
type MessageDeltaPayload struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason   StopReason `json:"stop_reason"`
		StopSequence *string    `json:"stop_sequence,omitempty"`
	} `json:"delta"`
	Usage Usage `json:"usage"`
}

// MessageStopPayload is the terminal event of every streaming response.
type MessageStopPayload struct {
	Type string `json:"type"`
}

// PingPayload keeps intermediaries from timing out an idle stream (§4.6
// rule 8).
type PingPayload struct {
	Type string `json:"type"`
}

// ErrorEventPayload is the terminal event of a mid-stream failure (§7
// "Propagation").
type ErrorEventPayload struct {
	Type  string `json:"type"`
	Error Error  `json:"error"`
}
