package kiro

import (
	"strings"

	"github.com/google/uuid"

	"github.com/kirobridge/kirobridge/outer"
)

// blockKind names the three content-block shapes the transducer tracks.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// Transducer is the stateful Inner-event-to-Outer-SSE converter (C6). One
// Transducer serves exactly one request; it is not safe for concurrent use
// (a single request has a single writer, per §5 "Ordering guarantees").
type Transducer struct {
	messageID string
	model     string

	started    bool
	nextIndex  int
	openKind   blockKind
	openIndex  int
	toolArgs   strings.Builder
	toolID     string
	toolName   string

	finalBlocks  []outer.ResponseContentBlock
	lastWasTool  bool
	truncated    bool
	inputTokens  int
	outputTokens int
	stopHint     outer.StopReason
}

// NewTransducer returns a fresh transducer for one request. model is the
// Outer model name echoed on message_start (§4.6 rule 1).
func NewTransducer(model string) *Transducer {
	return &Transducer{
		messageID: "msg_" + uuid.NewString(),
		model:     model,
	}
}

// Feed processes one decoded Inner event and returns the Outer SSE events
// it produces. The first call, regardless of the event's kind, also emits
// message_start (§4.6 rule 1). EventError is not handled here — the caller
// owns deciding whether to surface a terminal error event versus failing
// over (§4.7's partial-response policy); Feed returns the error message so
// the caller can act on it.
func (t *Transducer) Feed(ev *Event) (events []outer.SSEEvent, errMessage string) {
	if !t.started {
		t.started = true
		events = append(events, outer.SSEEvent{Name: outer.EventMessageStart, Data: outer.NewMessageStart(t.messageID, t.model)})
	}

	switch ev.Kind {
	case EventTextDelta:
		events = append(events, t.feedRun(blockText, ev.Text)...)
	case EventThinkingDelta:
		events = append(events, t.feedRun(blockThinking, ev.Text)...)
	case EventToolUse:
		events = append(events, t.feedToolUse(ev)...)
	case EventUsage:
		if ev.InputTokens > 0 {
			t.inputTokens = ev.InputTokens
		}
		if ev.OutputTokens > 0 {
			t.outputTokens = ev.OutputTokens
		}
		if ev.Truncated {
			t.truncated = true
		}
	case EventError:
		return events, ev.ErrorMessage
	case EventMessageStart, EventMessageStop, EventUnknown:
		// no content to emit; message_start/message_stop SSE framing is
		// driven by Feed's bootstrap and by Finish, not by these markers.
	}
	return events, ""
}

// feedRun handles the text/thinking delta rule (§4.6 rules 3-4): opens a
// new block on a kind change, emits the delta, and tracks the final text.
func (t *Transducer) feedRun(kind blockKind, delta string) []outer.SSEEvent {
	var events []outer.SSEEvent
	if t.openKind != kind {
		events = append(events, t.closeOpenBlock()...)
		events = append(events, t.openBlock(kind, "", "")...)
	}
	if kind == blockThinking {
		t.finalBlocks[t.openIndex].Thinking += delta
	} else {
		t.finalBlocks[t.openIndex].Text += delta
	}

	var payload any
	if kind == blockThinking {
		payload = outer.ThinkingDelta{Type: "thinking_delta", Thinking: delta}
	} else {
		payload = outer.TextDelta{Type: "text_delta", Text: delta}
	}
	events = append(events, outer.SSEEvent{
		Name: outer.EventContentBlockDelta,
		Data: outer.ContentBlockDeltaPayload{Type: outer.EventContentBlockDelta, Index: t.openIndex, Delta: payload},
	})
	return events
}

// feedToolUse handles tool-use start/delta/stop (§4.6 rule 5): a change of
// tool-use id opens a new block; argument fragments accumulate into a JSON
// buffer and stream as input_json_delta; Stop finalizes the block's Input.
func (t *Transducer) feedToolUse(ev *Event) []outer.SSEEvent {
	var events []outer.SSEEvent
	if t.openKind != blockToolUse || t.toolID != ev.ToolUseID {
		events = append(events, t.closeOpenBlock()...)
		events = append(events, t.openBlock(blockToolUse, ev.ToolUseID, ev.ToolName)...)
	}

	if ev.ToolInput != "" {
		t.toolArgs.WriteString(ev.ToolInput)
		events = append(events, outer.SSEEvent{
			Name: outer.EventContentBlockDelta,
			Data: outer.ContentBlockDeltaPayload{
				Type:  outer.EventContentBlockDelta,
				Index: t.openIndex,
				Delta: outer.InputJSONDelta{Type: "input_json_delta", PartialJSON: ev.ToolInput},
			},
		})
	}

	if ev.ToolStop {
		t.finalBlocks[t.openIndex].Input = []byte(t.toolArgs.String())
		t.lastWasTool = true
		events = append(events, t.closeOpenBlock()...)
	}
	return events
}

// openBlock opens a new content block at the next index and emits its
// content_block_start.
func (t *Transducer) openBlock(kind blockKind, toolID, toolName string) []outer.SSEEvent {
	index := t.nextIndex
	t.nextIndex++
	t.openKind = kind
	t.openIndex = index
	t.toolID = toolID
	t.toolName = toolName
	t.toolArgs.Reset()

	var block outer.ResponseContentBlock
	switch kind {
	case blockText:
		block = outer.ResponseContentBlock{Type: "text"}
	case blockThinking:
		block = outer.ResponseContentBlock{Type: "thinking"}
	case blockToolUse:
		block = outer.ResponseContentBlock{Type: "tool_use", ID: toolID, Name: toolName, Input: []byte("{}")}
	}
	t.finalBlocks = append(t.finalBlocks, block)

	if kind == blockNone {
		return nil
	}
	return []outer.SSEEvent{{
		Name: outer.EventContentBlockStart,
		Data: outer.ContentBlockStartPayload{Type: outer.EventContentBlockStart, Index: index, ContentBlock: block},
	}}
}

// closeOpenBlock emits content_block_stop for whatever block is currently
// open, if any (§4.6 rule 6).
func (t *Transducer) closeOpenBlock() []outer.SSEEvent {
	if t.openKind == blockNone {
		return nil
	}
	index := t.openIndex
	t.openKind = blockNone
	return []outer.SSEEvent{{
		Name: outer.EventContentBlockStop,
		Data: outer.ContentBlockStopPayload{Type: outer.EventContentBlockStop, Index: index},
	}}
}

// Finish closes any still-open block and returns the terminal
// message_delta + message_stop sequence (§4.6 rule 7). Call exactly once,
// after the Inner event source is exhausted or signals message-stop.
func (t *Transducer) Finish() []outer.SSEEvent {
	events := t.closeOpenBlock()

	delta := outer.MessageDeltaPayload{Type: outer.EventMessageDelta}
	delta.Delta.StopReason = t.stopReason()
	delta.Usage = outer.Usage{InputTokens: t.inputTokens, OutputTokens: t.outputTokens}
	events = append(events, outer.SSEEvent{Name: outer.EventMessageDelta, Data: delta})
	events = append(events, outer.SSEEvent{Name: outer.EventMessageStop, Data: outer.MessageStopPayload{Type: outer.EventMessageStop}})
	return events
}

func (t *Transducer) stopReason() outer.StopReason {
	if t.stopHint != "" {
		return t.stopHint
	}
	if t.truncated {
		return outer.StopMaxTokens
	}
	if t.lastWasTool {
		return outer.StopToolUse
	}
	return outer.StopEndTurn
}

// Result assembles the non-streaming response document (§4.6 "Non-streaming
// path"). Call after Finish.
func (t *Transducer) Result() outer.Response {
	return outer.Response{
		ID:         t.messageID,
		Type:       "message",
		Role:       "assistant",
		Model:      t.model,
		Content:    t.finalBlocks,
		StopReason: t.stopReason(),
		Usage:      outer.Usage{InputTokens: t.inputTokens, OutputTokens: t.outputTokens},
	}
}

// MessageID returns the id assigned to this response, for callers that need
// it before Feed is first called (e.g. logging).
func (t *Transducer) MessageID() string { return t.messageID }
