package kiro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameWith(eventType, messageType string, payload string) *Frame {
	h := Headers{}
	if eventType != "" {
		h[":event-type"] = HeaderValue{Type: HeaderString, Str: eventType}
	}
	if messageType != "" {
		h[":message-type"] = HeaderValue{Type: HeaderString, Str: messageType}
	}
	return &Frame{Headers: h, Payload: []byte(payload)}
}

func TestClassify_ExceptionMessageTypeIsFatalError(t *testing.T) {
	f := frameWith("", "exception", `{"message":"boom"}`)
	ev, err := Classify(f)
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, `{"message":"boom"}`, ev.ErrorMessage)
}

func TestClassify_ErrorMessageTypeIsFatalError(t *testing.T) {
	f := frameWith("", "error", "server exploded")
	ev, err := Classify(f)
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Kind)
}

func TestClassify_MessageStartAndStop(t *testing.T) {
	ev, err := Classify(frameWith("messageStartEvent", "", ""))
	require.NoError(t, err)
	assert.Equal(t, EventMessageStart, ev.Kind)

	ev, err = Classify(frameWith("messageStopEvent", "", ""))
	require.NoError(t, err)
	assert.Equal(t, EventMessageStop, ev.Kind)
}

func TestClassify_AssistantResponseTextDelta(t *testing.T) {
	ev, err := Classify(frameWith("assistantResponseEvent", "", `{"content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, EventTextDelta, ev.Kind)
	assert.Equal(t, "hello", ev.Text)
}

func TestClassify_AssistantResponseThinkingDelta(t *testing.T) {
	ev, err := Classify(frameWith("assistantResponseEvent", "", `{"reasoningContent":{"text":"pondering"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventThinkingDelta, ev.Kind)
	assert.Equal(t, "pondering", ev.Text)
}

func TestClassify_AssistantResponseMalformedPayloadIsFatal(t *testing.T) {
	_, err := Classify(frameWith("assistantResponseEvent", "", `not json`))
	assert.Error(t, err)
}

func TestClassify_ToolUseStart(t *testing.T) {
	ev, err := Classify(frameWith("toolUseEvent", "", `{"toolUseId":"t1","name":"get_weather"}`))
	require.NoError(t, err)
	assert.Equal(t, EventToolUse, ev.Kind)
	assert.Equal(t, "t1", ev.ToolUseID)
	assert.Equal(t, "get_weather", ev.ToolName)
	assert.False(t, ev.ToolStop)
}

func TestClassify_ToolUseArgumentDeltaAndStop(t *testing.T) {
	ev, err := Classify(frameWith("toolUseEvent", "", `{"toolUseId":"t1","input":"{\"city\":\"NYC\"}","stop":true}`))
	require.NoError(t, err)
	assert.Equal(t, EventToolUse, ev.Kind)
	assert.Equal(t, `{"city":"NYC"}`, ev.ToolInput)
	assert.True(t, ev.ToolStop)
}

func TestClassify_MessageMetadataUsage(t *testing.T) {
	ev, err := Classify(frameWith("messageMetadataEvent", "", `{"inputTokens":10,"outputTokens":5,"truncated":true}`))
	require.NoError(t, err)
	assert.Equal(t, EventUsage, ev.Kind)
	assert.Equal(t, 10, ev.InputTokens)
	assert.Equal(t, 5, ev.OutputTokens)
	assert.True(t, ev.Truncated)
}

func TestClassify_MessageMetadataMalformedIsNonFatal(t *testing.T) {
	ev, err := Classify(frameWith("messageMetadataEvent", "", `not json`))
	require.NoError(t, err)
	assert.Equal(t, EventUsage, ev.Kind)
	assert.Equal(t, 0, ev.InputTokens)
}

func TestClassify_UnknownEventTypeIsForwardCompatible(t *testing.T) {
	ev, err := Classify(frameWith("someFutureEvent", "", `{}`))
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, ev.Kind)
}
