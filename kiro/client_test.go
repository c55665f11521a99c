package kiro

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Send_BuildsRequestAndReturnsBody(t *testing.T) {
	var gotBody generateRequest
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("frame-bytes"))
	}))
	defer srv.Close()

	c := NewClient(nil)
	c.SetBaseURLOverride(srv.URL)

	req := &Request{
		ConversationID: "conv-1",
		CurrentText:    "hello",
		Preamble:       "be nice",
		Tools:          []Tool{{Name: "get_weather"}},
	}

	body, err := c.Send(context.Background(), req, Identity{
		AccessToken: "tok-123",
		MachineID:   "abc",
		KiroVersion: "1.0",
		APIRegion:   "us-east-1",
	})
	require.NoError(t, err)
	defer body.Close()

	out, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "frame-bytes", string(out))

	assert.Equal(t, "conv-1", gotBody.ConversationState.ConversationID)
	assert.Equal(t, "be nice\n\nhello", gotBody.ConversationState.CurrentMessage.UserInputMessage.Content)
	require.NotNil(t, gotBody.ConversationState.CurrentMessage.UserInputMessage.Context)
	assert.Len(t, gotBody.ConversationState.CurrentMessage.UserInputMessage.Context.Tools, 1)

	assert.Equal(t, "Bearer tok-123", gotHeaders.Get("Authorization"))
	assert.Equal(t, "application/vnd.amazon.eventstream", gotHeaders.Get("Accept"))
}

func TestClient_Send_NonStatusOkReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"expired token"}`))
	}))
	defer srv.Close()

	c := NewClient(nil)
	c.SetBaseURLOverride(srv.URL)

	_, err := c.Send(context.Background(), &Request{ConversationID: "c1"}, Identity{APIRegion: "us-east-1"})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Contains(t, string(statusErr.Body), "expired token")
}

func TestLastTurnToolResults_OnlyConsidersFinalUserTurn(t *testing.T) {
	history := []Turn{
		{Role: "user", Content: []ContentPart{{Type: "tool_result", ToolUseID: "old", ToolResultContent: "stale"}}},
		{Role: "assistant", Content: []ContentPart{{Type: "text", Text: "ok"}}},
		{Role: "user", Content: []ContentPart{{Type: "tool_result", ToolUseID: "t1", ToolResultContent: "72F"}}},
	}
	results := lastTurnToolResults(history)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].ToolUseID)
	assert.Equal(t, "success", results[0].Status)
}

func TestLastTurnToolResults_ErrorStatusWhenIsError(t *testing.T) {
	history := []Turn{
		{Role: "user", Content: []ContentPart{{Type: "tool_result", ToolUseID: "t1", IsError: true}}},
	}
	results := lastTurnToolResults(history)
	require.Len(t, results, 1)
	assert.Equal(t, "error", results[0].Status)
}

func TestTurnToHistoryEntry_DropsEmptyUserTurn(t *testing.T) {
	entry := turnToHistoryEntry(Turn{Role: "user"})
	assert.Nil(t, entry)
}

func TestTurnToHistoryEntry_AssistantTurnCarriesToolUses(t *testing.T) {
	entry := turnToHistoryEntry(Turn{
		Role: "assistant",
		Content: []ContentPart{
			{Type: "text", Text: "checking"},
			{Type: "tool_use", ToolUseID: "t1", ToolName: "get_weather"},
		},
	})
	require.NotNil(t, entry)
	require.NotNil(t, entry.AssistantResponseMessage)
	assert.Equal(t, "checking", entry.AssistantResponseMessage.Content)
	require.Len(t, entry.AssistantResponseMessage.ToolUses, 1)
	assert.Equal(t, "t1", entry.AssistantResponseMessage.ToolUses[0].ToolUseID)
}
