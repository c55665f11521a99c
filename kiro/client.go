package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"

	"github.com/kirobridge/kirobridge/outer"
)

// Identity carries the per-credential values a Client needs to address and
// authenticate the upstream call, resolved by the caller (the token manager
// already knows how to compute these; the dispatcher passes them through).
type Identity struct {
	AccessToken string
	MachineID   string
	KiroVersion string
	APIRegion   string
}

// Client issues the Inner API's streaming generateAssistantResponse call and
// exposes the raw response body for a Decoder to consume.
type Client struct {
	httpClient *http.Client

	// baseURLOverride replaces the derived https://q.{region}.amazonaws.com
	// host, set only by tests to point at an httptest.Server.
	baseURLOverride string
}

// NewClient returns a Client sharing client for outbound calls (nil uses
// http.DefaultClient).
func NewClient(client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{httpClient: client}
}

// SetBaseURLOverride points the client at a test server instead of the
// derived AWS-style host.
func (c *Client) SetBaseURLOverride(base string) { c.baseURLOverride = base }

// userInputMessage is one entry of conversationState.history, or the
// current turn, in the Inner API's own request schema.
type userInputMessage struct {
	Content string            `json:"content"`
	Context *userInputContext `json:"userInputMessageContext,omitempty"`
}

type userInputContext struct {
	ToolResults []toolResultEntry `json:"toolResults,omitempty"`
	Tools       []toolSpec        `json:"tools,omitempty"`
}

type assistantResponseMessage struct {
	Content   string          `json:"content"`
	ToolUses  []toolUseEntry  `json:"toolUses,omitempty"`
}

type toolUseEntry struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type toolResultEntry struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	Status    string `json:"status,omitempty"`
}

type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type toolSpec struct {
	ToolSpecification struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	} `json:"toolSpecification"`
}

type generateRequest struct {
	ConversationState struct {
		ConversationID   string           `json:"conversationId"`
		ChatTriggerType  string           `json:"chatTriggerType"`
		CurrentMessage   struct {
			UserInputMessage userInputMessage `json:"userInputMessage"`
		} `json:"currentMessage"`
		History []historyEntry `json:"history,omitempty"`
	} `json:"conversationState"`
	ProfileArn string               `json:"profileArn,omitempty"`
	Thinking   *outer.ThinkingConfig `json:"thinking,omitempty"`
}

// buildRequestBody translates the package's Inner Request shape into the
// upstream generateAssistantResponse JSON body. Grounded in general
// knowledge of the CodeWhisperer/Q Developer wire schema, since neither
// spec.md nor the retrieved original_source Rust sources include the
// dispatcher's actual outbound request construction.
func buildRequestBody(req *Request) ([]byte, error) {
	var body generateRequest
	body.ConversationState.ConversationID = req.ConversationID
	body.ConversationState.ChatTriggerType = "MANUAL"
	body.ProfileArn = req.ProfileArn
	body.Thinking = req.Thinking

	current := userInputMessage{Content: joinPreamble(req.Preamble, req.CurrentText)}
	toolResults := lastTurnToolResults(req.History)
	tools := toolSpecs(req.Tools)
	if len(toolResults) > 0 || len(tools) > 0 {
		current.Context = &userInputContext{ToolResults: toolResults, Tools: tools}
	}
	body.ConversationState.CurrentMessage.UserInputMessage = current

	for _, turn := range req.History {
		entry := turnToHistoryEntry(turn)
		if entry != nil {
			body.ConversationState.History = append(body.ConversationState.History, *entry)
		}
	}

	return json.Marshal(body)
}

func joinPreamble(preamble, current string) string {
	if preamble == "" {
		return current
	}
	return preamble + "\n\n" + current
}

func turnToHistoryEntry(turn Turn) *historyEntry {
	var text string
	var toolUses []toolUseEntry
	for _, part := range turn.Content {
		switch part.Type {
		case "text":
			text += part.Text
		case "tool_use":
			toolUses = append(toolUses, toolUseEntry{ToolUseID: part.ToolUseID, Name: part.ToolName, Input: part.ToolInput})
		}
	}
	if turn.Role == "assistant" {
		return &historyEntry{AssistantResponseMessage: &assistantResponseMessage{Content: text, ToolUses: toolUses}}
	}
	if text == "" && len(toolUses) == 0 {
		return nil
	}
	return &historyEntry{UserInputMessage: &userInputMessage{Content: text}}
}

func toolSpecs(tools []Tool) []toolSpec {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]toolSpec, len(tools))
	for i, t := range tools {
		specs[i].ToolSpecification.Name = t.Name
		specs[i].ToolSpecification.Description = t.Description
		specs[i].ToolSpecification.InputSchema = t.InputSchema
	}
	return specs
}

func lastTurnToolResults(history []Turn) []toolResultEntry {
	if len(history) == 0 {
		return nil
	}
	last := history[len(history)-1]
	if last.Role != "user" {
		return nil
	}
	var results []toolResultEntry
	for _, part := range last.Content {
		if part.Type != "tool_result" {
			continue
		}
		status := "success"
		if part.IsError {
			status = "error"
		}
		results = append(results, toolResultEntry{ToolUseID: part.ToolUseID, Content: part.ToolResultContent, Status: status})
	}
	return results
}

// Send issues the streaming call and returns the response body reader. The
// caller is responsible for closing it and feeding its bytes to a Decoder.
func (c *Client) Send(ctx context.Context, req *Request, id Identity) (io.ReadCloser, error) {
	payload, err := buildRequestBody(req)
	if err != nil {
		return nil, errors.Wrap(err, "build inner request body")
	}

	host := fmt.Sprintf("q.%s.amazonaws.com", id.APIRegion)
	reqURL := fmt.Sprintf("https://%s/generateAssistantResponse", host)
	if c.baseURLOverride != "" {
		reqURL = c.baseURLOverride + "/generateAssistantResponse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-amz-json-1.1")
	httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
	httpReq.Header.Set("X-Amz-Target", "AmazonCodeWhispererService.GenerateAssistantResponse")
	httpReq.Header.Set("Authorization", "Bearer "+id.AccessToken)
	httpReq.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", id.KiroVersion, id.MachineID))
	httpReq.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	httpReq.Header.Set("amz-sdk-request", "attempt=1; max=1")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "generateAssistantResponse request")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: b}
	}
	return resp.Body, nil
}

// StatusError carries a non-2xx HTTP response from the upstream call so the
// dispatcher can classify it without re-parsing headers.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inner api status %d: %s", e.StatusCode, string(e.Body))
}

