package kiro

import (
	"encoding/json"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"

	"github.com/kirobridge/kirobridge/outer"
)

// ErrUnknownModel is returned by ResolveModel when the outer model name
// matches none of the known substrings (§4.5 "Model mapping").
var ErrUnknownModel = errors.New("UnknownModel")

// ResolveModel case-insensitively substring-matches the outer model name
// against the known model families and returns the Inner model id.
func ResolveModel(outerModel string) (string, error) {
	lower := strings.ToLower(outerModel)
	switch {
	case strings.Contains(lower, "sonnet"):
		return "claude-sonnet-4.5", nil
	case strings.Contains(lower, "opus"):
		return "claude-opus-4.5", nil
	case strings.Contains(lower, "haiku"):
		return "claude-haiku-4.5", nil
	default:
		return "", errors.Wrapf(ErrUnknownModel, "model %q", outerModel)
	}
}

// ContentPart is one element of an Inner turn's ordered content (text,
// tool_use, or tool_result), per §3's "ordered content parts".
type ContentPart struct {
	Type string

	Text string

	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage

	ToolResultContent string
	IsError           bool
}

// Turn is one prior message in the Inner request's history list.
type Turn struct {
	Role    string
	Content []ContentPart
}

// Tool is one entry of the Inner request's tool specifications, in the
// upstream's own schema shape.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is the Inner API request shape C5 builds from an Outer request
// (§3 "Inner request").
type Request struct {
	ConversationID string
	ModelID        string

	// CurrentText is the last user message's plain text, the "current
	// prompt" per §4.5 "Conversation shaping".
	CurrentText string

	// History holds every message preceding the last user message.
	History []Turn

	// Preamble is every system block concatenated into a single string.
	Preamble string

	ProfileArn string
	Tools      []Tool
	Thinking   *outer.ThinkingConfig
}

// Build converts an already-validated Outer request into an Inner request.
// profileArn, when non-empty, is carried through from the serving
// credential.
func Build(req *outer.Request, profileArn string) (*Request, error) {
	modelID, err := ResolveModel(req.Model)
	if err != nil {
		return nil, err
	}

	systemBlocks, err := req.ParseSystem()
	if err != nil {
		return nil, err
	}
	var preambleParts []string
	for _, b := range systemBlocks {
		preambleParts = append(preambleParts, b.Text)
	}

	lastUserIdx := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx == -1 {
		return nil, errors.New("no user message found")
	}

	currentText, err := plainText(req.Messages[lastUserIdx])
	if err != nil {
		return nil, err
	}

	history := make([]Turn, 0, len(req.Messages)-1)
	for i, m := range req.Messages {
		if i == lastUserIdx {
			continue
		}
		parts, err := toContentParts(m)
		if err != nil {
			return nil, err
		}
		history = append(history, Turn{Role: m.Role, Content: parts})
	}

	tools := make([]Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		if t.IsWebSearch() {
			continue // §4.5 "Tool filtering"
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	return &Request{
		ConversationID: uuid.NewString(),
		ModelID:        modelID,
		CurrentText:    currentText,
		History:        history,
		Preamble:       strings.Join(preambleParts, "\n"),
		ProfileArn:     profileArn,
		Tools:          tools,
		Thinking:       req.Thinking,
	}, nil
}

// plainText extracts the text of a message for use as the "current
// prompt": concatenates every text block, ignoring non-text blocks.
func plainText(m outer.Message) (string, error) {
	blocks, err := m.ParseContent()
	if err != nil {
		return "", err
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, ""), nil
}

func toContentParts(m outer.Message) ([]ContentPart, error) {
	blocks, err := m.ParseContent()
	if err != nil {
		return nil, err
	}

	parts := make([]ContentPart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, ContentPart{Type: "text", Text: b.Text})
		case "tool_use":
			parts = append(parts, ContentPart{
				Type:      "tool_use",
				ToolUseID: b.ID,
				ToolName:  b.Name,
				ToolInput: b.Input,
			})
		case "tool_result":
			parts = append(parts, ContentPart{
				Type:              "tool_result",
				ToolUseID:         b.ToolUseID,
				ToolResultContent: toolResultText(b.Content),
				IsError:           b.IsError,
			})
		default:
			// image and any future block types are dropped; the Inner API
			// has no slot for them.
		}
	}
	return parts, nil
}

// toolResultText flattens a tool_result content field, which may be a
// plain string or an array of text blocks, into a single string.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var blocks []outer.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "")
	}

	return ""
}
