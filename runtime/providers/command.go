package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/patchloop/orchestrator/runtime/agent/model"
	"github.com/patchloop/orchestrator/runtime/agent/tools"
)

// commandClient implements model.Client by spawning a local CLI model
// wrapper once per call, per spec.md §3's `command` provider type. The
// wrapper is invoked with the encoded request on stdin and is expected to
// write a single commandResponse as JSON to stdout before exiting; this
// mirrors the single-shot subprocess invocation the teacher's MCP stdio
// caller (features/mcp/runtime/stdiocaller.go) uses for tool calls, minus
// the persistent JSON-RPC session that a one-shot CLI wrapper doesn't need.
type commandClient struct {
	path string
	args []string
}

// commandRequest is the wire shape written to the subprocess's stdin.
type commandRequest struct {
	Model       string           `json:"model,omitempty"`
	Messages    []commandMessage `json:"messages"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"maxTokens,omitempty"`
}

type commandMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// commandResponse is the wire shape expected on the subprocess's stdout.
type commandResponse struct {
	Text       string            `json:"text"`
	ToolCalls  []commandToolCall `json:"toolCalls,omitempty"`
	StopReason string            `json:"stopReason,omitempty"`
	Usage      commandUsage      `json:"usage,omitempty"`
}

type commandToolCall struct {
	Name    string          `json:"name"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type commandUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

func newCommandClient(command []string) (*commandClient, error) {
	if len(command) == 0 {
		return nil, errors.New("command provider requires a non-empty command")
	}
	return &commandClient{path: command[0], args: command[1:]}, nil
}

func (c *commandClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	payload, err := json.Marshal(encodeCommandRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode command request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("command model %q: %w: %s", c.path, err, strings.TrimSpace(stderr.String()))
	}

	var wire commandResponse
	if err := json.Unmarshal(stdout.Bytes(), &wire); err != nil {
		return nil, fmt.Errorf("decode command response from %q: %w", c.path, err)
	}
	return decodeCommandResponse(wire), nil
}

// Stream is not supported by the command adapter; wrappers are invoked once
// per call and have no notion of incremental chunks.
func (c *commandClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func encodeCommandRequest(req *model.Request) commandRequest {
	out := commandRequest{Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		var text strings.Builder
		for _, part := range msg.Parts {
			if tp, ok := part.(model.TextPart); ok {
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(tp.Text)
			}
		}
		out.Messages = append(out.Messages, commandMessage{Role: string(msg.Role), Text: text.String()})
	}
	return out
}

func decodeCommandResponse(wire commandResponse) *model.Response {
	resp := &model.Response{
		Content: []model.Message{{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: wire.Text}},
		}},
		StopReason: wire.StopReason,
		Usage: model.TokenUsage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			TotalTokens:  wire.Usage.TotalTokens,
		},
	}
	for _, tc := range wire.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
			Name:    tools.Ident(tc.Name),
			ID:      tc.ID,
			Payload: tc.Payload,
		})
	}
	return resp
}
