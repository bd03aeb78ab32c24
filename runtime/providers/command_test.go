package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/agent/model"
)

const commandHelperEnv = "ORCHESTRATOR_COMMAND_HELPER"

// TestCommandHelper is not a real test: it is re-exec'd as the "command"
// model wrapper subprocess by TestCommandClientComplete, following the
// teacher's stdio-caller self-exec test pattern.
func TestCommandHelper(t *testing.T) {
	if os.Getenv(commandHelperEnv) != "1" {
		t.Skip("helper process")
	}
	var req commandRequest
	if err := json.NewDecoder(bufio.NewReader(os.Stdin)).Decode(&req); err != nil {
		os.Exit(1)
	}
	resp := commandResponse{
		Text:       "echo:" + req.Messages[0].Text,
		StopReason: "stop",
		Usage:      commandUsage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5},
	}
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func TestCommandClientComplete(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	client := &commandClient{
		path: self,
		args: []string{"-test.run=TestCommandHelper"},
	}
	req := &model.Request{
		Messages: []*model.Message{{
			Role:  model.ConversationRoleUser,
			Parts: []model.Part{model.TextPart{Text: "hello"}},
		}},
	}

	t.Setenv(commandHelperEnv, "1")
	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	tp, ok := resp.Content[0].Parts[0].(model.TextPart)
	require.True(t, ok)
	require.Equal(t, "echo:hello", tp.Text)
	require.Equal(t, 5, resp.Usage.TotalTokens)
	require.Equal(t, "stop", resp.StopReason)
}

func TestCommandClientRequiresMessages(t *testing.T) {
	client := &commandClient{path: "true"}
	_, err := client.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
}

func TestNewCommandClientRequiresCommand(t *testing.T) {
	_, err := newCommandClient(nil)
	require.Error(t, err)
}

func TestCommandClientStreamUnsupported(t *testing.T) {
	client := &commandClient{path: "true"}
	_, err := client.Stream(context.Background(), &model.Request{})
	require.ErrorIs(t, err, model.ErrStreamingUnsupported)
}
