package providers

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patchloop/orchestrator/runtime/agent/model"
	"github.com/patchloop/orchestrator/runtime/cost"
)

type stubStreamer struct {
	chunks []model.Chunk
	idx    int
}

func (s *stubStreamer) Recv() (model.Chunk, error) {
	if s.idx >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, nil
}
func (s *stubStreamer) Close() error             { return nil }
func (s *stubStreamer) Metadata() map[string]any { return nil }

type stubClient struct {
	resp    *model.Response
	err     error
	stream  model.Streamer
	sentErr error
}

func (c *stubClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return c.resp, c.err
}
func (c *stubClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return c.stream, c.sentErr
}

func TestCostProxyRecordsUsageOnComplete(t *testing.T) {
	tracker := cost.New(nil)
	proxy := &costProxyClient{
		next:       &stubClient{resp: &model.Response{Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150}}},
		providerID: "p1",
		tracker:    tracker,
	}
	_, err := proxy.Complete(context.Background(), &model.Request{})
	require.NoError(t, err)

	snap := tracker.Snapshot()
	require.Equal(t, 150, snap.ByProvider["p1"].TotalTokens)
}

func TestCostProxyDoesNotRecordOnError(t *testing.T) {
	tracker := cost.New(nil)
	proxy := &costProxyClient{
		next:       &stubClient{err: errors.New("boom")},
		providerID: "p1",
		tracker:    tracker,
	}
	_, err := proxy.Complete(context.Background(), &model.Request{})
	require.Error(t, err)

	snap := tracker.Snapshot()
	_, ok := snap.ByProvider["p1"]
	require.False(t, ok)
}

func TestCostProxyRecordsUsageChunksInStream(t *testing.T) {
	tracker := cost.New(nil)
	proxy := &costProxyClient{
		next: &stubClient{stream: &stubStreamer{chunks: []model.Chunk{
			{Type: model.ChunkTypeText},
			{Type: model.ChunkTypeUsage, UsageDelta: &model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
			{Type: model.ChunkTypeUsage, UsageDelta: &model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
		}}},
		providerID: "p1",
		tracker:    tracker,
	}
	stream, err := proxy.Stream(context.Background(), &model.Request{})
	require.NoError(t, err)

	for {
		_, err := stream.Recv()
		if err != nil {
			break
		}
	}

	snap := tracker.Snapshot()
	require.Equal(t, 30, snap.ByProvider["p1"].TotalTokens)
}
