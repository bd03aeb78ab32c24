package providers

import (
	"context"

	"github.com/patchloop/orchestrator/runtime/agent/model"
	"github.com/patchloop/orchestrator/runtime/cost"
)

// costProxyClient wraps a model.Client so every completed call and every
// usage chunk seen in a stream is recorded against the shared cost.Tracker
// under providerID, per spec.md §4.E: "wrapped in a cost-proxy that
// intercepts generate and any streaming events".
type costProxyClient struct {
	next       model.Client
	providerID string
	tracker    *cost.Tracker
}

func (c *costProxyClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	c.tracker.Observe(c.providerID, resp.Usage)
	return resp, nil
}

func (c *costProxyClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	stream, err := c.next.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &costObservingStreamer{next: stream, providerID: c.providerID, tracker: c.tracker}, nil
}

// costObservingStreamer records each ChunkTypeUsage delta it forwards.
type costObservingStreamer struct {
	next       model.Streamer
	providerID string
	tracker    *cost.Tracker
}

func (s *costObservingStreamer) Recv() (model.Chunk, error) {
	chunk, err := s.next.Recv()
	if err != nil {
		return chunk, err
	}
	if chunk.Type == model.ChunkTypeUsage && chunk.UsageDelta != nil {
		s.tracker.Observe(s.providerID, *chunk.UsageDelta)
	}
	return chunk, nil
}

func (s *costObservingStreamer) Close() error { return s.next.Close() }

func (s *costObservingStreamer) Metadata() map[string]any { return s.next.Metadata() }
