package service

import (
	"context"

	"github.com/nwfabric/dpb/pkg/dpb"
)

// Client is the per-subservice adapter inside a Service: it holds the
// subservice handle, forwards
// status callbacks to the owning Service, and remembers the last status it
// reported so the Service's counters can be updated incrementally rather
// than recomputed from scratch on every event.
type Client struct {
	Network string
	sub     dpb.InferiorService

	svc        *Service
	lastStatus dpb.Status
}

// NewStatus implements dpb.Listener. It runs on the calling subservice's
// own callback thread; serialisation is established by locking the owning
// Service, not by this adapter.
func (c *Client) NewStatus(ctx context.Context, status dpb.Status) {
	c.svc.onClientStatus(ctx, c, status)
}

func (c *Client) ID() string { return c.sub.ID() }
