// Package aitest provides a scripted model client for tests.
package aitest

import (
	"context"
	"errors"
	"sync"

	"github.com/Richard1990h/KING-V3-sub001/internal/ai"
)

// Reply is one scripted answer. Err takes precedence over Content.
type Reply struct {
	Content string
	Err     error
	Tokens  int
}

// Client answers requests from per-capability queues, falling back to the
// Default reply when a queue is empty. It records every request.
type Client struct {
	mu       sync.Mutex
	queues   map[ai.Capability][]Reply
	Default  Reply
	requests []*ai.Request
}

// New returns an empty scripted client.
func New() *Client {
	return &Client{queues: make(map[ai.Capability][]Reply)}
}

// On queues replies for a capability.
func (c *Client) On(capability ai.Capability, replies ...Reply) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[capability] = append(c.queues[capability], replies...)
	return c
}

// Provider implements ai.Client.
func (c *Client) Provider() ai.Provider { return "scripted" }

// Generate implements ai.Client.
func (c *Client) Generate(ctx context.Context, req *ai.Request) (*ai.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.requests = append(c.requests, req)
	reply := c.Default
	if q := c.queues[req.Capability]; len(q) > 0 {
		reply = q[0]
		c.queues[req.Capability] = q[1:]
	}
	c.mu.Unlock()

	if reply.Err != nil {
		return nil, reply.Err
	}
	if reply.Content == "" && reply.Tokens == 0 {
		return nil, errors.New("aitest: no scripted reply for " + string(req.Capability))
	}
	tokens := reply.Tokens
	return &ai.Response{
		ID:       req.ID,
		Provider: "scripted",
		Content:  reply.Content,
		Usage: ai.Usage{
			PromptTokens:     tokens / 2,
			CompletionTokens: tokens - tokens/2,
			TotalTokens:      tokens,
		},
	}, nil
}

// Requests returns the recorded requests.
func (c *Client) Requests() []*ai.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ai.Request(nil), c.requests...)
}

// Count returns how many requests asked for capability.
func (c *Client) Count(capability ai.Capability) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.requests {
		if r.Capability == capability {
			n++
		}
	}
	return n
}
