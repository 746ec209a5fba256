// Package transport defines the message-channel contract shared by the user
// side and the upstream side of a session, plus the WebSocket adapter used by
// both. Messages are arbitrary structured values (maps, slices, strings,
// binary); adapters serialize on the wire and deserialize on the way back.
package transport

import (
	"context"
	"errors"
)

// ErrClosedOK signals a graceful peer close observed on Receive. Relay pumps
// treat it as end-of-stream, not as a transport failure.
var ErrClosedOK = errors.New("connection closed cleanly")

// Port is the abstract bidirectional message channel a session drives.
// All four operations may block and honor context cancellation.
// Implementations must treat Accept as idempotent.
type Port interface {
	Accept(ctx context.Context) error
	Send(ctx context.Context, message any) error
	Receive(ctx context.Context) (any, error)
	Close(ctx context.Context) error
}

// Client wraps a Port with a label for logging and diagnostics.
type Client struct {
	port  Port
	Label string
}

// NewClient wraps the given port. An empty label defaults to "remote".
func NewClient(port Port, label string) *Client {
	if label == "" {
		label = "remote"
	}
	return &Client{port: port, Label: label}
}

// Port returns the wrapped port.
func (c *Client) Port() Port { return c.port }

// Accept delegates to the wrapped port.
func (c *Client) Accept(ctx context.Context) error { return c.port.Accept(ctx) }

// Send delegates to the wrapped port.
func (c *Client) Send(ctx context.Context, message any) error { return c.port.Send(ctx, message) }

// Receive delegates to the wrapped port.
func (c *Client) Receive(ctx context.Context) (any, error) { return c.port.Receive(ctx) }

// Close delegates to the wrapped port.
func (c *Client) Close(ctx context.Context) error { return c.port.Close(ctx) }
