package feed

import (
	"context"

	"chartpipe/internal/model"
)

// Transport opens duplex connections to a price source.
type Transport interface {
	// Dial connects and completes the handshake. It must honour ctx
	// cancellation and deadline.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live connection.
//
// ReadFrame is only called from a single goroutine, as is WriteFrame.
// Close may be called concurrently with both and must unblock ReadFrame.
type Conn interface {
	// ReadFrame blocks until the next data frame arrives.
	ReadFrame() ([]byte, error)

	// WriteFrame sends a control frame upstream.
	WriteFrame(ctx context.Context, f model.ControlFrame) error

	Close() error
}
