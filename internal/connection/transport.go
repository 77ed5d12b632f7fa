package connection

import "context"

// Sink receives lifecycle events and frames from a Transport.
// Calls are made from a single goroutine, in order.
type Sink interface {
	TransportConnecting()
	TransportConnected()
	TransportDisconnected(reason error)
	TransportFrame(envelope Envelope)
}

// Transport is a bidirectional event channel that owns its own reconnection policy.
type Transport interface {
	// Run connects and keeps reconnecting until ctx is done.
	Run(ctx context.Context, sink Sink) error
	// Send writes one frame; it fails with ErrNotConnected while the channel is down.
	Send(ctx context.Context, envelope Envelope) error
}
