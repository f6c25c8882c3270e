// Package transport defines the boundary between a Connection and
// whatever moves bytes between two endpoints. The only implementation in
// this module is transport/tcp, but a connection is built against this
// interface so nothing above it depends on sockets directly.
package transport

// Transport is the downward-facing contract a Connection drives: push
// one already-framed message, and tear the channel down. Every Send call
// emits exactly one length-prefixed frame; a Transport must not coalesce
// or split frames.
type Transport interface {
	Send(frame []byte) error
	Close() error
	RemoteAddr() string
}

// Handler is the upward-facing contract a Transport drives: one call per
// complete, reassembled frame, and exactly one disconnect notification
// for the lifetime of the channel.
type Handler interface {
	OnReceivedData(frame []byte)
	OnDisconnected(err error)
}
