// Package tcp is the concrete transport.Transport over net.Conn: one
// reader goroutine per connection accumulates inbound bytes into a
// chunkbuffer.Buffer and hands every complete frame to the bound
// Handler, while Send serializes writes behind a mutex so concurrent
// callers never interleave two frames on the wire.
package tcp

import (
	"io"
	"net"
	"sync"

	"github.com/ruifig/rpcgo/chunkbuffer"
	"github.com/ruifig/rpcgo/internal/concurrency"
	"github.com/ruifig/rpcgo/pkg/rpclog"
	"github.com/ruifig/rpcgo/transport"
	"github.com/ruifig/rpcgo/wire"
)

const readChunkSize = 4096

// Socket wraps a single net.Conn (almost always a *net.TCPConn) as a
// transport.Transport. Call Serve once a Handler is ready to receive
// frames; Serve blocks until the connection is closed or its read loop
// errors, and calls handler.OnDisconnected exactly once before returning.
type Socket struct {
	conn net.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool

	// inFlight tracks outstanding Send calls, the Go stand-in for the
	// original's count of pending async send operations: Close waits for
	// it to quiesce instead of closing the socket out from under a write
	// still in progress.
	inFlight *concurrency.ZeroSemaphore
}

// NewSocket wraps an already-established connection.
func NewSocket(conn net.Conn) *Socket {
	return &Socket{conn: conn, inFlight: concurrency.NewZeroSemaphore()}
}

var _ transport.Transport = (*Socket)(nil)

// Send writes one complete frame to the connection. Concurrent callers
// are serialized so a frame is never split by an interleaved write.
func (s *Socket) Send(frame []byte) error {
	s.inFlight.Increment()
	defer s.inFlight.Decrement()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// Close tears down the underlying connection. It is safe to call more
// than once, and safe to call concurrently with Serve's read loop, which
// it unblocks by making conn.Read return an error. It waits for any Send
// already in progress to finish before returning, so a caller never
// observes Close returning while a write against the now-dead conn is
// still unwinding.
func (s *Socket) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.conn.Close()
	s.inFlight.Wait()
	return err
}

// RemoteAddr reports the address of the peer, for logging and for a
// Server's connection listing.
func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Conn exposes the underlying net.Conn, for code that needs the raw
// socket (such as registering it with a StatsCollector) rather than just
// the transport.Transport surface.
func (s *Socket) Conn() net.Conn {
	return s.conn
}

// Serve runs the read loop against handler until the connection fails or
// is closed. It reassembles complete frames out of arbitrarily-fragmented
// reads and dispatches each one, in order, to handler.OnReceivedData.
func (s *Socket) Serve(handler transport.Handler) {
	buf := chunkbuffer.New(0)
	chunk := make([]byte, readChunkSize)

	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				bodyLen, ok := wire.HasFullFrame(buf)
				if !ok {
					break
				}
				frame := make([]byte, wire.LengthPrefixSize+bodyLen)
				if readErr := buf.Read(frame); readErr != nil {
					// HasFullFrame already confirmed this many bytes are
					// buffered; a failure here means chunkbuffer itself is
					// broken, not a transport condition.
					panic(readErr)
				}
				handler.OnReceivedData(frame)
			}
		}
		if err != nil {
			logReadError(s.RemoteAddr(), err)
			s.Close()
			if err == io.EOF {
				err = nil
			}
			handler.OnDisconnected(err)
			return
		}
	}
}

func logReadError(remote string, err error) {
	if err != io.EOF {
		rpclog.Debugf("tcp: read from %s failed: %v", remote, err)
	}
}
