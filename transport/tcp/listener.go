package tcp

import (
	"net"

	"github.com/ruifig/rpcgo/pkg/rpclog"
	"github.com/ruifig/rpcgo/transport"
)

// HandlerFactory builds the Handler that will receive frames from a newly
// accepted connection. It is called once per accepted connection, after
// the Socket itself exists, so the factory can bind the Handler back to
// its Socket (e.g. to reply over the same transport).
type HandlerFactory func(s *Socket) transport.Handler

// Listener accepts inbound TCP connections and runs each one's Socket.Serve
// loop on its own goroutine, grounded on the accept-loop-plus-per-connection-
// goroutine shape common to Go network servers.
type Listener struct {
	ln      net.Listener
	newConn HandlerFactory
}

// Listen binds addr (e.g. ":7777") and returns a Listener ready to Serve.
func Listen(addr string, newConn HandlerFactory) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, newConn: newConn}, nil
}

// Addr reports the address the listener is bound to.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections. Connections already accepted are
// unaffected.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve runs the accept loop until the listener is closed. Each accepted
// connection gets its own Socket and its own Serve goroutine.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		s := NewSocket(conn)
		h := l.newConn(s)
		rpclog.Debugf("tcp: accepted connection from %s", s.RemoteAddr())
		go s.Serve(h)
	}
}

// Dial connects to addr and returns a Socket ready to have Serve called
// against it once the caller's Handler exists.
func Dial(addr string) (*Socket, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewSocket(conn), nil
}
