package rpc

import (
	"fmt"
	"sync"

	"github.com/ruifig/rpcgo/internal/concurrency"
	"github.com/ruifig/rpcgo/pkg/rpclog"
	"github.com/ruifig/rpcgo/rpctable"
	"github.com/ruifig/rpcgo/transport"
	"github.com/ruifig/rpcgo/transport/tcp"
)

// TargetFactory builds the handler object a freshly accepted connection
// dispatches incoming calls against. It is called once per connection, so
// each client gets its own instance (e.g. its own session state) rather
// than sharing one target across every connection.
type TargetFactory func() any

// Server accepts TCP connections, wraps each one in a Connection bound to
// a freshly built target, and keeps the resulting connections keyed by
// their transport so it can enumerate, find, or forcibly disconnect them.
type Server struct {
	table     *rpctable.Table
	newTarget TargetFactory
	listener  *tcp.Listener
	onConnect func(*Connection)
	onLeave   func(*Connection, error)

	// notify, when set, receives the onConnect/onLeave callback closures
	// instead of having them invoked directly on the accept/read goroutine,
	// for an application that wants connection lifecycle notifications
	// handled on its own worker pump rather than an I/O goroutine.
	notify *concurrency.WorkQueue

	// admission, when set, bounds how many clients may be connected at
	// once: acceptSocket rejects anything beyond that by closing the
	// socket immediately instead of constructing a Connection for it.
	admission *concurrency.Semaphore

	// stats, when set, has every accepted connection's net.Conn registered
	// with it (and removed again on disconnect), so it can be exposed to a
	// prometheus registry for live TCP_INFO metrics per connection.
	stats *tcp.StatsCollector

	mu     sync.Mutex
	conns  map[transport.Transport]*Connection
	closed bool
}

// NewServer creates a Server that will dispatch accepted connections
// against table, building a fresh target with newTarget for each one.
func NewServer(table *rpctable.Table, newTarget TargetFactory) *Server {
	return &Server{
		table:     table,
		newTarget: newTarget,
		conns:     make(map[transport.Transport]*Connection),
	}
}

// SetOnConnected installs a callback run once a newly accepted
// connection's Connection has been constructed and registered, but before
// any frames are dispatched on it.
func (s *Server) SetOnConnected(fn func(c *Connection)) { s.onConnect = fn }

// SetOnDisconnected installs a callback run once per connection, when it
// leaves the server's client set.
func (s *Server) SetOnDisconnected(fn func(c *Connection, err error)) { s.onLeave = fn }

// SetNotificationQueue routes SetOnConnected/SetOnDisconnected callbacks
// through q instead of calling them inline from the accept loop or a
// connection's read goroutine. The caller owns draining q (e.g. from its
// own event loop via q.Run()); the server never spawns a goroutine to do
// it.
func (s *Server) SetNotificationQueue(q *concurrency.WorkQueue) {
	s.mu.Lock()
	s.notify = q
	s.mu.Unlock()
}

// SetMaxConnections bounds how many clients may be connected
// simultaneously. A connection accepted beyond that limit is closed
// immediately, before a Connection or target is ever constructed for it.
// Pass 0 to remove the limit.
func (s *Server) SetMaxConnections(n int) {
	s.mu.Lock()
	if n <= 0 {
		s.admission = nil
	} else {
		s.admission = concurrency.NewSemaphore(n)
	}
	s.mu.Unlock()
}

// SetStatsCollector registers c as the destination for per-connection
// TCP_INFO metrics: every connection this server accepts from now on is
// added to c on connect and removed from it on disconnect, labeled with
// the connection's ID and remote address.
func (s *Server) SetStatsCollector(c *tcp.StatsCollector) {
	s.mu.Lock()
	s.stats = c
	s.mu.Unlock()
}

func (s *Server) notifyOrRun(fn func()) {
	s.mu.Lock()
	q := s.notify
	s.mu.Unlock()
	if q != nil {
		q.Push(fn)
		return
	}
	fn()
}

// ListenAndServe binds addr and runs the accept loop until the listener is
// closed (by Shutdown, or by some other failure), accepting one
// connection per client and handing each its own goroutine.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := tcp.Listen(addr, s.acceptSocket)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.listener = ln
	s.mu.Unlock()
	return ln.Serve()
}

// Addr reports the address the server is listening on, or the empty
// string before ListenAndServe has bound one.
func (s *Server) Addr() string {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

func (s *Server) acceptSocket(sock *tcp.Socket) transport.Handler {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sock.Close()
		return rejectingHandler{}
	}
	admission := s.admission
	s.mu.Unlock()
	if admission != nil && !admission.TryWait() {
		sock.Close()
		return rejectingHandler{}
	}

	target := s.newTarget()
	conn := NewConnection(sock, s.table, target)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if admission != nil {
			admission.Notify()
		}
		sock.Close()
		return rejectingHandler{}
	}
	s.conns[sock] = conn
	stats := s.stats
	s.mu.Unlock()

	if stats != nil {
		if err := stats.Add(sock.Conn(), conn.ID(), conn.RemoteAddr()); err != nil {
			rpclog.Debugf("rpc: could not register %s with the stats collector: %v", conn.RemoteAddr(), err)
		}
	}

	conn.SetOnDisconnected(func(err error) {
		s.mu.Lock()
		delete(s.conns, sock)
		s.mu.Unlock()
		if admission != nil {
			admission.Notify()
		}
		if stats != nil {
			stats.Remove(sock.Conn())
		}
		if s.onLeave != nil {
			s.notifyOrRun(func() { s.onLeave(conn, err) })
		}
	})

	if s.onConnect != nil {
		s.notifyOrRun(func() { s.onConnect(conn) })
	}
	return conn
}

// rejectingHandler is handed back for a connection the admission limit
// turned away: its socket is already closed, so Serve will call
// OnDisconnected on it once and never OnReceivedData.
type rejectingHandler struct{}

func (rejectingHandler) OnReceivedData(frame []byte) {}
func (rejectingHandler) OnDisconnected(err error)    {}

// IterateClients calls fn once for every currently connected client, in an
// unspecified order, stopping early if fn returns false. The snapshot is
// taken under lock but fn itself runs outside it, so fn may safely call
// back into the server (e.g. DisconnectClient).
func (s *Server) IterateClients(fn func(c *Connection) bool) {
	for _, c := range s.snapshotConns() {
		if !fn(c) {
			return
		}
	}
}

// FindUserData scans connected clients for one whose UserData is a T
// satisfying pred, returning it and true on the first match.
func FindUserData[T any](s *Server, pred func(T) bool) (T, bool) {
	var found T
	var ok bool
	s.IterateClients(func(c *Connection) bool {
		v, isT := c.UserData().(T)
		if isT && pred(v) {
			found, ok = v, true
			return false
		}
		return true
	})
	return found, ok
}

// DisconnectClient force-closes one connected client's transport, driving
// its OnDisconnected callback and removing it from the server's set.
func (s *Server) DisconnectClient(c *Connection) error {
	s.mu.Lock()
	_, known := s.conns[c.tr]
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("rpc: connection is not owned by this server")
	}
	return c.Close()
}

// ClientCount reports how many clients are currently connected.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting new connections and force-disconnects every
// client currently connected. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range s.snapshotConns() {
		c.Close()
	}
	return err
}

// snapshotConns returns a point-in-time copy of the currently connected
// clients, safe to range over after releasing the lock.
func (s *Server) snapshotConns() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}
