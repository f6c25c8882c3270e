// Package rpc binds a transport.Transport, a rpctable.Table and an
// application's handler object together into a Connection: the thing an
// application actually calls RPCs through. It also implements Server, the
// accept-side counterpart that owns a set of such connections.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/ruifig/rpcgo/anyvalue"
	"github.com/ruifig/rpcgo/chunkbuffer"
	"github.com/ruifig/rpcgo/future"
	"github.com/ruifig/rpcgo/internal/concurrency"
	"github.com/ruifig/rpcgo/internal/inproc"
	"github.com/ruifig/rpcgo/internal/outproc"
	"github.com/ruifig/rpcgo/pkg/rpclog"
	"github.com/ruifig/rpcgo/rpctable"
	"github.com/ruifig/rpcgo/transport"
	"github.com/ruifig/rpcgo/wire"
)

// connStack tracks, per dispatch, which Connection is currently invoking
// into a handler method, so that method can call back out on it (the
// bidirectional / reverse-RPC scenario) without an explicit parameter.
var connStack = concurrency.Callstack[*Connection]{}

// ConnectionFromContext recovers the Connection that is currently
// dispatching the call a handler method is running inside of. It only
// succeeds when called from inside that method's own call stack (directly,
// or through something it calls synchronously); ctx must be the one the
// method itself received.
func ConnectionFromContext(ctx context.Context) (*Connection, bool) {
	return connStack.Top(ctx)
}

var _ transport.Handler = (*Connection)(nil)

// Connection pairs an out-processor (caller side) and an in-processor
// (callee side) over one transport. It implements transport.Handler, so a
// transport.Transport drives it directly: every reassembled frame reaches
// OnReceivedData, and the transport's own demise reaches OnDisconnected
// exactly once.
type Connection struct {
	id    xid.ID
	tr    transport.Transport
	table *rpctable.Table
	out   *outproc.OutProcessor
	in    *inproc.InProcessor

	mu                sync.Mutex
	connected         bool
	userData          any
	onDisconnected    func(error)
	exceptionCallback func(error)

	timersOnce sync.Once
	timers     *concurrency.TimerQueue
}

// NewConnection wires tr to a fresh out-processor/in-processor pair
// dispatching against target's methods, as registered in table. target is
// typically the same value (or same type) the table was built from.
func NewConnection(tr transport.Transport, table *rpctable.Table, target any) *Connection {
	c := &Connection{
		id:        xid.New(),
		tr:        tr,
		table:     table,
		connected: true,
	}
	c.out = outproc.New(tr)
	c.in = inproc.New(table, target, tr)
	c.out.SetExceptionHandler(func(err error) {
		c.mu.Lock()
		cb := c.exceptionCallback
		c.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	})
	return c
}

// SetExceptionCallback installs the callback invoked for a reply
// exception the out-processor cannot route to any pending future: a void
// (or error-only) method's failure, which has no caller-visible future of
// its own to carry the error.
func (c *Connection) SetExceptionCallback(fn func(err error)) {
	c.mu.Lock()
	c.exceptionCallback = fn
	c.mu.Unlock()
}

// SetOnDisconnected installs the callback invoked exactly once on the
// connected→disconnected transition.
func (c *Connection) SetOnDisconnected(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

// SetUserData attaches an application-defined value to the connection,
// retrievable later with UserData (typically from a Server's
// IterateClients/FindUserData).
func (c *Connection) SetUserData(v any) {
	c.mu.Lock()
	c.userData = v
	c.mu.Unlock()
}

// UserData returns whatever was last passed to SetUserData, or nil.
func (c *Connection) UserData() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData
}

// ID returns the globally-unique identifier assigned to this connection
// when it was created, for correlating log lines and metrics across a
// process with many concurrent connections.
func (c *Connection) ID() string { return c.id.String() }

// RemoteAddr reports the address of the peer this connection talks to.
func (c *Connection) RemoteAddr() string { return c.tr.RemoteAddr() }

// Connected reports whether the connected→disconnected transition has not
// yet happened.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears down the underlying transport, which in turn drives
// OnDisconnected once its read loop notices.
func (c *Connection) Close() error {
	return c.tr.Close()
}

// OnReceivedData decodes one complete frame and routes it: a reply goes to
// the out-processor to settle the matching call's future; a request is
// dispatched through the in-processor with a context carrying this
// Connection, so a handler method that takes a leading context.Context
// parameter can recover it via ConnectionFromContext and issue a reverse
// call of its own.
func (c *Connection) OnReceivedData(frame []byte) {
	buf := chunkbuffer.New(0)
	buf.Write(frame)
	h, body, err := wire.ReadFrame(buf)
	if err != nil {
		rpclog.Errorf("rpc: [%s] %s sent a malformed frame: %v", c.id, c.RemoteAddr(), err)
		return
	}

	if h.IsReply {
		c.out.OnIncomingReply(h, body)
		return
	}

	ctx := connStack.Push(context.Background(), c)
	c.in.OnIncoming(ctx, h, body)
}

// OnDisconnected runs the connected→disconnected transition exactly once:
// it flips the connected flag, invokes the disconnect callback, then shuts
// down the out-processor so every call still awaiting a reply resolves to
// outproc.ErrDisconnected, and closes the in-processor so any reply that
// settles afterwards is dropped instead of written to a dead transport.
func (c *Connection) OnDisconnected(err error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	cb := c.onDisconnected
	c.mu.Unlock()

	if cb != nil {
		cb(err)
	}
	c.out.Shutdown()
	c.in.Close()

	c.mu.Lock()
	timers := c.timers
	c.mu.Unlock()
	if timers != nil {
		timers.Close()
	}
}

// timerQueue lazily starts this connection's TimerQueue on first use, so a
// connection that never calls CallWithTimeout never pays for the
// background goroutine.
func (c *Connection) timerQueue() *concurrency.TimerQueue {
	c.timersOnce.Do(func() {
		c.mu.Lock()
		c.timers = concurrency.NewTimerQueue()
		c.mu.Unlock()
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers
}

// Call invokes the registered method named methodName over c using the
// fast typed path, encoding args positionally against the method's
// registered parameter types. R must match the method's declared return
// type (or be struct{} for a method with no return value). The returned
// future settles with the decoded return value, or with the error the
// method reported, or with outproc.ErrDisconnected if c disconnects first.
func Call[R any](c *Connection, methodName string, args ...any) future.Future[R] {
	desc := c.table.ByName(methodName)
	if desc == nil {
		return future.Failed[R](fmt.Errorf("rpc: %s is not a registered method", methodName))
	}
	body, err := desc.EncodeParams(args...)
	if err != nil {
		return future.Failed[R](err)
	}
	replyFt, err := c.out.Call(desc.RPCID, body, desc.HasReturnValue)
	if err != nil {
		return future.Failed[R](err)
	}

	pr, ft := future.NewPromise[R]()
	replyFt.OnReady(func(v any, err error) {
		defer pr.Release()
		if err != nil {
			pr.Reject(err)
			return
		}
		reply := v.(outproc.Reply)
		if !reply.Success {
			pr.Reject(errors.New(decodeErrorMessage(reply.Body)))
			return
		}
		if !desc.HasReturnValue {
			var zero R
			pr.Resolve(zero)
			return
		}
		ret, decErr := desc.DecodeReturn(reply.Body)
		if decErr != nil {
			pr.Reject(decErr)
			return
		}
		typed, ok := ret.(R)
		if !ok {
			pr.Reject(fmt.Errorf("rpc: %s returned %T, expected it to be used as %T", methodName, ret, typed))
			return
		}
		pr.Resolve(typed)
	})
	return ft
}

// CallGeneric invokes methodName by name, without the caller statically
// binding to the callee's interface. args are boxed as anyvalue.Values;
// the reply comes back the same way, regardless of the method's actual
// static return type.
func CallGeneric(c *Connection, methodName string, args ...anyvalue.Value) future.Future[anyvalue.Value] {
	replyFt, err := c.out.CallGeneric(methodName, args)
	if err != nil {
		return future.Failed[anyvalue.Value](err)
	}

	pr, ft := future.NewPromise[anyvalue.Value]()
	replyFt.OnReady(func(v any, err error) {
		defer pr.Release()
		if err != nil {
			pr.Reject(err)
			return
		}
		reply := v.(outproc.Reply)
		if !reply.Success {
			pr.Reject(errors.New(decodeErrorMessage(reply.Body)))
			return
		}
		buf := chunkbuffer.New(0)
		buf.Write(reply.Body)
		av, decErr := wire.ReadAny(buf)
		if decErr != nil {
			pr.Reject(decErr)
			return
		}
		pr.Resolve(av)
	})
	return ft
}

// ErrCallTimedOut is the error a CallWithTimeout future resolves to when
// its deadline elapses before a reply (or disconnect) settles it.
var ErrCallTimedOut = errors.New("rpc: call timed out")

// CallWithTimeout behaves like Call, except the returned future also
// settles with ErrCallTimedOut if no reply (success, failure, or
// disconnect) arrives within d. The underlying call is not cancelled on
// the wire — a late reply is simply ignored, matching the out-processor's
// map-keyed-by-counter correlation, which has no notion of withdrawing a
// key once allocated.
func CallWithTimeout[R any](c *Connection, d time.Duration, methodName string, args ...any) future.Future[R] {
	inner := Call[R](c, methodName, args...)
	pr, ft := future.NewPromise[R]()

	var once sync.Once
	settle := func(v R, err error) {
		once.Do(func() {
			defer pr.Release()
			if err != nil {
				pr.Reject(err)
				return
			}
			pr.Resolve(v)
		})
	}

	timerID := c.timerQueue().Add(d, func(aborted bool) {
		if aborted {
			return
		}
		var zero R
		settle(zero, ErrCallTimedOut)
	})

	inner.OnReady(func(v any, err error) {
		c.timerQueue().Cancel(timerID)
		if err != nil {
			var zero R
			settle(zero, err)
			return
		}
		settle(v.(R), nil)
	})

	return ft
}

func decodeErrorMessage(body []byte) string {
	buf := chunkbuffer.New(0)
	buf.Write(body)
	msg, err := wire.ReadString(buf)
	if err != nil {
		return "rpc: malformed error reply"
	}
	return msg
}
