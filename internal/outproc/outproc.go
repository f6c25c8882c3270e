// Package outproc implements the out-processor: the caller side of a
// connection. It allocates the (rpcid, counter) key for every call it
// sends, keeps a pending-reply map keyed by that pair, and settles the
// matching future when OnIncomingReply delivers the answer.
//
// The design mirrors a classic multiplexed RPC client transport: one
// sender may have many calls in flight on the same connection, a
// background read loop (owned by the caller of this package, not by
// outproc itself) decodes replies and routes them back by sequence
// number, and a broken connection resolves every outstanding call rather
// than leaving it to hang forever.
package outproc

import (
	"errors"
	"sync"

	"github.com/ruifig/rpcgo/anyvalue"
	"github.com/ruifig/rpcgo/chunkbuffer"
	"github.com/ruifig/rpcgo/future"
	"github.com/ruifig/rpcgo/wire"
)

// ErrDisconnected is the error every in-flight call resolves to once
// Shutdown runs.
var ErrDisconnected = errors.New("outproc: connection closed with call in flight")

// ErrTooManyInFlightCalls is returned instead of silently reusing or
// overwriting a still-pending counter value: the source's 22-bit counter
// wraps with no documented collision handling, so this processor detects
// and rejects the overflow rather than risk routing a reply to the wrong
// caller.
var ErrTooManyInFlightCalls = errors.New("outproc: too many in-flight calls for this rpcid")

// Reply is what a settled call future carries: whether the callee
// reported success, and the still wire-encoded return value (or, on
// failure, the wire-encoded error message) ready for the caller's
// descriptor to decode.
type Reply struct {
	Success bool
	Body    []byte
}

// Sender is the narrow part of a transport the out-processor needs: a
// way to push one already-framed outgoing buffer.
type Sender interface {
	Send(frame []byte) error
}

type pendingCall struct {
	promise future.Promise[Reply]
}

// ExceptionHandler is invoked for a failure reply the out-processor
// cannot match to any pending call: a void method (or one whose only
// return is error) has no future for its caller to observe, so its
// failure is surfaced here instead.
type ExceptionHandler func(err error)

// OutProcessor is safe for concurrent use: many goroutines may call Call
// (or CallGeneric) at once, and OnIncomingReply runs concurrently with
// them from the connection's read loop.
type OutProcessor struct {
	sender           Sender
	exceptionHandler ExceptionHandler

	mu      sync.Mutex
	counter uint32
	pending map[uint32]*pendingCall
}

// New creates an OutProcessor that writes outgoing frames through sender.
func New(sender Sender) *OutProcessor {
	return &OutProcessor{
		sender:  sender,
		pending: make(map[uint32]*pendingCall),
	}
}

// SetExceptionHandler installs the callback used to report an unmatched
// failure reply. Not safe to call concurrently with OnIncomingReply; a
// Connection sets it once, right after construction.
func (p *OutProcessor) SetExceptionHandler(h ExceptionHandler) {
	p.exceptionHandler = h
}

// Call sends a typed RPC identified by rpcid with an already wire-encoded
// parameter body. When expectReply is false (the method has no return
// value), no pending entry is installed and the returned future resolves
// as soon as the frame is sent; any failure the callee reports anyway
// arrives as an unmatched reply and goes to the exception handler instead.
func (p *OutProcessor) Call(rpcid uint8, paramBody []byte, expectReply bool) (future.Future[Reply], error) {
	return p.send(rpcid, paramBody, expectReply)
}

// CallGeneric sends a name-dispatched RPC: the body is the method name
// followed by its arguments as an Any vector, per the generic dispatch
// wire format. A generic call always awaits a reply, since the caller has
// no static knowledge of whether the named method even has a return value.
func (p *OutProcessor) CallGeneric(name string, args []anyvalue.Value) (future.Future[Reply], error) {
	buf := chunkbuffer.New(0)
	wire.WriteString(buf, name)
	wire.WriteAnyVector(buf, args)
	return p.send(wire.GenericRPCID, buf.Bytes(), true)
}

func (p *OutProcessor) send(rpcid uint8, paramBody []byte, expectReply bool) (future.Future[Reply], error) {
	p.mu.Lock()
	counter, err := p.allocateCounterLocked(rpcid)
	if err != nil {
		p.mu.Unlock()
		return future.Future[Reply]{}, err
	}
	header := wire.Header{RPCID: rpcid, Counter: counter, IsReply: false}

	var pr future.Promise[Reply]
	var ft future.Future[Reply]
	if expectReply {
		pr, ft = future.NewPromise[Reply]()
		p.pending[header.Key()] = &pendingCall{promise: pr}
	}
	p.mu.Unlock()

	frame := wire.EncodeFrame(header, paramBody)
	if err := p.sender.Send(frame); err != nil {
		if expectReply {
			p.mu.Lock()
			delete(p.pending, header.Key())
			p.mu.Unlock()
			pr.Reject(err)
			pr.Release()
			return ft, err
		}
		return future.Failed[Reply](err), err
	}
	if !expectReply {
		return future.Ready(Reply{Success: true}), nil
	}
	return ft, nil
}

// allocateCounterLocked finds a counter value not already in use for
// rpcid, scanning forward from the last one handed out. Must be called
// with p.mu held.
func (p *OutProcessor) allocateCounterLocked(rpcid uint8) (uint32, error) {
	start := p.counter
	for i := uint32(0); i <= wire.MaxCounter; i++ {
		candidate := (start + i) & wire.MaxCounter
		key := wire.Header{RPCID: rpcid, Counter: candidate}.Key()
		if _, busy := p.pending[key]; !busy {
			p.counter = (candidate + 1) & wire.MaxCounter
			return candidate, nil
		}
	}
	return 0, ErrTooManyInFlightCalls
}

// OnIncomingReply routes a decoded reply frame to its originating call's
// future, settling it. If the key is unknown — most commonly a failure
// reply for a void call, which never had a pending entry in the first
// place — a failure is reported through the exception handler instead; a
// stray successful reply with no match is simply dropped.
func (p *OutProcessor) OnIncomingReply(h wire.Header, body []byte) {
	p.mu.Lock()
	call, ok := p.pending[h.Key()]
	if ok {
		delete(p.pending, h.Key())
	}
	p.mu.Unlock()
	if !ok {
		if !h.Success && p.exceptionHandler != nil {
			buf := chunkbuffer.New(0)
			buf.Write(body)
			msg, err := wire.ReadString(buf)
			if err != nil {
				msg = "unknown error"
			}
			p.exceptionHandler(errors.New(msg))
		}
		return
	}
	call.promise.Resolve(Reply{Success: h.Success, Body: body})
	call.promise.Release()
}

// Shutdown resolves every still-pending call to ErrDisconnected. Call it
// once, when the owning connection is torn down.
func (p *OutProcessor) Shutdown() {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[uint32]*pendingCall)
	p.mu.Unlock()

	for _, call := range pending {
		call.promise.Reject(ErrDisconnected)
		call.promise.Release()
	}
}

// InFlight reports how many calls are currently awaiting a reply, mainly
// for tests and diagnostics.
func (p *OutProcessor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
