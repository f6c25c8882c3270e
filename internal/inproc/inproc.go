// Package inproc implements the in-processor: the callee side of a
// connection. It decodes an incoming call (typed by rpcid, or generic by
// name), invokes the matching rpctable.Descriptor against the connection's
// bound target, and writes the reply frame once the result is known.
//
// A synchronous method's reply goes out before OnIncoming returns. A
// method that returns a future.Future[T] instead registers a
// continuation that writes the reply whenever that future eventually
// settles; that continuation is tracked in a "deferred" set so InFlight
// can report how many replies are still outstanding, and a continuation
// that fires after Close simply drops its reply instead of writing to a
// dead sender.
package inproc

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/ruifig/rpcgo/chunkbuffer"
	"github.com/ruifig/rpcgo/future"
	"github.com/ruifig/rpcgo/rpctable"
	"github.com/ruifig/rpcgo/wire"
)

// Sender is the narrow part of a transport the in-processor needs to
// write a reply frame back.
type Sender interface {
	Send(frame []byte) error
}

// InProcessor dispatches incoming calls against target using table, and
// writes replies through sender.
type InProcessor struct {
	table  *rpctable.Table
	target reflect.Value
	sender Sender

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	pending map[uint64]struct{}
}

// New creates an InProcessor. target is the receiver whose methods table
// was built from (e.g. the same *Calculator pointer passed to
// rpctable.New).
func New(table *rpctable.Table, target any, sender Sender) *InProcessor {
	return &InProcessor{
		table:   table,
		target:  reflect.ValueOf(target),
		sender:  sender,
		pending: make(map[uint64]struct{}),
	}
}

// OnIncoming decodes and invokes the call described by h/body, and
// arranges for its reply to be written back through sender. It never
// blocks on a future-valued method: the reply is deferred to whenever
// that future settles. ctx is forwarded to the target method when its
// descriptor declares a leading context.Context parameter; a Connection
// passes one carrying itself, so the method can issue a reverse call.
func (ip *InProcessor) OnIncoming(ctx context.Context, h wire.Header, body []byte) {
	outcome, hasReturnValue := ip.dispatch(ctx, h, body)
	id := ip.track()

	future.Then(outcome, func(f future.Future[rpctable.DispatchOutcome]) struct{} {
		defer ip.untrack(id)
		result, err := f.Get()
		if err != nil {
			result = rpctable.EncodeError(err)
		}
		ip.writeReply(h, result, hasReturnValue)
		return struct{}{}
	})
}

func (ip *InProcessor) dispatch(ctx context.Context, h wire.Header, body []byte) (future.Future[rpctable.DispatchOutcome], bool) {
	buf := chunkbuffer.New(0)
	buf.Write(body)

	if h.RPCID == wire.GenericRPCID {
		name, err := wire.ReadString(buf)
		if err != nil {
			return future.Ready(rpctable.EncodeError(fmt.Errorf("inproc: decoding generic call name: %w", err))), true
		}
		desc := ip.table.ByName(name)
		if desc == nil {
			return future.Ready(rpctable.EncodeError(fmt.Errorf("Unknown RPC (%s)", name))), true
		}
		anyArgs, err := wire.ReadAnyVector(buf)
		if err != nil {
			return future.Ready(rpctable.EncodeError(fmt.Errorf("inproc: decoding generic call arguments: %w", err))), true
		}
		args, err := desc.ParamsFromAny(anyArgs)
		if err != nil {
			return future.Ready(rpctable.EncodeError(fmt.Errorf("Invalid parameter count or types"))), true
		}
		return desc.InvokeGeneric(ip.target, ctx, args), true
	}

	desc := ip.table.ByID(h.RPCID)
	if desc == nil {
		return future.Ready(rpctable.EncodeError(fmt.Errorf("inproc: no method registered for rpcid %d", h.RPCID))), true
	}
	args, err := desc.DecodeParams(buf)
	if err != nil {
		return future.Ready(rpctable.EncodeError(err)), desc.HasReturnValue
	}
	return desc.Invoke(ip.target, ctx, args), desc.HasReturnValue
}

// writeReply sends the reply frame for h, unless the call succeeded and
// the method has no return value to carry back: such a call (a "void" RPC,
// or one whose only return is error) gets a reply only when it failed, so
// the caller's unmatched-reply path can route the error to its exception
// callback instead of to a future nothing is waiting on.
func (ip *InProcessor) writeReply(h wire.Header, outcome rpctable.DispatchOutcome, hasReturnValue bool) {
	if outcome.Success && !hasReturnValue {
		return
	}

	ip.mu.Lock()
	closed := ip.closed
	ip.mu.Unlock()
	if closed {
		return
	}

	replyHeader := wire.Header{RPCID: h.RPCID, Counter: h.Counter, Success: outcome.Success, IsReply: true}
	frame := wire.EncodeFrame(replyHeader, outcome.Body)
	ip.sender.Send(frame)
}

func (ip *InProcessor) track() uint64 {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.nextID++
	id := ip.nextID
	ip.pending[id] = struct{}{}
	return id
}

func (ip *InProcessor) untrack(id uint64) {
	ip.mu.Lock()
	delete(ip.pending, id)
	ip.mu.Unlock()
}

// InFlight reports how many dispatched calls (typically future-valued
// ones) have not yet written their reply.
func (ip *InProcessor) InFlight() int {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return len(ip.pending)
}

// Close marks the processor closed: any reply that would be written by a
// continuation settling after this point is silently dropped instead of
// being sent to what is, by then, a dead connection.
func (ip *InProcessor) Close() {
	ip.mu.Lock()
	ip.closed = true
	ip.mu.Unlock()
}
