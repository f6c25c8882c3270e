package rpctable

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ruifig/rpcgo/anyvalue"
	"github.com/ruifig/rpcgo/chunkbuffer"
	"github.com/ruifig/rpcgo/future"
	"github.com/ruifig/rpcgo/wire"
)

var errType = reflect.TypeOf((*error)(nil)).Elem()

// contextType is recognised, and skipped as a wire parameter, when it is
// a method's first non-receiver argument. It is how a handler method
// reaches back to the connection that is currently dispatching into it
// (see rpc.ConnectionFromContext) without relying on goroutine-local
// storage, which Go doesn't have.
var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

// futureLike is implemented by future.Future[T] for every T, via the
// type-erasing OnReady method. A table checks a method's return type
// against this interface (rather than against a specific instantiation)
// to recognise an async RPC handler regardless of what it resolves to.
type futureLike interface {
	OnReady(fn func(v any, err error))
}

var futureLikeType = reflect.TypeOf((*futureLike)(nil)).Elem()

// Descriptor is the reflect-backed record of one registered RPC method:
// its wire identity (rpcid, name), its parameter shape, and enough about
// its return shape to invoke it and turn the result back into bytes
// without the caller needing to know the concrete method signature.
type Descriptor struct {
	RPCID      uint8
	Name       string
	method     reflect.Method
	ParamTypes []reflect.Type

	// ReturnType is the codec-registered type of the value the method
	// hands back, or nil when the method is void (or returns only an
	// error, or returns a future.Future[T]).
	ReturnType reflect.Type

	// ReturnsFuture is set when the method's sole return value is a
	// future.Future[T]: the reply is written only once that future
	// settles, instead of immediately after the reflect.Call returns.
	ReturnsFuture bool

	// ReturnsError is set when the method's last return value is the
	// built-in error interface.
	ReturnsError bool

	// HasReturnValue is true when a successful call actually carries a
	// reply value back to the caller (ReturnType set, or ReturnsFuture).
	// A method whose only return is error, or that returns nothing at
	// all, has HasReturnValue false: the out-processor never waits on a
	// reply for it, and the in-processor only sends one back when the
	// call failed.
	HasReturnValue bool

	// TakesContext is set when the method's first parameter is a
	// context.Context; it is not a wire parameter and is supplied at
	// dispatch time from the connection currently invoking the method.
	TakesContext bool
}

// NumParams reports how many wire parameters this RPC takes.
func (d *Descriptor) NumParams() int { return len(d.ParamTypes) }

// newDescriptor validates method against the subset of Go signatures the
// table can serve over the wire, mirroring how classic reflect-based Go
// RPC servers gate registration (exported method, recognised argument and
// result shapes) rather than accepting arbitrary receivers.
func newDescriptor(rpcid uint8, method reflect.Method) (*Descriptor, error) {
	if method.PkgPath != "" {
		return nil, fmt.Errorf("rpctable: method %s is not exported", method.Name)
	}

	mtype := method.Type
	d := &Descriptor{RPCID: rpcid, Name: method.Name, method: method}

	// In(0) is the receiver. In(1), if it's a context.Context, is consumed
	// at dispatch time rather than decoded off the wire.
	start := 1
	if mtype.NumIn() > 1 && mtype.In(1) == contextType {
		d.TakesContext = true
		start = 2
	}
	for i := start; i < mtype.NumIn(); i++ {
		pt := mtype.In(i)
		if _, ok := codecFor(pt); !ok {
			return nil, fmt.Errorf("rpctable: method %s has unsupported parameter type %s", method.Name, pt)
		}
		d.ParamTypes = append(d.ParamTypes, pt)
	}

	switch mtype.NumOut() {
	case 0:
		// void
	case 1:
		out := mtype.Out(0)
		switch {
		case out == errType:
			d.ReturnsError = true
		case out.Implements(futureLikeType):
			d.ReturnsFuture = true
		default:
			if _, ok := codecFor(out); !ok {
				return nil, fmt.Errorf("rpctable: method %s has unsupported return type %s", method.Name, out)
			}
			d.ReturnType = out
		}
	case 2:
		if mtype.Out(1) != errType {
			return nil, fmt.Errorf("rpctable: method %s's second return value must be error", method.Name)
		}
		d.ReturnsError = true
		out := mtype.Out(0)
		if _, ok := codecFor(out); !ok {
			return nil, fmt.Errorf("rpctable: method %s has unsupported return type %s", method.Name, out)
		}
		d.ReturnType = out
	default:
		return nil, fmt.Errorf("rpctable: method %s has too many return values", method.Name)
	}

	d.HasReturnValue = d.ReturnType != nil || d.ReturnsFuture
	return d, nil
}

// DispatchOutcome is the wire-ready result of invoking a descriptor: a
// success flag and the encoded payload (the return value on success, or
// the error's message on failure).
type DispatchOutcome struct {
	Success bool
	Body    []byte
}

// DecodeParams reads this method's parameters, in declaration order, from
// body.
func (d *Descriptor) DecodeParams(body *chunkbuffer.Buffer) ([]reflect.Value, error) {
	args := make([]reflect.Value, len(d.ParamTypes))
	for i, pt := range d.ParamTypes {
		v, err := readReflectValue(body, pt)
		if err != nil {
			return nil, fmt.Errorf("rpctable: decoding parameter %d of %s: %w", i, d.Name, err)
		}
		args[i] = v
	}
	return args, nil
}

// Invoke calls the method on target with args and settles the result (or,
// for a future-returning method, arranges for it to settle once the
// future does) as a future.Future[DispatchOutcome]. The return value is
// encoded with the method's own registered wire codec, the typed (non-
// generic) call path. ctx is supplied as the method's leading argument
// when TakesContext is set, and is otherwise ignored.
func (d *Descriptor) Invoke(target reflect.Value, ctx context.Context, args []reflect.Value) future.Future[DispatchOutcome] {
	return d.settle(d.call(target, ctx, args), encodeValueOutcome)
}

// InvokeGeneric behaves like Invoke, except the return value is boxed as
// an anyvalue.Value and wire-encoded as an Any (tag byte + payload)
// rather than with the method's own codec, matching what a name-dispatched
// caller that never statically bound to the method's return type expects
// back.
func (d *Descriptor) InvokeGeneric(target reflect.Value, ctx context.Context, args []reflect.Value) future.Future[DispatchOutcome] {
	return d.settle(d.call(target, ctx, args), encodeValueOutcomeAsAny)
}

func (d *Descriptor) call(target reflect.Value, ctx context.Context, args []reflect.Value) []reflect.Value {
	callArgs := make([]reflect.Value, 0, len(args)+2)
	callArgs = append(callArgs, target)
	if d.TakesContext {
		if ctx == nil {
			ctx = context.Background()
		}
		callArgs = append(callArgs, reflect.ValueOf(ctx))
	}
	callArgs = append(callArgs, args...)
	return d.method.Func.Call(callArgs)
}

func (d *Descriptor) settle(out []reflect.Value, encode func(reflect.Value) DispatchOutcome) future.Future[DispatchOutcome] {
	if d.ReturnsFuture {
		pr, ft := future.NewPromise[DispatchOutcome]()
		out[0].Interface().(futureLike).OnReady(func(v any, err error) {
			defer pr.Release()
			if err != nil {
				pr.Resolve(encodeErrorOutcome(err))
				return
			}
			if v == nil {
				pr.Resolve(DispatchOutcome{Success: true})
				return
			}
			pr.Resolve(encode(reflect.ValueOf(v)))
		})
		return ft
	}

	var value reflect.Value
	var callErr error
	switch {
	case d.ReturnsError && d.ReturnType != nil:
		value, callErr = out[0], asError(out[1])
	case d.ReturnsError:
		callErr = asError(out[0])
	case d.ReturnType != nil:
		value = out[0]
	}

	if callErr != nil {
		return future.Ready(encodeErrorOutcome(callErr))
	}
	return future.Ready(encode(value))
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

func encodeValueOutcome(v reflect.Value) DispatchOutcome {
	buf := chunkbuffer.New(0)
	if v.IsValid() {
		if err := writeReflectValue(buf, v); err != nil {
			return encodeErrorOutcome(err)
		}
	}
	return DispatchOutcome{Success: true, Body: buf.Bytes()}
}

// encodeValueOutcomeAsAny is the generic-dispatch counterpart of
// encodeValueOutcome: it boxes v as an anyvalue.Value first, so a caller
// that only knows the callee by name gets back a value it can inspect by
// tag rather than one pre-decoded to a type it never agreed on.
func encodeValueOutcomeAsAny(v reflect.Value) DispatchOutcome {
	buf := chunkbuffer.New(0)
	a := anyvalue.None()
	if v.IsValid() {
		var err error
		a, err = reflectToAny(v)
		if err != nil {
			return encodeErrorOutcome(err)
		}
	}
	wire.WriteAny(buf, a)
	return DispatchOutcome{Success: true, Body: buf.Bytes()}
}

// EncodeError builds the DispatchOutcome a caller (such as the
// in-processor, when it can't even resolve a descriptor) uses to report a
// failure that never reached an actual method invocation.
func EncodeError(err error) DispatchOutcome {
	return encodeErrorOutcome(err)
}

func encodeErrorOutcome(err error) DispatchOutcome {
	buf := chunkbuffer.New(0)
	wire.WriteString(buf, err.Error())
	return DispatchOutcome{Success: false, Body: buf.Bytes()}
}

// EncodeParams serializes args, which a caller has already matched
// positionally to ParamTypes, into a request body in declaration order.
// It is the typed-caller counterpart of DecodeParams, used by a
// Connection building an outgoing request frame from plain Go values.
func (d *Descriptor) EncodeParams(args ...any) ([]byte, error) {
	if len(args) != len(d.ParamTypes) {
		return nil, fmt.Errorf("rpctable: %s expects %d arguments, got %d", d.Name, len(d.ParamTypes), len(args))
	}
	buf := chunkbuffer.New(0)
	for i, a := range args {
		v := reflect.ValueOf(a)
		if !v.IsValid() || v.Type() != d.ParamTypes[i] {
			return nil, fmt.Errorf("rpctable: argument %d of %s is %T, want %s", i, d.Name, a, d.ParamTypes[i])
		}
		if err := writeReflectValue(buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeReturn reads this method's return value from a successful
// reply's body, the typed-caller counterpart of encodeValueOutcome. For a
// future-valued method it decodes the type the future resolves to. It
// returns nil for a method with no return value.
func (d *Descriptor) DecodeReturn(body []byte) (any, error) {
	rt := d.ReturnType
	if d.ReturnsFuture {
		if get, ok := d.method.Type.Out(0).MethodByName("Get"); ok && get.Type.NumOut() > 0 {
			rt = get.Type.Out(0)
		}
	}
	if rt == nil {
		return nil, nil
	}
	buf := chunkbuffer.New(0)
	buf.Write(body)
	v, err := readReflectValue(buf, rt)
	if err != nil {
		return nil, fmt.Errorf("rpctable: decoding return value of %s: %w", d.Name, err)
	}
	return v.Interface(), nil
}

// ParamsFromAny converts the dynamically-typed arguments of a generic
// (name-dispatched) call into the reflect.Values this descriptor's method
// expects, type-checking each one against ParamTypes.
func (d *Descriptor) ParamsFromAny(args []anyvalue.Value) ([]reflect.Value, error) {
	if len(args) != len(d.ParamTypes) {
		return nil, fmt.Errorf("rpctable: %s expects %d arguments, got %d", d.Name, len(d.ParamTypes), len(args))
	}
	out := make([]reflect.Value, len(args))
	for i, a := range args {
		v, err := anyToReflect(a, d.ParamTypes[i])
		if err != nil {
			return nil, fmt.Errorf("rpctable: argument %d of %s: %w", i, d.Name, err)
		}
		out[i] = v
	}
	return out, nil
}
