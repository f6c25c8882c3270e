package rpctable

import (
	"fmt"
	"reflect"

	"github.com/ruifig/rpcgo/anyvalue"
	"github.com/ruifig/rpcgo/chunkbuffer"
	"github.com/ruifig/rpcgo/wire"
)

// typeCodec binds one Go reflect.Type to the wire read/write pair that
// knows how to move a reflect.Value of that type across a chunkbuffer.Buffer.
// This is the reflect-driven equivalent of the original's per-type stream
// operators, needed because method signatures are only known at
// registration time, not at compile time.
type typeCodec struct {
	write func(b *chunkbuffer.Buffer, v reflect.Value)
	read  func(b *chunkbuffer.Buffer) (reflect.Value, error)
}

var codecsByType = map[reflect.Type]typeCodec{}

func registerCodec(sample any, write func(b *chunkbuffer.Buffer, v reflect.Value), read func(b *chunkbuffer.Buffer) (reflect.Value, error)) {
	codecsByType[reflect.TypeOf(sample)] = typeCodec{write: write, read: read}
}

func init() {
	registerCodec(bool(false),
		func(b *chunkbuffer.Buffer, v reflect.Value) { wire.WriteBool(b, v.Bool()) },
		func(b *chunkbuffer.Buffer) (reflect.Value, error) {
			x, err := wire.ReadBool(b)
			return reflect.ValueOf(x), err
		})

	registerCodec(int32(0),
		func(b *chunkbuffer.Buffer, v reflect.Value) { wire.WriteInt32(b, int32(v.Int())) },
		func(b *chunkbuffer.Buffer) (reflect.Value, error) {
			x, err := wire.ReadInt32(b)
			return reflect.ValueOf(x), err
		})

	registerCodec(uint32(0),
		func(b *chunkbuffer.Buffer, v reflect.Value) { wire.WriteUint32(b, uint32(v.Uint())) },
		func(b *chunkbuffer.Buffer) (reflect.Value, error) {
			x, err := wire.ReadUint32(b)
			return reflect.ValueOf(x), err
		})

	registerCodec(float32(0),
		func(b *chunkbuffer.Buffer, v reflect.Value) { wire.WriteFloat32(b, float32(v.Float())) },
		func(b *chunkbuffer.Buffer) (reflect.Value, error) {
			x, err := wire.ReadFloat32(b)
			return reflect.ValueOf(x), err
		})

	registerCodec("",
		func(b *chunkbuffer.Buffer, v reflect.Value) { wire.WriteString(b, v.String()) },
		func(b *chunkbuffer.Buffer) (reflect.Value, error) {
			x, err := wire.ReadString(b)
			return reflect.ValueOf(x), err
		})

	registerCodec([]byte(nil),
		func(b *chunkbuffer.Buffer, v reflect.Value) { wire.WriteBlob(b, v.Bytes()) },
		func(b *chunkbuffer.Buffer) (reflect.Value, error) {
			x, err := wire.ReadBlob(b)
			return reflect.ValueOf(x), err
		})

	registerCodec([]int32(nil),
		func(b *chunkbuffer.Buffer, v reflect.Value) { wire.WriteInt32Vector(b, v.Interface().([]int32)) },
		func(b *chunkbuffer.Buffer) (reflect.Value, error) {
			x, err := wire.ReadInt32Vector(b)
			return reflect.ValueOf(x), err
		})

	registerCodec([]string(nil),
		func(b *chunkbuffer.Buffer, v reflect.Value) { wire.WriteStringVector(b, v.Interface().([]string)) },
		func(b *chunkbuffer.Buffer) (reflect.Value, error) {
			x, err := wire.ReadStringVector(b)
			return reflect.ValueOf(x), err
		})
}

func codecFor(t reflect.Type) (typeCodec, bool) {
	c, ok := codecsByType[t]
	return c, ok
}

// writeReflectValue writes v (whose type must have a registered codec) to b.
func writeReflectValue(b *chunkbuffer.Buffer, v reflect.Value) error {
	c, ok := codecFor(v.Type())
	if !ok {
		return fmt.Errorf("rpctable: no wire codec registered for %s", v.Type())
	}
	c.write(b, v)
	return nil
}

// readReflectValue reads a value of type t from b.
func readReflectValue(b *chunkbuffer.Buffer, t reflect.Type) (reflect.Value, error) {
	c, ok := codecFor(t)
	if !ok {
		return reflect.Value{}, fmt.Errorf("rpctable: no wire codec registered for %s", t)
	}
	return c.read(b)
}

// anyToReflect converts a dynamically-typed Any argument into a
// reflect.Value of the statically-known parameter type t, the way a
// generic (name-dispatched) call has to cross from "caller didn't know
// the callee's types" back to "callee's method signature is concrete".
func anyToReflect(a anyvalue.Value, t reflect.Type) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Bool:
		v, ok := a.AsBool()
		if !ok {
			return reflect.Value{}, fmt.Errorf("cannot convert %s to bool", a.Tag())
		}
		return reflect.ValueOf(v), nil
	case reflect.Int32:
		v, ok := a.AsInt32()
		if !ok {
			return reflect.Value{}, fmt.Errorf("cannot convert %s to int32", a.Tag())
		}
		return reflect.ValueOf(v), nil
	case reflect.Uint32:
		v, ok := a.AsUint32()
		if !ok {
			return reflect.Value{}, fmt.Errorf("cannot convert %s to uint32", a.Tag())
		}
		return reflect.ValueOf(v), nil
	case reflect.Float32:
		v, ok := a.AsFloat32()
		if !ok {
			return reflect.Value{}, fmt.Errorf("cannot convert %s to float32", a.Tag())
		}
		return reflect.ValueOf(v), nil
	case reflect.String:
		v, ok := a.AsString()
		if !ok {
			return reflect.Value{}, fmt.Errorf("cannot convert %s to string", a.Tag())
		}
		return reflect.ValueOf(v), nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			v, ok := a.AsBlob()
			if !ok {
				return reflect.Value{}, fmt.Errorf("cannot convert %s to []byte", a.Tag())
			}
			return reflect.ValueOf(v), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("rpctable: Any cannot convert to %s", t)
}

// reflectToAny converts a wire-codec-registered value back into a
// dynamically-typed Any, for a generic call's reply.
func reflectToAny(v reflect.Value) (anyvalue.Value, error) {
	if !v.IsValid() {
		return anyvalue.None(), nil
	}
	switch v.Kind() {
	case reflect.Bool:
		return anyvalue.Bool(v.Bool()), nil
	case reflect.Int32:
		return anyvalue.Int32(int32(v.Int())), nil
	case reflect.Uint32:
		return anyvalue.Uint32(uint32(v.Uint())), nil
	case reflect.Float32:
		return anyvalue.Float32(float32(v.Float())), nil
	case reflect.String:
		return anyvalue.String(v.String()), nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return anyvalue.Blob(v.Bytes()), nil
		}
	}
	return anyvalue.Value{}, fmt.Errorf("rpctable: cannot convert %s to Any", v.Type())
}
