// Package anyvalue implements the tagged dynamic value used by generic
// (name-dispatched) RPC calls, where the caller cannot statically bind
// to the callee's interface.
package anyvalue

import "fmt"

// Tag identifies the payload carried by a Value.
type Tag uint8

const (
	TagNone Tag = iota
	TagBool
	TagInt32
	TagUint32
	TagFloat32
	TagString
	TagBlob
)

func (t Tag) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagBool:
		return "bool"
	case TagInt32:
		return "int32"
	case TagUint32:
		return "uint32"
	case TagFloat32:
		return "float32"
	case TagString:
		return "string"
	case TagBlob:
		return "blob"
	default:
		return "invalid"
	}
}

// Value is a tagged union over {bool, int32, uint32, float32, string, []byte}.
// The zero Value holds TagNone.
//
// Numeric tags share a single 32-bit field the way the original C++ union
// does; bool is stored as 0/1 in that same field.
type Value struct {
	tag    Tag
	number uint32 // bool/int32/uint32/float32 payload, bit-reinterpreted as needed
	str    string
	blob   []byte
}

// None returns an empty Value.
func None() Value {
	return Value{tag: TagNone}
}

func Bool(v bool) Value {
	var n uint32
	if v {
		n = 1
	}
	return Value{tag: TagBool, number: n}
}

func Int32(v int32) Value {
	return Value{tag: TagInt32, number: uint32(v)}
}

func Uint32(v uint32) Value {
	return Value{tag: TagUint32, number: v}
}

func Float32(v float32) Value {
	return Value{tag: TagFloat32, number: float32bits(v)}
}

func String(v string) Value {
	return Value{tag: TagString, str: v}
}

func Blob(v []byte) Value {
	return Value{tag: TagBlob, blob: v}
}

// Tag returns the dynamic type of the value.
func (v Value) Tag() Tag { return v.tag }

// AsBool extracts a bool. Any numeric tag is accepted (non-zero is true).
func (v Value) AsBool() (bool, bool) {
	switch v.tag {
	case TagBool, TagInt32, TagUint32:
		return v.number != 0, true
	case TagFloat32:
		return float32frombits(v.number) != 0, true
	default:
		return false, false
	}
}

// AsInt32 extracts an int32. A float is truncated towards zero.
func (v Value) AsInt32() (int32, bool) {
	switch v.tag {
	case TagBool, TagInt32, TagUint32:
		return int32(v.number), true
	case TagFloat32:
		return int32(float32frombits(v.number)), true
	default:
		return 0, false
	}
}

// AsUint32 extracts a uint32. A float is truncated towards zero.
func (v Value) AsUint32() (uint32, bool) {
	switch v.tag {
	case TagBool, TagInt32, TagUint32:
		return v.number, true
	case TagFloat32:
		return uint32(float32frombits(v.number)), true
	default:
		return 0, false
	}
}

// AsFloat32 extracts a float32. Integers are converted, not reinterpreted.
func (v Value) AsFloat32() (float32, bool) {
	switch v.tag {
	case TagFloat32:
		return float32frombits(v.number), true
	case TagInt32:
		return float32(int32(v.number)), true
	case TagUint32, TagBool:
		return float32(v.number), true
	default:
		return 0, false
	}
}

// AsString extracts a string. Only a Value built with String holds one.
func (v Value) AsString() (string, bool) {
	if v.tag != TagString {
		return "", false
	}
	return v.str, true
}

// AsBlob extracts a byte blob. Only a Value built with Blob holds one.
func (v Value) AsBlob() ([]byte, bool) {
	if v.tag != TagBlob {
		return nil, false
	}
	return v.blob, true
}

func (v Value) String() string {
	switch v.tag {
	case TagNone:
		return "<none>"
	case TagBool:
		b, _ := v.AsBool()
		return fmt.Sprintf("%v", b)
	case TagInt32:
		i, _ := v.AsInt32()
		return fmt.Sprintf("%d", i)
	case TagUint32:
		u, _ := v.AsUint32()
		return fmt.Sprintf("%d", u)
	case TagFloat32:
		f, _ := v.AsFloat32()
		return fmt.Sprintf("%g", f)
	case TagString:
		return v.str
	case TagBlob:
		return fmt.Sprintf("<blob %d bytes>", len(v.blob))
	default:
		return "<invalid>"
	}
}
