package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ruifig/rpcgo/anyvalue"
	"github.com/ruifig/rpcgo/chunkbuffer"
)

// WriteBool appends a single byte, 1 or 0.
func WriteBool(b *chunkbuffer.Buffer, v bool) {
	var x byte
	if v {
		x = 1
	}
	b.Write([]byte{x})
}

// ReadBool reads a single byte written by WriteBool.
func ReadBool(b *chunkbuffer.Buffer) (bool, error) {
	var buf [1]byte
	if err := b.Read(buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

// WriteInt32 appends a little-endian 32-bit signed integer.
func WriteInt32(b *chunkbuffer.Buffer, v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	b.Write(buf[:])
}

func ReadInt32(b *chunkbuffer.Buffer) (int32, error) {
	var buf [4]byte
	if err := b.Read(buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// WriteUint32 appends a little-endian 32-bit unsigned integer.
func WriteUint32(b *chunkbuffer.Buffer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.Write(buf[:])
}

func ReadUint32(b *chunkbuffer.Buffer) (uint32, error) {
	var buf [4]byte
	if err := b.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteFloat32 appends a little-endian IEEE-754 float32.
func WriteFloat32(b *chunkbuffer.Buffer, v float32) {
	WriteUint32(b, math.Float32bits(v))
}

func ReadFloat32(b *chunkbuffer.Buffer) (float32, error) {
	u, err := ReadUint32(b)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}

// WriteString appends a u32 length prefix followed by the UTF-8 bytes.
func WriteString(b *chunkbuffer.Buffer, v string) {
	WriteUint32(b, uint32(len(v)))
	b.Write([]byte(v))
}

func ReadString(b *chunkbuffer.Buffer) (string, error) {
	n, err := ReadUint32(b)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := b.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteBlob appends a u32 length prefix followed by raw bytes. This is the
// "vector of arithmetic uint8" fast path applied to byte slices.
func WriteBlob(b *chunkbuffer.Buffer, v []byte) {
	WriteUint32(b, uint32(len(v)))
	b.Write(v)
}

func ReadBlob(b *chunkbuffer.Buffer) ([]byte, error) {
	n, err := ReadUint32(b)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := b.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteInt32Vector appends a vector of int32 using the contiguous-copy
// fast path: a u32 length followed by length*4 bytes written in one Write
// call, rather than one WriteInt32 call per element.
func WriteInt32Vector(b *chunkbuffer.Buffer, v []int32) {
	WriteUint32(b, uint32(len(v)))
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(x))
	}
	b.Write(buf)
}

func ReadInt32Vector(b *chunkbuffer.Buffer) ([]int32, error) {
	n, err := ReadUint32(b)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4*n)
	if err := b.Read(buf); err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

// WriteStringVector appends a vector of strings element-by-element (no
// contiguous-copy fast path since strings aren't arithmetic).
func WriteStringVector(b *chunkbuffer.Buffer, v []string) {
	WriteUint32(b, uint32(len(v)))
	for _, s := range v {
		WriteString(b, s)
	}
}

func ReadStringVector(b *chunkbuffer.Buffer) ([]string, error) {
	n, err := ReadUint32(b)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := ReadString(b)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// WriteAny appends a tag byte followed by the tagged payload.
func WriteAny(b *chunkbuffer.Buffer, v anyvalue.Value) {
	b.Write([]byte{byte(v.Tag())})
	switch v.Tag() {
	case anyvalue.TagNone:
	case anyvalue.TagBool:
		bv, _ := v.AsBool()
		WriteBool(b, bv)
	case anyvalue.TagInt32:
		iv, _ := v.AsInt32()
		WriteInt32(b, iv)
	case anyvalue.TagUint32:
		uv, _ := v.AsUint32()
		WriteUint32(b, uv)
	case anyvalue.TagFloat32:
		fv, _ := v.AsFloat32()
		WriteFloat32(b, fv)
	case anyvalue.TagString:
		sv, _ := v.AsString()
		WriteString(b, sv)
	case anyvalue.TagBlob:
		bl, _ := v.AsBlob()
		WriteBlob(b, bl)
	}
}

// ReadAny reads a tag byte and its payload, reconstructing the dynamic
// value.
func ReadAny(b *chunkbuffer.Buffer) (anyvalue.Value, error) {
	var tagBuf [1]byte
	if err := b.Read(tagBuf[:]); err != nil {
		return anyvalue.Value{}, err
	}
	switch anyvalue.Tag(tagBuf[0]) {
	case anyvalue.TagNone:
		return anyvalue.None(), nil
	case anyvalue.TagBool:
		v, err := ReadBool(b)
		return anyvalue.Bool(v), err
	case anyvalue.TagInt32:
		v, err := ReadInt32(b)
		return anyvalue.Int32(v), err
	case anyvalue.TagUint32:
		v, err := ReadUint32(b)
		return anyvalue.Uint32(v), err
	case anyvalue.TagFloat32:
		v, err := ReadFloat32(b)
		return anyvalue.Float32(v), err
	case anyvalue.TagString:
		v, err := ReadString(b)
		return anyvalue.String(v), err
	case anyvalue.TagBlob:
		v, err := ReadBlob(b)
		return anyvalue.Blob(v), err
	default:
		return anyvalue.Value{}, fmt.Errorf("wire: invalid Any tag %d", tagBuf[0])
	}
}

// WriteAnyVector appends a vector of Any values, which are never
// arithmetic from the buffer's point of view (each carries its own tag),
// so they always go through the element-by-element path.
func WriteAnyVector(b *chunkbuffer.Buffer, v []anyvalue.Value) {
	WriteUint32(b, uint32(len(v)))
	for _, a := range v {
		WriteAny(b, a)
	}
}

func ReadAnyVector(b *chunkbuffer.Buffer) ([]anyvalue.Value, error) {
	n, err := ReadUint32(b)
	if err != nil {
		return nil, err
	}
	out := make([]anyvalue.Value, n)
	for i := range out {
		a, err := ReadAny(b)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}
