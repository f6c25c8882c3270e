package wire

import (
	"encoding/binary"

	"github.com/ruifig/rpcgo/chunkbuffer"
)

// lengthPrefixSize and headerSize are both 4 bytes: the spec's u32 length
// prefix and u32 packed header.
const (
	lengthPrefixSize = 4
	headerSize       = 4
)

// LengthPrefixSize is the number of bytes the length prefix itself takes
// up, exported so a transport's reassembly loop can size the raw frame
// slice it hands to a Handler without hard-coding the wire format.
const LengthPrefixSize = lengthPrefixSize

// EncodeFrame assembles one complete wire frame: a little-endian u32
// length (covering everything that follows), the packed header, and the
// body. The result is a single byte slice ready to hand to a transport's
// Send.
func EncodeFrame(h Header, body []byte) []byte {
	out := make([]byte, lengthPrefixSize+headerSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(headerSize+len(body)))
	binary.LittleEndian.PutUint32(out[4:8], h.Pack())
	copy(out[8:], body)
	return out
}

// HasFullFrame reports whether buf currently holds at least one complete
// frame, mirroring the original hasFullRPC: it returns false (without
// consuming anything) if fewer than 4 bytes are buffered, or if the
// declared body length hasn't fully arrived yet. On success it returns
// the declared body length (header + payload) without consuming the
// length prefix; call ReadFrame to actually consume it.
func HasFullFrame(buf *chunkbuffer.Buffer) (bodyLen int, ok bool) {
	if buf.Size() < lengthPrefixSize {
		return 0, false
	}
	var lenBytes [lengthPrefixSize]byte
	if err := buf.Peek(lenBytes[:]); err != nil {
		return 0, false
	}
	n := binary.LittleEndian.Uint32(lenBytes[:])
	if buf.Size() < lengthPrefixSize+int(n) {
		return 0, false
	}
	return int(n), true
}

// ReadFrame consumes one complete frame from buf (the caller must have
// already confirmed HasFullFrame) and returns its header and body.
func ReadFrame(buf *chunkbuffer.Buffer) (Header, []byte, error) {
	var lenBytes [lengthPrefixSize]byte
	if err := buf.Read(lenBytes[:]); err != nil {
		return Header{}, nil, err
	}
	n := binary.LittleEndian.Uint32(lenBytes[:])

	var hdrBytes [headerSize]byte
	if err := buf.Read(hdrBytes[:]); err != nil {
		return Header{}, nil, err
	}
	h := Unpack(binary.LittleEndian.Uint32(hdrBytes[:]))

	bodyLen := int(n) - headerSize
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if err := buf.Read(body); err != nil {
			return Header{}, nil, err
		}
	}
	return h, body, nil
}
