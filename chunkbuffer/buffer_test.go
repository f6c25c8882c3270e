package chunkbuffer

import (
	"bytes"
	"errors"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(8) // tiny blocks to force multiple chained allocations
	payload := []byte("the quick brown fox jumps over the lazy dog")
	b.Write(payload)

	if b.NumBlocks() < 2 {
		t.Fatalf("expected the tiny block size to force chaining, got %d blocks", b.NumBlocks())
	}

	got := make([]byte, len(payload))
	if err := b.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read = %q, want %q", got, payload)
	}
}

func TestReadUnderrunFails(t *testing.T) {
	b := New(0)
	b.Write([]byte("ab"))
	dst := make([]byte, 4)
	if err := b.Read(dst); !errors.Is(err, ErrNoData) {
		t.Fatalf("Read() = %v, want ErrNoData", err)
	}
	// buffer must be untouched
	if b.Size() != 2 {
		t.Fatalf("Size() = %d after failed read, want 2", b.Size())
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	b := New(0)
	b.Write([]byte("hello"))
	dst := make([]byte, 5)
	if err := b.Peek(dst); err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if b.Size() != 5 {
		t.Fatalf("Size() after Peek = %d, want 5", b.Size())
	}
	got := make([]byte, 5)
	b.Read(got)
	if !bytes.Equal(got, dst) {
		t.Fatalf("Peek and Read disagree: %q vs %q", dst, got)
	}
}

func TestWriteReserveThenWriteAt(t *testing.T) {
	b := New(0)
	b.Write([]byte("head:"))
	pos := b.WriteReserve(4)
	b.Write([]byte(":tail"))
	b.WriteAt(pos, []byte("PTCH"))

	got := b.Bytes()
	if string(got) != "head:PTCH:tail" {
		t.Fatalf("got %q, want %q", got, "head:PTCH:tail")
	}
}
