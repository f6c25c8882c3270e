package rpctable

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/ruifig/rpcgo/anyvalue"
	"github.com/ruifig/rpcgo/chunkbuffer"
	"github.com/ruifig/rpcgo/future"
	"github.com/ruifig/rpcgo/wire"
)

type ctxKey struct{}

type calcService struct{}

func (c *calcService) Add(a, b int32) int32 { return a + b }

func (c *calcService) AddStrings(a, b string) string { return a + b }

func (c *calcService) Divide(a, b int32) (int32, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func (c *calcService) SetText(s string) {}

func (c *calcService) AddAsync(a, b int32) future.Future[int32] {
	return future.Ready(a + b)
}

// TaggedWithContext reads a marker stashed in ctx, to prove a
// context.Context leading parameter is recognised and threaded through
// rather than treated as a wire parameter.
func (c *calcService) TaggedWithContext(ctx context.Context, a int32) int32 {
	if v, _ := ctx.Value(ctxKey{}).(int32); v != 0 {
		return a + v
	}
	return a
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := New((*calcService)(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tbl
}

func TestTableAssignsStableIDsInNameOrder(t *testing.T) {
	tbl := newTestTable(t)
	// Add, AddAsync, AddStrings, Divide, SetText, TaggedWithContext: alphabetical.
	want := []string{"Add", "AddAsync", "AddStrings", "Divide", "SetText", "TaggedWithContext"}
	for i, name := range want {
		d := tbl.ByID(uint8(i + 1))
		if d == nil || d.Name != name {
			t.Fatalf("rpcid %d = %+v, want %s", i+1, d, name)
		}
	}
	if tbl.ByID(wire.GenericRPCID) != nil {
		t.Fatalf("rpcid 0 must stay reserved for generic dispatch")
	}
}

func TestDispatchSyncValue(t *testing.T) {
	tbl := newTestTable(t)
	d := tbl.ByName("Add")

	body := chunkbuffer.New(0)
	wire.WriteInt32(body, 2)
	wire.WriteInt32(body, 3)

	args, err := d.DecodeParams(body)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	outcome, err := d.Invoke(reflect.ValueOf(&calcService{}), context.Background(), args).Get()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got error body %q", outcome.Body)
	}
	reply := chunkbuffer.New(0)
	reply.Write(outcome.Body)
	got, err := wire.ReadInt32(reply)
	if err != nil || got != 5 {
		t.Fatalf("got %d, %v, want 5, nil", got, err)
	}
}

func TestDispatchErrorOutcome(t *testing.T) {
	tbl := newTestTable(t)
	d := tbl.ByName("Divide")

	body := chunkbuffer.New(0)
	wire.WriteInt32(body, 10)
	wire.WriteInt32(body, 0)

	args, _ := d.DecodeParams(body)
	outcome, err := d.Invoke(reflect.ValueOf(&calcService{}), context.Background(), args).Get()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if outcome.Success {
		t.Fatalf("expected a failure outcome for divide by zero")
	}
	reply := chunkbuffer.New(0)
	reply.Write(outcome.Body)
	msg, err := wire.ReadString(reply)
	if err != nil || msg != "division by zero" {
		t.Fatalf("got %q, %v", msg, err)
	}
}

func TestDispatchVoid(t *testing.T) {
	tbl := newTestTable(t)
	d := tbl.ByName("SetText")

	body := chunkbuffer.New(0)
	wire.WriteString(body, "hello")
	args, _ := d.DecodeParams(body)
	outcome, err := d.Invoke(reflect.ValueOf(&calcService{}), context.Background(), args).Get()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !outcome.Success || len(outcome.Body) != 0 {
		t.Fatalf("void method outcome = %+v, want success with an empty body", outcome)
	}
}

func TestDispatchFutureValuedMethodSettlesAsynchronously(t *testing.T) {
	tbl := newTestTable(t)
	d := tbl.ByName("AddAsync")

	body := chunkbuffer.New(0)
	wire.WriteInt32(body, 4)
	wire.WriteInt32(body, 6)
	args, _ := d.DecodeParams(body)

	outcome, err := d.Invoke(reflect.ValueOf(&calcService{}), context.Background(), args).Get()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	reply := chunkbuffer.New(0)
	reply.Write(outcome.Body)
	got, err := wire.ReadInt32(reply)
	if err != nil || got != 10 {
		t.Fatalf("got %d, %v, want 10, nil", got, err)
	}
}

func TestParamsFromAnyRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	d := tbl.ByName("AddStrings")

	args, err := d.ParamsFromAny([]anyvalue.Value{anyvalue.String("foo"), anyvalue.String("bar")})
	if err != nil {
		t.Fatalf("ParamsFromAny: %v", err)
	}
	outcome, err := d.Invoke(reflect.ValueOf(&calcService{}), context.Background(), args).Get()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	reply := chunkbuffer.New(0)
	reply.Write(outcome.Body)
	got, err := wire.ReadString(reply)
	if err != nil || got != "foobar" {
		t.Fatalf("got %q, %v, want foobar, nil", got, err)
	}
}

func TestParamsFromAnyRejectsWrongArity(t *testing.T) {
	tbl := newTestTable(t)
	d := tbl.ByName("Add")
	if _, err := d.ParamsFromAny([]anyvalue.Value{anyvalue.Int32(1)}); err == nil {
		t.Fatalf("expected an arity error")
	}
}

func TestDescriptorRecognisesLeadingContextParameter(t *testing.T) {
	tbl := newTestTable(t)
	d := tbl.ByName("TaggedWithContext")
	if !d.TakesContext {
		t.Fatalf("TaggedWithContext should have TakesContext set")
	}
	if d.NumParams() != 1 {
		t.Fatalf("NumParams = %d, want 1 (context.Context must not count as a wire parameter)", d.NumParams())
	}

	body := chunkbuffer.New(0)
	wire.WriteInt32(body, 10)
	args, err := d.DecodeParams(body)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}

	ctx := context.WithValue(context.Background(), ctxKey{}, int32(5))
	outcome, err := d.Invoke(reflect.ValueOf(&calcService{}), ctx, args).Get()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	reply := chunkbuffer.New(0)
	reply.Write(outcome.Body)
	got, err := wire.ReadInt32(reply)
	if err != nil || got != 15 {
		t.Fatalf("got %d, %v, want 15, nil", got, err)
	}
}

func TestEncodeParamsAndDecodeReturnRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	d := tbl.ByName("Add")

	body, err := d.EncodeParams(int32(4), int32(5))
	if err != nil {
		t.Fatalf("EncodeParams: %v", err)
	}
	buf := chunkbuffer.New(0)
	buf.Write(body)
	args, err := d.DecodeParams(buf)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	outcome, err := d.Invoke(reflect.ValueOf(&calcService{}), context.Background(), args).Get()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	ret, err := d.DecodeReturn(outcome.Body)
	if err != nil {
		t.Fatalf("DecodeReturn: %v", err)
	}
	if ret.(int32) != 9 {
		t.Fatalf("DecodeReturn = %v, want 9", ret)
	}
}

func TestEncodeParamsRejectsWrongType(t *testing.T) {
	tbl := newTestTable(t)
	d := tbl.ByName("Add")
	if _, err := d.EncodeParams(int32(1), "not an int32"); err == nil {
		t.Fatalf("expected a type mismatch error")
	}
}

func TestReflectToAnyRoundTrip(t *testing.T) {
	v, err := reflectToAny(reflect.ValueOf(int32(42)))
	if err != nil {
		t.Fatalf("reflectToAny: %v", err)
	}
	got, ok := v.AsInt32()
	if !ok || got != 42 {
		t.Fatalf("got %d, %v, want 42, true", got, ok)
	}
}
