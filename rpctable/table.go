// Package rpctable implements the typed RPC table: a reflect-backed
// registry mapping a small integer rpcid (and, for the generic call path,
// a method name) to the descriptor needed to decode its parameters,
// invoke it, and encode its reply.
package rpctable

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/ruifig/rpcgo/wire"
)

// Table is the ordered set of RPC methods exposed by one interface type.
// Index 0 is reserved (wire.GenericRPCID) for the name-dispatched generic
// call path and never holds a descriptor of its own; Descriptor lookups
// for it always go through ByName.
type Table struct {
	byID   []*Descriptor
	byName map[string]*Descriptor
}

// New builds a Table from every exported method of sample's type (sample
// is typically a nil typed pointer, e.g. (*Calculator)(nil), used only so
// reflect can enumerate the method set). Methods are assigned rpcids in
// name order, starting at 1, so that two processes built from the same
// Go interface always agree on numbering without needing an out-of-band
// schema exchange.
func New(sample any) (*Table, error) {
	t := reflect.TypeOf(sample)
	if t == nil {
		return nil, fmt.Errorf("rpctable: sample must be a non-nil typed value")
	}

	type named struct {
		name   string
		method reflect.Method
	}
	methods := make([]named, 0, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		methods = append(methods, named{m.Name, m})
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].name < methods[j].name })

	if len(methods) > 255 {
		return nil, fmt.Errorf("rpctable: %s has %d methods, more than the 255 a single byte rpcid can address", t, len(methods))
	}

	tbl := &Table{
		byID:   make([]*Descriptor, len(methods)+1),
		byName: make(map[string]*Descriptor, len(methods)),
	}
	for i, m := range methods {
		rpcid := uint8(i + 1)
		d, err := newDescriptor(rpcid, m.method)
		if err != nil {
			return nil, err
		}
		tbl.byID[rpcid] = d
		tbl.byName[d.Name] = d
	}
	return tbl, nil
}

// ByID returns the descriptor for a non-generic rpcid, or nil if out of
// range or reserved.
func (t *Table) ByID(rpcid uint8) *Descriptor {
	if rpcid == wire.GenericRPCID || int(rpcid) >= len(t.byID) {
		return nil
	}
	return t.byID[rpcid]
}

// ByName returns the descriptor for a method, used both to resolve a
// generic (name-dispatched) call and to let a caller look up the rpcid to
// use for the fast typed path.
func (t *Table) ByName(name string) *Descriptor {
	return t.byName[name]
}

// Len reports how many methods are registered (not counting the reserved
// generic slot).
func (t *Table) Len() int { return len(t.byName) }
