package metadata

import (
	"fmt"
	"sort"
)

// Table is an in-memory implementation of CodeMap, SignatureProvider and
// VarLocationProvider.
type Table struct {
	methods methodsByStart
	byID    map[MethodHandle]*methodEntry
}

type methodEntry struct {
	method *Method
	sig    *Signature
	vars   []VarInfo
}

var (
	_ CodeMap             = (*Table)(nil)
	_ SignatureProvider   = (*Table)(nil)
	_ VarLocationProvider = (*Table)(nil)
)

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{byID: make(map[MethodHandle]*methodEntry)}
}

// AddMethod registers a method with its signature and variable location
// table. sig may be nil for methods whose signature cannot be resolved.
func (t *Table) AddMethod(m *Method, sig *Signature, vars []VarInfo) error {
	if m.Handle == 0 {
		return fmt.Errorf("method %q has no handle", m.Name)
	}
	if _, ok := t.byID[m.Handle]; ok {
		return fmt.Errorf("duplicate method handle %v", m.Handle)
	}
	if m.CodeSize == 0 {
		return fmt.Errorf("method %q has no code", m.Name)
	}
	i := sort.Search(len(t.methods), func(i int) bool {
		return t.methods[i].CodeStart >= m.CodeStart
	})
	if i < len(t.methods) && t.methods[i].CodeStart < m.CodeStart+m.CodeSize {
		return fmt.Errorf("method %q overlaps %q", m.Name, t.methods[i].Name)
	}
	if i > 0 && t.methods[i-1].Contains(m.CodeStart) {
		return fmt.Errorf("method %q overlaps %q", m.Name, t.methods[i-1].Name)
	}
	t.methods = append(t.methods, nil)
	copy(t.methods[i+1:], t.methods[i:])
	t.methods[i] = m
	t.byID[m.Handle] = &methodEntry{method: m, sig: sig, vars: vars}
	return nil
}

// Method returns the method with the given handle.
func (t *Table) Method(h MethodHandle) (*Method, bool) {
	e, ok := t.byID[h]
	if !ok {
		return nil, false
	}
	return e.method, true
}

// Lookup implements CodeMap.
func (t *Table) Lookup(pc uint64) (*Method, bool) {
	return t.methods.lookup(pc)
}

// Signature implements SignatureProvider.
func (t *Table) Signature(h MethodHandle) (*Signature, error) {
	e, ok := t.byID[h]
	if !ok || e.sig == nil {
		return nil, fmt.Errorf("%w: signature of %v", ErrNotFound, h)
	}
	return e.sig, nil
}

// VarLocations implements VarLocationProvider. The whole table of the method
// is returned; callers select the entries live at codeOffset.
func (t *Table) VarLocations(h MethodHandle, codeOffset uint32) ([]VarInfo, error) {
	e, ok := t.byID[h]
	if !ok {
		return nil, fmt.Errorf("%w: variable locations of %v", ErrNotFound, h)
	}
	if m := e.method; uint64(codeOffset) >= m.CodeSize {
		return nil, fmt.Errorf("code offset %#x outside of %q", codeOffset, m.Name)
	}
	return e.vars, nil
}
