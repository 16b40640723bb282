// Package metadata describes the managed code of the target: where methods
// live, their signatures, and where the compiler put their variables.
package metadata

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned by providers that have nothing for a method.
var ErrNotFound = errors.New("metadata not found")

// MethodHandle identifies a method descriptor in the target.
type MethodHandle uint64

func (h MethodHandle) String() string { return fmt.Sprintf("method@%#x", uint64(h)) }

// TypeKind is how a value of a type is interpreted.
type TypeKind uint8

const (
	KindUnknown TypeKind = iota
	KindPrimitive
	KindReference
	KindValueType
)

func (k TypeKind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindReference:
		return "reference"
	case KindValueType:
		return "valuetype"
	default:
		return "unknown"
	}
}

// TypeRef describes the type of a parameter, local, or receiver.
type TypeRef struct {
	Name   string
	Kind   TypeKind
	Size   uint32
	Handle uint64
}

// IsNull reports whether the type could not be loaded.
func (t TypeRef) IsNull() bool { return t.Kind == KindUnknown }

func (t TypeRef) String() string {
	if t.IsNull() {
		return "<unknown>"
	}
	return t.Name
}

// Well-known primitive types.
var (
	BoolType    = TypeRef{Name: "System.Boolean", Kind: KindPrimitive, Size: 1}
	Int16Type   = TypeRef{Name: "System.Int16", Kind: KindPrimitive, Size: 2}
	Int32Type   = TypeRef{Name: "System.Int32", Kind: KindPrimitive, Size: 4}
	Int64Type   = TypeRef{Name: "System.Int64", Kind: KindPrimitive, Size: 8}
	UInt64Type  = TypeRef{Name: "System.UInt64", Kind: KindPrimitive, Size: 8}
	Float32Type = TypeRef{Name: "System.Single", Kind: KindPrimitive, Size: 4}
	Float64Type = TypeRef{Name: "System.Double", Kind: KindPrimitive, Size: 8}
	ObjectType  = TypeRef{Name: "System.Object", Kind: KindReference, Size: 8}
)

// Signature is the resolved signature of a method.
type Signature struct {
	// HasThis is set for methods with an implicit receiver. The receiver is
	// not part of Params.
	HasThis bool
	Params  []TypeRef
	// ParamNames are the declared parameter names, indexed like Params.
	// Missing or empty entries have no name.
	ParamNames []string
	// Locals is nil when the method has no recoverable local variable
	// signature.
	Locals []TypeRef
}

// NumArgs returns the number of arguments including the receiver.
func (s *Signature) NumArgs() int {
	if s.HasThis {
		return len(s.Params) + 1
	}
	return len(s.Params)
}

// HasLocals reports whether a local variable signature is available.
func (s *Signature) HasLocals() bool { return s.Locals != nil }

// ParamName returns the name of the declared parameter at i, excluding the
// receiver.
func (s *Signature) ParamName(i int) string {
	if i < 0 || i >= len(s.ParamNames) {
		return ""
	}
	return s.ParamNames[i]
}

// Method describes one compiled managed method.
type Method struct {
	Handle MethodHandle
	Name   string
	// Owner is the type declaring the method; it is the type of the receiver.
	Owner     TypeRef
	Domain    uint64
	CodeStart uint64
	CodeSize  uint64
	// Unwind is the method's unwind program. Methods without one are unwound
	// by following frame pointers.
	Unwind []byte
}

// Contains reports whether pc lies within the method's code.
func (m *Method) Contains(pc uint64) bool {
	return pc >= m.CodeStart && pc-m.CodeStart < m.CodeSize
}

// CodeOffset returns the offset of pc from the start of the method.
func (m *Method) CodeOffset(pc uint64) uint32 {
	return uint32(pc - m.CodeStart)
}

// CodeMap maps code addresses to methods.
type CodeMap interface {
	Lookup(pc uint64) (*Method, bool)
}

// SignatureProvider resolves method signatures.
type SignatureProvider interface {
	Signature(h MethodHandle) (*Signature, error)
}

// VarLocationProvider resolves the variable location table of a method at a
// code offset.
type VarLocationProvider interface {
	VarLocations(h MethodHandle, codeOffset uint32) ([]VarInfo, error)
}

// methodsByStart is a sorted set of methods searched by code address, the
// same way PCs are classified against a sorted table of target PCs.
type methodsByStart []*Method

func (ms methodsByStart) lookup(pc uint64) (*Method, bool) {
	i := sort.Search(len(ms), func(i int) bool {
		return ms[i].CodeStart > pc
	})
	if i == 0 {
		return nil, false
	}
	m := ms[i-1]
	if !m.Contains(pc) {
		return nil, false
	}
	return m, true
}
