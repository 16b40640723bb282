package stackwalk

import (
	"encoding/binary"
	"fmt"

	"github.com/DataExMachina-dev/stackwalk-go/internal/metadata"
	"github.com/DataExMachina-dev/stackwalk-go/internal/target"
)

// ValueFlags say how the bytes of a Value are to be interpreted.
type ValueFlags uint32

const (
	ValueIsPrimitive ValueFlags = 1 << iota
	ValueIsValueType
	ValueIsReference
	// ValueTypeUncertain is set when the type of the variable could not be
	// determined and UInt64 was substituted so that its storage can still be
	// inspected.
	ValueTypeUncertain
)

// NoReg is the Location.Reg of memory locations.
const NoReg = -1

// Location is one piece of storage of a value.
type Location struct {
	// Reg is the register holding the piece, or NoReg if it is in memory at
	// Addr.
	Reg  int
	Addr uint64
	Size uint32
}

// InRegister reports whether the piece lives in a register.
func (l Location) InRegister() bool { return l.Reg != NoReg }

// Value is a resolved argument or local variable. A Value with no locations
// is one whose storage was eliminated at the current code offset; its type
// is still known.
type Value struct {
	frame *Frame
	typ   metadata.TypeRef
	flags ValueFlags
	locs  []Location
	addr  uint64
}

// Type returns the static type of the value.
func (v *Value) Type() TypeRef { return v.typ }

// Flags returns how the value is interpreted.
func (v *Value) Flags() ValueFlags { return v.flags }

// Locations returns the storage of the value, in order from the low to the
// high part.
func (v *Value) Locations() []Location {
	return append([]Location(nil), v.locs...)
}

// Address returns the address of a value stored in one piece of memory.
func (v *Value) Address() (uint64, bool) {
	return v.addr, v.addr != 0
}

// Size returns the total size of the storage of the value.
func (v *Value) Size() uint64 {
	var n uint64
	for _, l := range v.locs {
		n += uint64(l.Size)
	}
	return n
}

// Bytes reads the storage of the value: registers from the frame's captured
// registers, memory from the target. It is Unavailable for values without
// storage.
func (v *Value) Bytes() (_ []byte, err error) {
	const op = "Value.Bytes"
	f := v.frame
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return nil, err
	}
	if len(v.locs) == 0 {
		return nil, errorf(Unavailable, "value has no storage")
	}
	out := make([]byte, 0, v.Size())
	for _, l := range v.locs {
		if l.InRegister() {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], f.display.Reg(l.Reg))
			piece := make([]byte, l.Size)
			copy(piece, buf[:])
			out = append(out, piece...)
			continue
		}
		piece := make([]byte, l.Size)
		if err := f.t.reader.ReadMemory(l.Addr, piece); err != nil {
			return nil, fmt.Errorf("failed to read value at %#x: %w", l.Addr, err)
		}
		out = append(out, piece...)
	}
	return out, nil
}

// resolve builds the value of signature slot sigIndex whose storage is
// described by location table slot varSlot.
func (f *Frame) resolve(sig *metadata.Signature, isArg bool, sigIndex int, varSlot uint32) (*Value, error) {
	var locs []Location
	if vi, ok := f.varInfo(varSlot); ok {
		var err error
		if locs, err = f.nativeLocations(vi.Loc); err != nil {
			return nil, err
		}
	}
	v := &Value{frame: f, locs: locs}
	if len(locs) == 1 && !locs[0].InRegister() {
		v.addr = locs[0].Addr
	}

	if isArg && sigIndex == 0 && sig.HasThis {
		v.typ, v.flags = f.method.Owner, ValueIsReference
		if v.typ.IsNull() {
			v.typ = metadata.ObjectType
		}
		return v, nil
	}
	types := sig.Locals
	if isArg {
		types = sig.Params
		// The receiver is not part of the declared parameters.
		if sig.HasThis {
			sigIndex--
		}
	}
	if sigIndex < len(types) {
		v.typ = types[sigIndex]
	}
	if v.typ.IsNull() {
		v.typ, v.flags = metadata.UInt64Type, ValueTypeUncertain
		return v, nil
	}
	v.flags = flagsForType(v.typ)
	// A primitive narrower than its storage only occupies the low bytes.
	if v.flags&ValueIsPrimitive != 0 && len(v.locs) == 1 && v.typ.Size != 0 && v.typ.Size < v.locs[0].Size {
		v.locs[0].Size = v.typ.Size
	}
	return v, nil
}

func flagsForType(t metadata.TypeRef) ValueFlags {
	switch t.Kind {
	case metadata.KindPrimitive:
		return ValueIsPrimitive
	case metadata.KindValueType:
		return ValueIsValueType
	case metadata.KindReference:
		return ValueIsReference
	default:
		return 0
	}
}

// varInfo finds where varSlot lives at the frame's code offset. Missing
// location tables are treated like missing entries: optimized code may have
// none.
func (f *Frame) varInfo(varSlot uint32) (metadata.VarInfo, bool) {
	pc := f.display.ControlPC()
	if !f.method.Contains(pc) {
		return metadata.VarInfo{}, false
	}
	off := f.method.CodeOffset(pc)
	infos, err := f.t.vars.VarLocations(f.method.Handle, off)
	if err != nil {
		f.t.logf("%s: no variable locations at +%#x: %v", f.method.Name, off, err)
		return metadata.VarInfo{}, false
	}
	return metadata.FindVarInfo(infos, varSlot, off)
}

// nativeLocations translates a location descriptor into storage using the
// frame's registers.
func (f *Frame) nativeLocations(loc metadata.VarLoc) ([]Location, error) {
	d := &f.display
	ptr := uint32(d.Arch.PtrSize())
	stack := func() uint64 { return d.Reg(loc.BaseReg) + uint64(int64(loc.Offset)) }
	switch loc.Kind {
	case metadata.VLTReg:
		return []Location{{Reg: loc.Reg, Size: ptr}}, nil
	case metadata.VLTRegByRef:
		return []Location{{Reg: NoReg, Addr: d.Reg(loc.Reg), Size: ptr}}, nil
	case metadata.VLTRegReg:
		return []Location{{Reg: loc.Reg, Size: ptr}, {Reg: loc.Reg2, Size: ptr}}, nil
	case metadata.VLTRegStack:
		return []Location{{Reg: loc.Reg, Size: ptr}, {Reg: NoReg, Addr: stack(), Size: ptr}}, nil
	case metadata.VLTStack:
		return []Location{{Reg: NoReg, Addr: stack(), Size: ptr}}, nil
	case metadata.VLTStackByRef:
		addr, err := target.ReadUint64(f.t.reader, stack())
		if err != nil {
			return nil, fmt.Errorf("failed to follow reference at %#x: %w", stack(), err)
		}
		return []Location{{Reg: NoReg, Addr: addr, Size: ptr}}, nil
	case metadata.VLTStackReg:
		return []Location{{Reg: NoReg, Addr: stack(), Size: ptr}, {Reg: loc.Reg2, Size: ptr}}, nil
	case metadata.VLTStack2:
		return []Location{{Reg: NoReg, Addr: stack(), Size: 2 * ptr}}, nil
	default:
		return nil, nil
	}
}
