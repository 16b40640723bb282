package metadata

import "fmt"

// VarLocKind is the shape of a variable location descriptor.
type VarLocKind uint8

const (
	// VLTInvalid marks an entry that carries no location.
	VLTInvalid VarLocKind = iota
	// VLTReg: the value is in Reg.
	VLTReg
	// VLTRegByRef: Reg holds the address of the value.
	VLTRegByRef
	// VLTRegReg: the value is split across Reg (low) and Reg2 (high).
	VLTRegReg
	// VLTRegStack: the low half is in Reg, the high half at BaseReg+Offset.
	VLTRegStack
	// VLTStack: the value is at BaseReg+Offset.
	VLTStack
	// VLTStackByRef: BaseReg+Offset holds the address of the value.
	VLTStackByRef
	// VLTStackReg: the low half is at BaseReg+Offset, the high half in Reg2.
	VLTStackReg
	// VLTStack2: a double-width value at BaseReg+Offset.
	VLTStack2
)

var varLocKindNames = [...]string{
	VLTInvalid:    "invalid",
	VLTReg:        "reg",
	VLTRegByRef:   "reg-byref",
	VLTRegReg:     "reg-reg",
	VLTRegStack:   "reg-stack",
	VLTStack:      "stack",
	VLTStackByRef: "stack-byref",
	VLTStackReg:   "stack-reg",
	VLTStack2:     "stack2",
}

func (k VarLocKind) String() string {
	if int(k) < len(varLocKindNames) {
		return varLocKindNames[k]
	}
	return fmt.Sprintf("VarLocKind(%d)", uint8(k))
}

// ParseVarLocKind is the inverse of VarLocKind.String.
func ParseVarLocKind(s string) (VarLocKind, error) {
	for k, name := range varLocKindNames {
		if name == s {
			return VarLocKind(k), nil
		}
	}
	return VLTInvalid, fmt.Errorf("unknown variable location kind %q", s)
}

// VarLoc is a variable location descriptor. Which fields are meaningful
// depends on Kind.
type VarLoc struct {
	Kind    VarLocKind
	Reg     int
	Reg2    int
	BaseReg int
	Offset  int32
}

// VarInfo places one variable slot for a range of native code offsets.
//
// Slots number the arguments first, receiver included, followed by the
// locals.
type VarInfo struct {
	Slot  uint32
	Start uint32
	// End is inclusive.
	End uint32
	Loc VarLoc
}

// Covers reports whether the entry is live at the code offset.
func (v *VarInfo) Covers(codeOffset uint32) bool {
	return v.Start <= codeOffset && codeOffset <= v.End
}

// FindVarInfo returns the first valid entry for slot that covers codeOffset.
func FindVarInfo(infos []VarInfo, slot uint32, codeOffset uint32) (VarInfo, bool) {
	for i := range infos {
		vi := &infos[i]
		if vi.Slot == slot && vi.Loc.Kind != VLTInvalid && vi.Covers(codeOffset) {
			return *vi, true
		}
	}
	return VarInfo{}, false
}
