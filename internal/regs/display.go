package regs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotImplemented is returned for architectures that have no mapping
// between a Display and a Context.
var ErrNotImplemented = errors.New("no register context mapping for architecture")

// MaxRegs bounds the register file of every supported architecture.
const MaxRegs = 34

// Slot is one register of a Display.
type Slot struct {
	Value uint64
	// Addr is the target address the unwinder restored the value from. It is
	// 0 when the value came from a context or was computed.
	Addr uint64
}

// Saved reports whether the value was found saved in target memory.
func (s Slot) Saved() bool { return s.Addr != 0 }

// Display is the unwinder's working copy of the registers of one frame.
//
// A Display is a plain value; copying it yields an independent snapshot.
type Display struct {
	Arch Arch
	Regs [MaxRegs]Slot
	SP   uint64
	PC   uint64
	// First is set while the display describes the currently executing
	// frame rather than an unwound caller.
	First bool
}

// Reg returns the value of register reg, or 0 if reg is out of range.
func (d *Display) Reg(reg int) uint64 {
	if reg < 0 || reg >= d.Arch.NumRegs() {
		return 0
	}
	switch reg {
	case d.Arch.SPReg():
		return d.SP
	case d.Arch.PCReg():
		return d.PC
	}
	return d.Regs[reg].Value
}

// SetReg sets register reg to a computed value.
func (d *Display) SetReg(reg int, v uint64) {
	d.SetSaved(reg, v, 0)
}

// SetSaved sets register reg to a value restored from addr.
func (d *Display) SetSaved(reg int, v uint64, addr uint64) {
	if reg < 0 || reg >= d.Arch.NumRegs() {
		return
	}
	d.Regs[reg] = Slot{Value: v, Addr: addr}
	switch reg {
	case d.Arch.SPReg():
		d.SP = v
	case d.Arch.PCReg():
		d.PC = v
	}
}

// SetSP moves the stack pointer.
func (d *Display) SetSP(v uint64) { d.SetReg(d.Arch.SPReg(), v) }

// SetPC moves the program counter.
func (d *Display) SetPC(v uint64) { d.SetReg(d.Arch.PCReg(), v) }

// FP returns the frame pointer.
func (d *Display) FP() uint64 { return d.Reg(d.Arch.FPReg()) }

// ControlPC returns the address used to attribute the frame to code. For
// unwound frames the PC is a return address, which may lie past the end of
// the calling method, so the call instruction is used instead.
func (d *Display) ControlPC() uint64 {
	if d.First || d.PC == 0 {
		return d.PC
	}
	return d.PC - 1
}

func (d *Display) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "{arch=%s pc=%#x sp=%#x first=%t", d.Arch, d.PC, d.SP, d.First)
	for i := 0; i < d.Arch.NumRegs(); i++ {
		if i == d.Arch.SPReg() || i == d.Arch.PCReg() {
			continue
		}
		if s := d.Regs[i]; s.Value != 0 {
			fmt.Fprintf(&sb, " %s=%#x", d.Arch.RegName(i), s.Value)
		}
	}
	sb.WriteString("}")
	return sb.String()
}

// Arch identifies the instruction set of the target.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchAMD64
	ArchARM64
)

// archInfo describes the register file of an architecture and how it maps to
// a Context. fill and update are nil for architectures without a mapping.
type archInfo struct {
	name     string
	regNames []string
	spReg    int
	fpReg    int
	pcReg    int
	// frameRecord is the distance from the frame pointer to the caller's
	// stack pointer for a standard frame-pointer prologue.
	frameRecord uint64
	fill        func(d *Display, ctx *Context)
	update      func(d *Display, ctx *Context)
}

var archs = map[Arch]*archInfo{}

// ParseArch parses an architecture name as used by GOARCH.
func ParseArch(s string) (Arch, error) {
	for a, info := range archs {
		if info.name == s {
			return a, nil
		}
	}
	return ArchUnknown, fmt.Errorf("unknown architecture %q", s)
}

func (a Arch) info() *archInfo {
	if info, ok := archs[a]; ok {
		return info
	}
	return &archInfo{name: "unknown", spReg: -1, fpReg: -1, pcReg: -1}
}

func (a Arch) String() string { return a.info().name }

// PtrSize is the size of a target pointer in bytes.
func (a Arch) PtrSize() int { return 8 }

// NumRegs returns the number of registers tracked in a Display.
func (a Arch) NumRegs() int { return len(a.info().regNames) }

// SPReg returns the register number of the stack pointer.
func (a Arch) SPReg() int { return a.info().spReg }

// FPReg returns the register number of the frame pointer.
func (a Arch) FPReg() int { return a.info().fpReg }

// PCReg returns the register number of the program counter.
func (a Arch) PCReg() int { return a.info().pcReg }

// FrameRecordSize returns the distance between a frame pointer and the CFA of
// its frame under the standard frame-pointer prologue.
func (a Arch) FrameRecordSize() uint64 { return a.info().frameRecord }

// RegName returns the conventional name of register reg.
func (a Arch) RegName(reg int) string {
	names := a.info().regNames
	if reg < 0 || reg >= len(names) {
		return fmt.Sprintf("r%d", reg)
	}
	return names[reg]
}

// RegByName is the inverse of RegName.
func (a Arch) RegByName(name string) (int, bool) {
	for i, n := range a.info().regNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// FillDisplay seeds d from ctx. The First flag is left untouched.
func (a Arch) FillDisplay(d *Display, ctx *Context) error {
	info := a.info()
	if info.fill == nil {
		return fmt.Errorf("%w: %s", ErrNotImplemented, info.name)
	}
	first := d.First
	*d = Display{Arch: a, First: first}
	info.fill(d, ctx)
	return nil
}

// UpdateContext copies the registers tracked by d into ctx. Fields d does not
// track keep their values.
func (a Arch) UpdateContext(d *Display, ctx *Context) error {
	info := a.info()
	if info.update == nil {
		return fmt.Errorf("%w: %s", ErrNotImplemented, info.name)
	}
	info.update(d, ctx)
	return nil
}
