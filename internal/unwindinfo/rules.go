package unwindinfo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
)

// ErrInvalidProgram is returned for programs that cannot be decoded.
var ErrInvalidProgram = errors.New("invalid unwind program")

// SavedRegister is a callee-saved register stored in the frame.
type SavedRegister struct {
	Reg       int
	CFAOffset int64
}

// Rules describe how to unwind one frame.
type Rules struct {
	CFAReg    int
	CFAOffset int64
	// RAOffset locates the return address relative to the CFA.
	RAOffset int64
	Saved    []SavedRegister
}

func (r Rules) String() string {
	s := fmt.Sprintf("cfa=r%d%+d ra=cfa%+d", r.CFAReg, r.CFAOffset, r.RAOffset)
	for _, sr := range r.Saved {
		s += fmt.Sprintf(" r%d=cfa%+d", sr.Reg, sr.CFAOffset)
	}
	return s
}

// FramePointerRules are the rules for a method with a standard frame-pointer
// prologue: the caller's frame pointer is saved at the frame pointer and the
// return address sits just above it.
func FramePointerRules(arch regs.Arch) Rules {
	rec := int64(arch.FrameRecordSize())
	ptr := int64(arch.PtrSize())
	return Rules{
		CFAReg:    arch.FPReg(),
		CFAOffset: rec,
		RAOffset:  -ptr,
		Saved: []SavedRegister{
			{Reg: arch.FPReg(), CFAOffset: -rec},
		},
	}
}

// Eval runs an unwind program and returns the resulting rules. A program
// must define the CFA and the return address before its end.
func Eval(prog []byte) (Rules, error) {
	d := MakeOpDecoder(prog)
	var r Rules
	var haveCFA, haveRA bool
	for {
		at := d.PC()
		op := d.PopOpCode()
		switch op {
		case OpCodeInvalid:
			return Rules{}, fmt.Errorf("%w: bad operation at %d", ErrInvalidProgram, at)
		case OpCodeDefCFA:
			o := d.DecodeDefCFA()
			r.CFAReg, r.CFAOffset = int(o.Reg), int64(o.Offset)
			haveCFA = true
		case OpCodeDefCFARegister:
			o := d.DecodeDefCFARegister()
			if !haveCFA {
				return Rules{}, fmt.Errorf("%w: %v before def_cfa at %d", ErrInvalidProgram, op, at)
			}
			r.CFAReg = int(o.Reg)
		case OpCodeDefCFAOffset:
			o := d.DecodeDefCFAOffset()
			if !haveCFA {
				return Rules{}, fmt.Errorf("%w: %v before def_cfa at %d", ErrInvalidProgram, op, at)
			}
			r.CFAOffset = int64(o.Offset)
		case OpCodeSavedRegister:
			o := d.DecodeSavedRegister()
			r.Saved = setSaved(r.Saved, int(o.Reg), int64(o.CFAOffset))
		case OpCodeReturnAddress:
			o := d.DecodeReturnAddress()
			r.RAOffset = int64(o.CFAOffset)
			haveRA = true
		case OpCodeEnd:
			d.DecodeEnd()
			if !haveCFA || !haveRA {
				return Rules{}, fmt.Errorf("%w: incomplete rules", ErrInvalidProgram)
			}
			return r, nil
		}
	}
}

// setSaved records reg, replacing an earlier rule for the same register.
func setSaved(saved []SavedRegister, reg int, off int64) []SavedRegister {
	for i := range saved {
		if saved[i].Reg == reg {
			saved[i].CFAOffset = off
			return saved
		}
	}
	return append(saved, SavedRegister{Reg: reg, CFAOffset: off})
}

// Builder assembles unwind programs.
type Builder struct {
	buf []byte
}

func (b *Builder) op(code OpCode) *Builder {
	b.buf = append(b.buf, byte(code))
	return b
}

func (b *Builder) i32(v int32) *Builder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(v))
	return b
}

// DefCFA appends an OpDefCFA.
func (b *Builder) DefCFA(reg uint8, offset int32) *Builder {
	b.op(OpCodeDefCFA)
	b.buf = append(b.buf, reg)
	return b.i32(offset)
}

// DefCFARegister appends an OpDefCFARegister.
func (b *Builder) DefCFARegister(reg uint8) *Builder {
	b.op(OpCodeDefCFARegister)
	b.buf = append(b.buf, reg)
	return b
}

// DefCFAOffset appends an OpDefCFAOffset.
func (b *Builder) DefCFAOffset(offset int32) *Builder {
	return b.op(OpCodeDefCFAOffset).i32(offset)
}

// SavedRegister appends an OpSavedRegister.
func (b *Builder) SavedRegister(reg uint8, cfaOffset int32) *Builder {
	b.op(OpCodeSavedRegister)
	b.buf = append(b.buf, reg)
	return b.i32(cfaOffset)
}

// ReturnAddress appends an OpReturnAddress.
func (b *Builder) ReturnAddress(cfaOffset int32) *Builder {
	return b.op(OpCodeReturnAddress).i32(cfaOffset)
}

// End terminates the program and returns it.
func (b *Builder) End() []byte {
	b.op(OpCodeEnd)
	return b.buf
}
