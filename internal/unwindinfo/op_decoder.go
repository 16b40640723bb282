// Package unwindinfo contains the compact unwind programs the compiler emits
// for managed methods and the logic to turn them into unwind rules.
//
// A program is a sequence of little-endian encoded operations describing, for
// the body of a method, how to compute the canonical frame address (CFA) from
// a register and where the return address and callee-saved registers were
// stored relative to it.
package unwindinfo

import (
	"encoding/binary"
	"fmt"
)

// OpDecoder is a decoder for unwind operations.
type OpDecoder struct {
	pc    uint32
	opBuf []byte
}

// MakeOpDecoder creates a new OpDecoder.
func MakeOpDecoder(opBuf []byte) OpDecoder {
	return OpDecoder{
		pc:    0,
		opBuf: opBuf,
	}
}

// PC returns the offset of the next operation.
func (d *OpDecoder) PC() uint32 {
	return d.pc
}

// Done reports whether the whole program has been consumed.
func (d *OpDecoder) Done() bool {
	return d.pc >= uint32(len(d.opBuf))
}

type OpCode uint8

const (
	OpCodeInvalid        OpCode = 0
	OpCodeDefCFA         OpCode = 1
	OpCodeSavedRegister  OpCode = 2
	OpCodeReturnAddress  OpCode = 3
	OpCodeEnd            OpCode = 4
	OpCodeDefCFARegister OpCode = 5
	OpCodeDefCFAOffset   OpCode = 6
)

func (op OpCode) String() string {
	switch op {
	case OpCodeDefCFA:
		return "def_cfa"
	case OpCodeSavedRegister:
		return "saved_register"
	case OpCodeReturnAddress:
		return "return_address"
	case OpCodeEnd:
		return "end"
	case OpCodeDefCFARegister:
		return "def_cfa_register"
	case OpCodeDefCFAOffset:
		return "def_cfa_offset"
	default:
		return fmt.Sprintf("OpCode(%d)", uint8(op))
	}
}

// operandSize is the number of bytes following each opcode.
var operandSize = map[OpCode]uint32{
	OpCodeDefCFA:         1 + 4,
	OpCodeSavedRegister:  1 + 4,
	OpCodeReturnAddress:  4,
	OpCodeEnd:            0,
	OpCodeDefCFARegister: 1,
	OpCodeDefCFAOffset:   4,
}

type (
	// OpDefCFA sets CFA = Reg + Offset.
	OpDefCFA struct {
		Reg    uint8
		Offset int32
	}
	// OpDefCFARegister changes the CFA register, keeping the offset.
	OpDefCFARegister struct {
		Reg uint8
	}
	// OpDefCFAOffset changes the CFA offset, keeping the register.
	OpDefCFAOffset struct {
		Offset int32
	}
	// OpSavedRegister records that Reg was saved at CFA + CFAOffset.
	OpSavedRegister struct {
		Reg       uint8
		CFAOffset int32
	}
	// OpReturnAddress records that the return address is at CFA + CFAOffset.
	OpReturnAddress struct {
		CFAOffset int32
	}
	OpEnd struct{}
)

// PopOpCode returns the next opcode, checking that its operands are present.
// A truncated or unknown operation decodes as OpCodeInvalid.
func (d *OpDecoder) PopOpCode() OpCode {
	if d.Done() {
		return OpCodeInvalid
	}
	code := OpCode(d.opBuf[d.pc])
	n, ok := operandSize[code]
	if !ok || d.pc+1+n > uint32(len(d.opBuf)) {
		return OpCodeInvalid
	}
	d.pc += 1
	return code
}

func (d *OpDecoder) DecodeDefCFA() OpDefCFA {
	op := OpDefCFA{
		Reg:    d.opBuf[d.pc],
		Offset: int32(binary.LittleEndian.Uint32(d.opBuf[d.pc+1:])),
	}
	d.pc += 5
	return op
}

func (d *OpDecoder) DecodeDefCFARegister() OpDefCFARegister {
	op := OpDefCFARegister{Reg: d.opBuf[d.pc]}
	d.pc += 1
	return op
}

func (d *OpDecoder) DecodeDefCFAOffset() OpDefCFAOffset {
	op := OpDefCFAOffset{Offset: int32(binary.LittleEndian.Uint32(d.opBuf[d.pc:]))}
	d.pc += 4
	return op
}

func (d *OpDecoder) DecodeSavedRegister() OpSavedRegister {
	op := OpSavedRegister{
		Reg:       d.opBuf[d.pc],
		CFAOffset: int32(binary.LittleEndian.Uint32(d.opBuf[d.pc+1:])),
	}
	d.pc += 5
	return op
}

func (d *OpDecoder) DecodeReturnAddress() OpReturnAddress {
	op := OpReturnAddress{CFAOffset: int32(binary.LittleEndian.Uint32(d.opBuf[d.pc:]))}
	d.pc += 4
	return op
}

func (d *OpDecoder) DecodeEnd() OpEnd {
	return OpEnd{}
}
