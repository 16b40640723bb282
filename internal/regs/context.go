// Package regs contains the register state used while unwinding a thread: a
// platform context record with a flag-sectioned binary encoding, and the
// Display the unwinder mutates as it moves from frame to frame.
package regs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ContextFlags selects the sections of a Context that are present.
type ContextFlags uint32

const (
	// ContextControl covers Rip, Rsp, Rbp, EFlags, SegCs and SegSs.
	ContextControl ContextFlags = 1 << iota
	// ContextInteger covers the general purpose registers other than Rsp and
	// Rbp.
	ContextInteger
	// ContextSegments covers SegDs, SegEs, SegFs and SegGs.
	ContextSegments
	// ContextFloatingPoint covers the XMM registers.
	ContextFloatingPoint

	ContextFull = ContextControl | ContextInteger | ContextFloatingPoint
	ContextAll  = ContextFull | ContextSegments
)

// Encoded layout. Sections are laid out at fixed offsets so that a buffer
// sized for a subset of the sections is a prefix of the full record.
const (
	headerSize   = 8
	controlSize  = 3*8 + 4 + 2 + 2
	integerSize  = 14 * 8
	segmentsSize = 4 * 2
	floatSize    = 16 * 16

	controlOffset  = headerSize
	integerOffset  = controlOffset + controlSize
	segmentsOffset = integerOffset + integerSize
	floatOffset    = segmentsOffset + segmentsSize

	// MaxContextSize is the size of a record carrying every section.
	MaxContextSize = floatOffset + floatSize
)

var (
	ErrInvalidFlags   = errors.New("invalid context flags")
	ErrBufferTooSmall = errors.New("context buffer too small")
)

// Context is a thread register context in the amd64 layout.
type Context struct {
	Flags ContextFlags

	Rip, Rsp, Rbp uint64
	EFlags        uint32
	SegCs, SegSs  uint16

	Rax, Rcx, Rdx, Rbx uint64
	Rsi, Rdi           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	SegDs, SegEs, SegFs, SegGs uint16

	Xmm [16][16]byte
}

// Valid reports whether f names at least one known section and nothing else.
func (f ContextFlags) Valid() bool {
	return f != 0 && f&^ContextAll == 0
}

func (f ContextFlags) String() string {
	if f == 0 {
		return "none"
	}
	var s string
	add := func(bit ContextFlags, name string) {
		if f&bit == 0 {
			return
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	add(ContextControl, "control")
	add(ContextInteger, "integer")
	add(ContextSegments, "segments")
	add(ContextFloatingPoint, "float")
	if rest := f &^ ContextAll; rest != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("%#x", uint32(rest))
	}
	return s
}

// ContextSizeForFlags returns the number of bytes needed to encode a context
// with the given sections, or 0 if the flags are invalid.
func ContextSizeForFlags(f ContextFlags) int {
	if !f.Valid() {
		return 0
	}
	switch {
	case f&ContextFloatingPoint != 0:
		return floatOffset + floatSize
	case f&ContextSegments != 0:
		return segmentsOffset + segmentsSize
	case f&ContextInteger != 0:
		return integerOffset + integerSize
	default:
		return controlOffset + controlSize
	}
}

// CheckContextSizeForFlags reports whether a buffer of size bytes can hold a
// context with the given sections.
func CheckContextSizeForFlags(size int, f ContextFlags) bool {
	need := ContextSizeForFlags(f)
	return need != 0 && size >= need
}

// CheckContextSizeForInBuffer validates an encoded context against the flags
// recorded in its own header.
func CheckContextSizeForInBuffer(buf []byte) bool {
	if len(buf) < headerSize {
		return false
	}
	return CheckContextSizeForFlags(len(buf), ContextFlags(binary.LittleEndian.Uint32(buf)))
}

// Encode writes c into dst using c.Flags to select the sections. It returns
// the number of bytes written.
func (c *Context) Encode(dst []byte) (int, error) {
	size := ContextSizeForFlags(c.Flags)
	if size == 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFlags, c.Flags)
	}
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, size, len(dst))
	}
	b := dst[:size]
	for i := range b {
		b[i] = 0
	}
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(c.Flags))
	if c.Flags&ContextControl != 0 {
		o := b[controlOffset:]
		le.PutUint64(o[0:], c.Rip)
		le.PutUint64(o[8:], c.Rsp)
		le.PutUint64(o[16:], c.Rbp)
		le.PutUint32(o[24:], c.EFlags)
		le.PutUint16(o[28:], c.SegCs)
		le.PutUint16(o[30:], c.SegSs)
	}
	if c.Flags&ContextInteger != 0 {
		o := b[integerOffset:]
		for i, v := range c.integers() {
			le.PutUint64(o[i*8:], *v)
		}
	}
	if c.Flags&ContextSegments != 0 {
		o := b[segmentsOffset:]
		le.PutUint16(o[0:], c.SegDs)
		le.PutUint16(o[2:], c.SegEs)
		le.PutUint16(o[4:], c.SegFs)
		le.PutUint16(o[6:], c.SegGs)
	}
	if c.Flags&ContextFloatingPoint != 0 {
		o := b[floatOffset:]
		for i := range c.Xmm {
			copy(o[i*16:], c.Xmm[i][:])
		}
	}
	return size, nil
}

// DecodeContext parses an encoded context. Sections absent from the header
// flags are left zero.
func DecodeContext(src []byte) (Context, error) {
	if len(src) < headerSize {
		return Context{}, fmt.Errorf("%w: missing header", ErrBufferTooSmall)
	}
	le := binary.LittleEndian
	c := Context{Flags: ContextFlags(le.Uint32(src))}
	size := ContextSizeForFlags(c.Flags)
	if size == 0 {
		return Context{}, fmt.Errorf("%w: %v", ErrInvalidFlags, c.Flags)
	}
	if len(src) < size {
		return Context{}, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, size, len(src))
	}
	if c.Flags&ContextControl != 0 {
		o := src[controlOffset:]
		c.Rip = le.Uint64(o[0:])
		c.Rsp = le.Uint64(o[8:])
		c.Rbp = le.Uint64(o[16:])
		c.EFlags = le.Uint32(o[24:])
		c.SegCs = le.Uint16(o[28:])
		c.SegSs = le.Uint16(o[30:])
	}
	if c.Flags&ContextInteger != 0 {
		o := src[integerOffset:]
		for i, v := range c.integers() {
			*v = le.Uint64(o[i*8:])
		}
	}
	if c.Flags&ContextSegments != 0 {
		o := src[segmentsOffset:]
		c.SegDs = le.Uint16(o[0:])
		c.SegEs = le.Uint16(o[2:])
		c.SegFs = le.Uint16(o[4:])
		c.SegGs = le.Uint16(o[6:])
	}
	if c.Flags&ContextFloatingPoint != 0 {
		o := src[floatOffset:]
		for i := range c.Xmm {
			copy(c.Xmm[i][:], o[i*16:(i+1)*16])
		}
	}
	return c, nil
}

// integers returns the integer section in encoding order.
func (c *Context) integers() [integerSize / 8]*uint64 {
	return [integerSize / 8]*uint64{
		&c.Rax, &c.Rcx, &c.Rdx, &c.Rbx, &c.Rsi, &c.Rdi,
		&c.R8, &c.R9, &c.R10, &c.R11, &c.R12, &c.R13, &c.R14, &c.R15,
	}
}
