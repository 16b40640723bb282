package unwind

import (
	"fmt"

	"github.com/DataExMachina-dev/stackwalk-go/internal/metadata"
	"github.com/DataExMachina-dev/stackwalk-go/internal/target"
)

// FrameKind is the kind of a runtime transition frame.
type FrameKind uint64

const (
	FrameUnknown FrameKind = iota
	// FrameInlinedCall marks a call out of managed code into native code.
	FrameInlinedCall
	// FrameHelperMethod marks a runtime helper called from managed code.
	FrameHelperMethod
	// FrameException marks an exception dispatch region.
	FrameException
	// FrameFuncEval marks a function evaluation set up by a debugger.
	FrameFuncEval
	// FrameDebugger marks a debugger-injected stop.
	FrameDebugger
)

var frameKindNames = [...]string{
	FrameUnknown:      "unknown",
	FrameInlinedCall:  "inlined-call",
	FrameHelperMethod: "helper-method",
	FrameException:    "exception",
	FrameFuncEval:     "func-eval",
	FrameDebugger:     "debugger",
}

func (k FrameKind) String() string {
	if k < FrameKind(len(frameKindNames)) {
		return frameKindNames[k]
	}
	return fmt.Sprintf("FrameKind(%d)", uint64(k))
}

// ParseFrameKind is the inverse of FrameKind.String.
func ParseFrameKind(s string) (FrameKind, error) {
	for k, name := range frameKindNames {
		if name == s {
			return FrameKind(k), nil
		}
	}
	return FrameUnknown, fmt.Errorf("unknown frame kind %q", s)
}

// Transition frame records are linked from the thread, innermost first. Each
// record is six little-endian words:
//
//	+0   next record (0 or ^0 terminates the chain)
//	+8   kind
//	+16  return address into the caller, 0 if the frame carries no context
//	+24  caller stack pointer
//	+32  caller frame pointer
//	+40  method handle, 0 if none
const (
	transitionFrameWords = 6
	TransitionFrameSize  = transitionFrameWords * 8

	offReturnAddress = 16
	offCallerSP      = 24
	offCallerFP      = 32

	chainEnd = ^uint64(0)
)

// TransitionFrame is a runtime-maintained marker frame read from the target.
type TransitionFrame struct {
	Addr          uint64
	Next          uint64
	Kind          FrameKind
	ReturnAddress uint64
	CallerSP      uint64
	CallerFP      uint64
	Method        metadata.MethodHandle
}

// HasContext reports whether the frame records where its managed caller
// resumes.
func (f TransitionFrame) HasContext() bool { return f.ReturnAddress != 0 }

func (f TransitionFrame) String() string {
	return fmt.Sprintf("%s@%#x", f.Kind, f.Addr)
}

// ReadTransitionFrame reads the record at addr.
func ReadTransitionFrame(r target.Reader, addr uint64) (TransitionFrame, error) {
	w, err := target.ReadUint64s(r, addr, transitionFrameWords)
	if err != nil {
		return TransitionFrame{}, fmt.Errorf("failed to read transition frame at %#x: %w", addr, err)
	}
	return TransitionFrame{
		Addr:          addr,
		Next:          w[0],
		Kind:          FrameKind(w[1]),
		ReturnAddress: w[2],
		CallerSP:      w[3],
		CallerFP:      w[4],
		Method:        metadata.MethodHandle(w[5]),
	}, nil
}

// readChain reads the transition frame chain starting at head. Records must
// be ordered from the innermost (lowest address) outwards.
func readChain(r target.Reader, head uint64, limit int, visit func(TransitionFrame)) error {
	prev := uint64(0)
	for addr, n := head, 0; addr != 0 && addr != chainEnd; n++ {
		if n >= limit {
			return fmt.Errorf("transition frame chain longer than %d records", limit)
		}
		if addr <= prev {
			return fmt.Errorf("transition frame chain out of order at %#x", addr)
		}
		f, err := ReadTransitionFrame(r, addr)
		if err != nil {
			return err
		}
		visit(f)
		prev, addr = addr, f.Next
	}
	return nil
}
