package stackwalk

import (
	"fmt"
	"strings"

	"github.com/DataExMachina-dev/stackwalk-go/internal/metadata"
	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
	"github.com/DataExMachina-dev/stackwalk-go/internal/target"
)

// Collaborator types, re-exported so that callers can provide them.
type (
	Reader              = target.Reader
	ThreadInfo          = target.ThreadInfo
	CodeMap             = metadata.CodeMap
	SignatureProvider   = metadata.SignatureProvider
	VarLocationProvider = metadata.VarLocationProvider
	Method              = metadata.Method
	MethodHandle        = metadata.MethodHandle
	TypeRef             = metadata.TypeRef
	Arch                = regs.Arch
	Context             = regs.Context
	ContextFlags        = regs.ContextFlags
)

// SimpleFrameType is the coarse classification of a frame. Session filters
// are sets of these.
type SimpleFrameType uint32

const (
	FrameUnrecognized SimpleFrameType = 1 << iota
	FrameManagedMethod
	FrameRuntimeManagedCode
	FrameRuntimeUnmanagedCode

	// FrameAll selects every kind of frame.
	FrameAll = FrameUnrecognized | FrameManagedMethod | FrameRuntimeManagedCode | FrameRuntimeUnmanagedCode
)

func (t SimpleFrameType) String() string {
	var parts []string
	for _, b := range []struct {
		t    SimpleFrameType
		name string
	}{
		{FrameUnrecognized, "unrecognized"},
		{FrameManagedMethod, "managed"},
		{FrameRuntimeManagedCode, "runtime-managed"},
		{FrameRuntimeUnmanagedCode, "runtime-unmanaged"},
	} {
		if t&b.t != 0 {
			parts = append(parts, b.name)
		}
	}
	if rest := t &^ FrameAll; rest != 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseFilter parses a filter name as accepted on the command line.
func ParseFilter(s string) (SimpleFrameType, error) {
	switch s {
	case "managed":
		return FrameManagedMethod, nil
	case "native", "unmanaged":
		return FrameRuntimeUnmanagedCode, nil
	case "all":
		return FrameAll, nil
	}
	return 0, fmt.Errorf("unknown frame filter %q", s)
}

// DetailedFrameType is reserved for a finer classification. Every frame is
// currently DetailedUnrecognized.
type DetailedFrameType uint32

const DetailedUnrecognized DetailedFrameType = 0

// ContextKind says how SetContext2 should interpret a context.
type ContextKind uint32

const (
	// SetCurrentContext: the context is that of the currently executing
	// frame.
	SetCurrentContext ContextKind = 1 << iota
	// SetUnwindContext: the context is that of an unwound caller.
	SetUnwindContext
)

// RequestCode selects an out-of-band query of Request.
type RequestCode uint32

const (
	// RequestRevision: no input, 4-byte output receiving the revision.
	RequestRevision RequestCode = 0xe0000000
	// RequestSetFirstFrame: 4-byte input, non-zero if the current frame is
	// the executing frame. Sessions only.
	RequestSetFirstFrame RequestCode = 0xe1000000
	// RequestFrameData: no input, 8-byte output receiving the address of the
	// current transition frame record, or 0. Sessions only.
	RequestFrameData RequestCode = 0xf0000000
)

const requestRevision = 1
