package stackwalk

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/DataExMachina-dev/stackwalk-go/internal/metadata"
	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
	"github.com/DataExMachina-dev/stackwalk-go/internal/target"
)

// Kind classifies the errors returned by this package.
type Kind uint8

const (
	// Fault is an unexpected failure that could not be classified further.
	// The walk itself is unaffected.
	Fault Kind = iota
	// InvalidArgument: bad buffer size, bad flags, out-of-range index or
	// unknown request code.
	InvalidArgument
	// NotApplicable: the operation is meaningless for this frame, for example
	// arguments of a frame with no method.
	NotApplicable
	// OutOfMemory: a result could not be allocated.
	OutOfMemory
	// NotImplemented: reserved feature or unsupported architecture.
	NotImplemented
	// Unavailable is the benign "nothing here" result: no current frame, no
	// domain, nothing skipped yet. The walk remains valid.
	Unavailable
)

var kindNames = [...]string{
	Fault:           "fault",
	InvalidArgument: "invalid argument",
	NotApplicable:   "not applicable",
	OutOfMemory:     "out of memory",
	NotImplemented:  "not implemented",
	Unavailable:     "unavailable",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Code returns the gRPC code for errors of this kind.
func (k Kind) Code() codes.Code {
	switch k {
	case InvalidArgument:
		return codes.InvalidArgument
	case NotApplicable:
		return codes.FailedPrecondition
	case OutOfMemory:
		return codes.ResourceExhausted
	case NotImplemented:
		return codes.Unimplemented
	case Unavailable:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// Error is the error type returned by every public operation.
type Error struct {
	// Op is the operation that failed, e.g. "Session.Advance".
	Op   string
	Kind Kind
	Err  error
}

// Sentinels matching any *Error of the same kind with errors.Is.
var (
	ErrFault           = &Error{Kind: Fault}
	ErrInvalidArgument = &Error{Kind: InvalidArgument}
	ErrNotApplicable   = &Error{Kind: NotApplicable}
	ErrOutOfMemory     = &Error{Kind: OutOfMemory}
	ErrNotImplemented  = &Error{Kind: NotImplemented}
	ErrUnavailable     = &Error{Kind: Unavailable}
)

func (e *Error) Error() string {
	s := "stackwalk"
	if e.Op != "" {
		s += ": " + e.Op
	}
	s += ": " + e.Kind.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// GRPCStatus lets status.FromError convert the error.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.Code(), e.Error())
}

// IsUnavailable reports whether err is the benign "nothing here" result.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// KindOf returns the kind of err. Errors not produced by this package are
// Faults.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fault
}

func errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// translate turns an error surfacing at an operation boundary into an
// *Error carrying op.
func translate(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			c := *e
			c.Op = op
			return &c
		}
		return e
	}
	kind := Fault
	switch {
	case errors.Is(err, regs.ErrNotImplemented):
		kind = NotImplemented
	case errors.Is(err, regs.ErrBufferTooSmall), errors.Is(err, regs.ErrInvalidFlags):
		kind = InvalidArgument
	case errors.Is(err, target.ErrNoThread):
		kind = InvalidArgument
	case errors.Is(err, metadata.ErrNotFound):
		kind = Unavailable
	}
	return &Error{Op: op, Kind: kind, Err: err}
}
