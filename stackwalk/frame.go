package stackwalk

import (
	"fmt"

	"github.com/DataExMachina-dev/stackwalk-go/internal/metadata"
	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
)

// Frame is a frame captured by Session.Frame. Its identity and registers do
// not change after capture; signatures are resolved on first use.
type Frame struct {
	t        *Target
	refs     refCount
	simple   SimpleFrameType
	detailed DetailedFrameType
	domain   uint64
	method   *metadata.Method
	ctx      regs.Context
	display  regs.Display

	sig *metadata.Signature
	// locals is the local variable signature; localsDone is set once it was
	// looked up, even if the method has none.
	locals     []metadata.TypeRef
	localsDone bool
}

// Retain adds a reference to the frame.
func (f *Frame) Retain() error {
	if !f.refs.retain() {
		return errReleased("Frame.Retain")
	}
	return nil
}

// Release drops a reference to the frame. The last release drops the
// frame's reference to its Target.
func (f *Frame) Release() error {
	last, ok := f.refs.release()
	if !ok {
		return errReleased("Frame.Release")
	}
	if last {
		return f.t.Release()
	}
	return nil
}

func (f *Frame) check(op string) error {
	if !f.refs.live() {
		return errReleased(op)
	}
	return nil
}

// RegisterContext encodes the captured registers into buf using the sections
// selected by flags and returns the size of that encoding.
func (f *Frame) RegisterContext(flags ContextFlags, buf []byte) (n int, err error) {
	const op = "Frame.RegisterContext"
	n = regs.ContextSizeForFlags(flags)
	defer f.t.guard(op, &err)()
	if !regs.CheckContextSizeForFlags(len(buf), flags) {
		return n, errorf(InvalidArgument, "buffer of %d bytes cannot hold context %v", len(buf), flags)
	}
	if err := f.check(op); err != nil {
		return n, err
	}
	return n, encodeContext(f.t.arch, &f.display, f.ctx, flags, buf)
}

// FrameType returns the classification of the frame at capture time.
func (f *Frame) FrameType() (_ SimpleFrameType, _ DetailedFrameType, err error) {
	const op = "Frame.FrameType"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return 0, 0, err
	}
	return f.simple, f.detailed, nil
}

// AppDomain returns the handle of the logical domain owning the frame. It is
// Unavailable if there is none.
func (f *Frame) AppDomain() (_ uint64, err error) {
	const op = "Frame.AppDomain"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return 0, err
	}
	if f.domain == 0 {
		return 0, errorf(Unavailable, "frame has no domain")
	}
	return f.domain, nil
}

// Method returns the method of the frame.
func (f *Frame) Method() (_ *Method, err error) {
	const op = "Frame.Method"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return nil, err
	}
	if f.method == nil {
		return nil, errorf(NotApplicable, "frame has no method")
	}
	return f.method, nil
}

// CodeName names the code the frame is executing as method+offset.
func (f *Frame) CodeName() (_ string, err error) {
	const op = "Frame.CodeName"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return "", err
	}
	pc := f.display.ControlPC()
	m, ok := f.t.code.Lookup(pc)
	if !ok {
		return "", errorf(Unavailable, "no method at %#x", pc)
	}
	return fmt.Sprintf("%s+%#x", m.Name, m.CodeOffset(pc)), nil
}

// methodSig resolves the signature of the frame's method once.
func (f *Frame) methodSig() (*metadata.Signature, error) {
	if f.method == nil {
		return nil, errorf(NotApplicable, "frame has no method")
	}
	if f.sig == nil {
		sig, err := f.t.sigs.Signature(f.method.Handle)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", f.method.Handle, err)
		}
		f.sig = sig
	}
	return f.sig, nil
}

// localSig resolves the local variable signature once. Methods without one
// have no locals.
func (f *Frame) localSig() ([]metadata.TypeRef, error) {
	if !f.localsDone {
		sig, err := f.methodSig()
		if err != nil {
			return nil, err
		}
		f.locals, f.localsDone = sig.Locals, true
	}
	return f.locals, nil
}

// NumArguments returns the number of arguments, the receiver included.
func (f *Frame) NumArguments() (_ int, err error) {
	const op = "Frame.NumArguments"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return 0, err
	}
	sig, err := f.methodSig()
	if err != nil {
		return 0, err
	}
	return sig.NumArgs(), nil
}

// Argument resolves argument i. Argument 0 is the receiver when the method
// has one.
func (f *Frame) Argument(i int) (_ *Value, err error) {
	const op = "Frame.Argument"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return nil, err
	}
	sig, err := f.methodSig()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= sig.NumArgs() {
		return nil, errorf(InvalidArgument, "argument %d out of range [0, %d)", i, sig.NumArgs())
	}
	return f.resolve(sig, true, i, uint32(i))
}

// ArgumentName copies the NUL-terminated name of argument i into buf,
// truncating it if needed, and returns the length of the name including the
// terminator. Arguments without a recorded name have the empty name.
func (f *Frame) ArgumentName(i int, buf []byte) (_ int, err error) {
	const op = "Frame.ArgumentName"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return 0, err
	}
	sig, err := f.methodSig()
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= sig.NumArgs() {
		return 0, errorf(InvalidArgument, "argument %d out of range [0, %d)", i, sig.NumArgs())
	}
	switch {
	case sig.HasThis && i == 0:
		return copyName(buf, "this"), nil
	case sig.HasThis:
		return copyName(buf, sig.ParamName(i-1)), nil
	default:
		return copyName(buf, sig.ParamName(i)), nil
	}
}

// NumLocalVariables returns the number of locals. A method without a local
// variable signature has none.
func (f *Frame) NumLocalVariables() (_ int, err error) {
	const op = "Frame.NumLocalVariables"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return 0, err
	}
	locals, err := f.localSig()
	if err != nil {
		return 0, err
	}
	return len(locals), nil
}

// LocalVariable resolves local i.
func (f *Frame) LocalVariable(i int) (_ *Value, err error) {
	const op = "Frame.LocalVariable"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return nil, err
	}
	locals, err := f.localSig()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(locals) {
		return nil, errorf(InvalidArgument, "local %d out of range [0, %d)", i, len(locals))
	}
	sig, err := f.methodSig()
	if err != nil {
		return nil, err
	}
	// Locals are numbered after all the arguments in the location table.
	return f.resolve(sig, false, i, uint32(i+sig.NumArgs()))
}

// LocalVariableName is like ArgumentName for locals. Local names are not
// recorded, so the name is always empty.
func (f *Frame) LocalVariableName(i int, buf []byte) (_ int, err error) {
	const op = "Frame.LocalVariableName"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return 0, err
	}
	locals, err := f.localSig()
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= len(locals) {
		return 0, errorf(InvalidArgument, "local %d out of range [0, %d)", i, len(locals))
	}
	return copyName(buf, ""), nil
}

// NumTypeArguments is not implemented.
func (f *Frame) NumTypeArguments() (_ int, err error) {
	const op = "Frame.NumTypeArguments"
	defer f.t.guard(op, &err)()
	return 0, errorf(NotImplemented, "type arguments")
}

// TypeArgument is not implemented.
func (f *Frame) TypeArgument(i int) (_ TypeRef, err error) {
	const op = "Frame.TypeArgument"
	defer f.t.guard(op, &err)()
	return TypeRef{}, errorf(NotImplemented, "type arguments")
}

// Request issues an out-of-band query. Frames only answer RequestRevision.
func (f *Frame) Request(code RequestCode, in, out []byte) (err error) {
	const op = "Frame.Request"
	defer f.t.guard(op, &err)()
	if err := f.check(op); err != nil {
		return err
	}
	if code != RequestRevision {
		return errorf(InvalidArgument, "unknown request %#x", uint32(code))
	}
	return requestRevisionInto(in, out)
}

func copyName(buf []byte, name string) int {
	if len(buf) > 0 {
		n := copy(buf[:len(buf)-1], name)
		buf[n] = 0
	}
	return len(name) + 1
}
