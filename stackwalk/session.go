package stackwalk

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
	"github.com/DataExMachina-dev/stackwalk-go/internal/target"
	"github.com/DataExMachina-dev/stackwalk-go/internal/unwind"
)

// Session walks the stack of one thread. Operations on a Session must not be
// issued concurrently by the caller.
type Session struct {
	t      *Target
	refs   refCount
	id     uuid.UUID
	thread target.ThreadInfo
	filter SimpleFrameType

	// ctx is the context the walk started from; fields the unwinder does
	// not track are reported from it.
	ctx     regs.Context
	display regs.Display
	it      unwind.Iterator
	// stackPrev is the stack pointer after the last successful step, before
	// filtering. 0 until the first step.
	stackPrev uint64
}

// NewSession starts a walk of the thread with the given ID, visiting only the
// frames whose simple type is in filter. The session is positioned on the
// first such frame.
//
// If the thread stopped inside a fault or signal handler, the walk starts
// from the context captured there rather than from the live registers.
func (t *Target) NewSession(threadID uint32, filter SimpleFrameType) (_ *Session, err error) {
	const op = "Target.NewSession"
	defer t.guard(op, &err)()
	if !t.refs.live() {
		return nil, errReleased(op)
	}
	if filter&^FrameAll != 0 {
		return nil, errorf(InvalidArgument, "invalid filter %v", filter)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	thread, err := t.reader.Thread(threadID)
	if err != nil {
		return nil, err
	}
	if !thread.Started {
		return nil, errorf(NotApplicable, "thread %d has not started", threadID)
	}
	s := &Session{t: t, id: id, thread: thread, filter: filter}
	if thread.FilterContext != nil {
		s.ctx = *thread.FilterContext
	} else if s.ctx, err = t.reader.ThreadContext(threadID); err != nil {
		return nil, fmt.Errorf("failed to read context of thread %d: %w", threadID, err)
	}
	s.display.First = true
	if err := t.arch.FillDisplay(&s.display, &s.ctx); err != nil {
		return nil, err
	}
	var flags unwind.Flags
	if filter&FrameAll == FrameManagedMethod {
		flags |= unwind.FunctionsOnly
	}
	cfg := unwind.Config{
		Reader:    t.reader,
		Code:      t.code,
		Flags:     flags,
		MaxFrames: t.cfg.maxFrames,
		Logf:      t.cfg.logger,
	}
	if err := s.it.Init(cfg, thread, &s.display); err != nil {
		return nil, fmt.Errorf("failed to start walk of thread %d: %w", threadID, err)
	}
	s.filterFrames()
	if !t.refs.retain() {
		return nil, errReleased(op)
	}
	s.refs.init()
	t.logf("session %s: thread %d filter %v", s.id, threadID, filter)
	return s, nil
}

// ID identifies the session in traces and logs.
func (s *Session) ID() uuid.UUID { return s.id }

// ThreadID returns the ID of the walked thread.
func (s *Session) ThreadID() uint32 { return s.thread.ID }

// Retain adds a reference to the session.
func (s *Session) Retain() error {
	if !s.refs.retain() {
		return errReleased("Session.Retain")
	}
	return nil
}

// Release drops a reference to the session. The last release drops the
// session's reference to its Target.
func (s *Session) Release() error {
	last, ok := s.refs.release()
	if !ok {
		return errReleased("Session.Release")
	}
	if last {
		return s.t.Release()
	}
	return nil
}

func (s *Session) check(op string) error {
	if !s.refs.live() {
		return errReleased(op)
	}
	return nil
}

// filterFrames advances until the current frame passes the filter or the
// walk ends.
func (s *Session) filterFrames() {
	for s.it.IsValid() {
		if simple, _ := s.frameType(); simple&s.filter != 0 {
			return
		}
		s.it.Next()
	}
}

func (s *Session) frameType() (SimpleFrameType, DetailedFrameType) {
	switch s.it.State() {
	case unwind.StateFramelessMethod:
		return FrameManagedMethod, DetailedUnrecognized
	case unwind.StateFrameFunction, unwind.StateSkippedFrameFunction:
		return FrameRuntimeUnmanagedCode, DetailedUnrecognized
	default:
		return FrameUnrecognized, DetailedUnrecognized
	}
}

// RegisterContext encodes the registers of the current frame into buf using
// the sections selected by flags and returns the size of that encoding.
// Registers the unwinder does not track keep the values of the context the
// walk started from.
func (s *Session) RegisterContext(flags ContextFlags, buf []byte) (n int, err error) {
	const op = "Session.RegisterContext"
	n = regs.ContextSizeForFlags(flags)
	defer s.t.guard(op, &err)()
	if !regs.CheckContextSizeForFlags(len(buf), flags) {
		return n, errorf(InvalidArgument, "buffer of %d bytes cannot hold context %v", len(buf), flags)
	}
	if err := s.check(op); err != nil {
		return n, err
	}
	if !s.it.IsValid() {
		return n, errorf(Unavailable, "no current frame")
	}
	return n, encodeContext(s.t.arch, &s.display, s.ctx, flags, buf)
}

func encodeContext(arch regs.Arch, d *regs.Display, ctx regs.Context, flags ContextFlags, buf []byte) error {
	if err := arch.UpdateContext(d, &ctx); err != nil {
		return err
	}
	ctx.Flags = flags
	_, err := ctx.Encode(buf)
	return err
}

// SetContext repositions the walk at the encoded context in buf. The context
// is taken to be the executing frame if the current frame is.
func (s *Session) SetContext(buf []byte) (err error) {
	const op = "Session.SetContext"
	defer s.t.guard(op, &err)()
	kind := SetUnwindContext
	if s.it.IsFirstFrame() {
		kind = SetCurrentContext
	}
	return s.setContext(op, kind, buf)
}

// SetContext2 repositions the walk at the encoded context in buf and applies
// the filter from there.
func (s *Session) SetContext2(kind ContextKind, buf []byte) (err error) {
	const op = "Session.SetContext2"
	defer s.t.guard(op, &err)()
	return s.setContext(op, kind, buf)
}

func (s *Session) setContext(op string, kind ContextKind, buf []byte) error {
	if err := s.check(op); err != nil {
		return err
	}
	if kind&^(SetCurrentContext|SetUnwindContext) != 0 {
		return errorf(InvalidArgument, "invalid context kind %#x", uint32(kind))
	}
	if !regs.CheckContextSizeForInBuffer(buf) {
		return errorf(InvalidArgument, "bad context of %d bytes", len(buf))
	}
	ctx, err := regs.DecodeContext(buf)
	if err != nil {
		return err
	}
	s.ctx = ctx
	s.display.First = kind&SetCurrentContext != 0
	if err := s.t.arch.FillDisplay(&s.display, &s.ctx); err != nil {
		return err
	}
	if err := s.it.ResetDisplay(&s.display); err != nil {
		return err
	}
	s.stackPrev = s.display.SP
	s.filterFrames()
	return nil
}

// Advance moves to the next frame that passes the filter. It returns false
// once the walk is over; further calls keep returning false. A stack found
// to be inconsistent ends the walk with an error.
func (s *Session) Advance() (more bool, err error) {
	const op = "Session.Advance"
	defer s.t.guard(op, &err)()
	if err := s.check(op); err != nil {
		return false, err
	}
	if !s.it.IsValid() {
		return false, nil
	}
	switch s.it.Next() {
	case unwind.ActionContinue:
		// Whatever filtering consumes from here on is reported as skipped.
		s.stackPrev = s.display.SP
		s.filterFrames()
		return s.it.IsValid(), nil
	case unwind.ActionAbort:
		return false, nil
	default:
		return false, fmt.Errorf("walk failed: %w", s.it.Err())
	}
}

// SkippedStackBytes returns the number of bytes of stack the filter skipped
// during the last Advance. It is Unavailable before the first step.
func (s *Session) SkippedStackBytes() (_ uint64, err error) {
	const op = "Session.SkippedStackBytes"
	defer s.t.guard(op, &err)()
	if err := s.check(op); err != nil {
		return 0, err
	}
	if s.stackPrev == 0 {
		return 0, errorf(Unavailable, "no step taken")
	}
	if s.display.SP < s.stackPrev {
		return 0, nil
	}
	return s.display.SP - s.stackPrev, nil
}

// FrameType classifies the current frame.
func (s *Session) FrameType() (_ SimpleFrameType, _ DetailedFrameType, err error) {
	const op = "Session.FrameType"
	defer s.t.guard(op, &err)()
	if err := s.check(op); err != nil {
		return 0, 0, err
	}
	if !s.it.IsValid() {
		return 0, 0, errorf(Unavailable, "no current frame")
	}
	simple, detailed := s.frameType()
	return simple, detailed, nil
}

// Frame captures the current frame. The Frame holds its own copy of the
// registers and a reference to the Target, so it stays usable after the
// session moves on or is released. The caller owns one reference.
func (s *Session) Frame() (_ *Frame, err error) {
	const op = "Session.Frame"
	defer s.t.guard(op, &err)()
	if err := s.check(op); err != nil {
		return nil, err
	}
	if !s.it.IsValid() {
		return nil, errorf(InvalidArgument, "no current frame")
	}
	if !s.t.refs.retain() {
		return nil, errReleased(op)
	}
	f := &Frame{
		t:       s.t,
		domain:  s.it.Domain(),
		ctx:     s.ctx,
		display: s.display,
	}
	f.simple, f.detailed = s.frameType()
	if m, ok := s.it.Method(); ok {
		f.method = m
	}
	f.refs.init()
	return f, nil
}

// SetFirstFrame marks whether the current frame is the executing frame,
// which changes how its program counter is attributed to code.
func (s *Session) SetFirstFrame(first bool) (err error) {
	const op = "Session.SetFirstFrame"
	defer s.t.guard(op, &err)()
	if err := s.check(op); err != nil {
		return err
	}
	s.it.SetIsFirstFrame(first)
	return nil
}

// Request issues an out-of-band query. See RequestCode for the buffer
// contract of each code.
func (s *Session) Request(code RequestCode, in, out []byte) (err error) {
	const op = "Session.Request"
	defer s.t.guard(op, &err)()
	if err := s.check(op); err != nil {
		return err
	}
	switch code {
	case RequestRevision:
		return requestRevisionInto(in, out)
	case RequestSetFirstFrame:
		if len(in) != 4 || len(out) != 0 {
			return errorf(InvalidArgument, "%#x: want 4 bytes in, 0 out", uint32(code))
		}
		s.it.SetIsFirstFrame(binary.LittleEndian.Uint32(in) != 0)
		return nil
	case RequestFrameData:
		if len(in) != 0 || len(out) != 8 {
			return errorf(InvalidArgument, "%#x: want 0 bytes in, 8 out", uint32(code))
		}
		if !s.it.IsValid() {
			return errorf(InvalidArgument, "no current frame")
		}
		var addr uint64
		if f, ok := s.it.Frame(); ok {
			addr = f.Addr
		}
		binary.LittleEndian.PutUint64(out, addr)
		return nil
	default:
		return errorf(InvalidArgument, "unknown request %#x", uint32(code))
	}
}

func requestRevisionInto(in, out []byte) error {
	if len(in) != 0 || len(out) != 4 {
		return errorf(InvalidArgument, "%#x: want 0 bytes in, 4 out", uint32(RequestRevision))
	}
	binary.LittleEndian.PutUint32(out, requestRevision)
	return nil
}
