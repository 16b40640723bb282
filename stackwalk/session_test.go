package stackwalk_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/DataExMachina-dev/stackwalk-go/internal/metadata"
	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
	"github.com/DataExMachina-dev/stackwalk-go/internal/target"
	"github.com/DataExMachina-dev/stackwalk-go/internal/unwind"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
)

const (
	stackBase = 0x7000
	stackSize = 0x1000

	managedThread   = 1
	nativeThread    = 2
	unstartedThread = 3

	widgetHandle = 0x5000
)

var widgetType = metadata.TypeRef{Name: "Demo.Widget", Kind: metadata.KindReference, Size: 8, Handle: widgetHandle}

// closingSnapshot records whether the target was closed.
type closingSnapshot struct {
	*target.Snapshot
	closed int
}

func (c *closingSnapshot) Close() error {
	c.closed++
	return nil
}

// fixture is a process with three managed methods, C called by B called by
// A, all using frame pointers:
//
//   - C is an instance method C(int x) with one local float y. At the
//     current offset the receiver is in rdi, x is in rsi and y is dead.
//   - B(long n) keeps n in its frame at rbp-8 and has no local signature.
//   - A has one parameter whose type cannot be loaded, kept in rbx.
//
// Thread 1 is executing C. Thread 2 is in native code called from B through
// an inlined call transition frame. Thread 3 never ran.
type fixture struct {
	snap  *closingSnapshot
	table *metadata.Table
	ctxC  regs.Context
}

func newFixture(t *testing.T) *fixture {
	mem := make([]byte, stackSize)
	put := func(addr, v uint64) { binary.LittleEndian.PutUint64(mem[addr-stackBase:], v) }
	put(0x7110, 0x7210) // C: caller rbp
	put(0x7118, 0x2020) // C: return into B
	put(0x7208, 0x1122334455667788)
	put(0x7210, 0x7310) // B: caller rbp
	put(0x7218, 0x3030) // B: return into A
	put(0x7310, 0)      // A is outermost
	put(0x7318, 0)
	// Inlined call frame of thread 2, in B's frame.
	for i, w := range []uint64{0, 1, 0x2020, 0x7120, 0x7210, 0} {
		put(0x7180+uint64(i)*8, w)
	}

	snap := target.NewSnapshot()
	require.NoError(t, snap.AddRegion(stackBase, mem))
	ctxC := regs.Context{
		Flags: regs.ContextFull,
		Rip:   0x1010, Rsp: 0x7100, Rbp: 0x7110,
		Rdi: 0xdead0000, Rsi: 0x2a, Rbx: 0x55,
	}
	snap.AddThread(target.ThreadInfo{ID: managedThread, Started: true}, ctxC)
	snap.AddThread(target.ThreadInfo{ID: nativeThread, Started: true, FrameChain: 0x7180, Domain: 0x77},
		regs.Context{Flags: regs.ContextFull, Rip: 0x9000, Rsp: 0x7000, Rbp: 0x7010})
	snap.AddThread(target.ThreadInfo{ID: unstartedThread}, regs.Context{})

	tab := metadata.NewTable()
	require.NoError(t, tab.AddMethod(
		&metadata.Method{Handle: 0xc, Name: "Demo.Widget.C", Owner: widgetType, CodeStart: 0x1000, CodeSize: 0x100},
		&metadata.Signature{
			HasThis:    true,
			Params:     []metadata.TypeRef{metadata.Int32Type},
			ParamNames: []string{"x"},
			Locals:     []metadata.TypeRef{metadata.Float32Type},
		},
		[]metadata.VarInfo{
			{Slot: 0, Start: 0, End: 0xff, Loc: metadata.VarLoc{Kind: metadata.VLTReg, Reg: regs.AMD64Rdi}},
			{Slot: 1, Start: 0, End: 0x40, Loc: metadata.VarLoc{Kind: metadata.VLTReg, Reg: regs.AMD64Rsi}},
			{Slot: 2, Start: 0, End: 0x40, Loc: metadata.VarLoc{Kind: metadata.VLTInvalid}},
			{Slot: 2, Start: 0x80, End: 0x90, Loc: metadata.VarLoc{
				Kind: metadata.VLTStack, BaseReg: regs.AMD64Rbp, Offset: -4}},
		},
	))
	require.NoError(t, tab.AddMethod(
		&metadata.Method{Handle: 0xb, Name: "Demo.B", CodeStart: 0x2000, CodeSize: 0x100},
		&metadata.Signature{Params: []metadata.TypeRef{metadata.Int64Type}, ParamNames: []string{"n"}},
		[]metadata.VarInfo{
			{Slot: 0, Start: 0, End: 0xff, Loc: metadata.VarLoc{
				Kind: metadata.VLTStack, BaseReg: regs.AMD64Rbp, Offset: -8}},
		},
	))
	require.NoError(t, tab.AddMethod(
		&metadata.Method{Handle: 0xa, Name: "Demo.A", CodeStart: 0x3000, CodeSize: 0x100, Domain: 0x42},
		&metadata.Signature{Params: []metadata.TypeRef{{Name: "Missing.Type"}}, Locals: []metadata.TypeRef{}},
		[]metadata.VarInfo{
			{Slot: 0, Start: 0, End: 0xff, Loc: metadata.VarLoc{Kind: metadata.VLTReg, Reg: regs.AMD64Rbx}},
		},
	))
	return &fixture{snap: &closingSnapshot{Snapshot: snap}, table: tab, ctxC: ctxC}
}

func (f *fixture) newTarget(t *testing.T, opts ...stackwalk.Option) *stackwalk.Target {
	opts = append([]stackwalk.Option{stackwalk.WithLogger(t.Logf)}, opts...)
	tgt, err := stackwalk.NewTarget(f.snap, f.table, f.table, f.table, regs.ArchAMD64, opts...)
	require.NoError(t, err)
	return tgt
}

type step struct {
	simple stackwalk.SimpleFrameType
	name   string
}

func walkAll(t *testing.T, s *stackwalk.Session) (steps []step, skipped []uint64) {
	for {
		simple, detailed, err := s.FrameType()
		require.NoError(t, err)
		require.Equal(t, stackwalk.DetailedUnrecognized, detailed)
		f, err := s.Frame()
		require.NoError(t, err)
		name, err := f.CodeName()
		if stackwalk.IsUnavailable(err) {
			name = "?"
		} else {
			require.NoError(t, err)
		}
		require.NoError(t, f.Release())
		steps = append(steps, step{simple, name})

		more, err := s.Advance()
		require.NoError(t, err)
		n, err := s.SkippedStackBytes()
		require.NoError(t, err)
		skipped = append(skipped, n)
		if !more {
			return steps, skipped
		}
	}
}

func TestWalkManagedOnly(t *testing.T) {
	f := newFixture(t)
	tgt := f.newTarget(t)
	s, err := tgt.NewSession(managedThread, stackwalk.FrameManagedMethod)
	require.NoError(t, err)

	_, err = s.SkippedStackBytes()
	require.ErrorIs(t, err, stackwalk.ErrUnavailable)

	steps, skipped := walkAll(t, s)
	require.Equal(t, []step{
		{stackwalk.FrameManagedMethod, "Demo.Widget.C+0x10"},
		{stackwalk.FrameManagedMethod, "Demo.B+0x1f"},
		{stackwalk.FrameManagedMethod, "Demo.A+0x2f"},
	}, steps)
	require.Equal(t, []uint64{0, 0, 0}, skipped)

	// Exhaustion is sticky.
	for i := 0; i < 3; i++ {
		more, err := s.Advance()
		require.NoError(t, err)
		require.False(t, more)
	}
	_, _, err = s.FrameType()
	require.True(t, stackwalk.IsUnavailable(err))
	_, err = s.Frame()
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	_, err = s.RegisterContext(regs.ContextFull, make([]byte, regs.MaxContextSize))
	require.ErrorIs(t, err, stackwalk.ErrUnavailable)
}

func TestWalkFilters(t *testing.T) {
	f := newFixture(t)
	tgt := f.newTarget(t)

	s, err := tgt.NewSession(nativeThread, stackwalk.FrameAll)
	require.NoError(t, err)
	steps, _ := walkAll(t, s)
	require.Equal(t, []step{
		{stackwalk.FrameRuntimeUnmanagedCode, "?"},
		{stackwalk.FrameManagedMethod, "Demo.B+0x1f"},
		{stackwalk.FrameManagedMethod, "Demo.A+0x2f"},
	}, steps)

	s, err = tgt.NewSession(nativeThread, stackwalk.FrameManagedMethod)
	require.NoError(t, err)
	steps, _ = walkAll(t, s)
	require.Equal(t, []step{
		{stackwalk.FrameManagedMethod, "Demo.B+0x1f"},
		{stackwalk.FrameManagedMethod, "Demo.A+0x2f"},
	}, steps)

	// Filtering out B and A skips from B's stack pointer to past A's frame.
	s, err = tgt.NewSession(nativeThread, stackwalk.FrameRuntimeUnmanagedCode)
	require.NoError(t, err)
	steps, skipped := walkAll(t, s)
	require.Equal(t, []step{{stackwalk.FrameRuntimeUnmanagedCode, "?"}}, steps)
	require.Equal(t, []uint64{0x7320 - 0x7120}, skipped)
}

func TestSessionErrors(t *testing.T) {
	f := newFixture(t)
	var logged []error
	tgt := f.newTarget(t, stackwalk.WithErrorLogger(func(err error) { logged = append(logged, err) }))

	_, err := tgt.NewSession(unstartedThread, stackwalk.FrameAll)
	require.ErrorIs(t, err, stackwalk.ErrNotApplicable)
	_, err = tgt.NewSession(99, stackwalk.FrameAll)
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	_, err = tgt.NewSession(managedThread, 1<<10)
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	require.Len(t, logged, 3)

	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument, st.Code())

	s, err := tgt.NewSession(managedThread, stackwalk.FrameAll)
	require.NoError(t, err)
	n, err := s.RegisterContext(regs.ContextFull, make([]byte, 16))
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	require.Equal(t, regs.MaxContextSize, n)
	require.Equal(t, stackwalk.InvalidArgument, stackwalk.KindOf(err))

	err = s.Request(0x1234, nil, nil)
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	err = s.Request(stackwalk.RequestRevision, nil, make([]byte, 8))
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)

	// Unavailable results are not reported as errors.
	logged = nil
	_, err = s.SkippedStackBytes()
	require.True(t, stackwalk.IsUnavailable(err))
	require.Empty(t, logged)
}

func TestSessionRequests(t *testing.T) {
	f := newFixture(t)
	tgt := f.newTarget(t)
	s, err := tgt.NewSession(nativeThread, stackwalk.FrameAll)
	require.NoError(t, err)

	out := make([]byte, 4)
	require.NoError(t, s.Request(stackwalk.RequestRevision, nil, out))
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(out))

	addr := make([]byte, 8)
	require.NoError(t, s.Request(stackwalk.RequestFrameData, nil, addr))
	require.Equal(t, uint64(0x7180), binary.LittleEndian.Uint64(addr))

	more, err := s.Advance()
	require.NoError(t, err)
	require.True(t, more)
	require.NoError(t, s.Request(stackwalk.RequestFrameData, nil, addr))
	require.Equal(t, uint64(0), binary.LittleEndian.Uint64(addr))

	// Treating B as the executing frame attributes it to the return address
	// itself.
	in := make([]byte, 4)
	binary.LittleEndian.PutUint32(in, 1)
	require.NoError(t, s.Request(stackwalk.RequestSetFirstFrame, in, nil))
	fr, err := s.Frame()
	require.NoError(t, err)
	name, err := fr.CodeName()
	require.NoError(t, err)
	require.Equal(t, "Demo.B+0x20", name)

	require.NoError(t, s.SetFirstFrame(false))
	fr, err = s.Frame()
	require.NoError(t, err)
	name, err = fr.CodeName()
	require.NoError(t, err)
	require.Equal(t, "Demo.B+0x1f", name)

	require.NoError(t, fr.Request(stackwalk.RequestRevision, nil, out))
	require.ErrorIs(t, fr.Request(stackwalk.RequestFrameData, nil, addr), stackwalk.ErrInvalidArgument)
}

func TestRegisterContextRoundTrip(t *testing.T) {
	f := newFixture(t)
	tgt := f.newTarget(t)
	s, err := tgt.NewSession(managedThread, stackwalk.FrameManagedMethod)
	require.NoError(t, err)

	buf := make([]byte, regs.MaxContextSize)
	n, err := s.RegisterContext(regs.ContextFull, buf)
	require.NoError(t, err)
	ctx, err := regs.DecodeContext(buf[:n])
	require.NoError(t, err)
	require.Equal(t, f.ctxC, ctx)

	more, err := s.Advance()
	require.NoError(t, err)
	require.True(t, more)
	n, err = s.RegisterContext(regs.ContextFull, buf)
	require.NoError(t, err)
	ctxB, err := regs.DecodeContext(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint64(0x2020), ctxB.Rip)
	require.Equal(t, uint64(0x7120), ctxB.Rsp)
	require.Equal(t, uint64(0x7210), ctxB.Rbp)
	require.Equal(t, uint64(0x2a), ctxB.Rsi, "untracked by the unwind, kept from C")

	// A fresh session repositioned at B reports the context it was given.
	s2, err := tgt.NewSession(managedThread, stackwalk.FrameManagedMethod)
	require.NoError(t, err)
	require.NoError(t, s2.SetContext2(stackwalk.SetUnwindContext, buf[:n]))
	out := make([]byte, regs.MaxContextSize)
	_, err = s2.RegisterContext(regs.ContextFull, out)
	require.NoError(t, err)
	require.Equal(t, buf[:n], out[:n])
	fr, err := s2.Frame()
	require.NoError(t, err)
	name, err := fr.CodeName()
	require.NoError(t, err)
	require.Equal(t, "Demo.B+0x1f", name)
	skipped, err := s2.SkippedStackBytes()
	require.NoError(t, err)
	require.Equal(t, uint64(0), skipped)

	// SetContext keeps the session's idea of the executing frame.
	require.NoError(t, s2.SetContext(buf[:n]))
	require.ErrorIs(t, s2.SetContext2(4, buf[:n]), stackwalk.ErrInvalidArgument)
	require.ErrorIs(t, s2.SetContext2(stackwalk.SetCurrentContext, buf[:8]), stackwalk.ErrInvalidArgument)
}

func TestLifetime(t *testing.T) {
	f := newFixture(t)
	tgt := f.newTarget(t)
	s, err := tgt.NewSession(managedThread, stackwalk.FrameManagedMethod)
	require.NoError(t, err)
	fr, err := s.Frame()
	require.NoError(t, err)

	require.NoError(t, tgt.Release())
	require.NoError(t, s.Release())
	require.Equal(t, 0, f.snap.closed)

	// The frame keeps the target readable.
	v, err := fr.Argument(1)
	require.NoError(t, err)
	b, err := v.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0x2a, 0, 0, 0}, b)

	_, err = s.Advance()
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	require.ErrorIs(t, s.Release(), stackwalk.ErrInvalidArgument)

	require.NoError(t, fr.Retain())
	require.NoError(t, fr.Release())
	require.NoError(t, fr.Release())
	require.Equal(t, 1, f.snap.closed)
	_, err = fr.NumArguments()
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	_, err = tgt.NewSession(managedThread, stackwalk.FrameAll)
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
}

func TestUnsupportedArch(t *testing.T) {
	f := newFixture(t)
	tgt, err := stackwalk.NewTarget(f.snap, f.table, f.table, f.table, regs.ArchARM64)
	require.NoError(t, err)
	_, err = tgt.NewSession(managedThread, stackwalk.FrameAll)
	require.ErrorIs(t, err, stackwalk.ErrNotImplemented)

	_, err = stackwalk.NewTarget(f.snap, f.table, f.table, f.table, regs.ArchUnknown)
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
}

func countFrames(t *testing.T, tgt *stackwalk.Target) int {
	s, err := tgt.NewSession(managedThread, stackwalk.FrameManagedMethod)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Release()) }()
	n := 1
	for {
		more, err := s.Advance()
		require.NoError(t, err)
		if !more {
			return n
		}
		n++
	}
}

func TestOptions(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 3, countFrames(t, f.newTarget(t)))
	// Hitting the frame cap ends the walk quietly.
	require.Equal(t, 2, countFrames(t, f.newTarget(t, stackwalk.WithMaxFrames(1))))

	t.Setenv(stackwalk.ENV_MAX_FRAMES, "1")
	require.Equal(t, 2, countFrames(t, f.newTarget(t)))
	require.Equal(t, 3, countFrames(t, f.newTarget(t, stackwalk.WithMaxFrames(10))))

	var logged []error
	tgt := f.newTarget(t,
		stackwalk.WithMaxFrames(10),
		stackwalk.WithSignatureCacheSize(1),
		stackwalk.WithErrorLogger(func(err error) { logged = append(logged, err) }))
	s, err := tgt.NewSession(managedThread, stackwalk.FrameManagedMethod)
	require.NoError(t, err)
	_, err = s.SkippedStackBytes()
	require.True(t, stackwalk.IsUnavailable(err))
	require.Empty(t, logged)

	// Signatures stay correct while the cache evicts.
	for more := true; more; {
		fr, err := s.Frame()
		require.NoError(t, err)
		_, err = fr.NumArguments()
		require.NoError(t, err)
		require.NoError(t, fr.Release())
		more, err = s.Advance()
		require.NoError(t, err)
	}
	_, err = s.Frame()
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	require.Len(t, logged, 1)
	require.ErrorIs(t, logged[0], stackwalk.ErrInvalidArgument)
	require.NoError(t, s.Release())
}

func TestCorruptStack(t *testing.T) {
	f := newFixture(t)
	// rbp below rsp puts the caller's frame under the stack pointer.
	f.snap.AddThread(target.ThreadInfo{ID: 9, Started: true},
		regs.Context{Flags: regs.ContextFull, Rip: 0x1010, Rsp: 0x7100, Rbp: 0x7000})
	var logged []error
	tgt := f.newTarget(t, stackwalk.WithErrorLogger(func(err error) { logged = append(logged, err) }))
	s, err := tgt.NewSession(9, stackwalk.FrameAll)
	require.NoError(t, err)
	simple, _, err := s.FrameType()
	require.NoError(t, err)
	require.Equal(t, stackwalk.FrameManagedMethod, simple)

	more, err := s.Advance()
	require.False(t, more)
	require.ErrorIs(t, err, stackwalk.ErrFault)
	require.ErrorIs(t, err, unwind.ErrCorruptStack)
	require.Len(t, logged, 1)

	// The walk stays over.
	for i := 0; i < 2; i++ {
		more, err = s.Advance()
		require.NoError(t, err)
		require.False(t, more)
	}
	_, _, err = s.FrameType()
	require.True(t, stackwalk.IsUnavailable(err))
	_, err = s.Frame()
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	require.Len(t, logged, 2)
	require.NoError(t, s.Release())
}

func TestErrorLoggerReentry(t *testing.T) {
	f := newFixture(t)
	var s *stackwalk.Session
	var logged []error
	tgt := f.newTarget(t, stackwalk.WithErrorLogger(func(err error) {
		logged = append(logged, err)
		_, _, ferr := s.FrameType()
		require.NoError(t, ferr)
	}))
	s, err := tgt.NewSession(managedThread, stackwalk.FrameAll)
	require.NoError(t, err)

	n, err := s.RegisterContext(regs.ContextFull, make([]byte, 16))
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	require.Equal(t, regs.MaxContextSize, n)
	require.Len(t, logged, 1)

	fr, err := s.Frame()
	require.NoError(t, err)
	_, err = fr.RegisterContext(regs.ContextFull, nil)
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	require.Len(t, logged, 2)
	var e *stackwalk.Error
	require.ErrorAs(t, logged[1], &e)
	require.Equal(t, "Frame.RegisterContext", e.Op)
	require.NoError(t, fr.Release())
	require.NoError(t, s.Release())
}
