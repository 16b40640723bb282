package stackwalk_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/stackwalk-go/internal/metadata"
	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
)

// frames captures every managed frame of thread 1: C, B and A.
func frames(t *testing.T, tgt *stackwalk.Target) []*stackwalk.Frame {
	s, err := tgt.NewSession(managedThread, stackwalk.FrameManagedMethod)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Release()) }()
	var out []*stackwalk.Frame
	for more := true; more; {
		f, err := s.Frame()
		require.NoError(t, err)
		out = append(out, f)
		more, err = s.Advance()
		require.NoError(t, err)
	}
	require.Len(t, out, 3)
	return out
}

func TestInstanceMethodValues(t *testing.T) {
	f := newFixture(t)
	c := frames(t, f.newTarget(t))[0]

	m, err := c.Method()
	require.NoError(t, err)
	require.Equal(t, "Demo.Widget.C", m.Name)

	n, err := c.NumArguments()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	buf := make([]byte, 16)
	l, err := c.ArgumentName(0, buf)
	require.NoError(t, err)
	require.Equal(t, 5, l)
	require.Equal(t, "this\x00", string(buf[:l]))
	l, err = c.ArgumentName(1, buf)
	require.NoError(t, err)
	require.Equal(t, "x\x00", string(buf[:l]))
	// Names are truncated to the buffer.
	small := make([]byte, 3)
	l, err = c.ArgumentName(0, small)
	require.NoError(t, err)
	require.Equal(t, 5, l)
	require.Equal(t, "th\x00", string(small))

	this, err := c.Argument(0)
	require.NoError(t, err)
	require.Equal(t, widgetType, this.Type())
	require.Equal(t, stackwalk.ValueIsReference, this.Flags())
	require.Equal(t, []stackwalk.Location{{Reg: regs.AMD64Rdi, Size: 8}}, this.Locations())
	_, ok := this.Address()
	require.False(t, ok)

	x, err := c.Argument(1)
	require.NoError(t, err)
	require.Equal(t, metadata.Int32Type, x.Type())
	require.Equal(t, stackwalk.ValueIsPrimitive, x.Flags())
	// The register slot is narrowed to the size of an int.
	require.Equal(t, []stackwalk.Location{{Reg: regs.AMD64Rsi, Size: 4}}, x.Locations())
	require.Equal(t, uint64(4), x.Size())
	b, err := x.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0x2a, 0, 0, 0}, b)

	_, err = c.Argument(2)
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)
	_, err = c.Argument(-1)
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)

	n, err = c.NumLocalVariables()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	y, err := c.LocalVariable(0)
	require.NoError(t, err)
	require.Equal(t, metadata.Float32Type, y.Type())
	require.Equal(t, stackwalk.ValueIsPrimitive, y.Flags())
	require.Empty(t, y.Locations())
	_, err = y.Bytes()
	require.True(t, stackwalk.IsUnavailable(err))
	l, err = c.LocalVariableName(0, buf)
	require.NoError(t, err)
	require.Equal(t, 1, l)
	_, err = c.LocalVariable(1)
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)

	_, err = c.NumTypeArguments()
	require.ErrorIs(t, err, stackwalk.ErrNotImplemented)
	_, err = c.TypeArgument(0)
	require.ErrorIs(t, err, stackwalk.ErrNotImplemented)

	_, err = c.AppDomain()
	require.True(t, stackwalk.IsUnavailable(err))
}

func TestStackValues(t *testing.T) {
	f := newFixture(t)
	b := frames(t, f.newTarget(t))[1]

	simple, _, err := b.FrameType()
	require.NoError(t, err)
	require.Equal(t, stackwalk.FrameManagedMethod, simple)

	n, err := b.NumArguments()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	arg, err := b.Argument(0)
	require.NoError(t, err)
	require.Equal(t, metadata.Int64Type, arg.Type())
	addr, ok := arg.Address()
	require.True(t, ok)
	require.Equal(t, uint64(0x7208), addr)
	bytes, err := arg.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, bytes)

	// No local signature means no locals, not an error.
	n, err = b.NumLocalVariables()
	require.NoError(t, err)
	require.Equal(t, 0, n)
	_, err = b.LocalVariable(0)
	require.ErrorIs(t, err, stackwalk.ErrInvalidArgument)

	buf := make([]byte, 8)
	l, err := b.ArgumentName(0, buf)
	require.NoError(t, err)
	require.Equal(t, "n\x00", string(buf[:l]))
}

func TestUnknownTypeFallsBack(t *testing.T) {
	f := newFixture(t)
	a := frames(t, f.newTarget(t))[2]

	domain, err := a.AppDomain()
	require.NoError(t, err)
	require.Equal(t, uint64(0x42), domain)

	v, err := a.Argument(0)
	require.NoError(t, err)
	require.Equal(t, metadata.UInt64Type, v.Type())
	require.Equal(t, stackwalk.ValueTypeUncertain, v.Flags())
	require.Equal(t, []stackwalk.Location{{Reg: regs.AMD64Rbx, Size: 8}}, v.Locations())
	b, err := v.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0x55, 0, 0, 0, 0, 0, 0, 0}, b)

	n, err := a.NumLocalVariables()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestTransitionFrameHasNoMethod(t *testing.T) {
	f := newFixture(t)
	tgt := f.newTarget(t)
	s, err := tgt.NewSession(nativeThread, stackwalk.FrameRuntimeUnmanagedCode)
	require.NoError(t, err)
	fr, err := s.Frame()
	require.NoError(t, err)

	domain, err := fr.AppDomain()
	require.NoError(t, err)
	require.Equal(t, uint64(0x77), domain)

	_, err = fr.Method()
	require.ErrorIs(t, err, stackwalk.ErrNotApplicable)
	_, err = fr.NumArguments()
	require.ErrorIs(t, err, stackwalk.ErrNotApplicable)
	_, err = fr.LocalVariable(0)
	require.ErrorIs(t, err, stackwalk.ErrNotApplicable)
	_, err = fr.ArgumentName(0, nil)
	require.ErrorIs(t, err, stackwalk.ErrNotApplicable)

	buf := make([]byte, regs.MaxContextSize)
	n, err := fr.RegisterContext(regs.ContextControl, buf)
	require.NoError(t, err)
	ctx, err := regs.DecodeContext(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint64(0x9000), ctx.Rip)
	require.Equal(t, uint64(0x7000), ctx.Rsp)
}

type failingSignatures struct{}

func (failingSignatures) Signature(metadata.MethodHandle) (*metadata.Signature, error) {
	return nil, metadata.ErrNotFound
}

func TestMissingSignature(t *testing.T) {
	f := newFixture(t)
	tgt, err := stackwalk.NewTarget(f.snap, f.table, failingSignatures{}, f.table, regs.ArchAMD64)
	require.NoError(t, err)
	c := frames(t, tgt)[0]
	_, err = c.NumArguments()
	require.ErrorIs(t, err, metadata.ErrNotFound)
	require.True(t, stackwalk.IsUnavailable(err))
}

type fixedSignature struct {
	sig *metadata.Signature
}

func (p fixedSignature) Signature(metadata.MethodHandle) (*metadata.Signature, error) {
	return p.sig, nil
}

func TestUnsizedPrimitiveKeepsStorage(t *testing.T) {
	f := newFixture(t)
	flag := metadata.TypeRef{Name: "Demo.Flag", Kind: metadata.KindPrimitive}
	tgt, err := stackwalk.NewTarget(f.snap, f.table,
		fixedSignature{&metadata.Signature{HasThis: true, Params: []metadata.TypeRef{flag}}},
		f.table, regs.ArchAMD64)
	require.NoError(t, err)
	c := frames(t, tgt)[0]

	x, err := c.Argument(1)
	require.NoError(t, err)
	require.Equal(t, flag, x.Type())
	require.Equal(t, []stackwalk.Location{{Reg: regs.AMD64Rsi, Size: 8}}, x.Locations())
	b, err := x.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{0x2a, 0, 0, 0, 0, 0, 0, 0}, b)
}
