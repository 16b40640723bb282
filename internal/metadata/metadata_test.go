package metadata

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableLookup(t *testing.T) {
	tab := NewTable()
	a := &Method{Handle: 0xa, Name: "A", CodeStart: 0x1000, CodeSize: 0x100}
	b := &Method{Handle: 0xb, Name: "B", CodeStart: 0x1200, CodeSize: 0x80}
	require.NoError(t, tab.AddMethod(b, &Signature{}, nil))
	require.NoError(t, tab.AddMethod(a, &Signature{HasThis: true}, nil))

	require.Error(t, tab.AddMethod(&Method{Handle: 0xc, Name: "C", CodeStart: 0x10f0, CodeSize: 0x20}, nil, nil))
	require.Error(t, tab.AddMethod(&Method{Handle: 0xa, Name: "A2", CodeStart: 0x5000, CodeSize: 1}, nil, nil))
	require.Error(t, tab.AddMethod(&Method{Handle: 0xd, Name: "D", CodeStart: 0x5000}, nil, nil))

	for _, tc := range []struct {
		pc   uint64
		want *Method
	}{
		{pc: 0xfff},
		{pc: 0x1000, want: a},
		{pc: 0x10ff, want: a},
		{pc: 0x1100},
		{pc: 0x1200, want: b},
		{pc: 0x127f, want: b},
		{pc: 0x1280},
	} {
		m, ok := tab.Lookup(tc.pc)
		if tc.want == nil {
			require.False(t, ok, "pc %#x", tc.pc)
			continue
		}
		require.True(t, ok, "pc %#x", tc.pc)
		require.Same(t, tc.want, m)
	}

	sig, err := tab.Signature(0xa)
	require.NoError(t, err)
	require.True(t, sig.HasThis)
	_, err = tab.Signature(0xe)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = tab.VarLocations(0xa, 0x100)
	require.Error(t, err)
}

func TestSignatureNumArgs(t *testing.T) {
	s := Signature{HasThis: true, Params: []TypeRef{Int32Type}, ParamNames: []string{"x"}}
	require.Equal(t, 2, s.NumArgs())
	require.False(t, s.HasLocals())
	require.Equal(t, "x", s.ParamName(0))
	require.Equal(t, "", s.ParamName(1))
	s.Locals = []TypeRef{}
	require.True(t, s.HasLocals())
}

func TestFindVarInfo(t *testing.T) {
	infos := []VarInfo{
		{Slot: 1, Start: 0, End: 0x10, Loc: VarLoc{Kind: VLTInvalid}},
		{Slot: 1, Start: 0x8, End: 0x20, Loc: VarLoc{Kind: VLTReg, Reg: 3}},
		{Slot: 1, Start: 0x8, End: 0x30, Loc: VarLoc{Kind: VLTStack, BaseReg: 7, Offset: 8}},
		{Slot: 2, Start: 0, End: 0x40, Loc: VarLoc{Kind: VLTReg, Reg: 4}},
	}
	vi, ok := FindVarInfo(infos, 1, 0x8)
	require.True(t, ok)
	require.Equal(t, VLTReg, vi.Loc.Kind)

	vi, ok = FindVarInfo(infos, 1, 0x20)
	require.True(t, ok)
	require.Equal(t, VLTReg, vi.Loc.Kind, "end offsets are inclusive")

	vi, ok = FindVarInfo(infos, 1, 0x21)
	require.True(t, ok)
	require.Equal(t, VLTStack, vi.Loc.Kind)

	_, ok = FindVarInfo(infos, 1, 0x4)
	require.False(t, ok, "invalid entries are skipped")
	_, ok = FindVarInfo(infos, 3, 0x4)
	require.False(t, ok)
}

func TestParseVarLocKind(t *testing.T) {
	k, err := ParseVarLocKind("stack-byref")
	require.NoError(t, err)
	require.Equal(t, VLTStackByRef, k)
	require.Equal(t, "stack-byref", k.String())
	_, err = ParseVarLocKind("fpstack")
	require.Error(t, err)
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
	sigs  map[MethodHandle]*Signature
}

func (p *countingProvider) Signature(h MethodHandle) (*Signature, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	s, ok := p.sigs[h]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func TestCachedSignatures(t *testing.T) {
	p := &countingProvider{sigs: map[MethodHandle]*Signature{
		1: {HasThis: true},
		2: {},
		3: {},
	}}
	c := NewCachedSignatures(p, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.Signature(1)
			require.NoError(t, err)
			require.True(t, s.HasThis)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, p.calls, 8)

	before := p.calls
	_, err := c.Signature(1)
	require.NoError(t, err)
	require.Equal(t, before, p.calls)

	_, err = c.Signature(2)
	require.NoError(t, err)
	_, err = c.Signature(3)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	_, err = c.Signature(4)
	require.True(t, errors.Is(err, ErrNotFound))
	_, err = c.Signature(4)
	require.Error(t, err)
	require.Equal(t, 2, c.Len())
}
