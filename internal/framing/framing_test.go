package framing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestTrace(t *testing.T) {
	frames := []FrameRecord{
		{Index: 0, Simple: 2, PC: 0x1010, SP: 0x7100, Method: 0xc, CodeName: "Demo.C+0x10"},
		{Index: 1, Simple: 8, PC: 0x9000, SP: 0x7120, SkippedBytes: 0x200},
	}
	h := TraceHeader{
		SessionID: uuid.MustParse("8f0e3c1a-7a43-4c55-9d0e-7b1f3d2c6a11"),
		ThreadID:  7,
		Captured:  time.Date(2024, 3, 1, 12, 30, 0, 5, time.UTC),
		StackHash: StackHash([]uint64{0x1010, 0x9000}),
		NumFrames: uint32(len(frames)),
	}
	b, err := AppendHeader(nil, h)
	require.NoError(t, err)
	for _, f := range frames {
		b = AppendFrame(b, f)
	}

	gotH, gotFrames, err := ParseTrace(b)
	require.NoError(t, err)
	require.True(t, h.Captured.Equal(gotH.Captured))
	gotH.Captured = h.Captured
	require.Equal(t, h, gotH)
	require.Equal(t, frames, gotFrames)

	// Unknown fields are skipped.
	extra := protowire.AppendTag(append([]byte(nil), b...), 9, protowire.BytesType)
	extra = protowire.AppendBytes(extra, []byte("future"))
	_, gotFrames, err = ParseTrace(extra)
	require.NoError(t, err)
	require.Len(t, gotFrames, 2)
}

func TestParseTraceMalformed(t *testing.T) {
	h, err := AppendHeader(nil, TraceHeader{NumFrames: 1})
	require.NoError(t, err)
	frame := AppendFrame(nil, FrameRecord{PC: 1})

	for name, b := range map[string][]byte{
		"empty":         nil,
		"frame first":   append(append([]byte(nil), frame...), h...),
		"missing frame": h,
		"truncated":     append(append([]byte(nil), h...), frame[:len(frame)-1]...),
		"duplicate":     append(append(append([]byte(nil), h...), h...), frame...),
		"bad wire type": protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 1),
		"garbage":       {0xff, 0xff, 0xff},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseTrace(b)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestStackHash(t *testing.T) {
	a := StackHash([]uint64{1, 2, 3})
	require.Equal(t, a, StackHash([]uint64{1, 2, 3}))
	require.NotEqual(t, a, StackHash([]uint64{3, 2, 1}))
	require.NotEqual(t, a, StackHash([]uint64{1, 2}))
}
