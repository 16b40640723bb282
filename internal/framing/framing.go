// Package framing contains the encoding of walk traces: a header describing
// the walk followed by one record per visited frame.
//
// A trace is a sequence of length-delimited protobuf fields, field 1 holding
// the header and field 2 each frame, so that it decodes as the message
//
//	message Trace {
//	  Header header = 1;
//	  repeated Frame frames = 2;
//	}
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// TraceHeader describes a walk.
type TraceHeader struct {
	SessionID uuid.UUID
	ThreadID  uint32
	Captured  time.Time
	// StackHash is StackHash of the PCs of all frames.
	StackHash uint64
	NumFrames uint32
}

// FrameRecord is one visited frame.
type FrameRecord struct {
	Index uint32
	// Simple is the simple frame type.
	Simple uint32
	PC     uint64
	SP     uint64
	// Method is the method handle, 0 for frames without a method.
	Method       uint64
	SkippedBytes uint64
	CodeName     string
}

const (
	traceHeader protowire.Number = 1
	traceFrame  protowire.Number = 2

	headerSessionID protowire.Number = 1
	headerThreadID  protowire.Number = 2
	headerCaptured  protowire.Number = 3
	headerStackHash protowire.Number = 4
	headerNumFrames protowire.Number = 5

	frameIndex        protowire.Number = 1
	frameSimple       protowire.Number = 2
	framePC           protowire.Number = 3
	frameSP           protowire.Number = 4
	frameMethod       protowire.Number = 5
	frameSkippedBytes protowire.Number = 6
	frameCodeName     protowire.Number = 7
)

// ErrMalformed is returned for traces that cannot be decoded.
var ErrMalformed = errors.New("malformed trace")

// AppendHeader appends the encoding of h to b.
func AppendHeader(b []byte, h TraceHeader) ([]byte, error) {
	ts, err := proto.Marshal(timestamppb.New(h.Captured))
	if err != nil {
		return b, fmt.Errorf("failed to encode capture time: %w", err)
	}
	var m []byte
	m = protowire.AppendTag(m, headerSessionID, protowire.BytesType)
	m = protowire.AppendBytes(m, h.SessionID[:])
	m = protowire.AppendTag(m, headerThreadID, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(h.ThreadID))
	m = protowire.AppendTag(m, headerCaptured, protowire.BytesType)
	m = protowire.AppendBytes(m, ts)
	m = protowire.AppendTag(m, headerStackHash, protowire.Fixed64Type)
	m = protowire.AppendFixed64(m, h.StackHash)
	m = protowire.AppendTag(m, headerNumFrames, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(h.NumFrames))

	b = protowire.AppendTag(b, traceHeader, protowire.BytesType)
	return protowire.AppendBytes(b, m), nil
}

// AppendFrame appends the encoding of f to b.
func AppendFrame(b []byte, f FrameRecord) []byte {
	var m []byte
	m = protowire.AppendTag(m, frameIndex, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(f.Index))
	m = protowire.AppendTag(m, frameSimple, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(f.Simple))
	m = protowire.AppendTag(m, framePC, protowire.Fixed64Type)
	m = protowire.AppendFixed64(m, f.PC)
	m = protowire.AppendTag(m, frameSP, protowire.Fixed64Type)
	m = protowire.AppendFixed64(m, f.SP)
	if f.Method != 0 {
		m = protowire.AppendTag(m, frameMethod, protowire.Fixed64Type)
		m = protowire.AppendFixed64(m, f.Method)
	}
	m = protowire.AppendTag(m, frameSkippedBytes, protowire.VarintType)
	m = protowire.AppendVarint(m, f.SkippedBytes)
	if f.CodeName != "" {
		m = protowire.AppendTag(m, frameCodeName, protowire.BytesType)
		m = protowire.AppendString(m, f.CodeName)
	}

	b = protowire.AppendTag(b, traceFrame, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// ParseTrace decodes a trace. The header must come first.
func ParseTrace(b []byte) (TraceHeader, []FrameRecord, error) {
	var h TraceHeader
	var frames []FrameRecord
	haveHeader := false
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
		}
		switch num {
		case traceHeader:
			if haveHeader {
				return fmt.Errorf("%w: duplicate header", ErrMalformed)
			}
			haveHeader = true
			return parseHeader(v, &h)
		case traceFrame:
			if !haveHeader {
				return fmt.Errorf("%w: frame before header", ErrMalformed)
			}
			var f FrameRecord
			if err := parseFrame(v, &f); err != nil {
				return err
			}
			frames = append(frames, f)
		}
		return nil
	})
	if err != nil {
		return TraceHeader{}, nil, err
	}
	if !haveHeader {
		return TraceHeader{}, nil, fmt.Errorf("%w: missing header", ErrMalformed)
	}
	if int(h.NumFrames) != len(frames) {
		return TraceHeader{}, nil, fmt.Errorf("%w: header announces %d frames, found %d",
			ErrMalformed, h.NumFrames, len(frames))
	}
	return h, frames, nil
}

func parseHeader(b []byte, h *TraceHeader) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case headerSessionID:
			if len(v) != len(h.SessionID) {
				return fmt.Errorf("%w: session id of %d bytes", ErrMalformed, len(v))
			}
			copy(h.SessionID[:], v)
		case headerThreadID:
			h.ThreadID = uint32(x)
		case headerCaptured:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return fmt.Errorf("%w: capture time: %v", ErrMalformed, err)
			}
			h.Captured = ts.AsTime()
		case headerStackHash:
			h.StackHash = x
		case headerNumFrames:
			h.NumFrames = uint32(x)
		}
		return nil
	})
}

func parseFrame(b []byte, f *FrameRecord) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case frameIndex:
			f.Index = uint32(x)
		case frameSimple:
			f.Simple = uint32(x)
		case framePC:
			f.PC = x
		case frameSP:
			f.SP = x
		case frameMethod:
			f.Method = x
		case frameSkippedBytes:
			f.SkippedBytes = x
		case frameCodeName:
			f.CodeName = string(v)
		}
		return nil
	})
}

// eachField calls visit for every field of the message in b. Varint and
// fixed fields are passed in x, length-delimited ones in v. Unknown fields
// are passed too so that callers can skip them.
func eachField(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := visit(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

// hashKey is fixed so that hashes are comparable across runs.
var hashKey = [32]byte{}

// StackHash hashes a sequence of PCs. Walks visiting the same code hash the
// same.
func StackHash(pcs []uint64) uint64 {
	buf := make([]byte, 8*len(pcs))
	for i, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[i*8:], pc)
	}
	return highwayhash.Sum64(buf, hashKey[:])
}
