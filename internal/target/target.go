// Package target contains the read-only view of the process (or memory
// snapshot) whose threads are walked.
package target

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
)

var (
	// ErrUnmapped is returned for reads of memory the target does not have.
	ErrUnmapped = errors.New("unmapped target memory")
	// ErrNoThread is returned for unknown thread IDs.
	ErrNoThread = errors.New("no such thread")
)

// ThreadInfo is what the runtime knows about a thread.
type ThreadInfo struct {
	ID uint32
	// Started is false for threads that have been created but never ran; they
	// have no stack to walk.
	Started bool
	// FilterContext is the context captured when the thread stopped inside a
	// fault or signal handler. When set it is preferred over the live context.
	FilterContext *regs.Context
	// FrameChain is the address of the innermost runtime transition frame
	// record, or 0 if there is none.
	FrameChain uint64
	// Domain is the handle of the logical domain the thread is running in.
	Domain uint64
}

// Reader reads target state. Implementations must not modify the target and
// may fail at any time.
type Reader interface {
	// ReadMemory fills dst with the target memory at addr.
	ReadMemory(addr uint64, dst []byte) error
	// Thread returns the runtime's view of a thread.
	Thread(id uint32) (ThreadInfo, error)
	// ThreadContext reads the current register context of a thread.
	ThreadContext(id uint32) (regs.Context, error)
}

// ReadUint64 reads a little-endian 64-bit word.
func ReadUint64(r Reader, addr uint64) (uint64, error) {
	var buf [8]byte
	if err := r.ReadMemory(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadUint64s reads n consecutive little-endian words.
func ReadUint64s(r Reader, addr uint64, n int) ([]uint64, error) {
	buf := make([]byte, 8*n)
	if err := r.ReadMemory(addr, buf); err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return out, nil
}

type region struct {
	base uint64
	data []byte
}

func (r *region) end() uint64 { return r.base + uint64(len(r.data)) }

type thread struct {
	info ThreadInfo
	ctx  regs.Context
}

// Snapshot is an in-memory target: a set of memory regions and threads
// captured from a frozen process.
type Snapshot struct {
	regions []region // sorted by base, non-overlapping
	threads map[uint32]*thread
}

var _ Reader = (*Snapshot)(nil)

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{threads: make(map[uint32]*thread)}
}

// AddRegion adds a region of memory. Regions may not overlap.
func (s *Snapshot) AddRegion(base uint64, data []byte) error {
	if base+uint64(len(data)) < base {
		return fmt.Errorf("region at %#x of %d bytes wraps around", base, len(data))
	}
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].base >= base
	})
	if i < len(s.regions) && s.regions[i].base < base+uint64(len(data)) {
		return fmt.Errorf("region at %#x overlaps region at %#x", base, s.regions[i].base)
	}
	if i > 0 && s.regions[i-1].end() > base {
		return fmt.Errorf("region at %#x overlaps region at %#x", base, s.regions[i-1].base)
	}
	s.regions = append(s.regions, region{})
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = region{base: base, data: data}
	return nil
}

// AddThread adds a thread with its live register context.
func (s *Snapshot) AddThread(info ThreadInfo, ctx regs.Context) {
	s.threads[info.ID] = &thread{info: info, ctx: ctx}
}

// ThreadIDs returns the IDs of all threads in ascending order.
func (s *Snapshot) ThreadIDs() []uint32 {
	ids := make([]uint32, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReadMemory implements Reader. A read must lie within a single region.
func (s *Snapshot) ReadMemory(addr uint64, dst []byte) error {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].end() > addr
	})
	if i == len(s.regions) || s.regions[i].base > addr {
		return fmt.Errorf("%w: %#x", ErrUnmapped, addr)
	}
	r := &s.regions[i]
	off := addr - r.base
	if off+uint64(len(dst)) > uint64(len(r.data)) {
		return fmt.Errorf("%w: %#x+%d", ErrUnmapped, addr, len(dst))
	}
	copy(dst, r.data[off:])
	return nil
}

// Thread implements Reader.
func (s *Snapshot) Thread(id uint32) (ThreadInfo, error) {
	t, ok := s.threads[id]
	if !ok {
		return ThreadInfo{}, fmt.Errorf("%w: %d", ErrNoThread, id)
	}
	return t.info, nil
}

// ThreadContext implements Reader.
func (s *Snapshot) ThreadContext(id uint32) (regs.Context, error) {
	t, ok := s.threads[id]
	if !ok {
		return regs.Context{}, fmt.Errorf("%w: %d", ErrNoThread, id)
	}
	return t.ctx, nil
}
