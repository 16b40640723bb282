// Package stackwalk reconstructs the call stack of a thread of a managed
// runtime, frame by frame, from a read-only view of the target: a frozen
// process or a memory snapshot.
//
// A Target binds the target memory to the runtime metadata describing its
// code. Sessions walk one thread each; every visited frame can be captured as
// a Frame whose arguments and local variables resolve to typed Values.
//
// Every operation on a Target and the objects it created is serialized by
// the Target. Sessions and Frames are reference counted: a Frame keeps the
// Target readable after the Session that captured it is released.
package stackwalk

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/DataExMachina-dev/stackwalk-go/internal/metadata"
	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
	"github.com/DataExMachina-dev/stackwalk-go/internal/target"
)

// Target is a read-only view of a process together with the metadata of its
// managed code.
type Target struct {
	cfg    config
	reader target.Reader
	code   metadata.CodeMap
	sigs   *metadata.CachedSignatures
	vars   metadata.VarLocationProvider
	arch   regs.Arch
	refs   refCount

	// mu serializes every operation touching the target.
	mu sync.Mutex
}

// NewTarget creates a Target. The returned Target holds one reference; when
// the last reference is released the reader is closed if it is an io.Closer.
func NewTarget(
	r Reader,
	code CodeMap,
	sigs SignatureProvider,
	vars VarLocationProvider,
	arch Arch,
	opts ...Option,
) (*Target, error) {
	if arch.NumRegs() == 0 {
		return nil, &Error{Op: "NewTarget", Kind: InvalidArgument, Err: fmt.Errorf("unknown architecture %v", arch)}
	}
	cfg := makeDefaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	t := &Target{
		cfg:    cfg,
		reader: r,
		code:   code,
		sigs:   metadata.NewCachedSignatures(sigs, cfg.signatureCacheSize),
		vars:   vars,
		arch:   arch,
	}
	t.refs.init()
	return t, nil
}

// Arch returns the architecture of the target.
func (t *Target) Arch() Arch { return t.arch }

// Retain adds a reference to the Target.
func (t *Target) Retain() error {
	if !t.refs.retain() {
		return errReleased("Target.Retain")
	}
	return nil
}

// Release drops a reference to the Target.
func (t *Target) Release() error {
	last, ok := t.refs.release()
	if !ok {
		return errReleased("Target.Release")
	}
	if !last {
		return nil
	}
	if c, ok := t.reader.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return &Error{Op: "Target.Release", Kind: Fault, Err: fmt.Errorf("failed to close target: %w", err)}
		}
	}
	return nil
}

// guard enters the target for the duration of operation op. The returned
// function must be deferred; it leaves the target and turns whatever error
// or panic the operation produced into an *Error. The error logger runs
// after the target is left, so it may call back into the package.
//
//	defer t.guard("Session.Advance", &err)()
func (t *Target) guard(op string, errp *error) func() {
	t.mu.Lock()
	return func() {
		if r := recover(); r != nil {
			*errp = &Error{Op: op, Kind: Fault, Err: fmt.Errorf("panic: %v", r)}
		}
		if *errp == nil {
			t.mu.Unlock()
			return
		}
		e := translate(op, *errp)
		*errp = e
		t.mu.Unlock()
		if e.Kind != Unavailable {
			t.cfg.errorLogger(e)
		}
	}
}

func (t *Target) logf(format string, args ...interface{}) {
	if t.cfg.logger != nil {
		t.cfg.logger(format, args...)
	}
}

func errReleased(op string) *Error {
	return &Error{Op: op, Kind: InvalidArgument, Err: fmt.Errorf("object was released")}
}

// refCount is a reference count that cannot be revived once it drops to 0.
type refCount struct {
	n atomic.Int32
}

func (r *refCount) init() { r.n.Store(1) }

func (r *refCount) live() bool { return r.n.Load() > 0 }

func (r *refCount) retain() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference. last is set when it was the final one; ok is
// false if there was no reference to drop.
func (r *refCount) release() (last, ok bool) {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false, false
		}
		if r.n.CompareAndSwap(n, n-1) {
			return n == 1, true
		}
	}
}
