// Package unwind contains the frame iterator: the state machine that walks a
// thread's stack one frame at a time, interleaving managed frames unwound
// from compiler metadata with runtime transition frames read from the
// thread's frame chain.
package unwind

import (
	"errors"
	"fmt"

	"github.com/DataExMachina-dev/stackwalk-go/internal/fifo"
	"github.com/DataExMachina-dev/stackwalk-go/internal/metadata"
	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
	"github.com/DataExMachina-dev/stackwalk-go/internal/target"
	"github.com/DataExMachina-dev/stackwalk-go/internal/unwindinfo"
)

// State is the state of an Iterator.
type State uint8

const (
	StateUninitialized State = iota
	// StateFramelessMethod: the current frame is a managed method with no
	// runtime bookkeeping record.
	StateFramelessMethod
	// StateFrameFunction: the current frame is a transition frame at which
	// the walk crosses out of code the unwinder cannot step through.
	StateFrameFunction
	// StateSkippedFrameFunction: the current frame is a transition frame
	// younger than the managed frame at the current location. It is visited
	// without touching the registers.
	StateSkippedFrameFunction
	StateDone
	StateAborted
)

var stateNames = [...]string{
	StateUninitialized:        "uninitialized",
	StateFramelessMethod:      "frameless-method",
	StateFrameFunction:        "frame-function",
	StateSkippedFrameFunction: "skipped-frame-function",
	StateDone:                 "done",
	StateAborted:              "aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal reports whether no further advancement is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateAborted }

// Action is the outcome of one step.
type Action uint8

const (
	// ActionContinue: the step succeeded; the iterator may now be done.
	ActionContinue Action = iota
	// ActionAbort: there is no more trustworthy information.
	ActionAbort
	// ActionFail: the stack is in an unexpected state.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionAbort:
		return "abort"
	case ActionFail:
		return "fail"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Flags modify the walk.
type Flags uint32

const (
	// FunctionsOnly consumes transition frames internally so that only
	// managed method frames are visited.
	FunctionsOnly Flags = 1 << iota
)

var (
	ErrTooManyFrames = errors.New("too many frames")
	ErrCorruptStack  = errors.New("corrupt stack")
)

// Config holds the collaborators of an Iterator.
type Config struct {
	Reader    target.Reader
	Code      metadata.CodeMap
	Flags     Flags
	MaxFrames int
	// Logf, if set, receives a trace of every step.
	Logf func(format string, args ...interface{})
}

// Iterator walks the stack of one thread. It mutates the Display it was
// initialized with in place.
//
// An Iterator is not safe for concurrent use.
type Iterator struct {
	cfg     Config
	thread  target.ThreadInfo
	display *regs.Display

	state  State
	method *metadata.Method
	frames fifo.Queue[TransitionFrame]
	steps  int
	err    error
}

// Init prepares the iterator to walk thread starting at the location
// described by d.
func (it *Iterator) Init(cfg Config, thread target.ThreadInfo, d *regs.Display) error {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 512
	}
	*it = Iterator{
		cfg:     cfg,
		thread:  thread,
		display: d,
		frames:  fifo.MakeQueue[TransitionFrame](8),
	}
	if err := it.loadChain(0); err != nil {
		return err
	}
	it.classify()
	it.logf("init: %v at %v", it.state, d)
	return nil
}

// ResetDisplay restarts the walk from a new register snapshot. Transition
// frames younger than the new stack pointer no longer apply and are dropped.
func (it *Iterator) ResetDisplay(d *regs.Display) error {
	if it.state == StateUninitialized && it.display == nil {
		return errors.New("iterator is not initialized")
	}
	it.display = d
	it.method = nil
	it.steps = 0
	it.err = nil
	it.frames.Reset()
	if err := it.loadChain(d.SP); err != nil {
		it.state = StateAborted
		it.err = err
		return err
	}
	it.classify()
	it.logf("reset: %v at %v", it.state, d)
	return nil
}

func (it *Iterator) loadChain(minAddr uint64) error {
	return readChain(it.cfg.Reader, it.thread.FrameChain, it.cfg.MaxFrames, func(f TransitionFrame) {
		if f.Addr >= minAddr {
			it.frames.PushBack(f)
		}
	})
}

// State returns the current state.
func (it *Iterator) State() State { return it.state }

// IsValid reports whether the iterator is positioned on a frame.
func (it *Iterator) IsValid() bool {
	return it.state != StateUninitialized && !it.state.Terminal()
}

// Err returns the reason the iterator aborted, if any.
func (it *Iterator) Err() error { return it.err }

// Display returns the register snapshot being walked.
func (it *Iterator) Display() *regs.Display { return it.display }

// Method returns the managed method of the current frame. Transition frames
// report the method they were set up for, if any.
func (it *Iterator) Method() (*metadata.Method, bool) {
	if it.method == nil {
		return nil, false
	}
	return it.method, true
}

// Frame returns the current transition frame.
func (it *Iterator) Frame() (TransitionFrame, bool) {
	switch it.state {
	case StateFrameFunction, StateSkippedFrameFunction:
		return *it.frames.PeekFront(), true
	}
	return TransitionFrame{}, false
}

// Domain returns the logical domain of the current frame, or 0.
func (it *Iterator) Domain() uint64 {
	if it.method != nil && it.method.Domain != 0 {
		return it.method.Domain
	}
	if it.IsValid() {
		return it.thread.Domain
	}
	return 0
}

// SetIsFirstFrame marks whether the current location is the currently
// executing frame.
func (it *Iterator) SetIsFirstFrame(first bool) {
	if it.display != nil {
		it.display.First = first
	}
}

// IsFirstFrame reports whether the current location is the currently
// executing frame.
func (it *Iterator) IsFirstFrame() bool {
	return it.display != nil && it.display.First
}

// Next advances to the next frame.
func (it *Iterator) Next() Action {
	if !it.IsValid() {
		return ActionAbort
	}
	it.steps++
	if it.steps > it.cfg.MaxFrames {
		return it.abort(ActionAbort, fmt.Errorf("%w: limit is %d", ErrTooManyFrames, it.cfg.MaxFrames))
	}
	switch it.state {
	case StateFramelessMethod:
		if act := it.unwindMethod(); act != ActionContinue {
			return act
		}
	case StateFrameFunction:
		if act := it.crossTransition(); act != ActionContinue {
			return act
		}
	case StateSkippedFrameFunction:
		it.frames.PopFront()
	}
	if act := it.classify(); act != ActionContinue {
		return act
	}
	it.logf("next: %v at %v", it.state, it.display)
	return ActionContinue
}

// classify determines the state for the current location. Transition frames
// take precedence over managed methods. With FunctionsOnly, transition
// frames are crossed without stopping.
func (it *Iterator) classify() Action {
	for {
		d := it.display
		m, managed := it.cfg.Code.Lookup(d.ControlPC())
		f := it.frames.PeekFront()
		it.method = nil
		switch {
		case f != nil && (f.Addr < d.SP || !managed):
			if managed {
				it.state = StateSkippedFrameFunction
			} else {
				it.state = StateFrameFunction
			}
			if f.Method != 0 {
				it.method = it.methodByHandle(f.Method)
			}
		case managed:
			it.state = StateFramelessMethod
			it.method = m
		default:
			it.state = StateDone
		}
		if it.cfg.Flags&FunctionsOnly == 0 {
			return ActionContinue
		}
		switch it.state {
		case StateFrameFunction:
			if act := it.crossTransition(); act != ActionContinue {
				return act
			}
		case StateSkippedFrameFunction:
			it.frames.PopFront()
		default:
			return ActionContinue
		}
	}
}

// methodByHandle finds a method by handle when the code map can do so.
func (it *Iterator) methodByHandle(h metadata.MethodHandle) *metadata.Method {
	type byHandle interface {
		Method(metadata.MethodHandle) (*metadata.Method, bool)
	}
	if bh, ok := it.cfg.Code.(byHandle); ok {
		if m, ok := bh.Method(h); ok {
			return m
		}
	}
	return nil
}

// unwindMethod steps from a managed frame to its caller using the method's
// unwind program, or its frame pointer when it has none.
func (it *Iterator) unwindMethod() Action {
	d := it.display
	m := it.method
	rules := unwindinfo.FramePointerRules(d.Arch)
	if len(m.Unwind) > 0 {
		var err error
		if rules, err = unwindinfo.Eval(m.Unwind); err != nil {
			return it.abort(ActionFail, fmt.Errorf("method %q: %w", m.Name, err))
		}
	}
	cfa := d.Reg(rules.CFAReg) + uint64(rules.CFAOffset)
	if cfa <= d.SP {
		return it.abort(ActionFail, fmt.Errorf(
			"%w: cfa %#x of %q not above sp %#x", ErrCorruptStack, cfa, m.Name, d.SP))
	}
	type restore struct {
		reg       int
		val, addr uint64
	}
	var restores []restore
	for _, s := range rules.Saved {
		addr := cfa + uint64(s.CFAOffset)
		v, err := target.ReadUint64(it.cfg.Reader, addr)
		if err != nil {
			return it.abort(ActionAbort, fmt.Errorf("failed to restore %s: %w", d.Arch.RegName(s.Reg), err))
		}
		restores = append(restores, restore{reg: s.Reg, val: v, addr: addr})
	}
	raAddr := cfa + uint64(rules.RAOffset)
	ra, err := target.ReadUint64(it.cfg.Reader, raAddr)
	if err != nil {
		return it.abort(ActionAbort, fmt.Errorf("failed to read return address: %w", err))
	}
	for _, r := range restores {
		d.SetSaved(r.reg, r.val, r.addr)
	}
	d.SetSaved(d.Arch.PCReg(), ra, raAddr)
	d.SetSP(cfa)
	d.First = false
	return ActionContinue
}

// crossTransition consumes the transition frame at the front of the chain,
// resuming at its managed caller when it records one.
func (it *Iterator) crossTransition() Action {
	f := it.frames.PopFront()
	if !f.HasContext() {
		return ActionContinue
	}
	d := it.display
	if f.CallerSP < d.SP {
		return it.abort(ActionFail, fmt.Errorf(
			"%w: %v resumes at sp %#x below %#x", ErrCorruptStack, f, f.CallerSP, d.SP))
	}
	d.SetSaved(d.Arch.PCReg(), f.ReturnAddress, f.Addr+offReturnAddress)
	d.SetSaved(d.Arch.SPReg(), f.CallerSP, f.Addr+offCallerSP)
	d.SetSaved(d.Arch.FPReg(), f.CallerFP, f.Addr+offCallerFP)
	d.First = false
	return ActionContinue
}

func (it *Iterator) abort(act Action, err error) Action {
	it.state = StateAborted
	it.method = nil
	it.err = err
	it.logf("%v: %v", act, err)
	return act
}

func (it *Iterator) logf(format string, args ...interface{}) {
	if it.cfg.Logf != nil {
		it.cfg.Logf(format, args...)
	}
}
