package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"

	"github.com/DataExMachina-dev/stackwalk-go/internal/dump"
	"github.com/DataExMachina-dev/stackwalk-go/internal/framing"
	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
)

type walkFlags struct {
	thread  uint32
	filter  string
	values  bool
	json    bool
	trace   string
	verbose bool
}

func newWalkCmd() *cobra.Command {
	var fl walkFlags
	cmd := &cobra.Command{
		Use:   "walk DUMP",
		Short: "Print the frames of one thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWalk(cmd.OutOrStdout(), args[0], fl)
		},
	}
	f := cmd.Flags()
	f.Uint32VarP(&fl.thread, "thread", "t", 0, "ID of the thread to walk")
	f.StringVar(&fl.filter, "filter", "managed", "frames to visit: managed, native or all")
	f.BoolVar(&fl.values, "values", false, "print arguments and local variables")
	f.BoolVar(&fl.json, "json", false, "print the walk as JSON")
	f.StringVar(&fl.trace, "trace", "", "write a binary trace of the walk to `FILE`")
	f.BoolVarP(&fl.verbose, "verbose", "v", false, "log every step of the walk")
	_ = cmd.MarkFlagRequired("thread")
	return cmd
}

// frameReport is what the walk learned about one frame.
type frameReport struct {
	rec framing.FrameRecord
	// skippedKnown is false for the first frame, before any step.
	skippedKnown bool
	values       []valueReport
}

type valueReport struct {
	kind      string
	index     int
	name      string
	typ       string
	uncertain bool
	// data is nil when the value has no storage or could not be read; err
	// says why in the latter case.
	data []byte
	err  error
}

func runWalk(out io.Writer, path string, fl walkFlags) error {
	filter, err := stackwalk.ParseFilter(fl.filter)
	if err != nil {
		return err
	}
	d, err := dump.LoadFile(path)
	if err != nil {
		return err
	}
	opts := []stackwalk.Option{
		stackwalk.WithErrorLogger(func(err error) {
			if fl.verbose || stackwalk.KindOf(err) == stackwalk.Fault {
				log.Print(err)
			}
		}),
	}
	if fl.verbose {
		opts = append(opts, stackwalk.WithLogger(log.Printf))
	}
	tgt, err := stackwalk.NewTarget(d.Target, d.Table, d.Table, d.Table, d.Arch, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = tgt.Release() }()

	s, err := tgt.NewSession(fl.thread, filter)
	if err != nil {
		return err
	}
	defer func() { _ = s.Release() }()

	_, _, err = s.FrameType()
	more := err == nil
	if err != nil && !stackwalk.IsUnavailable(err) {
		return err
	}
	var frames []frameReport
	for more {
		r, err := inspectFrame(s, uint32(len(frames)), fl.values)
		if err != nil {
			return err
		}
		frames = append(frames, r)
		if more, err = s.Advance(); err != nil {
			return err
		}
	}

	if fl.json {
		if err := renderJSON(out, s, frames); err != nil {
			return err
		}
	} else {
		renderText(out, s, frames)
	}
	if fl.trace == "" {
		return nil
	}
	return writeTrace(fl.trace, s, frames)
}

// inspectFrame captures the session's current frame.
func inspectFrame(s *stackwalk.Session, index uint32, values bool) (frameReport, error) {
	r := frameReport{rec: framing.FrameRecord{Index: index}}
	f, err := s.Frame()
	if err != nil {
		return r, err
	}
	defer func() { _ = f.Release() }()

	simple, _, err := f.FrameType()
	if err != nil {
		return r, err
	}
	r.rec.Simple = uint32(simple)
	buf := make([]byte, regs.MaxContextSize)
	n, err := f.RegisterContext(regs.ContextControl, buf)
	if err != nil {
		return r, err
	}
	ctx, err := regs.DecodeContext(buf[:n])
	if err != nil {
		return r, err
	}
	r.rec.PC, r.rec.SP = ctx.Rip, ctx.Rsp
	if simple == stackwalk.FrameManagedMethod {
		if m, err := f.Method(); err == nil {
			r.rec.Method = uint64(m.Handle)
		}
	}
	if name, err := f.CodeName(); err == nil {
		r.rec.CodeName = name
	}
	if b, err := s.SkippedStackBytes(); err == nil {
		r.rec.SkippedBytes, r.skippedKnown = b, true
	}
	if values && r.rec.Method != 0 {
		if r.values, err = inspectValues(f); err != nil {
			return r, err
		}
	}
	return r, nil
}

func inspectValues(f *stackwalk.Frame) ([]valueReport, error) {
	n, err := f.NumArguments()
	if err != nil {
		if stackwalk.IsUnavailable(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []valueReport
	for i := 0; i < n; i++ {
		v, err := f.Argument(i)
		if err != nil {
			return nil, err
		}
		out = append(out, inspectValue("arg", i, valueName(f.ArgumentName, i), v))
	}
	if n, err = f.NumLocalVariables(); err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		v, err := f.LocalVariable(i)
		if err != nil {
			return nil, err
		}
		out = append(out, inspectValue("local", i, valueName(f.LocalVariableName, i), v))
	}
	return out, nil
}

func valueName(get func(int, []byte) (int, error), i int) string {
	buf := make([]byte, 256)
	n, err := get(i, buf)
	if err != nil || n <= 1 {
		return ""
	}
	if n > len(buf) {
		n = len(buf)
	}
	return string(buf[:n-1])
}

func inspectValue(kind string, i int, name string, v *stackwalk.Value) valueReport {
	r := valueReport{
		kind:      kind,
		index:     i,
		name:      name,
		typ:       v.Type().String(),
		uncertain: v.Flags()&stackwalk.ValueTypeUncertain != 0,
	}
	if b, err := v.Bytes(); err == nil {
		r.data = b
	} else if !stackwalk.IsUnavailable(err) {
		r.err = err
	}
	return r
}

func renderText(out io.Writer, s *stackwalk.Session, frames []frameReport) {
	if len(frames) == 0 {
		fmt.Fprintf(out, "thread %d: no frames\n", s.ThreadID())
	}
	for _, f := range frames {
		skipped := "-"
		if f.skippedKnown {
			skipped = fmt.Sprintf("%#x", f.rec.SkippedBytes)
		}
		frameLine(out, f.rec.Index, stackwalk.SimpleFrameType(f.rec.Simple), f.rec.SP, f.rec.PC, f.rec.CodeName, skipped)
		for _, v := range f.values {
			label := v.kind + "[" + strconv.Itoa(v.index) + "]"
			if v.name != "" {
				label += " " + v.name
			}
			typ := v.typ
			if v.uncertain {
				typ += "?"
			}
			val := "<unavailable>"
			switch {
			case v.err != nil:
				val = "<" + v.err.Error() + ">"
			case v.data != nil:
				val = hex.EncodeToString(v.data)
			}
			fmt.Fprintf(out, "      %s %s = %s\n", label, typ, val)
		}
	}
}

func renderJSON(out io.Writer, s *stackwalk.Session, frames []frameReport) error {
	doc := []byte(`{}`)
	var err error
	set := func(path string, v interface{}) {
		if err == nil {
			doc, err = sjson.SetBytes(doc, path, v)
		}
	}
	set("session", s.ID().String())
	set("thread", s.ThreadID())
	set("frames", []interface{}{})
	for i, f := range frames {
		p := "frames." + strconv.Itoa(i)
		set(p+".index", f.rec.Index)
		set(p+".kind", stackwalk.SimpleFrameType(f.rec.Simple).String())
		set(p+".sp", fmt.Sprintf("%#x", f.rec.SP))
		set(p+".pc", fmt.Sprintf("%#x", f.rec.PC))
		if f.rec.CodeName != "" {
			set(p+".codeName", f.rec.CodeName)
		}
		if f.skippedKnown {
			set(p+".skipped", f.rec.SkippedBytes)
		}
		for j, v := range f.values {
			vp := p + ".values." + strconv.Itoa(j)
			set(vp+".kind", v.kind)
			set(vp+".index", v.index)
			set(vp+".name", v.name)
			set(vp+".type", v.typ)
			if v.uncertain {
				set(vp+".uncertain", true)
			}
			switch {
			case v.err != nil:
				set(vp+".error", v.err.Error())
			case v.data != nil:
				set(vp+".hex", hex.EncodeToString(v.data))
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to encode walk: %w", err)
	}
	_, err = out.Write(append(doc, '\n'))
	return err
}

func writeTrace(path string, s *stackwalk.Session, frames []frameReport) error {
	pcs := make([]uint64, len(frames))
	for i, f := range frames {
		pcs[i] = f.rec.PC
	}
	b, err := framing.AppendHeader(nil, framing.TraceHeader{
		SessionID: s.ID(),
		ThreadID:  s.ThreadID(),
		Captured:  time.Now().UTC(),
		StackHash: framing.StackHash(pcs),
		NumFrames: uint32(len(frames)),
	})
	if err != nil {
		return err
	}
	for _, f := range frames {
		b = framing.AppendFrame(b, f.rec)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	return nil
}
