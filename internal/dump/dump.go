// Package dump loads a frozen target from a JSON document: the memory and
// threads of the process together with the metadata of its managed code.
//
// Integers may be written as JSON numbers or as strings in any base accepted
// by strconv.ParseUint with base 0, e.g. "0x7ff000". Registers are named as
// in regs.Arch.RegName, except in contexts, which always use the field names
// of regs.Context.
//
//	{
//	  "arch": "amd64",
//	  "memory": [{"base": "0x7000", "hex": "00112233..."}],
//	  "threads": [{
//	    "id": 1, "started": true, "frameChain": "0x7180", "domain": "0x1",
//	    "context": {"rip": "0x1010", "rsp": "0x7100", "rbp": "0x7110"},
//	    "filterContext": {...}
//	  }],
//	  "methods": [{
//	    "handle": "0xc", "name": "C", "domain": 0,
//	    "owner": {"name": "Demo.Widget", "kind": "reference", "size": 8},
//	    "codeStart": "0x1000", "codeSize": "0x100",
//	    "unwind": [{"op": "def_cfa", "reg": "rsp", "offset": 8}, {"op": "return_address", "offset": -8}],
//	    "signature": {"hasThis": true, "params": ["int32"], "paramNames": ["x"], "locals": ["float32"]},
//	    "vars": [{"slot": 1, "start": 0, "end": "0x40", "loc": {"kind": "reg", "reg": "rsi"}}]
//	  }]
//	}
package dump

import (
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/DataExMachina-dev/stackwalk-go/internal/metadata"
	"github.com/DataExMachina-dev/stackwalk-go/internal/regs"
	"github.com/DataExMachina-dev/stackwalk-go/internal/target"
	"github.com/DataExMachina-dev/stackwalk-go/internal/unwindinfo"
)

// Dump is a loaded target.
type Dump struct {
	Arch   regs.Arch
	Target *target.Snapshot
	Table  *metadata.Table
}

// LoadFile loads the dump at path.
func LoadFile(path string) (*Dump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump: %w", err)
	}
	d, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Load parses a dump.
func Load(data []byte) (*Dump, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	root := gjson.ParseBytes(data)
	arch, err := regs.ParseArch(root.Get("arch").String())
	if err != nil {
		return nil, err
	}
	d := &Dump{Arch: arch, Target: target.NewSnapshot(), Table: metadata.NewTable()}
	l := loader{arch: arch}

	for i, m := range root.Get("memory").Array() {
		if err := l.region(d.Target, m); err != nil {
			return nil, fmt.Errorf("memory[%d]: %w", i, err)
		}
	}
	for i, t := range root.Get("threads").Array() {
		if err := l.thread(d.Target, t); err != nil {
			return nil, fmt.Errorf("threads[%d]: %w", i, err)
		}
	}
	for i, m := range root.Get("methods").Array() {
		if err := l.method(d.Table, m); err != nil {
			return nil, fmt.Errorf("methods[%d]: %w", i, err)
		}
	}
	return d, nil
}

type loader struct {
	arch regs.Arch
}

func (l loader) region(s *target.Snapshot, r gjson.Result) error {
	base, err := uintField(r, "base")
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(r.Get("hex").String())
	if err != nil {
		return fmt.Errorf("hex: %w", err)
	}
	return s.AddRegion(base, data)
}

func (l loader) thread(s *target.Snapshot, r gjson.Result) error {
	id, err := uint32Field(r, "id")
	if err != nil {
		return err
	}
	info := target.ThreadInfo{ID: id, Started: r.Get("started").Bool()}
	if info.FrameChain, err = uintField(r, "frameChain"); err != nil {
		return err
	}
	if info.Domain, err = uintField(r, "domain"); err != nil {
		return err
	}
	ctx, err := l.context(r.Get("context"))
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	if fc := r.Get("filterContext"); fc.Exists() {
		c, err := l.context(fc)
		if err != nil {
			return fmt.Errorf("filterContext: %w", err)
		}
		info.FilterContext = &c
	}
	s.AddThread(info, ctx)
	return nil
}

// contextRegs maps the JSON names of the context registers to their fields.
func contextRegs(c *regs.Context) map[string]*uint64 {
	return map[string]*uint64{
		"rip": &c.Rip, "rsp": &c.Rsp, "rbp": &c.Rbp,
		"rax": &c.Rax, "rcx": &c.Rcx, "rdx": &c.Rdx, "rbx": &c.Rbx,
		"rsi": &c.Rsi, "rdi": &c.Rdi,
		"r8": &c.R8, "r9": &c.R9, "r10": &c.R10, "r11": &c.R11,
		"r12": &c.R12, "r13": &c.R13, "r14": &c.R14, "r15": &c.R15,
	}
}

func (l loader) context(r gjson.Result) (regs.Context, error) {
	c := regs.Context{Flags: regs.ContextFull}
	fields := contextRegs(&c)
	var err error
	r.ForEach(func(k, v gjson.Result) bool {
		name := k.String()
		if name == "eflags" {
			var x uint64
			x, err = parseUint(v)
			c.EFlags = uint32(x)
			return err == nil
		}
		p, ok := fields[name]
		if !ok {
			err = fmt.Errorf("unknown register %q", name)
			return false
		}
		*p, err = parseUint(v)
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		return err == nil
	})
	return c, err
}

func (l loader) method(t *metadata.Table, r gjson.Result) error {
	m := &metadata.Method{Name: r.Get("name").String()}
	handle, err := uintField(r, "handle")
	if err != nil {
		return err
	}
	m.Handle = metadata.MethodHandle(handle)
	if m.Domain, err = uintField(r, "domain"); err != nil {
		return err
	}
	if m.CodeStart, err = uintField(r, "codeStart"); err != nil {
		return err
	}
	if m.CodeSize, err = uintField(r, "codeSize"); err != nil {
		return err
	}
	if o := r.Get("owner"); o.Exists() {
		if m.Owner, err = parseType(o); err != nil {
			return fmt.Errorf("owner: %w", err)
		}
	}
	if u := r.Get("unwind"); u.Exists() {
		if m.Unwind, err = l.unwind(u); err != nil {
			return fmt.Errorf("unwind: %w", err)
		}
	}
	var sig *metadata.Signature
	if s := r.Get("signature"); s.Exists() {
		if sig, err = parseSignature(s); err != nil {
			return fmt.Errorf("signature: %w", err)
		}
	}
	var vars []metadata.VarInfo
	for i, v := range r.Get("vars").Array() {
		vi, err := l.varInfo(v)
		if err != nil {
			return fmt.Errorf("vars[%d]: %w", i, err)
		}
		vars = append(vars, vi)
	}
	return t.AddMethod(m, sig, vars)
}

func (l loader) reg(r gjson.Result, key string) (int, error) {
	name := r.Get(key).String()
	reg, ok := l.arch.RegByName(name)
	if !ok {
		return 0, fmt.Errorf("%s: unknown %v register %q", key, l.arch, name)
	}
	return reg, nil
}

func (l loader) unwind(r gjson.Result) ([]byte, error) {
	var b unwindinfo.Builder
	for i, op := range r.Array() {
		off, err := int32Field(op, "offset")
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		name := op.Get("op").String()
		switch name {
		case "def_cfa", "def_cfa_register", "saved_register":
			reg, err := l.reg(op, "reg")
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			switch name {
			case "def_cfa":
				b.DefCFA(uint8(reg), off)
			case "def_cfa_register":
				b.DefCFARegister(uint8(reg))
			default:
				b.SavedRegister(uint8(reg), off)
			}
		case "def_cfa_offset":
			b.DefCFAOffset(off)
		case "return_address":
			b.ReturnAddress(off)
		default:
			return nil, fmt.Errorf("[%d]: unknown unwind op %q", i, name)
		}
	}
	prog := b.End()
	if _, err := unwindinfo.Eval(prog); err != nil {
		return nil, err
	}
	return prog, nil
}

func (l loader) varInfo(r gjson.Result) (metadata.VarInfo, error) {
	var vi metadata.VarInfo
	for _, f := range []struct {
		key string
		dst *uint32
	}{{"slot", &vi.Slot}, {"start", &vi.Start}, {"end", &vi.End}} {
		x, err := uint32Field(r, f.key)
		if err != nil {
			return vi, err
		}
		*f.dst = x
	}
	loc := r.Get("loc")
	kind, err := metadata.ParseVarLocKind(loc.Get("kind").String())
	if err != nil {
		return vi, err
	}
	vi.Loc.Kind = kind
	for _, f := range []struct {
		key string
		dst *int
	}{{"reg", &vi.Loc.Reg}, {"reg2", &vi.Loc.Reg2}, {"base", &vi.Loc.BaseReg}} {
		if !loc.Get(f.key).Exists() {
			continue
		}
		if *f.dst, err = l.reg(loc, f.key); err != nil {
			return vi, err
		}
	}
	if vi.Loc.Offset, err = int32Field(loc, "offset"); err != nil {
		return vi, err
	}
	return vi, nil
}

func parseSignature(r gjson.Result) (*metadata.Signature, error) {
	sig := &metadata.Signature{HasThis: r.Get("hasThis").Bool()}
	var err error
	if sig.Params, err = parseTypes(r.Get("params")); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	for _, n := range r.Get("paramNames").Array() {
		sig.ParamNames = append(sig.ParamNames, n.String())
	}
	// A missing or null locals entry means the method has no local
	// signature, which is different from an empty one.
	if locals := r.Get("locals"); locals.IsArray() {
		if sig.Locals, err = parseTypes(locals); err != nil {
			return nil, fmt.Errorf("locals: %w", err)
		}
		if sig.Locals == nil {
			sig.Locals = []metadata.TypeRef{}
		}
	}
	return sig, nil
}

func parseTypes(r gjson.Result) ([]metadata.TypeRef, error) {
	var out []metadata.TypeRef
	for i, t := range r.Array() {
		tr, err := parseType(t)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, tr)
	}
	return out, nil
}

var wellKnownTypes = map[string]metadata.TypeRef{
	"bool":    metadata.BoolType,
	"int16":   metadata.Int16Type,
	"int32":   metadata.Int32Type,
	"int64":   metadata.Int64Type,
	"uint64":  metadata.UInt64Type,
	"float32": metadata.Float32Type,
	"float64": metadata.Float64Type,
	"object":  metadata.ObjectType,
}

// parseType parses either the name of a well-known type or an object with
// name, kind and size. A type with no kind is one that cannot be loaded.
func parseType(r gjson.Result) (metadata.TypeRef, error) {
	if r.Type == gjson.String {
		t, ok := wellKnownTypes[r.Str]
		if !ok {
			return t, fmt.Errorf("unknown type %q", r.Str)
		}
		return t, nil
	}
	t := metadata.TypeRef{Name: r.Get("name").String()}
	switch k := r.Get("kind").String(); k {
	case "":
		t.Kind = metadata.KindUnknown
	case "primitive":
		t.Kind = metadata.KindPrimitive
	case "reference":
		t.Kind = metadata.KindReference
	case "valuetype":
		t.Kind = metadata.KindValueType
	default:
		return t, fmt.Errorf("unknown type kind %q", k)
	}
	var err error
	if t.Size, err = uint32Field(r, "size"); err != nil {
		return t, err
	}
	if t.Kind == metadata.KindPrimitive && t.Size == 0 {
		return t, fmt.Errorf("primitive type %q has no size", t.Name)
	}
	if t.Handle, err = uintField(r, "handle"); err != nil {
		return t, err
	}
	return t, nil
}

// uintField returns the unsigned integer at key, or 0 if it is absent.
func uintField(r gjson.Result, key string) (uint64, error) {
	x, err := parseUint(r.Get(key))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return x, nil
}

func uint32Field(r gjson.Result, key string) (uint32, error) {
	x, err := uintField(r, key)
	if err != nil {
		return 0, err
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("%s: %#x out of range", key, x)
	}
	return uint32(x), nil
}

func int32Field(r gjson.Result, key string) (int32, error) {
	x, err := intField(r, key)
	if err != nil {
		return 0, err
	}
	if x < math.MinInt32 || x > math.MaxInt32 {
		return 0, fmt.Errorf("%s: %d out of range", key, x)
	}
	return int32(x), nil
}

func intField(r gjson.Result, key string) (int64, error) {
	v := r.Get(key)
	switch v.Type {
	case gjson.Null:
		return 0, nil
	case gjson.Number:
		return v.Int(), nil
	case gjson.String:
		x, err := strconv.ParseInt(v.Str, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return x, nil
	default:
		return 0, fmt.Errorf("%s: not an integer: %s", key, v.Raw)
	}
}

func parseUint(v gjson.Result) (uint64, error) {
	switch v.Type {
	case gjson.Null:
		return 0, nil
	case gjson.Number:
		if strings.ContainsAny(v.Raw, "-.eE") {
			return 0, fmt.Errorf("not an unsigned integer: %s", v.Raw)
		}
		return v.Uint(), nil
	case gjson.String:
		return strconv.ParseUint(v.Str, 0, 64)
	default:
		return 0, fmt.Errorf("not an integer: %s", v.Raw)
	}
}
