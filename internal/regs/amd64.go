package regs

// Register numbers for amd64 follow the DWARF numbering so that variable
// location tables can name registers directly.
const (
	AMD64Rax = iota
	AMD64Rdx
	AMD64Rcx
	AMD64Rbx
	AMD64Rsi
	AMD64Rdi
	AMD64Rbp
	AMD64Rsp
	AMD64R8
	AMD64R9
	AMD64R10
	AMD64R11
	AMD64R12
	AMD64R13
	AMD64R14
	AMD64R15
	AMD64Rip
)

func init() {
	archs[ArchAMD64] = &archInfo{
		name: "amd64",
		regNames: []string{
			"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
			"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
			"rip",
		},
		spReg: AMD64Rsp,
		fpReg: AMD64Rbp,
		pcReg: AMD64Rip,
		// The frame pointer points at the saved caller frame pointer, which
		// sits below the return address pushed by the call.
		//
		// See https://github.com/golang/go/blob/94982a07/src/cmd/compile/abi-internal.md?plain=1#L448-L473
		frameRecord: 16,
		fill:        fillAMD64,
		update:      updateAMD64,
	}
}

func amd64Slots(ctx *Context) [AMD64Rip + 1]*uint64 {
	return [AMD64Rip + 1]*uint64{
		&ctx.Rax, &ctx.Rdx, &ctx.Rcx, &ctx.Rbx, &ctx.Rsi, &ctx.Rdi, &ctx.Rbp, &ctx.Rsp,
		&ctx.R8, &ctx.R9, &ctx.R10, &ctx.R11, &ctx.R12, &ctx.R13, &ctx.R14, &ctx.R15,
		&ctx.Rip,
	}
}

func fillAMD64(d *Display, ctx *Context) {
	for i, p := range amd64Slots(ctx) {
		d.Regs[i] = Slot{Value: *p}
	}
	d.SP = ctx.Rsp
	d.PC = ctx.Rip
}

func updateAMD64(d *Display, ctx *Context) {
	for i, p := range amd64Slots(ctx) {
		*p = d.Reg(i)
	}
}
