package regs

import "strconv"

// Register numbers for arm64 follow the DWARF numbering.
const (
	ARM64X0  = 0
	ARM64FP  = 29
	ARM64LR  = 30
	ARM64SP  = 31
	ARM64PC  = 32
	arm64Num = 33
)

func init() {
	names := make([]string, arm64Num)
	for i := 0; i < ARM64FP; i++ {
		names[i] = "x" + strconv.Itoa(i)
	}
	names[ARM64FP] = "fp"
	names[ARM64LR] = "lr"
	names[ARM64SP] = "sp"
	names[ARM64PC] = "pc"
	// Context has the amd64 layout, so arm64 targets can be described but
	// not converted to or from a Context.
	archs[ArchARM64] = &archInfo{
		name:     "arm64",
		regNames: names,
		spReg:    ARM64SP,
		fpReg:    ARM64FP,
		pcReg:    ARM64PC,
		// The frame record {fp, lr} sits at the bottom of the frame.
		//
		// See https://github.com/golang/go/blob/94982a07/src/cmd/compile/abi-internal.md?plain=1#L568-L601
		frameRecord: 16,
	}
}
