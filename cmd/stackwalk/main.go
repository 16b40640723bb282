// Command stackwalk walks the stacks of threads in a target dump.
//
//	stackwalk walk target.json --thread 1 --filter all --values
//	stackwalk walk target.json --thread 1 --trace walk.trace
//	stackwalk trace walk.trace
package main

import (
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stackwalk",
		Short:         "Walk the stacks of threads in a target dump",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newWalkCmd(), newTraceCmd())
	return root
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("stackwalk: ")
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

// frameLine formats one frame the same way for live walks and traces.
func frameLine(w io.Writer, index uint32, kind fmt.Stringer, sp, pc uint64, name, skipped string) {
	if name == "" {
		name = "?"
	}
	fmt.Fprintf(w, "#%-3d %-17s sp=%#x pc=%#x %s skipped=%s\n", index, kind, sp, pc, name, skipped)
}
