package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataExMachina-dev/stackwalk-go/internal/framing"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
)

func newTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace FILE",
		Short: "Print a trace written by walk --trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.OutOrStdout(), args[0])
		},
	}
}

func runTrace(out io.Writer, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	h, frames, err := framing.ParseTrace(b)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(out, "session %s thread %d captured %s hash %016x frames %d\n",
		h.SessionID, h.ThreadID, h.Captured.Format(time.RFC3339Nano), h.StackHash, h.NumFrames)
	for _, f := range frames {
		frameLine(out, f.Index, stackwalk.SimpleFrameType(f.Simple), f.SP, f.PC, f.CodeName,
			fmt.Sprintf("%#x", f.SkippedBytes))
	}
	return nil
}
