package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yzzyx/supplicant/trace"
)

var traceAttempt string

var traceCmd = &cobra.Command{
	Use:   "trace <file>",
	Short: "Print a protocol trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		return printTrace(cmd.OutOrStdout(), f, traceAttempt)
	},
}

func init() {
	traceCmd.Flags().StringVar(&traceAttempt, "attempt", "", "only print events of this attempt id")
	rootCmd.AddCommand(traceCmd)
}

func printTrace(w io.Writer, r io.Reader, attempt string) error {
	tr := trace.NewReader(r)
	if attempt != "" {
		id, err := uuid.Parse(attempt)
		if err != nil {
			return fmt.Errorf("attempt: %w", err)
		}
		tr.Only(id)
	}
	for {
		ev, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(w, ev)
	}
}
