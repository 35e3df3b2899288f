package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate an options document",
		Long:  "Load the --config document (or built-in defaults) and report whether it satisfies every cross-field invariant.",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions(configPath)
	if err != nil {
		return exitError("invalid options: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok: plan=%s trigger=%s(%d bytes) threads=%d\n",
		opts.Plan, opts.GCTrigger.Kind, opts.GCTrigger.Bytes, opts.Threads)
	return nil
}
