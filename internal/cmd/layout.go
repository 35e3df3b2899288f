package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heapcore/heapcore"
	"github.com/heapcore/heapcore/internal/testvm"
)

func newLayoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Build the configured plan and dump its space table",
		Long:  "Construct the plan named by --config (or the default Immix plan) and print which address ranges its spaces registered in the SFT.",
		Args:  cobra.NoArgs,
		RunE:  runLayout,
	}
}

func runLayout(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions(configPath)
	if err != nil {
		return exitError("invalid options: %w", err)
	}

	b := testvm.New()
	inst, err := heapcore.Init(opts, heapcore.Bindings{
		Collection:    b,
		Scanning:      b,
		ObjectModel:   b,
		ActivePlan:    b,
		ReferenceGlue: b,
	})
	if err != nil {
		return exitError("init failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), inst.Dump())
	return nil
}
