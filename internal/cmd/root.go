// Package cmd implements heapcorectl, a cobra-based CLI for validating
// an options.Options document, dumping a plan's space layout, and
// driving a scripted allocation/collection trace against the bundled
// internal/testvm binding (ground: dsmmcken-dh-cli's internal/cmd
// package, which shapes its cobra root the same way: a persistent
// --config flag, SilenceUsage/SilenceErrors, subcommands registered
// from a single constructor).
package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

// Version is stamped at build time via -ldflags, mirroring the
// corpus's own Version var convention.
var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "heapcorectl",
		Short:         "Inspect and exercise a heapcore configuration",
		Long:          "heapcorectl — validate heapcore options, dump plan layouts, and run scripted allocation traces.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}
	root.SetVersionTemplate("{{.Version}}\n")

	pflags := root.PersistentFlags()
	pflags.StringVarP(&configPath, "config", "c", "", "Path to a TOML options document (default: built-in defaults)")
	pflags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug-level logging")

	root.AddCommand(newValidateCmd())
	root.AddCommand(newLayoutCmd())
	root.AddCommand(newTraceCmd())
	return root
}

// Execute runs heapcorectl with os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

func exitError(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
