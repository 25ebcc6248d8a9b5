package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree. Each call returns a fresh tree so
// flags never leak between invocations.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "humanity",
		Short:         "Humanity damage recovery service",
		Long:          "humanity runs the load-driven humanity damage recovery loop for a subject, previews the rate curve and simulates recovery offline.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newPreviewCmd(),
		newSimulateCmd(),
		newStateCmd(),
	)
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}
