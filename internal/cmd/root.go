package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for patchsmith
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patchsmith",
		Short: "Generate validated git patches from natural language prompts",
		Long: `Patchsmith drives an external coding agent through a plan/work/validate/review
pipeline inside an isolated workspace and exports the result as a unified
diff against the original source tree.

The agent decomposes the prompt into a checkbox task list (tasks.md), works
through the unchecked items, and every change must pass the configured
validation commands plus an agent review before a patch is written.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}
