package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harrison/patchsmith/internal/config"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a patchsmith configuration file",
		Long: `Load and validate a patchsmith.yaml configuration, checking for:
  - A known agent backend
  - Non-empty container image, user, language, and workdir
  - At least one validation step, with unique names and valid phases
  - Mount and timeout settings

Exit code: 0 if valid, 1 if errors found`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFlag, _ := cmd.Flags().GetString("config")
			sourceFlag, _ := cmd.Flags().GetString("source")
			return validateConfig(configFlag, sourceFlag, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	cmd.Flags().String("config", "", "Path to patchsmith.yaml config file")
	cmd.Flags().String("source", "", "Source directory to look for patchsmith.yaml in")

	return cmd
}

func validateConfig(configFlag, sourceFlag string, out io.Writer) error {
	path, found, err := config.ResolveConfigPath(configFlag, sourceFlag)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(out, "no config file found; the built-in defaults would be used")
		return nil
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: valid\n", path)
	fmt.Fprintf(out, "  agent:    %s\n", cfg.Agent.Backend)
	fmt.Fprintf(out, "  language: %s\n", cfg.Project.Language)
	fmt.Fprintf(out, "  workdir:  %s\n", cfg.Project.Workdir)
	fmt.Fprintf(out, "  steps:\n")
	for _, step := range cfg.Steps.Validate {
		fmt.Fprintf(out, "    - %s (%s): %s\n", step.Name, step.EffectivePhase(), step.Command)
	}
	return nil
}
