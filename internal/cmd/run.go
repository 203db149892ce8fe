package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/patchsmith/internal/config"
	"github.com/harrison/patchsmith/internal/engine"
	"github.com/harrison/patchsmith/internal/export"
	"github.com/harrison/patchsmith/internal/filelock"
	"github.com/harrison/patchsmith/internal/history"
	"github.com/harrison/patchsmith/internal/logger"
	"github.com/harrison/patchsmith/internal/workspace"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate a patch from a natural language prompt",
		Long: `Run the full pipeline: plan the prompt into a task list, let the agent work
through it inside an isolated workspace, validate with the configured
commands, review the diff, and export the result.

Configuration is loaded from --config, then patchsmith.yaml in the source
directory, then patchsmith.yaml in the current directory, falling back to
the built-in Go defaults.

Examples:
  # generate a patch from a prompt (host-local workspace)
  patchsmith run --prompt 'add a CLI that parses --name and prints a greeting'

  # run inside a container
  patchsmith run --runtime container --prompt 'add input validation'

  # use a custom config and source directory
  patchsmith run --prompt 'add input validation' --config ./patchsmith.yaml --source ./my-project

  # export the full project directory instead of a patch
  patchsmith run --prompt 'implement a REST API' --export-dir --output ./generated-app

  # allow more retries for flaky validation steps
  patchsmith run --prompt 'add benchmarks' --max-retries 5`,
		RunE: runCommand,
	}

	cmd.Flags().String("prompt", "", "Natural language task description (required)")
	cmd.Flags().String("config", "", "Path to patchsmith.yaml config file")
	cmd.Flags().String("source", "", "Source directory copied into the workspace")
	cmd.Flags().String("runtime", workspace.RuntimeLocal, "Workspace runtime: local or container")
	cmd.Flags().String("output", "./patchsmith-output", "Output path (.patch file, or directory with --export-dir)")
	cmd.Flags().Bool("export-dir", false, "Export the full project directory instead of a patch")
	cmd.Flags().Int("max-retries", 3, "Max retries per validation/review edge")
	cmd.Flags().Bool("verbose", false, "Show detailed execution information")
	cmd.Flags().String("log-dir", "", "Directory for per-run log files")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	prompt, _ := cmd.Flags().GetString("prompt")
	configFlag, _ := cmd.Flags().GetString("config")
	sourceFlag, _ := cmd.Flags().GetString("source")
	runtime, _ := cmd.Flags().GetString("runtime")
	output, _ := cmd.Flags().GetString("output")
	exportDir, _ := cmd.Flags().GetBool("export-dir")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	verbose, _ := cmd.Flags().GetBool("verbose")
	logDirFlag, _ := cmd.Flags().GetString("log-dir")

	cfg, configDir, err := loadRunConfig(configFlag, sourceFlag)
	if err != nil {
		return err
	}

	sourceDir := sourceFlag
	if sourceDir == "" {
		sourceDir, err = cfg.ResolveSourcePath(configDir)
		if err != nil {
			return err
		}
	} else if _, err := os.Stat(sourceDir); err != nil {
		return fmt.Errorf("source path does not exist: %s", sourceDir)
	}

	logLevel := cfg.LogLevel
	if verbose {
		logLevel = "debug"
	}
	console := logger.NewConsoleLogger(cmd.OutOrStdout(), logLevel)

	logDir := cfg.LogDir
	if logDirFlag != "" {
		logDir = logDirFlag
	}
	log := logger.Logger(console)
	if logDir != "" {
		fileLog, err := logger.NewFileLogger(logDir, "debug")
		if err != nil {
			console.LogWarn(fmt.Sprintf("failed to create log file: %v", err))
		} else {
			defer fileLog.Close()
			log = logger.NewMultiLogger(console, fileLog)
		}
	}

	// One output path, one run at a time.
	lock := filelock.NewRunLock(runLockPath(output, exportDir))
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.LogWarn(fmt.Sprintf("failed to release run lock: %v", err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout := cfg.Timeouts.Run.Std(); runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	env, err := agentEnv(cfg, runtime)
	if err != nil {
		return err
	}

	log.LogInfo(fmt.Sprintf("creating %s workspace from %s", runtime, sourceDir))
	session, err := workspace.Create(ctx, runtime, workspace.Options{
		Config:    cfg,
		SourceDir: sourceDir,
		ConfigDir: configDir,
		Env:       env,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	defer func() {
		if err := session.Destroy(); err != nil {
			log.LogWarn(fmt.Sprintf("failed to destroy workspace: %v", err))
		}
	}()

	eng := engine.New(engine.Options{
		Config:     cfg,
		Session:    session,
		Prompt:     prompt,
		MaxRetries: maxRetries,
		Output:     output,
		ExportDir:  exportDir,
		Logger:     log,
	})

	result, runErr := eng.Run(ctx)
	recordHistory(cfg, log, prompt, runtime, result)
	printSummary(log, result)
	return runErr
}

// runLockPath is the path the run lock is keyed on. Patch mode normalizes
// the output the same way the exporter does, so `--output out` and
// `--output out.patch` contend for the same lock.
func runLockPath(output string, exportDir bool) string {
	if exportDir {
		return output
	}
	return export.PatchPath(output)
}

// loadRunConfig resolves and loads the configuration, returning it together
// with the directory config-relative paths resolve against.
func loadRunConfig(configFlag, sourceFlag string) (*config.Config, string, error) {
	path, found, err := config.ResolveConfigPath(configFlag, sourceFlag)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return config.DefaultConfig(), ".", nil
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, "", err
	}
	configDir := filepath.Dir(path)
	return cfg, configDir, nil
}

// agentEnv collects the credentials the agent CLI needs inside the
// workspace. The container runtime starts from an empty environment, so a
// missing key there is an immediate error rather than a cryptic agent
// failure later.
func agentEnv(cfg *config.Config, runtime string) (map[string]string, error) {
	env := map[string]string{}
	if cfg.Agent.Backend == config.BackendClaude {
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey != "" {
			env["ANTHROPIC_API_KEY"] = apiKey
		} else if runtime == workspace.RuntimeContainer {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set (required for container runtime)")
		}
	}
	return env, nil
}

// recordHistory best-effort persists the run outcome.
func recordHistory(cfg *config.Config, log logger.Logger, prompt, runtime string, result *engine.Result) {
	if !cfg.History.Enabled || result == nil {
		return
	}
	store, err := history.NewStore(historyDBPath(cfg))
	if err != nil {
		log.LogWarn(fmt.Sprintf("failed to open history store: %v", err))
		return
	}
	defer store.Close()

	record := &history.Run{
		Prompt:         prompt,
		Runtime:        runtime,
		State:          string(result.State),
		Reason:         result.Reason,
		WorkIterations: result.WorkIterations,
		Retries:        result.Retries,
		PatchPath:      result.PatchPath,
		Duration:       result.Duration,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Record(ctx, record); err != nil {
		log.LogWarn(fmt.Sprintf("failed to record run history: %v", err))
	}
}

// historyDBPath resolves the history database location.
func historyDBPath(cfg *config.Config) string {
	if cfg.History.DBPath != "" {
		return cfg.History.DBPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".patchsmith", "history.db")
	}
	return filepath.Join(home, ".patchsmith", "history.db")
}

func printSummary(log logger.Logger, result *engine.Result) {
	if result == nil {
		return
	}
	switch result.State {
	case engine.StateDone:
		log.LogInfo(fmt.Sprintf("run finished in %s (%d work iterations)",
			result.Duration.Round(time.Second), result.WorkIterations))
		if result.PatchPath != "" {
			log.LogInfo("output: " + result.PatchPath)
		}
	default:
		log.LogError(fmt.Sprintf("run failed after %s: %s",
			result.Duration.Round(time.Second), result.Reason))
	}
}
