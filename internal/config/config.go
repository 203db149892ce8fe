// Package config loads and validates patchsmith configuration.
//
// Configuration is resolved in order: explicit --config path, patchsmith.yaml
// in the source directory, patchsmith.yaml in the current working directory,
// and finally the built-in default Go project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the configuration file looked up in the source directory
// and the current working directory when --config is not given.
const ConfigFileName = "patchsmith.yaml"

// Agent backends supported for driving code generation.
const (
	BackendClaude   = "claude"
	BackendOpenCode = "opencode"
)

// Validation step phases. Tests-phase steps run after the WriteTests state,
// code-phase steps run after the Work loop completes.
const (
	PhaseTests = "tests"
	PhaseCode  = "code"
)

// Retry targets a failing validation step may backtrack to.
const (
	RetryTargetWork       = "work"
	RetryTargetWriteTests = "write_tests"
)

// AgentSpec identifies the agent backend and an optional model qualifier.
// It is parsed from a "backend" or "backend:model" string, e.g. "claude" or
// "opencode:kimi-k2.5-free".
type AgentSpec struct {
	Backend string
	Model   string
}

// UnmarshalYAML parses the "backend[:model]" shorthand.
func (a *AgentSpec) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	backend, model, _ := strings.Cut(s, ":")
	switch backend {
	case BackendClaude, BackendOpenCode:
		a.Backend = backend
		a.Model = model
		return nil
	default:
		return fmt.Errorf("unknown agent backend %q (expected %q or %q)", backend, BackendClaude, BackendOpenCode)
	}
}

// MarshalYAML renders the shorthand form back out.
func (a AgentSpec) MarshalYAML() (interface{}, error) {
	if a.Model == "" {
		return a.Backend, nil
	}
	return a.Backend + ":" + a.Model, nil
}

// Duration wraps time.Duration with YAML string parsing ("30m", "2h").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ContainerConfig describes the containerized workspace image and setup.
// It is consumed only by the container runtime; the local runtime ignores it
// with a warning.
type ContainerConfig struct {
	// Image is the OCI base image, e.g. "golang:1.24".
	Image string `yaml:"image"`

	// Setup commands run as root before the user is created.
	Setup []string `yaml:"setup"`

	// User is the non-root user validation and agent commands run as.
	User string `yaml:"user"`

	// UserSetup is the shell script that creates User.
	UserSetup string `yaml:"user_setup"`

	// Env variables set inside the container.
	Env map[string]string `yaml:"env"`
}

// ProjectConfig describes the source tree the agent operates on.
type ProjectConfig struct {
	// Language informs agent prompts ("go", "rust", "python", ...).
	Language string `yaml:"language"`

	// Source is the directory copied into the workspace, resolved relative to
	// the config file's directory when not absolute.
	Source string `yaml:"source"`

	// Workdir is the project root inside the workspace (absolute, e.g. "/app").
	Workdir string `yaml:"workdir"`

	// Exclude globs are skipped when copying Source into the workspace.
	Exclude []string `yaml:"exclude"`
}

// MountConfig exposes an extra host path inside the workspace.
type MountConfig struct {
	// Host path; "~" expands to $HOME, relative paths resolve from the config
	// file's directory.
	Host string `yaml:"host"`

	// Container is the absolute target path inside the container runtime.
	Container string `yaml:"container"`

	// LocalTarget is the workdir-relative target used by the local runtime.
	// Required when Container falls outside the project workdir, so a
	// misconfigured mount cannot write outside the local workspace.
	LocalTarget string `yaml:"local_target"`
}

// PatchConfig controls what the exported diff contains.
type PatchConfig struct {
	// Exclude globs are removed from the exported patch via git pathspecs.
	Exclude []string `yaml:"exclude"`
}

// ValidateStep is one configured validation command.
type ValidateStep struct {
	// Name identifies the step in logs and retry-edge routing.
	Name string `yaml:"name"`

	// Command is the shell invocation run inside the workspace.
	Command string `yaml:"command"`

	// Phase is "tests" or "code" (default "code").
	Phase string `yaml:"phase"`

	// RetryOnFail names the state to backtrack to when the step fails
	// (default "work"; "write_tests" routes back to the tests phase).
	RetryOnFail string `yaml:"retry_on_fail"`
}

// StepsConfig holds the validation pipeline configuration.
type StepsConfig struct {
	// WriteTests enables the WriteTests phase: the agent writes tests from the
	// plan before implementing code.
	WriteTests bool `yaml:"write_tests"`

	// Validate is the ordered list of validation steps.
	Validate []ValidateStep `yaml:"validate"`
}

// TimeoutConfig bounds external invocations so a hung agent or validation
// command cannot stall the state machine indefinitely.
type TimeoutConfig struct {
	// Run bounds the whole run (0 = no limit).
	Run Duration `yaml:"run"`

	// Step bounds each agent invocation and validation command (0 = no limit).
	Step Duration `yaml:"step"`
}

// HistoryConfig controls the run history store.
type HistoryConfig struct {
	// Enabled records each run into the history database.
	Enabled bool `yaml:"enabled"`

	// DBPath is the SQLite database path; empty uses ~/.patchsmith/history.db.
	DBPath string `yaml:"db_path"`
}

// Config represents patchsmith configuration options.
type Config struct {
	// Agent selects the backend and optional model used for plan/work/review.
	Agent AgentSpec `yaml:"agent"`

	// TransportRetries bounds retries of agent invocations that fail at the
	// transport level (process could not run or exited nonzero). This budget
	// is deliberately separate from the semantic per-edge retry budgets.
	TransportRetries int `yaml:"agent_transport_retries"`

	// Container configures the containerized workspace runtime.
	Container ContainerConfig `yaml:"container"`

	// Project describes the source tree.
	Project ProjectConfig `yaml:"project"`

	// Mounts are extra host paths exposed to the workspace.
	Mounts []MountConfig `yaml:"mounts"`

	// Patch controls diff export filtering.
	Patch PatchConfig `yaml:"patch"`

	// Steps configures the validation pipeline.
	Steps StepsConfig `yaml:"steps"`

	// Timeouts bounds external invocations.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// History configures run history recording.
	History HistoryConfig `yaml:"history"`

	// LogLevel sets console verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory for per-run log files.
	LogDir string `yaml:"log_dir"`
}

// DefaultConfig returns the built-in configuration for a Go project.
// It is used when no patchsmith.yaml can be found.
func DefaultConfig() *Config {
	return &Config{
		Agent:            AgentSpec{Backend: BackendClaude},
		TransportRetries: 2,
		Container: ContainerConfig{
			Image: "golang:1.24",
			Setup: []string{"apt-get update && apt-get install -y curl sudo git"},
			User:  "smith",
			UserSetup: "useradd -m -s /bin/bash smith" +
				" && echo 'smith ALL=(ALL) NOPASSWD:ALL' >> /etc/sudoers" +
				" && mkdir -p /home/smith/go" +
				" && chown -R smith:smith /home/smith",
			Env: map[string]string{
				"GOPATH":  "/home/smith/go",
				"GOCACHE": "/home/smith/.cache/go-build",
				// the agent CLI installers target ~/.local/bin
				"PATH":    "/home/smith/.local/bin:/home/smith/go/bin:/usr/local/go/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			},
		},
		Project: ProjectConfig{
			Language: "go",
			Source:   ".",
			Workdir:  "/app",
			Exclude:  DefaultSourceExcludes(),
		},
		Patch: PatchConfig{Exclude: DefaultPatchExcludes()},
		Steps: StepsConfig{
			Validate: []ValidateStep{
				{Name: "build", Command: "go build ./... 2>&1"},
				{Name: "vet", Command: "go vet ./... 2>&1"},
				{Name: "test", Command: "go test ./... 2>&1"},
			},
		},
		Timeouts: TimeoutConfig{
			Run:  Duration(2 * time.Hour),
			Step: Duration(30 * time.Minute),
		},
		History:  HistoryConfig{Enabled: true},
		LogLevel: "info",
		LogDir:   ".patchsmith/logs",
	}
}

// DefaultSourceExcludes returns globs skipped when copying the source tree
// into a workspace: version-control metadata, build outputs, dependency
// caches.
func DefaultSourceExcludes() []string {
	return []string{
		".git", "**/.git", "**/.git/**",
		"vendor", "**/vendor", "**/vendor/**",
		"target", "**/target", "**/target/**",
		"node_modules", "**/node_modules", "**/node_modules/**",
		".venv", "**/.venv", "**/.venv/**",
		"__pycache__", "**/__pycache__", "**/__pycache__/**",
	}
}

// DefaultPatchExcludes returns globs removed from the exported patch:
// orchestration bookkeeping, not part of the intended change.
func DefaultPatchExcludes() []string {
	return []string{
		"tasks.md",
		"opencode.json",
		"*SUMMARY*.md",
		"*REPORT*.md",
		"vendor/**",
		"node_modules/**",
		"target/**",
		"__pycache__/**",
	}
}

// ResolveConfigPath resolves the config file path following the documented
// order. Returns the path and true when a file was found; empty and false
// means the built-in default config should be used. An explicit path that
// does not exist is an error.
func ResolveConfigPath(explicit, sourceDir string) (string, bool, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", false, fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, true, nil
	}

	candidates := []string{}
	if sourceDir != "" {
		candidates = append(candidates, filepath.Join(sourceDir, ConfigFileName))
	}
	candidates = append(candidates, ConfigFileName)

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		}
	}
	return "", false, nil
}

// LoadConfig loads configuration from the specified file path. Values not
// present in the file keep their defaults. The file must exist.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// ResolveSourcePath resolves project.source relative to the config file's
// directory and verifies it exists.
func (c *Config) ResolveSourcePath(configDir string) (string, error) {
	source := c.Project.Source
	if source == "" {
		source = "."
	}
	resolved := source
	if !filepath.IsAbs(source) {
		resolved = filepath.Join(configDir, source)
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("source path does not exist: %s (resolved from %q)", resolved, source)
	}
	return resolved, nil
}

// GitDiffPathspec builds the git pathspec exclusion arguments for the
// configured patch excludes: `-- . ':(exclude)pat1' ':(exclude)pat2' ...`.
func (p PatchConfig) GitDiffPathspec() string {
	var sb strings.Builder
	sb.WriteString("-- .")
	for _, pat := range p.Exclude {
		fmt.Fprintf(&sb, " ':(exclude)%s'", pat)
	}
	return sb.String()
}

// ResolveHostPath resolves the mount's host path relative to the config
// directory, expanding a leading "~" to $HOME, and verifies it exists.
func (m MountConfig) ResolveHostPath(configDir string) (string, error) {
	var path string
	switch {
	case strings.HasPrefix(m.Host, "~"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot expand ~ in mount path %q: %w", m.Host, err)
		}
		path = home + strings.TrimPrefix(m.Host, "~")
	case filepath.IsAbs(m.Host):
		path = m.Host
	default:
		path = filepath.Join(configDir, m.Host)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("mount host path does not exist: %s", path)
	}
	return path, nil
}

// ResolveLocalTarget normalizes the workdir-relative local target, rejecting
// absolute paths and traversal.
func (m MountConfig) ResolveLocalTarget() (string, error) {
	if m.LocalTarget == "" {
		return "", nil
	}
	return NormalizeRelativePath(m.LocalTarget)
}

// NormalizeRelativePath cleans a path and rejects absolute paths and parent
// traversal, returning the "/"-separated relative form.
func NormalizeRelativePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be relative, got %q", path)
	}
	cleaned := filepath.ToSlash(filepath.Clean(path))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path traversal is not allowed: %q", path)
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	if c.Agent.Backend == "" {
		return fmt.Errorf("agent backend must not be empty")
	}
	if c.TransportRetries < 0 {
		return fmt.Errorf("agent_transport_retries must be >= 0, got %d", c.TransportRetries)
	}
	if c.Container.Image == "" {
		return fmt.Errorf("container.image must not be empty")
	}
	if c.Container.User == "" {
		return fmt.Errorf("container.user must not be empty")
	}
	if c.Project.Language == "" {
		return fmt.Errorf("project.language must not be empty")
	}
	if c.Project.Workdir == "" {
		return fmt.Errorf("project.workdir must not be empty")
	}
	if len(c.Steps.Validate) == 0 {
		return fmt.Errorf("steps.validate must have at least one step")
	}

	seen := map[string]bool{}
	for i, step := range c.Steps.Validate {
		if step.Name == "" {
			return fmt.Errorf("steps.validate[%d].name must not be empty", i)
		}
		if seen[step.Name] {
			return fmt.Errorf("duplicate validation step name %q", step.Name)
		}
		seen[step.Name] = true
		if step.Command == "" {
			return fmt.Errorf("validation step %q has no command", step.Name)
		}
		switch step.Phase {
		case "", PhaseTests, PhaseCode:
		default:
			return fmt.Errorf("validation step %q has invalid phase %q (expected %q or %q)",
				step.Name, step.Phase, PhaseTests, PhaseCode)
		}
		switch step.RetryOnFail {
		case "", RetryTargetWork, RetryTargetWriteTests:
		default:
			return fmt.Errorf("validation step %q has invalid retry_on_fail %q (expected %q or %q)",
				step.Name, step.RetryOnFail, RetryTargetWork, RetryTargetWriteTests)
		}
		if step.RetryOnFail == RetryTargetWriteTests && !c.Steps.WriteTests {
			return fmt.Errorf("validation step %q targets write_tests but steps.write_tests is disabled", step.Name)
		}
	}

	for i, m := range c.Mounts {
		if m.Host == "" {
			return fmt.Errorf("mounts[%d].host must not be empty", i)
		}
		if !strings.HasPrefix(m.Container, "/") {
			return fmt.Errorf("mounts[%d].container must be absolute, got %q", i, m.Container)
		}
		if m.LocalTarget != "" {
			if _, err := NormalizeRelativePath(m.LocalTarget); err != nil {
				return fmt.Errorf("mounts[%d].local_target: %w", i, err)
			}
		}
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Timeouts.Run < 0 || c.Timeouts.Step < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	return nil
}

// EffectivePhase returns the step's phase, defaulting to PhaseCode.
func (s ValidateStep) EffectivePhase() string {
	if s.Phase == "" {
		return PhaseCode
	}
	return s.Phase
}

// EffectiveRetryTarget returns the step's backtrack target, defaulting to the
// Work state.
func (s ValidateStep) EffectiveRetryTarget() string {
	if s.RetryOnFail == "" {
		return RetryTargetWork
	}
	return s.RetryOnFail
}
