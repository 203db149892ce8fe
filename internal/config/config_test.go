package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, BackendClaude, cfg.Agent.Backend)
	assert.Empty(t, cfg.Agent.Model)
	assert.Equal(t, 2, cfg.TransportRetries)
	assert.Equal(t, "go", cfg.Project.Language)
	assert.Equal(t, "/app", cfg.Project.Workdir)
	assert.Equal(t, 2*time.Hour, cfg.Timeouts.Run.Std())
	assert.Equal(t, 30*time.Minute, cfg.Timeouts.Step.Std())
	assert.True(t, cfg.History.Enabled)

	// agent bookkeeping never leaks into exported patches
	assert.Contains(t, cfg.Patch.Exclude, "tasks.md")
	assert.Contains(t, cfg.Patch.Exclude, "opencode.json")

	// the agent CLI installers target ~/.local/bin
	assert.Contains(t, cfg.Container.Env["PATH"], "/.local/bin")

	// Default pipeline is build -> vet -> test
	require.Len(t, cfg.Steps.Validate, 3)
	assert.Equal(t, "build", cfg.Steps.Validate[0].Name)
	assert.Equal(t, "vet", cfg.Steps.Validate[1].Name)
	assert.Equal(t, "test", cfg.Steps.Validate[2].Name)

	require.NoError(t, cfg.Validate())
}

func TestAgentSpecUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		backend string
		model   string
		wantErr bool
	}{
		{name: "claude no model", input: `"claude"`, backend: BackendClaude},
		{name: "claude with model", input: `"claude:claude-sonnet-4-5"`, backend: BackendClaude, model: "claude-sonnet-4-5"},
		{name: "opencode no model", input: `"opencode"`, backend: BackendOpenCode},
		{name: "opencode with model", input: `"opencode:kimi-k2.5-free"`, backend: BackendOpenCode, model: "kimi-k2.5-free"},
		{name: "invalid backend", input: `"cursor"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var spec AgentSpec
			err := yaml.Unmarshal([]byte(tt.input), &spec)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unknown agent backend")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.backend, spec.Backend)
			assert.Equal(t, tt.model, spec.Model)
		})
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	content := `
agent: opencode:kimi-k2.5-free
agent_transport_retries: 4
container:
  image: rust:latest
  user: forge
project:
  language: rust
  source: .
  workdir: /work
steps:
  write_tests: true
  validate:
    - name: check
      command: cargo check 2>&1
      phase: tests
      retry_on_fail: write_tests
    - name: test
      command: cargo test 2>&1
timeouts:
  run: 1h
  step: 10m
history:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, BackendOpenCode, cfg.Agent.Backend)
	assert.Equal(t, "kimi-k2.5-free", cfg.Agent.Model)
	assert.Equal(t, 4, cfg.TransportRetries)
	assert.Equal(t, "rust:latest", cfg.Container.Image)
	assert.Equal(t, "rust", cfg.Project.Language)
	assert.Equal(t, "/work", cfg.Project.Workdir)
	assert.True(t, cfg.Steps.WriteTests)
	assert.Equal(t, time.Hour, cfg.Timeouts.Run.Std())
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Step.Std())
	assert.False(t, cfg.History.Enabled)

	require.Len(t, cfg.Steps.Validate, 2)
	assert.Equal(t, PhaseTests, cfg.Steps.Validate[0].EffectivePhase())
	assert.Equal(t, RetryTargetWriteTests, cfg.Steps.Validate[0].EffectiveRetryTarget())
	assert.Equal(t, PhaseCode, cfg.Steps.Validate[1].EffectivePhase())
	assert.Equal(t, RetryTargetWork, cfg.Steps.Validate[1].EffectiveRetryTarget())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadConfigMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("steps: [not a map"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0755))

	t.Run("explicit path must exist", func(t *testing.T) {
		_, _, err := ResolveConfigPath(filepath.Join(dir, "missing.yaml"), srcDir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config file not found")
	})

	t.Run("explicit path found", func(t *testing.T) {
		explicit := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(explicit, []byte("{}"), 0644))
		path, found, err := ResolveConfigPath(explicit, srcDir)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, explicit, path)
	})

	t.Run("source dir config preferred", func(t *testing.T) {
		inSource := filepath.Join(srcDir, ConfigFileName)
		require.NoError(t, os.WriteFile(inSource, []byte("{}"), 0644))
		path, found, err := ResolveConfigPath("", srcDir)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, inSource, path)
	})

	t.Run("nothing found falls back to default", func(t *testing.T) {
		empty := filepath.Join(dir, "empty")
		require.NoError(t, os.MkdirAll(empty, 0755))
		_, found, err := ResolveConfigPath("", empty)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "empty image",
			mutate:  func(c *Config) { c.Container.Image = "" },
			wantMsg: "container.image",
		},
		{
			name:    "empty user",
			mutate:  func(c *Config) { c.Container.User = "" },
			wantMsg: "container.user",
		},
		{
			name:    "empty language",
			mutate:  func(c *Config) { c.Project.Language = "" },
			wantMsg: "project.language",
		},
		{
			name:    "empty workdir",
			mutate:  func(c *Config) { c.Project.Workdir = "" },
			wantMsg: "project.workdir",
		},
		{
			name:    "no validate steps",
			mutate:  func(c *Config) { c.Steps.Validate = nil },
			wantMsg: "at least one step",
		},
		{
			name: "duplicate step names",
			mutate: func(c *Config) {
				c.Steps.Validate = []ValidateStep{
					{Name: "test", Command: "go test ./..."},
					{Name: "test", Command: "go test -race ./..."},
				}
			},
			wantMsg: "duplicate validation step",
		},
		{
			name: "invalid phase",
			mutate: func(c *Config) {
				c.Steps.Validate = []ValidateStep{{Name: "x", Command: "true", Phase: "later"}}
			},
			wantMsg: "invalid phase",
		},
		{
			name: "invalid retry target",
			mutate: func(c *Config) {
				c.Steps.Validate = []ValidateStep{{Name: "x", Command: "true", RetryOnFail: "plan"}}
			},
			wantMsg: "invalid retry_on_fail",
		},
		{
			name: "write_tests target without write_tests enabled",
			mutate: func(c *Config) {
				c.Steps.WriteTests = false
				c.Steps.Validate = []ValidateStep{{Name: "x", Command: "true", RetryOnFail: RetryTargetWriteTests}}
			},
			wantMsg: "steps.write_tests is disabled",
		},
		{
			name: "relative container mount",
			mutate: func(c *Config) {
				c.Mounts = []MountConfig{{Host: "data", Container: "data"}}
			},
			wantMsg: "must be absolute",
		},
		{
			name: "traversal in local target",
			mutate: func(c *Config) {
				c.Mounts = []MountConfig{{Host: "data", Container: "/data", LocalTarget: "../outside"}}
			},
			wantMsg: "traversal",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantMsg: "invalid log_level",
		},
		{
			name:    "negative transport retries",
			mutate:  func(c *Config) { c.TransportRetries = -1 },
			wantMsg: "agent_transport_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestGitDiffPathspec(t *testing.T) {
	p := PatchConfig{Exclude: []string{"tasks.md", "*REPORT*.md"}}
	spec := p.GitDiffPathspec()
	assert.Equal(t, "-- . ':(exclude)tasks.md' ':(exclude)*REPORT*.md'", spec)
}

func TestGitDiffPathspecNoExcludes(t *testing.T) {
	assert.Equal(t, "-- .", PatchConfig{}.GitDiffPathspec())
}

func TestMountResolveHostPath(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(data, 0755))

	t.Run("relative to config dir", func(t *testing.T) {
		m := MountConfig{Host: "data", Container: "/data"}
		resolved, err := m.ResolveHostPath(dir)
		require.NoError(t, err)
		assert.Equal(t, data, resolved)
	})

	t.Run("missing path rejected", func(t *testing.T) {
		m := MountConfig{Host: "missing", Container: "/data"}
		_, err := m.ResolveHostPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not exist")
	})
}

func TestNormalizeRelativePath(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "cache/models", want: "cache/models"},
		{input: "./cache", want: "cache"},
		{input: ".", want: ""},
		{input: "a/./b", want: "a/b"},
		{input: "../escape", wantErr: true},
		{input: "a/../../b", wantErr: true},
		{input: "/absolute", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeRelativePath(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestResolveSourcePath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "project")
	require.NoError(t, os.MkdirAll(src, 0755))

	cfg := DefaultConfig()
	cfg.Project.Source = "project"

	resolved, err := cfg.ResolveSourcePath(dir)
	require.NoError(t, err)
	assert.Equal(t, src, resolved)

	cfg.Project.Source = "missing"
	_, err = cfg.ResolveSourcePath(dir)
	require.Error(t, err)
}
