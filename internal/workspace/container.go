package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/harrison/patchsmith/internal/config"
	"github.com/harrison/patchsmith/internal/logger"
)

// ContainerSession is a docker-backed workspace. The container runtime is
// consumed strictly through create/exec/cp/remove; image building and
// networking are not patchsmith's concern.
type ContainerSession struct {
	name    string
	workdir string
	user    string
	env     map[string]string
	docker  string
	log     logger.Logger

	mu        sync.Mutex
	destroyed bool
}

// NewContainerSession creates a long-lived container from the configured
// image, runs root setup commands, creates the non-root user, copies the
// source tree (minus excludes) into the workdir, and applies mounts.
func NewContainerSession(ctx context.Context, opts Options) (*ContainerSession, error) {
	cfg := opts.Config
	log := opts.logger()

	s := &ContainerSession{
		name:    "patchsmith-" + uuid.NewString()[:12],
		workdir: cfg.Project.Workdir,
		user:    cfg.Container.User,
		env:     mergeEnv(cfg.Container.Env, opts.Env),
		docker:  "docker",
		log:     log,
	}

	// Keep the container alive for the duration of the run.
	runArgs := []string{"run", "-d", "--name", s.name}
	for k, v := range s.env {
		runArgs = append(runArgs, "-e", k+"="+v)
	}
	runArgs = append(runArgs, cfg.Container.Image, "sleep", "infinity")
	if _, err := s.dockerCommand(ctx, runArgs...); err != nil {
		return nil, fmt.Errorf("failed to create container from %s: %w", cfg.Container.Image, err)
	}

	if err := s.setup(ctx, opts); err != nil {
		s.Destroy()
		return nil, err
	}
	return s, nil
}

// setup runs root-level setup, creates the user, and copies the project in.
func (s *ContainerSession) setup(ctx context.Context, opts Options) error {
	cfg := opts.Config

	for _, cmd := range cfg.Container.Setup {
		s.log.LogDebug("container setup: " + cmd)
		if res, err := s.execAs(ctx, "root", "/", cmd); err != nil {
			return fmt.Errorf("container setup failed: %w", err)
		} else if res.ExitCode != 0 {
			return fmt.Errorf("container setup command failed (exit %d): %s", res.ExitCode, truncateOutput(res.Stderr))
		}
	}

	if cfg.Container.UserSetup != "" {
		if res, err := s.execAs(ctx, "root", "/", cfg.Container.UserSetup); err != nil {
			return fmt.Errorf("user setup failed: %w", err)
		} else if res.ExitCode != 0 {
			return fmt.Errorf("user setup command failed (exit %d): %s", res.ExitCode, truncateOutput(res.Stderr))
		}
	}

	// Stage the filtered source tree on the host, then copy it in one cp.
	staging, err := os.MkdirTemp("", "patchsmith-stage-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	excludes, err := compileGlobSet(cfg.Project.Exclude)
	if err != nil {
		return err
	}
	if err := copyTree(opts.SourceDir, staging, opts.SourceDir, excludes); err != nil {
		return fmt.Errorf("failed to stage source: %w", err)
	}

	if res, err := s.execAs(ctx, "root", "/", "mkdir -p "+shellQuote(s.workdir)); err != nil || res.ExitCode != 0 {
		return fmt.Errorf("failed to create workdir %s in container", s.workdir)
	}
	if _, err := s.dockerCommand(ctx, "cp", staging+"/.", s.name+":"+s.workdir); err != nil {
		return fmt.Errorf("failed to copy source into container: %w", err)
	}

	for _, mount := range cfg.Mounts {
		hostPath, err := mount.ResolveHostPath(opts.ConfigDir)
		if err != nil {
			return err
		}
		if res, execErr := s.execAs(ctx, "root", "/", "mkdir -p "+shellQuote(filepath.Dir(mount.Container))); execErr != nil || res.ExitCode != 0 {
			return fmt.Errorf("failed to create mount target %s", mount.Container)
		}
		if _, err := s.dockerCommand(ctx, "cp", hostPath, s.name+":"+mount.Container); err != nil {
			return fmt.Errorf("failed to copy mount %s: %w", mount.Host, err)
		}
		s.log.LogDebug(fmt.Sprintf("mounted %s -> %s", hostPath, mount.Container))
	}

	chown := fmt.Sprintf("chown -R %s:%s %s", s.user, s.user, shellQuote(s.workdir))
	if res, err := s.execAs(ctx, "root", "/", chown); err != nil || res.ExitCode != 0 {
		return fmt.Errorf("failed to chown workdir to %s", s.user)
	}

	return s.installAgent(ctx, cfg)
}

// agentInstallCommand returns the shell command that installs the backend
// CLI inside the container. No stock image ships the agent binary, so setup
// always runs this.
func agentInstallCommand(backend string) string {
	if backend == config.BackendOpenCode {
		return "curl -fsSL https://opencode.ai/install | bash"
	}
	return "curl -fsSL https://claude.ai/install.sh | bash"
}

// installAgent installs the configured agent CLI as the workspace user and,
// for opencode, relays the host's auth state into the container.
func (s *ContainerSession) installAgent(ctx context.Context, cfg *config.Config) error {
	install := agentInstallCommand(cfg.Agent.Backend)
	s.log.LogDebug("installing agent CLI: " + install)
	if res, err := s.execAs(ctx, s.user, s.workdir, install); err != nil {
		return fmt.Errorf("failed to install agent CLI: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("agent CLI install failed (exit %d): %s", res.ExitCode, truncateOutput(res.Stderr))
	}

	if cfg.Agent.Backend == config.BackendOpenCode {
		return s.relayOpenCodeAuth(ctx)
	}
	return nil
}

// relayOpenCodeAuth copies the host's opencode auth file and config dir into
// the container user's home. opencode keeps credentials on disk rather than
// in an environment variable, so a containerized run needs the host state.
func (s *ContainerSession) relayOpenCodeAuth(ctx context.Context) error {
	authFile, configDir, found := opencodeHostAuthPaths()
	if !found {
		s.log.LogWarn("no opencode auth/config found on host; run `opencode auth login` first")
		return nil
	}

	res, err := s.execAs(ctx, s.user, s.workdir, `printf %s "$HOME"`)
	if err != nil || res.ExitCode != 0 || strings.TrimSpace(res.Stdout) == "" {
		return fmt.Errorf("failed to resolve home directory for %s", s.user)
	}
	home := strings.TrimSpace(res.Stdout)

	copies := map[string]string{}
	if authFile != "" {
		copies[authFile] = home + "/.local/share/opencode/auth.json"
	}
	if configDir != "" {
		copies[configDir] = home + "/.config/opencode"
	}
	for hostPath, target := range copies {
		if res, err := s.execAs(ctx, "root", "/", "mkdir -p "+shellQuote(filepath.Dir(target))); err != nil || res.ExitCode != 0 {
			return fmt.Errorf("failed to create %s in container", filepath.Dir(target))
		}
		if _, err := s.dockerCommand(ctx, "cp", hostPath, s.name+":"+target); err != nil {
			return fmt.Errorf("failed to copy opencode auth %s: %w", hostPath, err)
		}
		chown := fmt.Sprintf("chown -R %s:%s %s", s.user, s.user, shellQuote(target))
		if res, err := s.execAs(ctx, "root", "/", chown); err != nil || res.ExitCode != 0 {
			return fmt.Errorf("failed to chown %s", target)
		}
		s.log.LogDebug(fmt.Sprintf("relayed opencode auth %s -> %s", hostPath, target))
	}
	return nil
}

// opencodeHostAuthPaths locates the host's opencode credentials. Either
// return value may be empty; found is false when neither exists.
func opencodeHostAuthPaths() (authFile, configDir string, found bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", false
	}
	authFile = filepath.Join(home, ".local", "share", "opencode", "auth.json")
	if _, err := os.Stat(authFile); err != nil {
		authFile = ""
	}
	configDir = filepath.Join(home, ".config", "opencode")
	if _, err := os.Stat(configDir); err != nil {
		configDir = ""
	}
	return authFile, configDir, authFile != "" || configDir != ""
}

// Exec runs a shell command as the configured user, rooted at the workdir.
func (s *ContainerSession) Exec(ctx context.Context, command string) (ExecResult, error) {
	return s.execAs(ctx, s.user, s.workdir, command)
}

// execAs runs a shell command inside the container as the given user.
func (s *ContainerSession) execAs(ctx context.Context, user, workdir, command string) (ExecResult, error) {
	args := []string{"exec", "-u", user, "-w", workdir}
	for k, v := range s.env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, s.name, "sh", "-c", command)

	cmd := exec.CommandContext(ctx, s.docker, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// docker exec forwards the inner command's exit code
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to execute in container: %w", err)
	}
	return result, nil
}

// ReadFile reads a file from the container.
func (s *ContainerSession) ReadFile(ctx context.Context, path string) (string, error) {
	res, err := s.Exec(ctx, "cat "+shellQuote(path))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("failed to read %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// WriteFile writes a file into the container via a staged host temp file.
func (s *ContainerSession) WriteFile(ctx context.Context, path string, content string) error {
	tmp, err := os.CreateTemp("", "patchsmith-write-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	target := path
	if !strings.HasPrefix(path, "/") {
		target = s.workdir + "/" + path
	}
	if res, err := s.execAs(ctx, "root", "/", "mkdir -p "+shellQuote(filepath.Dir(target))); err != nil || res.ExitCode != 0 {
		return fmt.Errorf("failed to create parent directory for %s", target)
	}
	if _, err := s.dockerCommand(ctx, "cp", tmp.Name(), s.name+":"+target); err != nil {
		return fmt.Errorf("failed to copy file into container: %w", err)
	}
	chown := fmt.Sprintf("chown %s:%s %s", s.user, s.user, shellQuote(target))
	if res, err := s.execAs(ctx, "root", "/", chown); err != nil || res.ExitCode != 0 {
		return fmt.Errorf("failed to chown %s", target)
	}
	return nil
}

// ExportDir copies a container directory to a host path, skipping excludes.
func (s *ContainerSession) ExportDir(ctx context.Context, src, dst string, exclude []string) error {
	source := src
	if !strings.HasPrefix(src, "/") {
		source = s.workdir + "/" + src
	}

	staging, err := os.MkdirTemp("", "patchsmith-export-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if _, err := s.dockerCommand(ctx, "cp", s.name+":"+source+"/.", staging); err != nil {
		return fmt.Errorf("failed to copy from container: %w", err)
	}

	excludes, err := compileGlobSet(exclude)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to clear export destination: %w", err)
	}
	return copyTree(staging, dst, staging, excludes)
}

// Workdir returns the project root inside the container.
func (s *ContainerSession) Workdir() string {
	return s.workdir
}

// Destroy force-removes the container. Safe to call multiple times.
func (s *ContainerSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	s.destroyed = true

	// Use a fresh context: teardown must proceed even after cancellation.
	cmd := exec.Command(s.docker, "rm", "-f", s.name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to remove container %s: %w (%s)", s.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// dockerCommand runs a docker CLI command and returns its stdout.
func (s *ContainerSession) dockerCommand(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.docker, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w (%s)", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// mergeEnv merges container env with extra run env; extras win.
func mergeEnv(base, extra map[string]string) map[string]string {
	merged := map[string]string{}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// shellQuote single-quotes a string for safe use in sh -c commands.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// truncateOutput bounds diagnostic output embedded in error messages.
func truncateOutput(s string) string {
	const max = 500
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
