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
	"syscall"

	"github.com/google/uuid"

	"github.com/harrison/patchsmith/internal/config"
	"github.com/harrison/patchsmith/internal/filelock"
	"github.com/harrison/patchsmith/internal/logger"
)

// LocalSession is a host-local workspace confined to a private temporary
// directory, so concurrent runs on one host cannot interfere with each other.
type LocalSession struct {
	root    string
	workdir string
	env     map[string]string
	log     logger.Logger

	mu        sync.Mutex
	destroyed bool
}

// NewLocalSession copies the source directory into a fresh temp workspace,
// applying the configured exclusion globs, and resolves any extra mounts.
//
// Container setup/user directives and container env are ignored in this
// runtime; the host environment applies instead.
func NewLocalSession(opts Options) (*LocalSession, error) {
	cfg := opts.Config
	log := opts.logger()

	root, err := os.MkdirTemp("", "patchsmith-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	workdirRel, err := normalizePath(cfg.Project.Workdir)
	if err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("invalid project.workdir: %w", err)
	}
	workdir := filepath.Join(root, filepath.FromSlash(workdirRel))
	if err := os.MkdirAll(workdir, 0755); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}

	excludes, err := compileGlobSet(cfg.Project.Exclude)
	if err != nil {
		os.RemoveAll(root)
		return nil, err
	}
	if err := copyTree(opts.SourceDir, workdir, opts.SourceDir, excludes); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("failed to copy source into workspace: %w", err)
	}

	for _, mount := range cfg.Mounts {
		if err := applyLocalMount(mount, opts.ConfigDir, workdirRel, workdir, log); err != nil {
			os.RemoveAll(root)
			return nil, err
		}
	}

	if len(cfg.Container.Setup) > 0 || cfg.Container.UserSetup != "" {
		log.LogWarn("local runtime ignores container setup/user directives")
	}
	if len(cfg.Container.Env) > 0 {
		log.LogWarn("local runtime ignores container env; use host environment variables instead")
	}

	return &LocalSession{
		root:    root,
		workdir: workdir,
		env:     opts.Env,
		log:     log,
	}, nil
}

// applyLocalMount copies one configured mount into the local workspace,
// enforcing the local-target safety rules.
func applyLocalMount(mount config.MountConfig, configDir, workdirRel, workdir string, log logger.Logger) error {
	hostPath, err := mount.ResolveHostPath(configDir)
	if err != nil {
		return err
	}

	target, err := resolveLocalMountTarget(mount, workdirRel, workdir, hostPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return fmt.Errorf("mount host path unreadable: %w", err)
	}
	if info.IsDir() {
		if err := copyTree(hostPath, target, hostPath, nil); err != nil {
			return fmt.Errorf("failed to copy mount %s: %w", mount.Host, err)
		}
	} else {
		if err := copyFile(hostPath, target); err != nil {
			return fmt.Errorf("failed to copy mount %s: %w", mount.Host, err)
		}
	}
	log.LogDebug(fmt.Sprintf("mounted %s -> %s", hostPath, target))
	return nil
}

// resolveLocalMountTarget maps a mount's container path onto the local
// workspace. A mount whose container target falls outside the project workdir
// requires an explicit local_target, so a misconfigured mount cannot write
// outside the workspace.
func resolveLocalMountTarget(mount config.MountConfig, workdirRel, workdir, hostPath string) (string, error) {
	if localRel, err := mount.ResolveLocalTarget(); err != nil {
		return "", err
	} else if mount.LocalTarget != "" {
		if localRel == "" {
			info, statErr := os.Stat(hostPath)
			if statErr == nil && !info.IsDir() {
				return "", fmt.Errorf("mount %q uses local_target '.' with a file host path; provide a file path", mount.Host)
			}
			return workdir, nil
		}
		return filepath.Join(workdir, filepath.FromSlash(localRel)), nil
	}

	containerRel, err := normalizePath(mount.Container)
	if err != nil {
		return "", fmt.Errorf("invalid mount container path %q: %w", mount.Container, err)
	}
	if containerRel != workdirRel && !strings.HasPrefix(containerRel, workdirRel+"/") {
		return "", fmt.Errorf(
			"local runtime mount %q -> %q is outside project.workdir %q; set local_target to place it under the workspace",
			mount.Host, mount.Container, "/"+workdirRel)
	}

	rel := strings.TrimPrefix(strings.TrimPrefix(containerRel, workdirRel), "/")
	if rel == "" {
		info, statErr := os.Stat(hostPath)
		if statErr == nil && !info.IsDir() {
			return "", fmt.Errorf("mount %q targets the workdir root in local runtime; set local_target", mount.Container)
		}
		return workdir, nil
	}
	return filepath.Join(workdir, filepath.FromSlash(rel)), nil
}

// resolvePath maps a session path to the host filesystem. Absolute paths are
// rooted at the workspace root, relative paths at the workdir.
func (s *LocalSession) resolvePath(path string) (string, error) {
	rel, err := normalizePath(path)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(filepath.ToSlash(path), "/") {
		return filepath.Join(s.root, filepath.FromSlash(rel)), nil
	}
	return filepath.Join(s.workdir, filepath.FromSlash(rel)), nil
}

// Exec runs a shell command rooted at the workdir. The child gets its own
// process group so cancellation kills the whole tree, not just the shell.
func (s *LocalSession) Exec(ctx context.Context, command string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.workdir
	cmd.Env = os.Environ()
	for k, v := range s.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to execute command: %w", err)
	}
	return result, nil
}

// ReadFile reads a workspace file.
func (s *LocalSession) ReadFile(ctx context.Context, path string) (string, error) {
	target, err := s.resolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes a workspace file atomically.
func (s *LocalSession) WriteFile(ctx context.Context, path string, content string) error {
	target, err := s.resolvePath(path)
	if err != nil {
		return err
	}
	return filelock.AtomicWrite(target, []byte(content))
}

// ExportDir copies a workspace directory to a host path, skipping excludes.
func (s *LocalSession) ExportDir(ctx context.Context, src, dst string, exclude []string) error {
	source, err := s.resolvePath(src)
	if err != nil {
		return err
	}
	excludes, err := compileGlobSet(exclude)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to clear export destination: %w", err)
	}
	return copyTree(source, dst, source, excludes)
}

// Workdir returns the project root inside the workspace.
func (s *LocalSession) Workdir() string {
	return s.workdir
}

// Destroy removes the workspace directory. Safe to call multiple times.
func (s *LocalSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	s.destroyed = true
	return os.RemoveAll(s.root)
}
