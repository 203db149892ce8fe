// Package workspace provides isolated execution environments for agent-driven
// code generation.
//
// A Session is created from a source directory, runs shell commands rooted at
// the project workdir, and is destroyed unconditionally when the run ends.
// Two implementations share the contract: a docker-backed container session
// (stronger isolation) and a host-local session confined to a private
// temporary directory (lighter weight).
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/harrison/patchsmith/internal/config"
	"github.com/harrison/patchsmith/internal/logger"
)

// Runtime kinds selectable on the command line.
const (
	RuntimeLocal     = "local"
	RuntimeContainer = "container"
)

// ExecResult captures the outcome of a command executed inside a session.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Session is an isolated environment the agent and validation commands run in.
//
// Destroy must be idempotent and is invoked on every exit path, including
// cancellation and failures, so implementations must tolerate repeated calls.
type Session interface {
	// Exec runs a shell command rooted at the session workdir.
	Exec(ctx context.Context, command string) (ExecResult, error)

	// ReadFile reads a file; relative paths resolve against the workdir.
	ReadFile(ctx context.Context, path string) (string, error)

	// WriteFile writes a file; relative paths resolve against the workdir.
	WriteFile(ctx context.Context, path string, content string) error

	// ExportDir copies a workspace directory to a host path, skipping the
	// given exclusion globs. An existing destination is replaced.
	ExportDir(ctx context.Context, src, dst string, exclude []string) error

	// Workdir returns the project root inside the session.
	Workdir() string

	// Destroy releases all resources held by the session.
	Destroy() error
}

// Options carries everything needed to create a session.
type Options struct {
	// Config is the loaded run configuration.
	Config *config.Config

	// SourceDir is the host directory copied into the workspace.
	SourceDir string

	// ConfigDir is the directory mount host paths resolve against.
	ConfigDir string

	// Env is extra environment (e.g. agent API keys) exposed to commands.
	Env map[string]string

	// Logger receives setup progress; nil discards.
	Logger logger.Logger
}

func (o *Options) logger() logger.Logger {
	if o.Logger == nil {
		return logger.NewNoOpLogger()
	}
	return o.Logger
}

// Create builds a session for the requested runtime kind.
// Creation failures are environment-level and not subject to retry budgets.
func Create(ctx context.Context, runtime string, opts Options) (Session, error) {
	switch runtime {
	case RuntimeLocal:
		return NewLocalSession(opts)
	case RuntimeContainer:
		return NewContainerSession(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown runtime %q (expected %q or %q)", runtime, RuntimeLocal, RuntimeContainer)
	}
}

// globSet matches "/"-separated relative paths against compiled globs.
type globSet struct {
	globs []glob.Glob
}

// compileGlobSet compiles exclusion patterns. Patterns use "/" separators;
// "**" crosses directory boundaries.
func compileGlobSet(patterns []string) (*globSet, error) {
	gs := &globSet{}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude glob %q: %w", pattern, err)
		}
		gs.globs = append(gs.globs, g)
	}
	return gs, nil
}

// Match reports whether the relative path matches any exclusion glob.
func (gs *globSet) Match(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, g := range gs.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// copyTree copies source into target, skipping paths matched by the exclusion
// set (relative to sourceRoot). Symlinks are skipped: a link escaping the
// workspace would break isolation.
func copyTree(source, target, sourceRoot string, excludes *globSet) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(source, entry.Name())
		rel, err := filepath.Rel(sourceRoot, srcPath)
		if err != nil {
			return err
		}
		if excludes != nil && excludes.Match(rel) {
			continue
		}

		dstPath := filepath.Join(target, entry.Name())
		switch {
		case entry.Type().IsDir():
			if err := copyTree(srcPath, dstPath, sourceRoot, excludes); err != nil {
				return err
			}
		case entry.Type().IsRegular():
			if err := copyFile(srcPath, dstPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyFile copies a single regular file, creating parent directories.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

// normalizePath cleans a workspace path and rejects traversal, returning the
// path relative to the workspace root ("" for the root itself).
func normalizePath(path string) (string, error) {
	trimmed := strings.TrimPrefix(filepath.ToSlash(path), "/")
	if trimmed == "" {
		return "", nil
	}
	return config.NormalizeRelativePath(trimmed)
}
