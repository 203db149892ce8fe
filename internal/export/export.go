// Package export turns a finished workspace into the run's deliverable:
// either a unified diff against the git baseline or a full directory copy.
package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harrison/patchsmith/internal/config"
	"github.com/harrison/patchsmith/internal/filelock"
	"github.com/harrison/patchsmith/internal/logger"
	"github.com/harrison/patchsmith/internal/workspace"
)

// ErrEmptyPatch means the run reported success but the diff against the
// baseline is empty. Writing an empty patch would silently hand the caller
// nothing, so this is surfaced as a failure instead.
var ErrEmptyPatch = errors.New("patch is empty: run completed but produced no changes")

// Exporter writes the run output from a workspace session.
type Exporter struct {
	session workspace.Session
	patch   config.PatchConfig
	log     logger.Logger
}

func New(session workspace.Session, patch config.PatchConfig, log logger.Logger) *Exporter {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Exporter{session: session, patch: patch, log: log}
}

// PatchPath normalizes the output path for patch mode: a path without an
// extension gets ".patch" appended.
func PatchPath(output string) string {
	if filepath.Ext(output) != "" {
		return output
	}
	return output + ".patch"
}

// WritePatch stages every change in the workspace, excludes binary files and
// the configured patterns, and writes the unified diff to outputPath. The
// returned path is the actual file written. workChanged says whether the run
// completed any work iterations; an empty diff is only an error when it did.
func (e *Exporter) WritePatch(ctx context.Context, outputPath string, workChanged bool) (string, error) {
	pathspec := e.patch.GitDiffPathspec()

	// Binary files show up in numstat as "-\t-\tpath"; they cannot be
	// represented in a text patch, so exclude them from the diff.
	numstat, err := e.session.Exec(ctx, "git add -A && git diff --cached --numstat")
	if err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	if numstat.ExitCode != 0 {
		return "", fmt.Errorf("git staging failed (exit %d): %s", numstat.ExitCode, strings.TrimSpace(numstat.Stderr))
	}
	for _, path := range binaryPaths(numstat.Stdout) {
		e.log.LogDebug("excluding binary file from patch: " + path)
		pathspec += fmt.Sprintf(" ':(exclude)%s'", path)
	}

	diff, err := e.session.Exec(ctx, "git diff --cached "+pathspec)
	if err != nil {
		return "", fmt.Errorf("failed to generate diff: %w", err)
	}
	if diff.ExitCode != 0 {
		return "", fmt.Errorf("git diff failed (exit %d): %s", diff.ExitCode, strings.TrimSpace(diff.Stderr))
	}

	if strings.TrimSpace(diff.Stdout) == "" && workChanged {
		return "", ErrEmptyPatch
	}

	patchPath := PatchPath(outputPath)
	if err := filelock.AtomicWrite(patchPath, []byte(diff.Stdout)); err != nil {
		return "", fmt.Errorf("failed to write patch: %w", err)
	}
	e.log.LogInfo("patch written: " + patchPath)
	return patchPath, nil
}

// WriteDir exports the whole project tree, minus the patch excludes and git
// metadata, to outputPath.
func (e *Exporter) WriteDir(ctx context.Context, outputPath string) error {
	exclude := append([]string{".git/**"}, e.patch.Exclude...)
	if err := e.session.ExportDir(ctx, ".", outputPath, exclude); err != nil {
		return fmt.Errorf("failed to export project directory: %w", err)
	}
	e.log.LogInfo("directory exported: " + outputPath)
	return nil
}

// binaryPaths extracts binary file paths from git numstat output.
func binaryPaths(numstat string) []string {
	var paths []string
	for _, line := range strings.Split(numstat, "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) == 3 && parts[0] == "-" && parts[1] == "-" {
			paths = append(paths, parts[2])
		}
	}
	return paths
}
