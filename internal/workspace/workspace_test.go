package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/patchsmith/internal/config"
)

// writeTree creates files under root from a map of relative path -> content.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Project.Exclude = []string{".git/**", "build/**", "*.log"}
	return cfg
}

func TestGlobSetMatch(t *testing.T) {
	gs, err := compileGlobSet([]string{"target/**", "*.log", ".git/**"})
	require.NoError(t, err)

	tests := []struct {
		path string
		want bool
	}{
		{"target/debug/app", true},
		{"target", false},
		{"run.log", true},
		{"logs/run.log", false},
		{".git/HEAD", true},
		{"src/main.go", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, gs.Match(tt.path), "path %q", tt.path)
	}
}

func TestGlobSetInvalidPattern(t *testing.T) {
	_, err := compileGlobSet([]string{"[invalid"})
	assert.Error(t, err)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/app", "app", false},
		{"app/sub", "app/sub", false},
		{"/", "", false},
		{"../escape", "", true},
	}
	for _, tt := range tests {
		got, err := normalizePath(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "path %q", tt.in)
			continue
		}
		require.NoError(t, err, "path %q", tt.in)
		assert.Equal(t, tt.want, got, "path %q", tt.in)
	}
}

func TestCopyTreeAppliesExcludes(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeTree(t, src, map[string]string{
		"main.go":          "package main",
		"build/out.bin":    "binary",
		"docs/readme.md":   "docs",
		".git/HEAD":        "ref: refs/heads/main",
		"nested/debug.log": "noise",
	})

	excludes, err := compileGlobSet([]string{"build/**", ".git/**", "**/*.log"})
	require.NoError(t, err)
	require.NoError(t, copyTree(src, dst, src, excludes))

	assert.FileExists(t, filepath.Join(dst, "main.go"))
	assert.FileExists(t, filepath.Join(dst, "docs", "readme.md"))
	assert.NoFileExists(t, filepath.Join(dst, "build", "out.bin"))
	assert.NoFileExists(t, filepath.Join(dst, ".git", "HEAD"))
	assert.NoFileExists(t, filepath.Join(dst, "nested", "debug.log"))
}

func TestCopyTreeSkipsSymlinks(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeTree(t, src, map[string]string{"real.txt": "data"})
	require.NoError(t, os.Symlink(filepath.Join(src, "real.txt"), filepath.Join(src, "link.txt")))

	require.NoError(t, copyTree(src, dst, src, nil))

	assert.FileExists(t, filepath.Join(dst, "real.txt"))
	assert.NoFileExists(t, filepath.Join(dst, "link.txt"))
}

func TestNewLocalSessionCopiesSource(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"main.go":       "package main",
		"build/out.bin": "binary",
	})

	sess, err := NewLocalSession(Options{Config: testConfig(), SourceDir: src})
	require.NoError(t, err)
	defer sess.Destroy()

	assert.FileExists(t, filepath.Join(sess.Workdir(), "main.go"))
	assert.NoFileExists(t, filepath.Join(sess.Workdir(), "build", "out.bin"))
	assert.True(t, filepath.IsAbs(sess.Workdir()))
}

func TestLocalSessionExec(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"hello.txt": "hi there"})

	sess, err := NewLocalSession(Options{Config: testConfig(), SourceDir: src})
	require.NoError(t, err)
	defer sess.Destroy()

	res, err := sess.Exec(context.Background(), "cat hello.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi there", res.Stdout)

	res, err = sess.Exec(context.Background(), "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestLocalSessionExecEnv(t *testing.T) {
	src := t.TempDir()
	sess, err := NewLocalSession(Options{
		Config:    testConfig(),
		SourceDir: src,
		Env:       map[string]string{"PATCHSMITH_TEST_VAR": "set"},
	})
	require.NoError(t, err)
	defer sess.Destroy()

	res, err := sess.Exec(context.Background(), "printf %s \"$PATCHSMITH_TEST_VAR\"")
	require.NoError(t, err)
	assert.Equal(t, "set", res.Stdout)
}

func TestLocalSessionReadWriteFile(t *testing.T) {
	src := t.TempDir()
	sess, err := NewLocalSession(Options{Config: testConfig(), SourceDir: src})
	require.NoError(t, err)
	defer sess.Destroy()

	ctx := context.Background()
	require.NoError(t, sess.WriteFile(ctx, "tasks.md", "- [ ] first task\n"))

	content, err := sess.ReadFile(ctx, "tasks.md")
	require.NoError(t, err)
	assert.Equal(t, "- [ ] first task\n", content)

	// Absolute paths resolve against the workspace root.
	abs := "/" + filepath.ToSlash(filepath.Base(sess.Workdir())) + "/tasks.md"
	content, err = sess.ReadFile(ctx, abs)
	require.NoError(t, err)
	assert.Equal(t, "- [ ] first task\n", content)

	_, err = sess.ReadFile(ctx, "missing.md")
	assert.Error(t, err)
}

func TestLocalSessionExportDir(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"keep.txt":       "keep",
		"target/big.bin": "artifact",
	})

	cfg := testConfig()
	cfg.Project.Exclude = nil
	sess, err := NewLocalSession(Options{Config: cfg, SourceDir: src})
	require.NoError(t, err)
	defer sess.Destroy()

	dst := filepath.Join(t.TempDir(), "export")
	require.NoError(t, sess.ExportDir(context.Background(), ".", dst, []string{"target/**"}))

	assert.FileExists(t, filepath.Join(dst, "keep.txt"))
	assert.NoFileExists(t, filepath.Join(dst, "target", "big.bin"))
}

func TestLocalSessionDestroyIdempotent(t *testing.T) {
	src := t.TempDir()
	sess, err := NewLocalSession(Options{Config: testConfig(), SourceDir: src})
	require.NoError(t, err)

	root := sess.root
	require.NoError(t, sess.Destroy())
	assert.NoDirExists(t, root)
	assert.NoError(t, sess.Destroy())
}

func TestLocalMountUnderWorkdir(t *testing.T) {
	src := t.TempDir()
	mountSrc := t.TempDir()
	writeTree(t, mountSrc, map[string]string{"data.json": "{}"})

	cfg := testConfig()
	cfg.Mounts = []config.MountConfig{{Host: mountSrc, Container: cfg.Project.Workdir + "/fixtures"}}

	sess, err := NewLocalSession(Options{Config: cfg, SourceDir: src})
	require.NoError(t, err)
	defer sess.Destroy()

	assert.FileExists(t, filepath.Join(sess.Workdir(), "fixtures", "data.json"))
}

func TestLocalMountOutsideWorkdirRequiresLocalTarget(t *testing.T) {
	src := t.TempDir()
	mountSrc := t.TempDir()

	cfg := testConfig()
	cfg.Mounts = []config.MountConfig{{Host: mountSrc, Container: "/opt/tools"}}

	_, err := NewLocalSession(Options{Config: cfg, SourceDir: src})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local_target")
}

func TestLocalMountWithLocalTarget(t *testing.T) {
	src := t.TempDir()
	mountSrc := t.TempDir()
	writeTree(t, mountSrc, map[string]string{"tool.sh": "#!/bin/sh"})

	cfg := testConfig()
	cfg.Mounts = []config.MountConfig{{Host: mountSrc, Container: "/opt/tools", LocalTarget: "tools"}}

	sess, err := NewLocalSession(Options{Config: cfg, SourceDir: src})
	require.NoError(t, err)
	defer sess.Destroy()

	assert.FileExists(t, filepath.Join(sess.Workdir(), "tools", "tool.sh"))
}

func TestLocalMountFileAtWorkdirRootRejected(t *testing.T) {
	src := t.TempDir()
	mountFile := filepath.Join(t.TempDir(), "secret.env")
	require.NoError(t, os.WriteFile(mountFile, []byte("KEY=value"), 0644))

	cfg := testConfig()
	cfg.Mounts = []config.MountConfig{{Host: mountFile, Container: cfg.Project.Workdir}}

	_, err := NewLocalSession(Options{Config: cfg, SourceDir: src})
	require.Error(t, err)
}

func TestCreateUnknownRuntime(t *testing.T) {
	_, err := Create(context.Background(), "vm", Options{Config: testConfig(), SourceDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown runtime")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
