package validate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/patchsmith/internal/config"
	"github.com/harrison/patchsmith/internal/workspace"
)

// fakeSession maps commands to scripted results.
type fakeSession struct {
	commands []string
	results  map[string]workspace.ExecResult
	errs     map[string]error
}

func (f *fakeSession) Exec(ctx context.Context, command string) (workspace.ExecResult, error) {
	f.commands = append(f.commands, command)
	if err, ok := f.errs[command]; ok {
		return workspace.ExecResult{}, err
	}
	return f.results[command], nil
}

func (f *fakeSession) ReadFile(ctx context.Context, path string) (string, error) { return "", nil }
func (f *fakeSession) WriteFile(ctx context.Context, path, content string) error { return nil }
func (f *fakeSession) ExportDir(ctx context.Context, src, dst string, exclude []string) error {
	return nil
}
func (f *fakeSession) Workdir() string { return "/app" }
func (f *fakeSession) Destroy() error  { return nil }

func codeSteps() []config.ValidateStep {
	return []config.ValidateStep{
		{Name: "build", Command: "go build ./..."},
		{Name: "test", Command: "go test ./..."},
	}
}

func TestRunPhaseAllPass(t *testing.T) {
	sess := &fakeSession{results: map[string]workspace.ExecResult{}}
	r := NewRunner(sess, codeSteps(), nil)

	failure, err := r.RunPhase(context.Background(), config.PhaseCode)
	require.NoError(t, err)
	assert.Nil(t, failure)
	assert.Equal(t, []string{"go build ./...", "go test ./..."}, sess.commands)
}

func TestRunPhaseFailFast(t *testing.T) {
	sess := &fakeSession{results: map[string]workspace.ExecResult{
		"go build ./...": {ExitCode: 2, Stdout: "compile output", Stderr: "syntax error"},
	}}
	r := NewRunner(sess, codeSteps(), nil)

	failure, err := r.RunPhase(context.Background(), config.PhaseCode)
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Equal(t, "build", failure.Step)
	assert.Contains(t, failure.Output, "compile output")
	assert.Contains(t, failure.Output, "syntax error")
	assert.Equal(t, config.RetryTargetWork, failure.RetryTarget)

	// second step never ran
	assert.Equal(t, []string{"go build ./..."}, sess.commands)
}

func TestRunPhaseFiltersByPhase(t *testing.T) {
	steps := []config.ValidateStep{
		{Name: "test-compile", Command: "check tests", Phase: config.PhaseTests, RetryOnFail: config.RetryTargetWriteTests},
		{Name: "build", Command: "build code"},
	}
	sess := &fakeSession{results: map[string]workspace.ExecResult{}}
	r := NewRunner(sess, steps, nil)

	_, err := r.RunPhase(context.Background(), config.PhaseTests)
	require.NoError(t, err)
	assert.Equal(t, []string{"check tests"}, sess.commands)
}

func TestRunPhaseRetryTarget(t *testing.T) {
	steps := []config.ValidateStep{
		{Name: "test-compile", Command: "check tests", Phase: config.PhaseTests, RetryOnFail: config.RetryTargetWriteTests},
	}
	sess := &fakeSession{results: map[string]workspace.ExecResult{
		"check tests": {ExitCode: 1, Stderr: "bad test"},
	}}
	r := NewRunner(sess, steps, nil)

	failure, err := r.RunPhase(context.Background(), config.PhaseTests)
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Equal(t, config.RetryTargetWriteTests, failure.RetryTarget)
}

func TestRunPhaseExecErrorIsFatal(t *testing.T) {
	execErr := errors.New("workspace unavailable")
	sess := &fakeSession{errs: map[string]error{"go build ./...": execErr}}
	r := NewRunner(sess, codeSteps(), nil)

	_, err := r.RunPhase(context.Background(), config.PhaseCode)
	require.Error(t, err)
	assert.ErrorIs(t, err, execErr)
	assert.Contains(t, err.Error(), `"build"`)
}

func TestStepsForPhaseDefaultsToCode(t *testing.T) {
	steps := []config.ValidateStep{
		{Name: "a", Command: "a", Phase: config.PhaseTests},
		{Name: "b", Command: "b"},
		{Name: "c", Command: "c", Phase: config.PhaseCode},
	}
	r := NewRunner(nil, steps, nil)

	code := r.StepsForPhase(config.PhaseCode)
	require.Len(t, code, 2)
	assert.Equal(t, "b", code[0].Name)
	assert.Equal(t, "c", code[1].Name)
}
