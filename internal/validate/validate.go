// Package validate runs the configured validation commands inside a
// workspace session, in declared order, stopping at the first failure.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrison/patchsmith/internal/config"
	"github.com/harrison/patchsmith/internal/logger"
	"github.com/harrison/patchsmith/internal/workspace"
)

// Failure describes the first validation step that failed in a pass.
type Failure struct {
	// Step is the failing step's configured name.
	Step string
	// Output is the combined stdout and stderr of the failing command.
	Output string
	// RetryTarget is the pipeline edge the failure backtracks to.
	RetryTarget string
}

// Runner executes validation steps through a session.
type Runner struct {
	session workspace.Session
	steps   []config.ValidateStep
	log     logger.Logger
}

func NewRunner(session workspace.Session, steps []config.ValidateStep, log logger.Logger) *Runner {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Runner{session: session, steps: steps, log: log}
}

// StepsForPhase returns the steps that run in the given phase, in declared
// order.
func (r *Runner) StepsForPhase(phase string) []config.ValidateStep {
	var out []config.ValidateStep
	for _, step := range r.steps {
		if step.EffectivePhase() == phase {
			out = append(out, step)
		}
	}
	return out
}

// RunPhase executes the phase's steps in order. The first failing step
// aborts the pass and is returned as a Failure; a nil Failure means every
// step passed. A non-nil error means a command could not be executed at all,
// which is fatal rather than retryable.
func (r *Runner) RunPhase(ctx context.Context, phase string) (*Failure, error) {
	for _, step := range r.StepsForPhase(phase) {
		r.log.LogInfo(fmt.Sprintf("validation step %q: %s", step.Name, step.Command))

		res, err := r.session.Exec(ctx, step.Command)
		if err != nil {
			return nil, fmt.Errorf("validation step %q exec error: %w", step.Name, err)
		}
		if res.ExitCode != 0 {
			r.log.LogWarn(fmt.Sprintf("validation step %q failed (exit %d)", step.Name, res.ExitCode))
			return &Failure{
				Step:        step.Name,
				Output:      combineOutput(res),
				RetryTarget: step.EffectiveRetryTarget(),
			}, nil
		}
		r.log.LogInfo(fmt.Sprintf("validation step %q passed", step.Name))
	}
	return nil, nil
}

func combineOutput(res workspace.ExecResult) string {
	return strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
}
