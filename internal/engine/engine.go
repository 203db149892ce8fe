// Package engine drives the run pipeline: a deterministic state machine that
// plans, works, validates, reviews, and exports through an external coding
// agent, with bounded per-edge retry budgets.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/patchsmith/internal/agent"
	"github.com/harrison/patchsmith/internal/config"
	"github.com/harrison/patchsmith/internal/export"
	"github.com/harrison/patchsmith/internal/ledger"
	"github.com/harrison/patchsmith/internal/logger"
	"github.com/harrison/patchsmith/internal/validate"
	"github.com/harrison/patchsmith/internal/workspace"
)

var (
	// ErrNoProgress means a work iteration left the pending task set
	// unchanged. The agent is stuck; more iterations would not help.
	ErrNoProgress = errors.New("work made no progress")

	// ErrBudgetExhausted means a retry edge ran out of budget.
	ErrBudgetExhausted = errors.New("retry budget exhausted")

	// ErrPlanEmpty means planning produced no checklist items.
	ErrPlanEmpty = errors.New("plan produced no tasks")
)

// Options configures an engine run.
type Options struct {
	Config     *config.Config
	Session    workspace.Session
	Prompt     string
	MaxRetries int

	// Output is the patch file (or directory, with ExportDir) path.
	Output string
	// ExportDir exports the full project tree instead of a patch.
	ExportDir bool

	Logger logger.Logger
}

// Result summarizes a finished run.
type Result struct {
	State          State
	Reason         string
	WorkIterations int
	Retries        map[string]int
	PatchPath      string
	Duration       time.Duration
}

// Engine owns one run's state machine.
type Engine struct {
	cfg       *config.Config
	session   workspace.Session
	invoker   *agent.Invoker
	tasks     *ledger.Ledger
	validator *validate.Runner
	exporter  *export.Exporter
	log       logger.Logger

	prompt     string
	output     string
	exportDir  bool
	maxRetries int
	retries    *RetryTracker

	state      State
	failReason string
	failErr    error

	// testsContext carries the last failing tests-phase output into the
	// next WriteTests attempt.
	testsContext   string
	workIterations int
	patchPath      string
}

func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	cfg := opts.Config
	return &Engine{
		cfg:       cfg,
		session:   opts.Session,
		invoker:   agent.NewInvoker(opts.Session, cfg.Agent, cfg.TransportRetries, log),
		tasks:     ledger.New(opts.Session),
		validator: validate.NewRunner(opts.Session, cfg.Steps.Validate, log),
		exporter:  export.New(opts.Session, cfg.Patch, log),
		log:       log,
		prompt:     opts.Prompt,
		output:     opts.Output,
		exportDir:  opts.ExportDir,
		maxRetries: opts.MaxRetries,
		retries:    NewRetryTracker(opts.MaxRetries),
		state:      StateInit,
	}
}

// Run executes the state machine until a terminal state. The returned error
// is non-nil when the run failed; the Result is populated either way.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	for !e.state.IsTerminal() {
		if err := ctx.Err(); err != nil {
			e.fail(fmt.Sprintf("interrupted in %s", e.state), err)
			break
		}

		old := e.state
		stepStart := time.Now()
		e.state = e.stepWithTimeout(ctx)
		e.log.LogInfo(fmt.Sprintf("state transition %s -> %s (%.0fs)", old, e.state, time.Since(stepStart).Seconds()))
	}

	result := &Result{
		State:          e.state,
		Reason:         e.failReason,
		WorkIterations: e.workIterations,
		Retries:        e.retries.Counts(),
		PatchPath:      e.patchPath,
		Duration:       time.Since(start),
	}
	if e.state == StateFailed {
		if e.failErr != nil {
			return result, fmt.Errorf("run failed: %s: %w", e.failReason, e.failErr)
		}
		return result, fmt.Errorf("run failed: %s", e.failReason)
	}
	return result, nil
}

// stepWithTimeout bounds a single state handler by the configured step
// timeout.
func (e *Engine) stepWithTimeout(ctx context.Context) State {
	if stepTimeout := e.cfg.Timeouts.Step.Std(); stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stepTimeout)
		defer cancel()
	}
	return e.step(ctx)
}

func (e *Engine) step(ctx context.Context) State {
	switch e.state {
	case StateInit:
		return e.stepInit(ctx)
	case StatePlan:
		return e.stepPlan(ctx)
	case StateLoadTaskList:
		return e.stepLoadTaskList(ctx)
	case StateWriteTests:
		return e.stepWriteTests(ctx)
	case StateValidateTests:
		return e.stepValidate(ctx, config.PhaseTests, StateWork)
	case StateWork:
		return e.stepWork(ctx)
	case StateValidateCode:
		return e.stepValidate(ctx, config.PhaseCode, StateReview)
	case StateReview:
		return e.stepReview(ctx)
	case StateExport:
		return e.stepExport(ctx)
	default:
		return e.fail(fmt.Sprintf("unknown state %s", e.state), nil)
	}
}

// stepInit purges any stale ledger and commits the git baseline the final
// patch will be diffed against. A baseline failure is not fatal: review
// falls back to reading source, and only patch export hard-requires git.
func (e *Engine) stepInit(ctx context.Context) State {
	if err := e.tasks.Purge(ctx); err != nil {
		return e.fail(fmt.Sprintf("purging stale task ledger: %v", err), nil)
	}
	if err := workspace.InitBaseline(ctx, e.session); err != nil {
		e.log.LogWarn(fmt.Sprintf("git baseline setup failed: %v", err))
	}
	return StatePlan
}

func (e *Engine) stepPlan(ctx context.Context) State {
	e.log.LogInfo("planning task list")
	instruction := agent.PlanInstruction(
		e.session.Workdir(), e.cfg.Project.Language, e.prompt, e.cfg.Steps.WriteTests)
	if _, err := e.invoker.Invoke(ctx, "Plan", instruction); err != nil {
		return e.fail(fmt.Sprintf("Plan: %v", err), nil)
	}
	return StateLoadTaskList
}

func (e *Engine) stepLoadTaskList(ctx context.Context) State {
	tasks, err := e.tasks.Load(ctx)
	if err != nil {
		return e.fail(fmt.Sprintf("reading %s after plan: %v", ledger.FileName, err), nil)
	}
	stats := ledger.ComputeStats(tasks)
	if stats.Pending == 0 {
		return e.fail(fmt.Sprintf("plan produced no tasks (no `- [ ]` items in %s)", ledger.FileName), ErrPlanEmpty)
	}
	e.log.LogInfo(fmt.Sprintf("plan created %d tasks", stats.Pending))
	for _, task := range stats.PendingTasks {
		e.log.LogDebug("task: " + task)
	}
	if e.cfg.Steps.WriteTests {
		return StateWriteTests
	}
	return StateWork
}

func (e *Engine) stepWriteTests(ctx context.Context) State {
	taskList, err := e.readTaskList(ctx)
	if err != nil {
		return e.fail(fmt.Sprintf("reading %s: %v", ledger.FileName, err), nil)
	}
	e.log.LogInfo("writing tests")
	instruction := agent.WriteTestsInstruction(
		e.session.Workdir(), e.cfg.Project.Language, taskList, e.testsContext)
	if _, err := e.invoker.Invoke(ctx, "WriteTests", instruction); err != nil {
		return e.fail(fmt.Sprintf("WriteTests: %v", err), nil)
	}
	e.testsContext = ""
	return StateValidateTests
}

// stepValidate runs one phase's validation steps, routing the first failure
// to its retry target or failing the run when that edge's budget is gone.
func (e *Engine) stepValidate(ctx context.Context, phase string, onPass State) State {
	failure, err := e.validator.RunPhase(ctx, phase)
	if err != nil {
		return e.fail(err.Error(), nil)
	}
	if failure == nil {
		return onPass
	}

	edge := "validate:" + failure.Step
	if !e.retries.TryRetry(edge) {
		return e.fail(fmt.Sprintf("validation step '%s' failed after %d retries: %s",
			failure.Step, e.maxRetries, agent.Truncate(failure.Output, 500)), ErrBudgetExhausted)
	}
	attempt := e.retries.Count(edge)
	e.log.LogWarn(fmt.Sprintf("validation step %q failed (attempt %d), appending fix task", failure.Step, attempt))

	description := fmt.Sprintf("Fix: `%s` failed (attempt %d) — %s",
		failure.Step, attempt, agent.Truncate(failure.Output, 300))
	if err := e.tasks.AppendFix(ctx, description); err != nil {
		return e.fail(fmt.Sprintf("failed to append fix task: %v", err), nil)
	}

	if failure.RetryTarget == config.RetryTargetWriteTests {
		e.testsContext = agent.Truncate(failure.Output, 2000)
		return StateWriteTests
	}
	return StateWork
}

// stepWork runs one agent work iteration and enforces the progress
// invariant: an iteration that leaves the pending task set untouched fails
// the run immediately.
func (e *Engine) stepWork(ctx context.Context) State {
	tasks, err := e.tasks.Load(ctx)
	if err != nil {
		return e.fail(fmt.Sprintf("reading %s: %v", ledger.FileName, err), nil)
	}
	stats := ledger.ComputeStats(tasks)
	if stats.Pending == 0 {
		e.log.LogInfo(fmt.Sprintf("all %d tasks done, moving to validation", stats.Done))
		return StateValidateCode
	}
	e.log.LogInfo(fmt.Sprintf("working on remaining tasks (%d pending, %d done)", stats.Pending, stats.Done))
	before := ledger.TakeSnapshot(tasks)

	instruction := agent.WorkInstruction(e.session.Workdir(), e.cfg.Project.Language)
	if _, err := e.invoker.Invoke(ctx, "Work", instruction); err != nil {
		return e.fail(fmt.Sprintf("Work: %v", err), nil)
	}
	e.workIterations++

	tasks, err = e.tasks.Load(ctx)
	if err != nil {
		return e.fail(fmt.Sprintf("reading %s after work: %v", ledger.FileName, err), nil)
	}
	after := ledger.TakeSnapshot(tasks)
	if !ledger.Progressed(before, after) {
		stats = ledger.ComputeStats(tasks)
		return e.fail(fmt.Sprintf("work made no progress (%d tasks still pending)", stats.Pending), ErrNoProgress)
	}

	stats = ledger.ComputeStats(tasks)
	e.log.LogInfo(fmt.Sprintf("work iteration finished (%d done, %d pending)", stats.Done, stats.Pending))
	return StateWork
}

func (e *Engine) stepReview(ctx context.Context) State {
	diff := e.stagedDiff(ctx)

	taskList, err := e.readTaskList(ctx)
	if err != nil {
		return e.fail(fmt.Sprintf("reading %s before review: %v", ledger.FileName, err), nil)
	}

	e.log.LogInfo("reviewing changes")
	instruction := agent.ReviewInstruction(e.session.Workdir(), e.cfg.Project.Language, taskList, diff)
	output, err := e.invoker.Invoke(ctx, "Review", instruction)
	if err != nil {
		return e.fail(fmt.Sprintf("Review: %v", err), nil)
	}

	verdict, feedback := agent.ParseVerdict(output)
	switch verdict {
	case agent.VerdictApproved:
		e.log.LogInfo("review approved")
		return StateExport

	case agent.VerdictRejected:
		if !e.retries.TryRetry("review") {
			return e.fail(fmt.Sprintf("review rejected after %d retries: %s",
				e.maxRetries, agent.Truncate(feedback, 500)), ErrBudgetExhausted)
		}
		attempt := e.retries.Count("review")
		e.log.LogWarn(fmt.Sprintf("review rejected (attempt %d): %s", attempt, feedback))
		description := fmt.Sprintf("Fix: review rejected (attempt %d) — %s", attempt, feedback)
		if err := e.tasks.AppendFix(ctx, description); err != nil {
			return e.fail(fmt.Sprintf("failed to append fix task: %v", err), nil)
		}
		return StateWork

	default:
		if !e.retries.TryRetry("review") {
			return e.fail("review returned invalid format after max retries", ErrBudgetExhausted)
		}
		e.log.LogWarn(fmt.Sprintf("review output contained no APPROVED/REJECTED verdict, retrying (%d)", e.retries.Count("review")))
		return StateReview
	}
}

// stagedDiff stages everything and returns the diff the reviewer sees. An
// empty string makes the reviewer inspect the source directly.
func (e *Engine) stagedDiff(ctx context.Context) string {
	res, err := e.session.Exec(ctx, "git add -A && git diff --cached "+e.cfg.Patch.GitDiffPathspec())
	if err != nil || res.ExitCode != 0 {
		e.log.LogWarn("git diff failed during review, falling back to file inspection")
		return ""
	}
	return res.Stdout
}

func (e *Engine) stepExport(ctx context.Context) State {
	if e.exportDir {
		e.log.LogInfo("exporting project directory")
		if err := e.exporter.WriteDir(ctx, e.output); err != nil {
			return e.fail(err.Error(), nil)
		}
		e.patchPath = e.output
		return StateDone
	}

	written, err := e.exporter.WritePatch(ctx, e.output, e.workIterations > 0)
	if err != nil {
		return e.fail(err.Error(), err)
	}
	e.patchPath = written
	return StateDone
}

// readTaskList returns the raw ledger text for embedding in instructions.
func (e *Engine) readTaskList(ctx context.Context) (string, error) {
	content, err := e.session.ReadFile(ctx, ledger.FileName)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(content, "\n"), nil
}

func (e *Engine) fail(reason string, err error) State {
	e.failReason = reason
	e.failErr = err
	e.log.LogError("run failed: " + reason)
	return StateFailed
}
