// Package agent builds and executes coding-agent CLI invocations inside a
// workspace session. The agent is a black box: it edits files in place, and
// the only signals the rest of the pipeline trusts are the task ledger, the
// validation commands, and the review verdict line.
package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harrison/patchsmith/internal/config"
	"github.com/harrison/patchsmith/internal/logger"
	"github.com/harrison/patchsmith/internal/workspace"
)

// Invoker runs agent instructions inside a workspace session, retrying
// transport-level failures (process start errors, nonzero agent exit) up to
// a configured budget. Transport failures are distinct from the pipeline's
// validate/review retry budgets: a crashed CLI is not a bad patch.
type Invoker struct {
	session          workspace.Session
	spec             config.AgentSpec
	transportRetries int
	log              logger.Logger
}

func NewInvoker(session workspace.Session, spec config.AgentSpec, transportRetries int, log logger.Logger) *Invoker {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Invoker{
		session:          session,
		spec:             spec,
		transportRetries: transportRetries,
		log:              log,
	}
}

// Command renders the shell command for one agent invocation.
func (inv *Invoker) Command(instruction string) string {
	escaped := shellEscape(instruction)
	switch inv.spec.Backend {
	case config.BackendOpenCode:
		cmd := "opencode run '" + escaped + "'"
		if inv.spec.Model != "" {
			cmd += " --model " + inv.spec.Model
		}
		return cmd
	default:
		cmd := "claude -p '" + escaped + "' --dangerously-skip-permissions"
		if inv.spec.Model != "" {
			cmd += " --model " + inv.spec.Model
		}
		return cmd
	}
}

// shellEscape makes a string safe inside single quotes in sh -c.
func shellEscape(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

// Invoke runs one instruction, returning the agent's stdout. The stage name
// is used only for logging and error messages.
func (inv *Invoker) Invoke(ctx context.Context, stage, instruction string) (string, error) {
	command := inv.Command(instruction)

	var lastErr error
	for attempt := 0; attempt <= inv.transportRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if attempt > 0 {
			inv.log.LogWarn(fmt.Sprintf("%s: agent transport failure, retrying (%d/%d)", stage, attempt, inv.transportRetries))
		}

		res, err := inv.session.Exec(ctx, command)
		if err != nil {
			lastErr = fmt.Errorf("%s: failed to start agent: %w", stage, err)
			continue
		}
		if res.ExitCode != 0 {
			lastErr = fmt.Errorf("%s failed (exit %d): %s", stage, res.ExitCode, Truncate(res.Stderr, 2000))
			continue
		}
		return res.Stdout, nil
	}
	return "", fmt.Errorf("%w (after %d transport retries)", lastErr, inv.transportRetries)
}

// Truncate bounds agent and validator output before it is embedded in task
// descriptions or failure reasons. The cut backs up to a rune boundary so
// truncation never produces invalid UTF-8.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
