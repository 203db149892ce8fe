package agent

import (
	"fmt"
	"strings"
)

// PlanInstruction asks the agent to decompose the prompt into a checkbox
// task list without writing any code.
func PlanInstruction(workdir, language, prompt string, includeTests bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb,
		"You are working in %s, a %s project. The user wants: %s\n\n"+
			"Create a file called %s/tasks.md that breaks this down into a clear markdown "+
			"checkbox task list (one line per task, of the form `- [ ] task`) for implementing "+
			"this in %s. Focus on the public API, data structures, and key algorithms.",
		workdir, language, prompt, workdir, language)
	if includeTests {
		sb.WriteString(" Include tasks for writing tests before the implementation tasks.")
	}
	sb.WriteString(" Do NOT write any code yet — only the task list.")
	return sb.String()
}

// WriteTestsInstruction asks the agent to write tests for the planned API.
// errorContext carries the previous failing output when a tests-phase
// validation sent the pipeline back here.
func WriteTestsInstruction(workdir, language, taskList, errorContext string) string {
	instruction := fmt.Sprintf(
		"You are working in %s, a %s project. Here is the task list:\n\n%s\n\n"+
			"Write comprehensive tests that verify the public API described in the task list. "+
			"Write ONLY tests — do not implement the library code. "+
			"Place tests in the conventional location for a %s project. "+
			"Make sure the test files compile/parse on their own (all necessary imports, etc.), "+
			"though tests will fail until the code is implemented. "+
			"When done, mark the completed test-writing tasks in %s/tasks.md by changing `- [ ]` to `- [x]`.",
		workdir, language, taskList, language, workdir)
	if errorContext != "" {
		instruction += "\n\nPrevious attempt failed with this error — fix the issues:\n" + errorContext
	}
	return instruction
}

// WorkInstruction asks the agent to complete unchecked ledger items and
// check them off.
func WorkInstruction(workdir, language string) string {
	return fmt.Sprintf(
		"You are working in %s, a %s project. Open %s/tasks.md and work on the unchecked "+
			"items (`- [ ]`). Read the existing test files in the project to understand what must pass. "+
			"You may create additional modules/files as needed. After completing an item, mark it done "+
			"by changing its checkbox to `- [x]` in tasks.md. Never delete or reword existing entries, "+
			"and never uncheck a completed item. Focus on correctness.",
		workdir, language, workdir)
}

const verdictFormat = "\n\nRespond ONLY with one of:\n" +
	"APPROVED\n" +
	"REJECTED: <short reason>\n\n" +
	"No analysis, no markdown, no explanation — just the verdict line."

// ReviewInstruction asks the agent to review the staged diff. When the diff
// is empty (e.g. git failed), the reviewer is told to read the source
// directly instead.
func ReviewInstruction(workdir, language, taskList, diff string) string {
	if strings.TrimSpace(diff) == "" {
		return fmt.Sprintf(
			"You are a %s code reviewer. You are working in %s. Read the source code yourself.\n\n"+
				"Task list:\n%s\n\n"+
				"Check for correctness and bugs only. Do NOT write or modify any files.%s",
			language, workdir, taskList, verdictFormat)
	}
	return fmt.Sprintf(
		"You are a %s code reviewer. Review this diff.\n\n"+
			"Task list:\n%s\n\n"+
			"Diff:\n```diff\n%s\n```\n\n"+
			"Check for correctness and bugs only. Do NOT write or modify any files.%s",
		language, taskList, diff, verdictFormat)
}
