// Package ledger manages the append-only checkbox task list the agent works
// through. The tool only ever appends entries; checking items off is the
// agent's job, and the ledger file is the single signal the engine trusts
// about work progress.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/patchsmith/internal/workspace"
)

// FileName is the ledger file, relative to the workspace workdir.
const FileName = "tasks.md"

// fixPrefix marks entries appended after a failed validation or review.
const fixPrefix = "Fix:"

// Origin says where a task entry came from.
type Origin int

const (
	// OriginPlan marks entries created by the planning stage.
	OriginPlan Origin = iota
	// OriginFix marks entries appended after a validation or review failure.
	OriginFix
)

// Task is one checklist entry.
type Task struct {
	Description string
	Checked     bool
	Origin      Origin
}

// Stats summarizes a parsed ledger.
type Stats struct {
	Done         int
	Pending      int
	DoneTasks    []string
	PendingTasks []string
}

// Snapshot is the multiset of pending task descriptions, used to decide
// whether a work iteration changed anything.
type Snapshot map[string]int

var markdown = goldmark.New(goldmark.WithExtensions(extension.TaskList))

// Parse extracts checklist entries from markdown content in document order.
// Non-checkbox content is ignored.
func Parse(content string) []Task {
	source := []byte(content)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var tasks []Task
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		checkbox, ok := n.(*east.TaskCheckBox)
		if !ok {
			return ast.WalkContinue, nil
		}
		// The checkbox's parent is the item's text block; its text nodes
		// hold the description without any nested sub-list content.
		desc := strings.TrimSpace(nodeText(checkbox.Parent(), source))
		tasks = append(tasks, Task{
			Description: desc,
			Checked:     checkbox.IsChecked,
			Origin:      classifyOrigin(desc),
		})
		return ast.WalkContinue, nil
	})
	return tasks
}

// nodeText collects the plain text under a node.
func nodeText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

func classifyOrigin(description string) Origin {
	if strings.HasPrefix(description, fixPrefix) {
		return OriginFix
	}
	return OriginPlan
}

// ComputeStats tallies done and pending entries, preserving order.
func ComputeStats(tasks []Task) Stats {
	var stats Stats
	for _, task := range tasks {
		if task.Checked {
			stats.Done++
			stats.DoneTasks = append(stats.DoneTasks, task.Description)
		} else {
			stats.Pending++
			stats.PendingTasks = append(stats.PendingTasks, task.Description)
		}
	}
	return stats
}

// TakeSnapshot captures the pending set as a multiset, so duplicate
// descriptions still compare correctly.
func TakeSnapshot(tasks []Task) Snapshot {
	snap := Snapshot{}
	for _, task := range tasks {
		if !task.Checked {
			snap[task.Description]++
		}
	}
	return snap
}

// Equal reports whether two snapshots hold the same pending entries.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for desc, count := range s {
		if other[desc] != count {
			return false
		}
	}
	return true
}

// Progressed reports whether an iteration changed the pending set. Checking
// an item off counts; so does appending new entries. Only an identical
// pending set means the iteration accomplished nothing.
func Progressed(before, after Snapshot) bool {
	return !before.Equal(after)
}

// Ledger reads and appends the task list inside a workspace session.
type Ledger struct {
	session workspace.Session
}

func New(session workspace.Session) *Ledger {
	return &Ledger{session: session}
}

// Purge removes any stale ledger left by a previous run.
func (l *Ledger) Purge(ctx context.Context) error {
	res, err := l.session.Exec(ctx, "rm -f "+FileName)
	if err != nil {
		return fmt.Errorf("failed to purge task ledger: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to purge task ledger (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Load reads and parses the ledger file.
func (l *Ledger) Load(ctx context.Context) ([]Task, error) {
	content, err := l.session.ReadFile(ctx, FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	return Parse(content), nil
}

// AppendFix adds a new unchecked entry at the end of the ledger and persists
// it immediately. Existing entries are never touched; a missing ledger file
// starts empty.
func (l *Ledger) AppendFix(ctx context.Context, description string) error {
	content, err := l.session.ReadFile(ctx, FileName)
	if err != nil {
		content = ""
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	// Fix entries must stay on one line to remain a single checklist item.
	entry := strings.ReplaceAll(description, "\n", " ")
	content += "- [ ] " + entry + "\n"

	if err := l.session.WriteFile(ctx, FileName, content); err != nil {
		return fmt.Errorf("failed to append fix task: %w", err)
	}
	return nil
}
