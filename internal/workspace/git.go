package workspace

import (
	"context"
	"fmt"
	"strings"
)

// InitBaseline turns the workspace workdir into a git repository with a
// single baseline commit capturing the pre-run state of every file. Patch
// export later diffs the index against this commit. Identity is configured
// repo-locally so the workspace never touches user-level git config.
func InitBaseline(ctx context.Context, session Session) error {
	cmd := strings.Join([]string{
		"git init",
		"(git symbolic-ref HEAD refs/heads/main >/dev/null 2>&1 || true)",
		"git config user.email patchsmith@local",
		"git config user.name patchsmith",
		"git add -A",
		"git commit -m baseline --allow-empty",
	}, " && ")

	res, err := session.Exec(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to create git baseline: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git baseline failed (exit %d): %s", res.ExitCode, truncateOutput(res.Stderr))
	}
	return nil
}
