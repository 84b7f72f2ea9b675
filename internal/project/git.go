package project

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotRepository is returned by runGit when dir is not inside a git
// work tree.
var ErrNotRepository = errors.New("not a git repository")

// runGit runs git against dir and returns its trimmed stdout.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	// -C is handled by git itself and works with every subcommand.
	fullArgs := append([]string{"-C", dir}, args...)

	// #nosec G204 -- args are built internally
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not a git repository") {
			return "", ErrNotRepository
		}
		if msg != "" {
			return "", fmt.Errorf("git %s failed: %s: %w", strings.Join(args, " "), msg, err)
		}
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
