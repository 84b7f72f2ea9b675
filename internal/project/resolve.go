package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mmr-tortoise/portkeeper/internal/model"
)

// Info identifies a project on disk.
type Info struct {
	Name   string `json:"name"`
	Root   string `json:"root"`
	Branch string `json:"branch,omitempty"`
	InGit  bool   `json:"inGit"`
}

// Resolve returns the project dir belongs to. Inside a git work tree the
// root is the top level of the tree; elsewhere it is dir itself. A missing
// git binary is treated like a directory outside any repository.
func Resolve(ctx context.Context, dir string) (Info, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Info{}, fmt.Errorf("cannot resolve %s: %w", dir, err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return Info{}, err
	}
	if !st.IsDir() {
		return Info{}, fmt.Errorf("%s is not a directory", abs)
	}

	info := Info{Root: abs}
	top, err := runGit(ctx, abs, "rev-parse", "--show-toplevel")
	switch {
	case err == nil:
		info.Root = filepath.Clean(top)
		info.InGit = true
		// An unborn branch has no HEAD to abbreviate; leave Branch empty.
		if branch, err := runGit(ctx, abs, "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "HEAD" {
			info.Branch = branch
		}
	case errors.Is(err, ErrNotRepository), errors.Is(err, exec.ErrNotFound):
	default:
		return Info{}, err
	}

	name, err := SanitizeName(filepath.Base(info.Root))
	if err != nil {
		return Info{}, err
	}
	info.Name = name
	return info, nil
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName turns a directory name into a valid project name by
// replacing unsupported characters with '-' and dropping leading
// punctuation.
func SanitizeName(raw string) (string, error) {
	name := invalidNameChars.ReplaceAllString(strings.TrimSpace(raw), "-")
	name = strings.TrimLeft(name, "._-")
	if err := model.ValidateProjectName(name); err != nil {
		return "", fmt.Errorf("cannot derive a project name from %q: %w", raw, err)
	}
	return name, nil
}
