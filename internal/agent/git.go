package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// RepoDriver fetches a repository's working tree onto local disk so it can
// be handed to a ContainerDriver's BuildImage.
type RepoDriver interface {
	// Clone performs a shallow clone of cloneURL into dir, which must not
	// already exist. Returns the checked-out commit SHA.
	Clone(ctx context.Context, cloneURL, dir string) (commit string, err error)
	// Remove deletes a working tree previously produced by Clone.
	Remove(dir string) error
}

// gitDriver shells out to the system git binary, mirroring how
// command-line git operations are wrapped elsewhere in this codebase: run
// git with an explicit target directory and surface stderr on failure.
type gitDriver struct{}

// NewGitDriver returns the production RepoDriver.
func NewGitDriver() RepoDriver {
	return gitDriver{}
}

func (gitDriver) Clone(ctx context.Context, cloneURL, dir string) (string, error) {
	if err := runGit(ctx, "", "clone", "--depth", "1", cloneURL, dir); err != nil {
		return "", fmt.Errorf("agent: clone %s: %w", cloneURL, err)
	}

	out, err := runGitOutput(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("agent: resolve HEAD for %s: %w", dir, err)
	}
	return strings.TrimSpace(out), nil
}

func (gitDriver) Remove(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("agent: remove worktree %s: %w", dir, err)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	_, err := runGitOutput(ctx, dir, args...)
	return err
}

func runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
