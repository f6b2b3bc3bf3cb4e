package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GitVCS implements VCS by shelling out to the git binary, confined to a
// single repository root. No proto/go-git client is wired because none
// is needed: every operation the spec names maps directly onto one git
// subcommand, run with an explicit argument vector (never a shell
// string), the same whitelisted-exec discipline plugins.go's
// ShellPlugin applies to arbitrary commands.
type GitVCS struct {
	repoRoot string
	tracer   trace.Tracer
}

// NewGitVCS builds a VCS adapter operating on the repository at repoRoot.
func NewGitVCS(repoRoot string) *GitVCS {
	return &GitVCS{repoRoot: repoRoot, tracer: otel.Tracer("taskforge-vcs-adapter")}
}

func (g *GitVCS) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CreateBranch creates name off fromBranch without checking it out.
func (g *GitVCS) CreateBranch(ctx context.Context, name, fromBranch string) error {
	_, span := g.tracer.Start(ctx, "vcs.create_branch", trace.WithAttributes(attribute.String("branch", name)))
	defer span.End()
	_, err := g.run(ctx, "branch", name, fromBranch)
	return err
}

// Checkout switches the working tree to name.
func (g *GitVCS) Checkout(ctx context.Context, name string) error {
	_, span := g.tracer.Start(ctx, "vcs.checkout", trace.WithAttributes(attribute.String("branch", name)))
	defer span.End()
	_, err := g.run(ctx, "checkout", name)
	return err
}

// StageAll stages every working-tree change on the current branch.
func (g *GitVCS) StageAll(ctx context.Context) error {
	_, span := g.tracer.Start(ctx, "vcs.stage_all")
	defer span.End()
	_, err := g.run(ctx, "add", "-A")
	return err
}

// Commit commits staged changes with message and returns the new commit
// id. Never pushes or merges (W2): the command vector never includes
// push, merge, or remote operations.
func (g *GitVCS) Commit(ctx context.Context, message string) (string, error) {
	_, span := g.tracer.Start(ctx, "vcs.commit")
	defer span.End()
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.run(ctx, "rev-parse", "HEAD")
}

// ResetWorkingTree discards uncommitted changes on the current branch.
func (g *GitVCS) ResetWorkingTree(ctx context.Context) error {
	_, span := g.tracer.Start(ctx, "vcs.reset_working_tree")
	defer span.End()
	if _, err := g.run(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := g.run(ctx, "clean", "-fd")
	return err
}
