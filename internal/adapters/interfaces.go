// Package adapters defines the narrow boundary contracts — Model,
// FSExec, VCS — through which every agent runtime reaches outside the
// core, plus one production implementation of each. The Clock adapter
// lives in internal/clock; it needs no further wrapping here.
package adapters

import "context"

// GenerateParams carries the sampling controls passed through to the
// Model adapter, opaque to the core beyond validation ranges.
type GenerateParams struct {
	Temperature float64
	MaxTokens   int
	TopK        int
	TopP        float64
}

// Model is the synchronous request/response boundary to the external
// inference service used by all three agent runtimes. The core treats
// the returned text as opaque; role-specific parsing lives in the
// calling runtime.
type Model interface {
	Generate(ctx context.Context, role, modelRef, prompt string, params GenerateParams) (string, error)
}

// DirEntry is one entry returned by FSExec.ListDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// ExecResult is the outcome of a sandboxed command invocation.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// FSExec is sandboxed to the configured repository root; any path that
// resolves outside it MUST be rejected (P7).
type FSExec interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDir(ctx context.Context, path string) ([]DirEntry, error)
	Execute(ctx context.Context, command []string, cwd string, timeoutSeconds int) (ExecResult, error)
}

// VCS is the minimal git surface a Worker needs to isolate its edits on
// a feature branch and never touch the mainline (W2).
type VCS interface {
	CreateBranch(ctx context.Context, name, fromBranch string) error
	Checkout(ctx context.Context, name string) error
	StageAll(ctx context.Context) error
	Commit(ctx context.Context, message string) (commitID string, err error)
	ResetWorkingTree(ctx context.Context) error
}
