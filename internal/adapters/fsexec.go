package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SandboxedFSExec implements FSExec confined to root: every path is
// resolved against root and rejected if it escapes it (P7), and Execute
// runs whitelisted commands only, the way plugins.go's ShellPlugin
// whitelists shell commands rather than interpolating a raw string.
type SandboxedFSExec struct {
	root            string
	allowedCommands map[string]bool
	tracer          trace.Tracer
}

// NewSandboxedFSExec builds an FSExec rooted at root. allowedCommands is
// the whitelist for Execute's first argument; a nil map allows nothing.
func NewSandboxedFSExec(root string, allowedCommands map[string]bool) *SandboxedFSExec {
	return &SandboxedFSExec{
		root:            filepath.Clean(root),
		allowedCommands: allowedCommands,
		tracer:          otel.Tracer("taskforge-fsexec-adapter"),
	}
}

// resolve joins path onto root and rejects any result that escapes it.
func (f *SandboxedFSExec) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("fsexec: absolute path %q rejected", path)
	}
	joined := filepath.Join(f.root, path)
	if joined != f.root && !strings.HasPrefix(joined, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("fsexec: path %q escapes repo root", path)
	}
	return joined, nil
}

func (f *SandboxedFSExec) ReadFile(ctx context.Context, path string) ([]byte, error) {
	_, span := f.tracer.Start(ctx, "fsexec.read_file", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (f *SandboxedFSExec) WriteFile(ctx context.Context, path string, data []byte) error {
	_, span := f.tracer.Start(ctx, "fsexec.write_file", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("fsexec: mkdir: %w", err)
	}
	return os.WriteFile(abs, data, 0644)
}

func (f *SandboxedFSExec) ListDir(ctx context.Context, path string) ([]DirEntry, error) {
	_, span := f.tracer.Start(ctx, "fsexec.list_dir", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

// Execute runs command[0] with command[1:] as arguments, cwd resolved
// within the sandbox, bounded by timeoutSeconds and ctx cancellation.
// Only whitelisted commands run; the argument vector is never passed
// through a shell.
func (f *SandboxedFSExec) Execute(ctx context.Context, command []string, cwd string, timeoutSeconds int) (ExecResult, error) {
	if len(command) == 0 {
		return ExecResult{}, fmt.Errorf("fsexec: empty command")
	}
	if !f.allowedCommands[command[0]] {
		return ExecResult{}, fmt.Errorf("fsexec: command not allowed: %s", command[0])
	}
	absCwd, err := f.resolve(cwd)
	if err != nil {
		return ExecResult{}, err
	}

	ctx, span := f.tracer.Start(ctx, "fsexec.execute", trace.WithAttributes(attribute.String("command", command[0])))
	defer span.End()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = absCwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil && result.ExitCode == 0 {
		return result, fmt.Errorf("fsexec: execute %s: %w", command[0], runErr)
	}
	return result, nil
}
