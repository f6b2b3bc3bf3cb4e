package workerrt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskforge/internal/adapters"
	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/model"
	"github.com/swarmguard/taskforge/internal/store"
)

type fakeModel struct{ response string }

func (f *fakeModel) Generate(ctx context.Context, role, modelRef, prompt string, params adapters.GenerateParams) (string, error) {
	return f.response, nil
}

type fakeFS struct{ written map[string][]byte }

func (f *fakeFS) ReadFile(ctx context.Context, path string) ([]byte, error) { return nil, nil }
func (f *fakeFS) WriteFile(ctx context.Context, path string, data []byte) error {
	if f.written == nil {
		f.written = map[string][]byte{}
	}
	f.written[path] = data
	return nil
}
func (f *fakeFS) ListDir(ctx context.Context, path string) ([]adapters.DirEntry, error) { return nil, nil }
func (f *fakeFS) Execute(ctx context.Context, command []string, cwd string, timeoutSeconds int) (adapters.ExecResult, error) {
	return adapters.ExecResult{ExitCode: 0}, nil
}

type fakeVCS struct{ commits int }

func (f *fakeVCS) CreateBranch(ctx context.Context, name, from string) error { return nil }
func (f *fakeVCS) Checkout(ctx context.Context, name string) error          { return nil }
func (f *fakeVCS) StageAll(ctx context.Context) error                       { return nil }
func (f *fakeVCS) Commit(ctx context.Context, message string) (string, error) {
	f.commits++
	return "deadbeef", nil
}
func (f *fakeVCS) ResetWorkingTree(ctx context.Context) error { return nil }

func TestWorkerCompletesSingleTask(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	draft := &model.Task{
		Title:              "add readme",
		Description:        "add a readme",
		AcceptanceCriteria: []string{"file exists"},
		Priority:           5,
		Complexity:         model.ComplexityLow,
		AffectedPaths:      []string{"README.md"},
		CreatorID:          "planner-1",
	}
	taskID, err := st.CreateTask(ctx, draft, "/repo")
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}

	mutation, _ := json.Marshal(map[string]string{"README.md": "hello"})
	fs := &fakeFS{}
	w := New(st, &fakeModel{response: string(mutation)}, fs, &fakeVCS{}, nil, clock.System{}, config.Load())

	claimed, err := st.ClaimNextTask(ctx, "worker-1", time.Now())
	if err != nil || claimed == nil {
		t.Fatalf("expected claim to succeed, err=%v", err)
	}

	if err := w.runTask(ctx, "worker-1", claimed); err != nil {
		t.Fatalf("runTask: %v", err)
	}

	got, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get_task: %v", err)
	}
	if got.Status != model.TaskCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CommitID == "" {
		t.Fatal("expected commit id to be recorded")
	}
	if _, ok := fs.written["README.md"]; !ok {
		t.Fatal("expected README.md to be written")
	}
}
