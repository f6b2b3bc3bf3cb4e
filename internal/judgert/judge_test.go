package judgert

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskforge/internal/adapters"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/model"
	"github.com/swarmguard/taskforge/internal/store"
)

type fakeModel struct{ response string }

func (f *fakeModel) Generate(ctx context.Context, role, modelRef, prompt string, params adapters.GenerateParams) (string, error) {
	return f.response, nil
}

type fakeFS struct{}

func (fakeFS) ReadFile(ctx context.Context, path string) ([]byte, error) { return nil, nil }
func (fakeFS) WriteFile(ctx context.Context, path string, data []byte) error { return nil }
func (fakeFS) ListDir(ctx context.Context, path string) ([]adapters.DirEntry, error) { return nil, nil }
func (fakeFS) Execute(ctx context.Context, command []string, cwd string, timeoutSeconds int) (adapters.ExecResult, error) {
	return adapters.ExecResult{ExitCode: 1}, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJudgeValidVerdictContinues(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	cycle, _ := st.OpenCycle(ctx)
	draft := &model.Task{
		Title: "t", Description: "d", AcceptanceCriteria: []string{"x"},
		Priority: 5, Complexity: model.ComplexityLow, AffectedPaths: []string{"a.txt"},
		CreatorID: "planner-1", CycleID: cycle.ID,
	}
	_, _ = st.CreateTask(ctx, draft, "/repo")
	claimed, _ := st.ClaimNextTask(ctx, "worker-1", time.Now())
	_ = st.RecordCompletion(ctx, claimed.ID, "worker-1", "feature/"+claimed.ID, "abc")

	j := New(st, &fakeModel{response: `{"decision":"continue","approved":1,"rejected":0,"reasoning":"ok"}`}, fakeFS{}, config.Load())
	v, err := j.Review(ctx, "judge-1", cycle.ID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if v.Decision != model.DecisionContinue {
		t.Fatalf("expected continue, got %s", v.Decision)
	}
}

func TestJudgeMalformedOutputDefaultsToPause(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cycle, _ := st.OpenCycle(ctx)

	j := New(st, &fakeModel{response: `not json`}, fakeFS{}, config.Load())
	v, err := j.Review(ctx, "judge-1", cycle.ID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if v.Decision != model.DecisionPause {
		t.Fatalf("expected pause on malformed output, got %s", v.Decision)
	}
}
