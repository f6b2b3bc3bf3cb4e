package plannerrt

import (
	"context"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskforge/internal/adapters"
	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/store"
)

type fakeModel struct{ response string }

func (f *fakeModel) Generate(ctx context.Context, role, modelRef, prompt string, params adapters.GenerateParams) (string, error) {
	return f.response, nil
}

type fakeFS struct{}

func (fakeFS) ReadFile(ctx context.Context, path string) ([]byte, error) { return nil, nil }
func (fakeFS) WriteFile(ctx context.Context, path string, data []byte) error { return nil }
func (fakeFS) ListDir(ctx context.Context, path string) ([]adapters.DirEntry, error) {
	return []adapters.DirEntry{{Name: "README.md"}}, nil
}
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

func TestRunCycleSubmitsValidProposals(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cycle, err := st.OpenCycle(ctx)
	if err != nil {
		t.Fatalf("open cycle: %v", err)
	}

	resp := `[
		{"title":"Add retry","description":"retry flaky step","acceptance_criteria":["passes CI"],"priority":5,"complexity":"low","affected_paths":["a.go"]},
		{"title":"Bad task","description":"","acceptance_criteria":[],"priority":5,"complexity":"low","affected_paths":["b.go"]}
	]`
	m := &fakeModel{response: resp}
	p := New(st, m, fakeFS{}, nil, clock.System{}, config.Load())

	submitted, discarded, err := p.RunCycle(ctx, "planner-1", CycleContext{CycleID: cycle.ID})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if submitted != 1 {
		t.Fatalf("expected 1 submitted, got %d", submitted)
	}
	if discarded != 1 {
		t.Fatalf("expected 1 discarded, got %d", discarded)
	}

	tasks, err := st.ListTasksByCycle(ctx, cycle.ID, nil)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 persisted task, got %d", len(tasks))
	}
}

func TestRunCycleMalformedOutputYieldsEmptyBatch(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	cycle, _ := st.OpenCycle(ctx)

	p := New(st, &fakeModel{response: "not json"}, fakeFS{}, nil, clock.System{}, config.Load())
	submitted, discarded, err := p.RunCycle(ctx, "planner-1", CycleContext{CycleID: cycle.ID})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if submitted != 0 || discarded != 0 {
		t.Fatalf("expected empty batch, got submitted=%d discarded=%d", submitted, discarded)
	}
}
