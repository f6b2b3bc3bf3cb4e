// Command taskforge runs the Orchestrator + Task Lifecycle Engine: the
// CycleController, AgentSupervisor, and control HTTP surface for one
// deployment. Wiring mirrors services/orchestrator/main.go's
// logging/otel/mux/graceful-shutdown shape.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskforge/internal/adapters"
	"github.com/swarmguard/taskforge/internal/clock"
	"github.com/swarmguard/taskforge/internal/config"
	"github.com/swarmguard/taskforge/internal/controlsrv"
	"github.com/swarmguard/taskforge/internal/cyclectl"
	"github.com/swarmguard/taskforge/internal/eventbus"
	"github.com/swarmguard/taskforge/internal/judgert"
	"github.com/swarmguard/taskforge/internal/logging"
	"github.com/swarmguard/taskforge/internal/model"
	"github.com/swarmguard/taskforge/internal/otelinit"
	"github.com/swarmguard/taskforge/internal/plannerrt"
	"github.com/swarmguard/taskforge/internal/store"
	"github.com/swarmguard/taskforge/internal/supervisor"
	"github.com/swarmguard/taskforge/internal/workerrt"
)

func main() {
	const service = "taskforge"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	cfg := config.Load()

	st, err := store.Open(cfg.StorePath, meter)
	if err != nil {
		slog.Error("store open failed", "error", err)
		return
	}
	defer st.Close()

	bus, err := eventbus.Connect(cfg.NATSAddr)
	if err != nil {
		slog.Warn("eventbus connect failed, continuing without events", "error", err)
		bus, _ = eventbus.Connect("")
	}
	defer bus.Close()

	modelAdapter := adapters.NewHTTPModel(cfg.ModelEndpoint, cfg.ModelRetryAttempts, cfg.ModelRetryDelay)
	fsAdapter := adapters.NewSandboxedFSExec(cfg.RepoRoot, map[string]bool{
		"go": true, "npm": true, "pytest": true, "make": true, "sh": true,
	})
	vcsAdapter := adapters.NewGitVCS(cfg.RepoRoot)

	sysClock := clock.System{}

	sup := supervisor.New(st, bus, sysClock, cfg)
	sup.Register(model.RolePlanner, cfg.PlannersCount, func() supervisor.AgentRuntime {
		return plannerrt.New(st, modelAdapter, fsAdapter, bus, sysClock, cfg)
	})
	sup.Register(model.RoleWorker, cfg.WorkersCount, func() supervisor.AgentRuntime {
		return workerrt.New(st, modelAdapter, fsAdapter, vcsAdapter, bus, sysClock, cfg)
	})
	sup.Register(model.RoleJudge, cfg.JudgesCount, func() supervisor.AgentRuntime {
		return judgeRuntimeAdapter{judgert.New(st, modelAdapter, fsAdapter, cfg)}
	})

	sup.EnsurePools(ctx)
	go sup.RunSweepLoop(ctx)

	planner := plannerrt.New(st, modelAdapter, fsAdapter, bus, sysClock, cfg)
	judge := judgert.New(st, modelAdapter, fsAdapter, cfg)
	controller := cyclectl.New(st, sup, planner, judge, bus, sysClock, cfg, meter)
	controller.StartCron()
	defer controller.StopCron(context.Background())

	go func() {
		if err := controller.RunUntilParked(ctx); err != nil && ctx.Err() == nil {
			slog.Error("controller exited", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:    cfg.ControlAddr,
		Handler: controlsrv.New(controller, st, sup, promHandler, meter).Mux(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("control server error", "error", err)
			cancel()
		}
	}()

	slog.Info("taskforge started", "control_addr", cfg.ControlAddr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	sup.Shutdown(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// judgeRuntimeAdapter adapts Judge's per-cycle Review method to the
// long-lived AgentRuntime interface the supervisor pools expect; a
// judge agent spawned into the pool simply waits to be cancelled, since
// CycleController invokes Review directly rather than polling a queue.
type judgeRuntimeAdapter struct {
	judge *judgert.Judge
}

func (j judgeRuntimeAdapter) Run(ctx context.Context, agentID string) error {
	<-ctx.Done()
	return nil
}
