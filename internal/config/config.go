// Package config assembles the environment-variable driven configuration
// table into a single typed struct, following the getEnvDefault idiom of
// services/orchestrator/plugins.go.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full set of tunables named in the spec's external
// interfaces table.
type Config struct {
	PlannersCount int
	WorkersCount  int
	JudgesCount   int

	ModelRefPlanner string
	ModelRefWorker  string
	ModelRefJudge   string

	CyclePlanningWindow  time.Duration
	CycleExecutionWindow time.Duration
	CycleJudgeTimeout    time.Duration

	TaskTimeoutLow    time.Duration
	TaskTimeoutMedium time.Duration
	TaskTimeoutHigh   time.Duration
	TaskMaxAttempts   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	AgentErrorBudget int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	ShutdownGrace    time.Duration

	RepoRoot       string
	RepoMainBranch string

	PollIdle       time.Duration
	PollPlanner    time.Duration
	PollQuiescence time.Duration

	StorePath     string
	ControlAddr   string
	NATSAddr      string
	CronExpr      string
	ModelEndpoint string

	ModelRetryAttempts int
	ModelRetryDelay    time.Duration
}

// Load reads every key from the environment, applying the canonical
// defaults named in the spec where a key is unset.
func Load() Config {
	return Config{
		PlannersCount: envInt("TASKFORGE_PLANNERS_COUNT", 1),
		WorkersCount:  envInt("TASKFORGE_WORKERS_COUNT", 4),
		JudgesCount:   envInt("TASKFORGE_JUDGES_COUNT", 1),

		ModelRefPlanner: getEnvDefault("TASKFORGE_MODEL_PLANNER", "default-planner-model"),
		ModelRefWorker:  getEnvDefault("TASKFORGE_MODEL_WORKER", "default-worker-model"),
		ModelRefJudge:   getEnvDefault("TASKFORGE_MODEL_JUDGE", "default-judge-model"),

		CyclePlanningWindow:  envDuration("TASKFORGE_CYCLE_PLANNING_WINDOW", 10*time.Minute),
		CycleExecutionWindow: envDuration("TASKFORGE_CYCLE_EXECUTION_WINDOW", 2*time.Hour),
		CycleJudgeTimeout:    envDuration("TASKFORGE_CYCLE_JUDGE_TIMEOUT", 5*time.Minute),

		TaskTimeoutLow:    envDuration("TASKFORGE_TASK_TIMEOUT_LOW", 30*time.Minute),
		TaskTimeoutMedium: envDuration("TASKFORGE_TASK_TIMEOUT_MEDIUM", 2*time.Hour),
		TaskTimeoutHigh:   envDuration("TASKFORGE_TASK_TIMEOUT_HIGH", 8*time.Hour),
		TaskMaxAttempts:   envInt("TASKFORGE_TASK_MAX_ATTEMPTS", 3),

		HeartbeatInterval: envDuration("TASKFORGE_HEARTBEAT_INTERVAL", 15*time.Second),
		HeartbeatTimeout:  envDuration("TASKFORGE_HEARTBEAT_TIMEOUT", 90*time.Second),

		AgentErrorBudget: envInt("TASKFORGE_AGENT_ERROR_BUDGET", 5),
		BackoffInitial:   envDuration("TASKFORGE_BACKOFF_INITIAL", 2*time.Second),
		BackoffMax:       envDuration("TASKFORGE_BACKOFF_MAX", 5*time.Minute),
		ShutdownGrace:    envDuration("TASKFORGE_SHUTDOWN_GRACE", 30*time.Second),

		RepoRoot:       getEnvDefault("TASKFORGE_REPO_ROOT", "/workspace/repo"),
		RepoMainBranch: getEnvDefault("TASKFORGE_REPO_MAIN_BRANCH", "main"),

		PollIdle:       envDuration("TASKFORGE_POLL_IDLE", 3*time.Second),
		PollPlanner:    envDuration("TASKFORGE_POLL_PLANNER", 5*time.Second),
		PollQuiescence: envDuration("TASKFORGE_POLL_QUIESCENCE", 5*time.Second),

		StorePath:     getEnvDefault("TASKFORGE_STORE_PATH", "/var/lib/taskforge/taskforge.db"),
		ControlAddr:   getEnvDefault("TASKFORGE_CONTROL_ADDR", ":8080"),
		NATSAddr:      os.Getenv("TASKFORGE_NATS_ADDR"),
		CronExpr:      os.Getenv("TASKFORGE_CYCLE_CRON"),
		ModelEndpoint: os.Getenv("TASKFORGE_MODEL_ENDPOINT"),

		ModelRetryAttempts: envInt("TASKFORGE_MODEL_RETRY_ATTEMPTS", 3),
		ModelRetryDelay:    envDuration("TASKFORGE_MODEL_RETRY_DELAY", 500*time.Millisecond),
	}
}

// TimeoutFor returns the per-attempt deadline for a complexity tag.
func (c Config) TimeoutFor(complexity string) time.Duration {
	switch complexity {
	case "low":
		return c.TaskTimeoutLow
	case "medium":
		return c.TaskTimeoutMedium
	case "high":
		return c.TaskTimeoutHigh
	default:
		return c.TaskTimeoutMedium
	}
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
