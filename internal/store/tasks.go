package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskforge/internal/model"
)

// CreateTask validates and persists a new task, assigning its id,
// version=1, status=pending, attempt_count=0 (spec §4.1).
func (s *Store) CreateTask(ctx context.Context, draft *model.Task, repoRoot string) (string, error) {
	defer s.timeWrite(ctx, "create_task")()

	if err := draft.Validate(repoRoot); err != nil {
		return "", err
	}
	now := time.Now()
	task := *draft
	task.ID = model.NewTaskID()
	task.Status = model.TaskPending
	task.Version = 1
	task.AttemptCount = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.putTask(tx, &task); err != nil {
			return err
		}
		return bumpCycleCreated(tx, task.CycleID)
	})
	if err != nil {
		return "", fmt.Errorf("create_task: %w", err)
	}
	return task.ID, nil
}

// putTask writes the task record and refreshes its secondary index
// entries within the given transaction. Callers must remove any stale
// index entry for the task's previous status/cycle before calling this
// if the task already existed (handled by the mutation helpers below).
func (s *Store) putTask(tx *bbolt.Tx, t *model.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
		return err
	}
	if err := tx.Bucket(bucketTaskByStatus).Put(taskStatusKey(t.Status, t.Priority, t.CreatedAt, t.ID), []byte(t.ID)); err != nil {
		return err
	}
	if t.CycleID != "" {
		if err := tx.Bucket(bucketTaskByCycle).Put(taskCycleKey(t.CycleID, t.ID), []byte(t.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) getTaskTx(tx *bbolt.Tx, id string) (*model.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// GetTask reads a single task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	defer s.timeRead(ctx, "get_task")()
	var t *model.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		t, err = s.getTaskTx(tx, id)
		return err
	})
	return t, err
}

// removeStatusIndexTx deletes the old (status, priority, created_at, id)
// index entry so a status change never leaves a ghost entry behind.
func removeStatusIndexTx(tx *bbolt.Tx, old *model.Task) error {
	return tx.Bucket(bucketTaskByStatus).Delete(taskStatusKey(old.Status, old.Priority, old.CreatedAt, old.ID))
}

// ClaimNextTask atomically selects the highest-priority pending task whose
// deadline has not passed and binds it to workerID, incrementing version.
// The scan and the write happen inside one bbolt.Update transaction, so
// exactly one concurrent caller observes and claims any given task (P1).
func (s *Store) ClaimNextTask(ctx context.Context, workerID string, now time.Time) (*model.Task, error) {
	defer s.timeWrite(ctx, "claim_next_task")()

	var claimed *model.Task
	err := s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketTaskByStatus)
		cursor := idx.Cursor()
		prefix := taskStatusPrefix(model.TaskPending)

		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			candidate, err := s.getTaskTx(tx, string(v))
			if err != nil {
				continue
			}
			if candidate.Status != model.TaskPending {
				continue
			}
			if candidate.Deadline != nil && candidate.Deadline.Before(now) {
				continue
			}

			if err := removeStatusIndexTx(tx, candidate); err != nil {
				return err
			}
			candidate.Status = model.TaskAssigned
			candidate.WorkerID = workerID
			candidate.Version++
			candidate.UpdatedAt = now
			candidate.ClaimedAt = &now
			if err := s.putTask(tx, candidate); err != nil {
				return err
			}
			claimed = candidate
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim_next_task: %w", err)
	}
	if claimed == nil {
		s.claimMisses.Add(ctx, 1)
		return nil, nil
	}
	s.claimHits.Add(ctx, 1)
	return claimed, nil
}

// UpdateTask applies mutate to the task under a CAS on expectedVersion.
// Returns ErrStaleVersion (never a fatal error) if the stored version has
// moved on; the caller is expected to reload and retry the logical
// operation (spec §4.1, §7).
func (s *Store) UpdateTask(ctx context.Context, taskID string, expectedVersion int64, mutate func(*model.Task) error) (int64, error) {
	defer s.timeWrite(ctx, "update_task")()

	var newVersion int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		t, err := s.getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if t.Version != expectedVersion {
			return ErrStaleVersion
		}
		if t.Status.Terminal() {
			return ErrInvalidTransition
		}
		if err := removeStatusIndexTx(tx, t); err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			return err
		}
		t.Version++
		t.UpdatedAt = time.Now()
		if err := s.putTask(tx, t); err != nil {
			return err
		}
		newVersion = t.Version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// RevokeAssignment returns an assigned, running, or failed task to
// pending, clearing its worker binding and incrementing attempt_count
// (L2). If attempt_count would exceed maxAttempts the task transitions to
// abandoned instead (I4, P5). Tasks in any other status are left as is.
func (s *Store) RevokeAssignment(ctx context.Context, taskID, workerID, reason string, maxAttempts int) error {
	defer s.timeWrite(ctx, "revoke_assignment")()

	return s.db.Update(func(tx *bbolt.Tx) error {
		t, err := s.getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != model.TaskAssigned && t.Status != model.TaskRunning && t.Status != model.TaskFailed {
			return nil
		}
		if t.WorkerID != workerID {
			return ErrWrongWorker
		}
		if err := removeStatusIndexTx(tx, t); err != nil {
			return err
		}
		t.AttemptCount++
		t.Diagnostics = append(t.Diagnostics, model.Diagnostic{At: time.Now(), Summary: reason})
		t.WorkerID = ""
		t.ClaimedAt = nil
		if t.AttemptCount > maxAttempts {
			t.Status = model.TaskAbandoned
		} else {
			t.Status = model.TaskPending
		}
		t.Version++
		t.UpdatedAt = time.Now()
		return s.putTask(tx, t)
	})
}

// RecordCompletion transitions an assigned/running task to completed,
// recording its branch and commit (I3). Rejects if bound to a different
// worker.
func (s *Store) RecordCompletion(ctx context.Context, taskID, workerID, branch, commitID string) error {
	defer s.timeWrite(ctx, "record_completion")()

	return s.db.Update(func(tx *bbolt.Tx) error {
		t, err := s.getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != model.TaskAssigned && t.Status != model.TaskRunning {
			return ErrInvalidTransition
		}
		if t.WorkerID != workerID {
			return ErrWrongWorker
		}
		if err := removeStatusIndexTx(tx, t); err != nil {
			return err
		}
		t.Status = model.TaskCompleted
		t.Branch = branch
		t.CommitID = commitID
		t.Version++
		t.UpdatedAt = time.Now()
		if err := s.putTask(tx, t); err != nil {
			return err
		}
		return bumpCycleCompleted(tx, t.CycleID)
	})
}

// RecordFailure transitions a task to failed, keeping its worker binding.
// A failed task stays failed until RevokeAssignment is called on it, which
// returns it to pending or abandons it; neither the supervisor nor the
// cycle controller calls RevokeAssignment for failed tasks.
func (s *Store) RecordFailure(ctx context.Context, taskID, workerID, reason string) error {
	defer s.timeWrite(ctx, "record_failure")()

	return s.db.Update(func(tx *bbolt.Tx) error {
		t, err := s.getTaskTx(tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != model.TaskAssigned && t.Status != model.TaskRunning {
			return ErrInvalidTransition
		}
		if t.WorkerID != workerID {
			return ErrWrongWorker
		}
		if err := removeStatusIndexTx(tx, t); err != nil {
			return err
		}
		t.Status = model.TaskFailed
		t.Diagnostics = append(t.Diagnostics, model.Diagnostic{At: time.Now(), Summary: reason})
		t.Version++
		t.UpdatedAt = time.Now()
		return s.putTask(tx, t)
	})
}

// ListTasksByCycle returns every task tagged with cycleID, optionally
// filtered to the given statuses (empty means all).
func (s *Store) ListTasksByCycle(ctx context.Context, cycleID string, statuses []model.TaskStatus) ([]model.Task, error) {
	defer s.timeRead(ctx, "list_tasks_by_cycle")()

	want := make(map[model.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var tasks []model.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketTaskByCycle)
		cursor := idx.Cursor()
		prefix := taskCyclePrefix(cycleID)
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			t, err := s.getTaskTx(tx, string(v))
			if err != nil {
				continue
			}
			if len(want) > 0 && !want[t.Status] {
				continue
			}
			tasks = append(tasks, *t)
		}
		return nil
	})
	return tasks, err
}

func (s *Store) timeRead(ctx context.Context, op string) func() {
	start := time.Now()
	return func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
	}
}

func (s *Store) timeWrite(ctx context.Context, op string) func() {
	start := time.Now()
	return func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
	}
}
