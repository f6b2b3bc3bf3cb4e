package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskforge/internal/model"
)

// OpenCycle creates a new cycle in the planning phase.
func (s *Store) OpenCycle(ctx context.Context) (*model.Cycle, error) {
	defer s.timeWrite(ctx, "open_cycle")()

	c := &model.Cycle{
		ID:        model.NewCycleID(),
		Phase:     model.PhasePlanning,
		StartedAt: time.Now(),
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return s.putCycle(tx, c)
	})
	if err != nil {
		return nil, fmt.Errorf("open_cycle: %w", err)
	}
	return c, nil
}

func (s *Store) putCycle(tx *bbolt.Tx, c *model.Cycle) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cycle: %w", err)
	}
	return tx.Bucket(bucketCycles).Put([]byte(c.ID), data)
}

func (s *Store) getCycleTx(tx *bbolt.Tx, id string) (*model.Cycle, error) {
	data := tx.Bucket(bucketCycles).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var c model.Cycle
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cycle: %w", err)
	}
	return &c, nil
}

// GetCycle reads a single cycle by id.
func (s *Store) GetCycle(ctx context.Context, id string) (*model.Cycle, error) {
	defer s.timeRead(ctx, "get_cycle")()
	var c *model.Cycle
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = s.getCycleTx(tx, id)
		return err
	})
	return c, err
}

// AdvanceCyclePhase moves the cycle forward in its state machine (C1).
// Backward or repeated-terminal transitions are rejected.
func (s *Store) AdvanceCyclePhase(ctx context.Context, cycleID string, phase model.CyclePhase) error {
	defer s.timeWrite(ctx, "advance_cycle_phase")()

	return s.db.Update(func(tx *bbolt.Tx) error {
		c, err := s.getCycleTx(tx, cycleID)
		if err != nil {
			return err
		}
		if c.Phase == model.PhaseClosed || !c.Phase.CanAdvanceTo(phase) {
			return ErrInvalidTransition
		}
		c.Phase = phase
		return s.putCycle(tx, c)
	})
}

// CloseCycle writes the cycle's verdict and transitions it to closed (C2,
// C3). Rejects if the cycle already carries a verdict.
func (s *Store) CloseCycle(ctx context.Context, cycleID string, verdict *model.Verdict) error {
	defer s.timeWrite(ctx, "close_cycle")()

	return s.db.Update(func(tx *bbolt.Tx) error {
		c, err := s.getCycleTx(tx, cycleID)
		if err != nil {
			return err
		}
		if c.Phase == model.PhaseClosed {
			return ErrInvalidTransition
		}
		if c.VerdictID != "" {
			return ErrInvalidTransition
		}
		verdict.CycleID = cycleID
		if verdict.ID == "" {
			verdict.ID = model.NewVerdictID()
		}
		verdict.CreatedAt = time.Now()
		data, err := json.Marshal(verdict)
		if err != nil {
			return fmt.Errorf("marshal verdict: %w", err)
		}
		if err := tx.Bucket(bucketVerdicts).Put([]byte(verdict.ID), data); err != nil {
			return err
		}

		now := time.Now()
		c.Phase = model.PhaseClosed
		c.VerdictID = verdict.ID
		c.EndedAt = &now
		return s.putCycle(tx, c)
	})
}

// bumpCycleCreated increments a cycle's tasks_created counter within an
// existing transaction. A missing or empty cycleID is a no-op: not every
// task is necessarily tagged with a cycle.
func bumpCycleCreated(tx *bbolt.Tx, cycleID string) error {
	if cycleID == "" {
		return nil
	}
	data := tx.Bucket(bucketCycles).Get([]byte(cycleID))
	if data == nil {
		return nil
	}
	var c model.Cycle
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	c.TasksCreated++
	out, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketCycles).Put([]byte(cycleID), out)
}

// bumpCycleCompleted increments a cycle's tasks_completed counter within
// an existing transaction.
func bumpCycleCompleted(tx *bbolt.Tx, cycleID string) error {
	if cycleID == "" {
		return nil
	}
	data := tx.Bucket(bucketCycles).Get([]byte(cycleID))
	if data == nil {
		return nil
	}
	var c model.Cycle
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	c.TasksCompleted++
	out, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketCycles).Put([]byte(cycleID), out)
}

// GetVerdict reads a verdict by id.
func (s *Store) GetVerdict(ctx context.Context, id string) (*model.Verdict, error) {
	defer s.timeRead(ctx, "get_verdict")()
	var v model.Verdict
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketVerdicts).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}
