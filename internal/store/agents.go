package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskforge/internal/model"
)

// CreateAgent persists a newly spawned agent with an initial heartbeat.
func (s *Store) CreateAgent(ctx context.Context, a *model.Agent) error {
	defer s.timeWrite(ctx, "create_agent")()
	a.LastHeartbeat = time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.putAgent(tx, a)
	})
}

func (s *Store) putAgent(tx *bbolt.Tx, a *model.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	if err := tx.Bucket(bucketAgents).Put([]byte(a.ID), data); err != nil {
		return err
	}
	return tx.Bucket(bucketAgentByHB).Put(agentHeartbeatKey(a.LastHeartbeat, a.ID), []byte(a.ID))
}

func (s *Store) getAgentTx(tx *bbolt.Tx, id string) (*model.Agent, error) {
	data := tx.Bucket(bucketAgents).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var a model.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &a, nil
}

// GetAgent reads a single agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	defer s.timeRead(ctx, "get_agent")()
	var a *model.Agent
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		a, err = s.getAgentTx(tx, id)
		return err
	})
	return a, err
}

// UpdateAgent applies mutate and persists the result. Unlike tasks, agent
// records are not CAS-guarded: the read, mutate, and write happen inside
// one bbolt write transaction, so concurrent writers (a worker's heartbeat
// goroutine and the supervisor) are serialized and no update is lost.
func (s *Store) UpdateAgent(ctx context.Context, id string, mutate func(*model.Agent) error) error {
	defer s.timeWrite(ctx, "update_agent")()
	return s.db.Update(func(tx *bbolt.Tx) error {
		a, err := s.getAgentTx(tx, id)
		if err != nil {
			return err
		}
		oldKey := agentHeartbeatKey(a.LastHeartbeat, a.ID)
		if err := mutate(a); err != nil {
			return err
		}
		if err := tx.Bucket(bucketAgentByHB).Delete(oldKey); err != nil {
			return err
		}
		return s.putAgent(tx, a)
	})
}

// RecordHeartbeat stamps the agent's lease forward. Idempotent: writing
// the same instant twice leaves the record (and its index entry) in an
// equivalent state (L3).
func (s *Store) RecordHeartbeat(ctx context.Context, agentID string, instant time.Time) error {
	return s.UpdateAgent(ctx, agentID, func(a *model.Agent) error {
		a.LastHeartbeat = instant
		return nil
	})
}

// ListStaleAgents returns every agent whose last heartbeat is older than
// timeout relative to now.
func (s *Store) ListStaleAgents(ctx context.Context, now time.Time, timeout time.Duration) ([]model.Agent, error) {
	defer s.timeRead(ctx, "list_stale_agents")()

	cutoff := now.Add(-timeout)
	var stale []model.Agent
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketAgentByHB)
		cursor := idx.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			a, err := s.getAgentTx(tx, string(v))
			if err != nil {
				continue
			}
			if a.LastHeartbeat.After(cutoff) {
				break
			}
			if a.Status == model.AgentStopped {
				continue
			}
			stale = append(stale, *a)
		}
		return nil
	})
	return stale, err
}

// ListAgentsByRole returns every agent of the given role, for supervisor
// pool-size bookkeeping.
func (s *Store) ListAgentsByRole(ctx context.Context, role model.AgentRole) ([]model.Agent, error) {
	defer s.timeRead(ctx, "list_agents_by_role")()

	var agents []model.Agent
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var a model.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			if a.Role == role {
				agents = append(agents, a)
			}
			return nil
		})
	})
	return agents, err
}
