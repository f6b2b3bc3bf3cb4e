// Package store is the durable TaskStore/AgentStore/CycleStore backing for
// taskforge: one bbolt database, one bucket per entity, with secondary
// index buckets maintained transactionally alongside every primary write.
// bbolt's single-writer transaction is what gives ClaimNextTask its
// linearizability guarantee — the read that picks a candidate and the
// write that binds it happen inside one atomic unit.
package store

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketTasks        = []byte("tasks")
	bucketAgents       = []byte("agents")
	bucketCycles       = []byte("cycles")
	bucketVerdicts     = []byte("verdicts")
	bucketTaskByStatus = []byte("idx_task_by_status")
	bucketTaskByCycle  = []byte("idx_task_by_cycle")
	bucketAgentByHB    = []byte("idx_agent_by_heartbeat")
)

var allBuckets = [][]byte{
	bucketTasks, bucketAgents, bucketCycles, bucketVerdicts,
	bucketTaskByStatus, bucketTaskByCycle, bucketAgentByHB,
}

// Store is the durable backing for tasks, agents, cycles, and verdicts.
type Store struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	claimMisses  metric.Int64Counter
	claimHits    metric.Int64Counter
}

// Open creates or opens the bbolt database at path and ensures every bucket
// this package uses exists.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("taskforge_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskforge_store_write_ms")
	claimMisses, _ := meter.Int64Counter("taskforge_store_claim_misses_total")
	claimHits, _ := meter.Int64Counter("taskforge_store_claim_hits_total")

	return &Store{
		db:           db,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		claimMisses:  claimMisses,
		claimHits:    claimHits,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
