package store

import (
	"fmt"
	"time"

	"github.com/swarmguard/taskforge/internal/model"
)

// taskStatusKey encodes the (status, priority DESC, created_at ASC, id)
// composite ordering required by ClaimNextTask's candidate scan. bbolt
// keys sort lexicographically, so priority is stored inverted
// (10-priority, zero padded) to make ascending byte order mean descending
// priority, and created_at uses the fixed-width sortableTime layout so
// ascending byte order means chronological order — giving the spec's
// tie-break for free from a single forward cursor scan.
func taskStatusKey(status model.TaskStatus, priority int, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s\x00%02d\x00%s\x00%s", status, 10-priority, createdAt.UTC().Format(sortableTime), id))
}

// sortableTime always writes nine fractional digits (RFC3339Nano drops
// trailing zeros, which would break byte-order comparison of UTC stamps).
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func taskStatusPrefix(status model.TaskStatus) []byte {
	return []byte(string(status) + "\x00")
}

func taskCycleKey(cycleID, id string) []byte {
	return []byte(cycleID + "\x00" + id)
}

func taskCyclePrefix(cycleID string) []byte {
	return []byte(cycleID + "\x00")
}

func agentHeartbeatKey(instant time.Time, id string) []byte {
	return []byte(instant.UTC().Format(sortableTime) + "\x00" + id)
}
