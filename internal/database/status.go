package database

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/bardlex/scavenger/internal/database/influx"
	"github.com/bardlex/scavenger/internal/database/redis"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/pkg/circuit"
)

// statusWindow is the span the merge totals and hashrate history cover.
const statusWindow = 24 * time.Hour

// countedOperations are the remote calls Outcome counts.
var countedOperations = []string{"register", "submit", "settle"}

var countedOutcomes = []string{
	scavenger.Success.String(),
	scavenger.AlreadyDone.String(),
	scavenger.PermanentFailure.String(),
	scavenger.TransientFailure.String(),
}

// Status is a point-in-time view of the store and its integrations.
type Status struct {
	StoreCircuit circuit.Stats
	// Outcomes holds today's non-zero counts keyed "operation:outcome".
	// Empty without Redis.
	Outcomes map[string]int64
	// Merges totals merge outcomes over the last day. Nil without Influx.
	Merges *influx.MergeStats
}

// Status reports the store breaker and, when configured, today's outcome
// counters and recent merge totals. A failed integration read is logged and
// leaves its field empty.
func (m *Manager) Status(ctx context.Context) *Status {
	st := &Status{
		StoreCircuit: m.circuitBreaker.GetStats(),
		Outcomes:     map[string]int64{},
	}

	if m.Redis != nil {
		now := time.Now()
		for label, key := range outcomeCounterKeys(now) {
			n, err := m.Redis.GetCounter(ctx, key)
			if err != nil {
				m.warn(err, "redis_outcome_counter", "failed to read outcome counter")
				break
			}
			if n > 0 {
				st.Outcomes[label] = n
			}
		}
	}

	if m.Influx != nil {
		merges, err := m.Influx.GetMergeStats(ctx, statusWindow)
		if err != nil {
			m.warn(err, "influx_merge_stats", "failed to read merge stats")
		} else {
			st.Merges = merges
		}
	}
	return st
}

// Fields flattens the status into key-value pairs for logging.
func (s *Status) Fields() []any {
	fields := []any{
		"store_circuit", s.StoreCircuit.State.String(),
		"store_failures", s.StoreCircuit.Failures,
	}
	for _, label := range slices.Sorted(maps.Keys(s.Outcomes)) {
		fields = append(fields, label, s.Outcomes[label])
	}
	if s.Merges != nil {
		fields = append(fields,
			"merges_successful", s.Merges.Successful,
			"merges_already_assigned", s.Merges.AlreadyAssigned,
			"merges_failed", s.Merges.Failed,
		)
	}
	return fields
}

// outcomeCounterKeys maps each "operation:outcome" label to its counter key
// for day.
func outcomeCounterKeys(day time.Time) map[string]string {
	keys := make(map[string]string, len(countedOperations)*len(countedOutcomes))
	for _, op := range countedOperations {
		for _, outcome := range countedOutcomes {
			keys[op+":"+outcome] = redis.OutcomeCounterKey(op, outcome, day)
		}
	}
	return keys
}

// JobStatus is the cached view of a mining job.
type JobStatus struct {
	Snapshot        *JobSnapshot // nil when nothing is cached
	AverageHashrate float64      // over the recent sample window
	History         []influx.HashratePoint
}

// JobStatus reads a job's cached progress, its recent average hashrate and
// its hashrate history. Without integrations it returns an empty status.
func (m *Manager) JobStatus(ctx context.Context, jobID int64) *JobStatus {
	st := &JobStatus{}

	if m.Redis != nil {
		var snap JobSnapshot
		ok, err := m.Redis.GetProgress(ctx, redis.JobProgressKey(jobID), &snap)
		switch {
		case err != nil:
			m.warn(err, "redis_job_progress", "failed to read job progress")
		case ok:
			st.Snapshot = &snap
		}

		avg, err := m.Redis.GetAverageHashrate(ctx, jobID, hashrateWindow)
		if err != nil {
			m.warn(err, "redis_hashrate", "failed to read hashrate")
		} else {
			st.AverageHashrate = avg
		}
	}

	if m.Influx != nil {
		history, err := m.Influx.GetHashrateHistory(ctx, jobID, statusWindow)
		if err != nil {
			m.warn(err, "influx_hashrate_history", "failed to read hashrate history")
		} else {
			st.History = history
		}
	}
	return st
}
