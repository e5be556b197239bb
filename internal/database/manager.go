// Package database composes the relational store with the optional Redis
// cache and InfluxDB metrics. Critical writes go through a circuit breaker and
// retry; cache and metric writes are best effort and never fail an operation.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/scavenger/internal/database/influx"
	"github.com/bardlex/scavenger/internal/database/redis"
	"github.com/bardlex/scavenger/internal/database/sqlstore"
	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/internal/scavenger"
	"github.com/bardlex/scavenger/pkg/circuit"
	"github.com/bardlex/scavenger/pkg/errors"
	"github.com/bardlex/scavenger/pkg/log"
	"github.com/bardlex/scavenger/pkg/retry"
)

const (
	progressTTL    = 24 * time.Hour
	counterTTL     = 48 * time.Hour
	hashrateWindow = 10 * time.Minute
)

// Manager coordinates the store, cache and metrics. It embeds the store, so
// every read is available directly; the checkpoint writes are overridden with
// resilient versions.
type Manager struct {
	*sqlstore.Store
	Redis  *redis.Client
	Influx *influx.Client

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// Config holds configuration for all database systems. A nil Redis or Influx
// config disables that integration.
type Config struct {
	Store  *sqlstore.Config
	Redis  *redis.Config
	Influx *influx.Config
}

// NewManager opens the store and any configured integrations.
func NewManager(ctx context.Context, cfg *Config, sealer sqlstore.Sealer, logger *log.Logger) (*Manager, error) {
	store, err := sqlstore.Open(ctx, cfg.Store, sealer)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "store_connection",
			"failed to open store")
	}

	m := NewManagerWithStore(store, logger)

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis")
			if closeErr := store.Close(); closeErr != nil {
				return nil, origErr.WithContext("store_cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			var closeErrs []error
			if closeErr := store.Close(); closeErr != nil {
				closeErrs = append(closeErrs, closeErr)
			}
			if m.Redis != nil {
				if closeErr := m.Redis.Close(); closeErr != nil {
					closeErrs = append(closeErrs, closeErr)
				}
			}

			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB")
			if len(closeErrs) > 0 {
				return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
			}
			return nil, origErr
		}
		m.Influx = influxClient
	}

	return m, nil
}

// NewManagerWithStore wraps an open store without cache or metrics.
func NewManagerWithStore(store *sqlstore.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("database")

	cbConfig := &circuit.Config{
		Name:            "store",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		IsFailure: func(err error) bool {
			return errors.IsType(err, errors.ErrorTypeDatabase)
		},
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Manager{
		Store:          store,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
		logger:         logger,
	}
}

// Close closes all connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close error: %w", err))
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Store.Health(ctx); err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// ChallengeCache returns the Redis challenge cache, or nil when Redis is disabled.
func (m *Manager) ChallengeCache() scavenger.ChallengeCache {
	if m.Redis == nil {
		return nil
	}
	return m.Redis
}

func (m *Manager) critical(ctx context.Context, fn func() error) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, fn)
	})
}

// criticalResult is critical for writes that report a result.
func criticalResult[T any](ctx context.Context, m *Manager, fn func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, m.retryConfig, fn)
	})
}

// Resilient writes

// SaveJob checkpoints a job with retry.
func (m *Manager) SaveJob(ctx context.Context, j *model.MiningJob) error {
	return m.critical(ctx, func() error {
		return m.Store.SaveJob(ctx, j)
	})
}

// CreateSolution persists a found solution with retry.
func (m *Manager) CreateSolution(ctx context.Context, sol *model.Solution) error {
	return m.critical(ctx, func() error {
		return m.Store.CreateSolution(ctx, sol)
	})
}

// UpdateSolution writes a submission transition with retry.
func (m *Manager) UpdateSolution(ctx context.Context, sol *model.Solution) error {
	return m.critical(ctx, func() error {
		return m.Store.UpdateSolution(ctx, sol)
	})
}

// MarkRegistered records a wallet registration with retry.
func (m *Manager) MarkRegistered(ctx context.Context, id int64, signature, pubKey string, at time.Time) error {
	return m.critical(ctx, func() error {
		return m.Store.MarkRegistered(ctx, id, signature, pubKey, at)
	})
}

// SaveMerge upserts a merge record with retry. It reports false when a
// success record already exists.
func (m *Manager) SaveMerge(ctx context.Context, rec *model.MergeRecord) (bool, error) {
	return criticalResult(ctx, m, func() (bool, error) {
		return m.Store.SaveMerge(ctx, rec)
	})
}

// SaveSession checkpoints a batch session with retry and publishes its
// progress snapshot and metric.
func (m *Manager) SaveSession(ctx context.Context, sess *model.BatchSession) (bool, error) {
	written, err := criticalResult(ctx, m, func() (bool, error) {
		return m.Store.SaveSession(ctx, sess)
	})
	if err != nil || !written {
		return written, err
	}

	if m.Influx != nil {
		m.Influx.WriteBatchMetric(sess.SessionKey, sess.Processed, sess.Successful, sess.Failed, sess.Total, sess.CurrentDelay)
	}
	if m.Redis != nil {
		snapshot := SessionSnapshot{
			Status:     string(sess.Status),
			Total:      sess.Total,
			Processed:  sess.Processed,
			Successful: sess.Successful,
			Failed:     sess.Failed,
			UpdatedAt:  sess.UpdatedAt,
		}
		if err := m.Redis.SetProgress(ctx, redis.SessionProgressKey(sess.SessionKey), snapshot, progressTTL); err != nil {
			m.warn(err, "redis_session_progress", "failed to cache session progress")
		}
	}
	return true, nil
}

// Best-effort observations

// SolutionFound records a found-solution metric.
func (m *Manager) SolutionFound(ch *model.Challenge, attempts int64) {
	if m.Influx != nil {
		m.Influx.WriteSolutionMetric(ch.ChallengeID, ch.Day, attempts)
	}
}

// Hashrate records a job's hashrate sample.
func (m *Manager) Hashrate(ctx context.Context, jobID int64, hashrate float64, attemptsDone int64) {
	if m.Influx != nil {
		m.Influx.WriteHashrateMetric(jobID, hashrate, attemptsDone)
	}
	if m.Redis != nil {
		if err := m.Redis.RecordHashrate(ctx, jobID, hashrate, hashrateWindow); err != nil {
			m.warn(err, "redis_hashrate", "failed to record hashrate")
		}
	}
}

// JobProgress caches a job's live progress and records its hashrate sample.
func (m *Manager) JobProgress(ctx context.Context, jobID int64, snapshot JobSnapshot) {
	m.Hashrate(ctx, jobID, snapshot.Hashrate, snapshot.AttemptsDone)
	if m.Redis != nil {
		if err := m.Redis.SetProgress(ctx, redis.JobProgressKey(jobID), snapshot, progressTTL); err != nil {
			m.warn(err, "redis_job_progress", "failed to cache job progress")
		}
	}
}

// Outcome counts one classified remote call.
func (m *Manager) Outcome(ctx context.Context, operation, outcome string, attempts int) {
	if m.Influx != nil {
		m.Influx.WriteOutcomeMetric(operation, outcome, attempts)
	}
	if m.Redis != nil {
		key := redis.OutcomeCounterKey(operation, outcome, time.Now())
		if _, err := m.Redis.IncrementCounter(ctx, key, counterTTL); err != nil {
			m.warn(err, "redis_outcome_counter", "failed to count outcome")
		}
	}
}

// Merge records a merge result metric.
func (m *Manager) Merge(outcome string, attempts, solutionsConsolidated int) {
	if m.Influx != nil {
		m.Influx.WriteMergeMetric(outcome, attempts, solutionsConsolidated)
	}
}

// warn logs a non-critical failure without failing the caller.
func (m *Manager) warn(err error, operation, message string) {
	redisErr := errors.Wrap(err, errors.ErrorTypeDatabase, operation, message+" (non-critical)").
		WithRetryable(false)
	m.logger.WithError(redisErr).Warn(message)
}

// StartPeriodicTasks flushes metrics in the background until ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	if m.Influx == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}

// SessionSnapshot is the cached view of a batch session's progress.
type SessionSnapshot struct {
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobSnapshot is the cached view of a mining job's progress.
type JobSnapshot struct {
	Message         string    `json:"message"`
	AttemptsDone    int64     `json:"attempts_done"`
	MaxAttempts     int64     `json:"max_attempts"`
	Hashrate        float64   `json:"hashrate"`
	ProgressPercent float64   `json:"progress_percent"`
	UpdatedAt       time.Time `json:"updated_at"`
}
