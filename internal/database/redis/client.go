// Package redis provides the shared cache for the scavenger services: the
// current challenge, live job and batch progress snapshots, hashrate samples
// and outcome counters.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/scavenger/internal/model"
	"github.com/bardlex/scavenger/pkg/errors"
)

const (
	keyCurrentChallenge = "challenge:current"
	keyChallengePrefix  = "challenge:"
)

// Client wraps Redis operations
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connect", "failed to ping Redis")
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Challenge cache

// SetCurrentChallenge stores ch under its id and points the current key at it.
func (c *Client) SetCurrentChallenge(ctx context.Context, ch *model.Challenge, ttl time.Duration) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, ChallengeKey(ch.ChallengeID), data, ttl)
	pipe.Set(ctx, keyCurrentChallenge, ch.ChallengeID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set current challenge: %w", err)
	}
	return nil
}

// GetCurrentChallenge returns the cached current challenge, or nil, nil on a miss.
func (c *Client) GetCurrentChallenge(ctx context.Context) (*model.Challenge, error) {
	id, err := c.rdb.Get(ctx, keyCurrentChallenge).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get current challenge id: %w", err)
	}

	data, err := c.rdb.Get(ctx, ChallengeKey(id)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	var ch model.Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return &ch, nil
}

// ChallengeKey is the cache key of one challenge.
func ChallengeKey(challengeID string) string {
	return keyChallengePrefix + challengeID
}

// Progress snapshots

// SetProgress stores the latest progress snapshot for a job or session.
func (c *Client) SetProgress(ctx context.Context, key string, snapshot any, expiration time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := c.rdb.Set(ctx, "progress:"+key, data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}
	return nil
}

// GetProgress loads the latest snapshot into dest. It reports false on a miss.
func (c *Client) GetProgress(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.rdb.Get(ctx, "progress:"+key).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get progress: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return true, nil
}

// JobProgressKey is the snapshot key of a mining job.
func JobProgressKey(jobID int64) string {
	return "job:" + strconv.FormatInt(jobID, 10)
}

// SessionProgressKey is the snapshot key of a batch session.
func SessionProgressKey(sessionKey string) string {
	return "session:" + sessionKey
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// OutcomeCounterKey counts remote call outcomes per operation per day.
func OutcomeCounterKey(operation, outcome string, day time.Time) string {
	return fmt.Sprintf("outcome:%s:%s:%s", operation, outcome, day.UTC().Format("20060102"))
}

// RecordHashrate adds a hashrate sample for a job and trims samples older than window.
func (c *Client) RecordHashrate(ctx context.Context, jobID int64, hashrate float64, window time.Duration) error {
	key := "hashrate:" + strconv.FormatInt(jobID, 10)
	now := time.Now()

	// Member must be unique per sample or ZAdd overwrites equal rates.
	member := redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%g", now.UnixNano(), hashrate),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record hashrate: %w", err)
	}
	return nil
}

// GetAverageHashrate averages a job's samples over window.
func (c *Client) GetAverageHashrate(ctx context.Context, jobID int64, window time.Duration) (float64, error) {
	key := "hashrate:" + strconv.FormatInt(jobID, 10)
	values, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().Add(-window).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}
	return averageSamples(values), nil
}

func averageSamples(members []string) float64 {
	var total float64
	var n int
	for _, m := range members {
		for i := 0; i < len(m); i++ {
			if m[i] != ':' {
				continue
			}
			if v, err := strconv.ParseFloat(m[i+1:], 64); err == nil {
				total += v
				n++
			}
			break
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
