// Package influx provides time-series metrics for the scavenger services:
// hashrate, found solutions, submission and merge outcomes and batch progress.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Mining metrics

// WriteHashrateMetric writes a job's hashrate sample.
func (c *Client) WriteHashrateMetric(jobID int64, hashrate float64, attemptsDone int64) {
	c.writeAPI.WritePoint(hashratePoint(jobID, hashrate, attemptsDone, time.Now()))
}

// WriteSolutionMetric records a found solution.
func (c *Client) WriteSolutionMetric(challengeID string, day int, attempts int64) {
	c.writeAPI.WritePoint(solutionPoint(challengeID, day, attempts, time.Now()))
}

// WriteOutcomeMetric records one classified remote call (register, submit, settle).
func (c *Client) WriteOutcomeMetric(operation, outcome string, attempts int) {
	c.writeAPI.WritePoint(outcomePoint(operation, outcome, attempts, time.Now()))
}

// WriteMergeMetric records a merge result.
func (c *Client) WriteMergeMetric(outcome string, attempts, solutionsConsolidated int) {
	c.writeAPI.WritePoint(mergePoint(outcome, attempts, solutionsConsolidated, time.Now()))
}

// WriteBatchMetric records a batch session checkpoint.
func (c *Client) WriteBatchMetric(sessionKey string, processed, successful, failed, total int, delay time.Duration) {
	c.writeAPI.WritePoint(batchPoint(sessionKey, processed, successful, failed, total, delay, time.Now()))
}

func hashratePoint(jobID int64, hashrate float64, attemptsDone int64, at time.Time) *write.Point {
	tags := map[string]string{
		"job_id": strconv.FormatInt(jobID, 10),
	}
	fields := map[string]interface{}{
		"hashrate":      hashrate,
		"attempts_done": attemptsDone,
	}
	return write.NewPoint("hashrate", tags, fields, at)
}

func solutionPoint(challengeID string, day int, attempts int64, at time.Time) *write.Point {
	tags := map[string]string{
		"challenge_id": challengeID,
		"day":          strconv.Itoa(day),
	}
	fields := map[string]interface{}{
		"attempts": attempts,
		"count":    1,
	}
	return write.NewPoint("solutions", tags, fields, at)
}

func outcomePoint(operation, outcome string, attempts int, at time.Time) *write.Point {
	tags := map[string]string{
		"operation": operation,
		"outcome":   outcome,
	}
	fields := map[string]interface{}{
		"attempts": attempts,
		"count":    1,
	}
	return write.NewPoint("remote_calls", tags, fields, at)
}

func mergePoint(outcome string, attempts, consolidated int, at time.Time) *write.Point {
	tags := map[string]string{
		"outcome": outcome,
	}
	fields := map[string]interface{}{
		"attempts":               attempts,
		"solutions_consolidated": consolidated,
		"count":                  1,
	}
	return write.NewPoint("merges", tags, fields, at)
}

func batchPoint(sessionKey string, processed, successful, failed, total int, delay time.Duration, at time.Time) *write.Point {
	tags := map[string]string{
		"session_key": sessionKey,
	}
	fields := map[string]interface{}{
		"processed":  processed,
		"successful": successful,
		"failed":     failed,
		"total":      total,
		"delay_ms":   delay.Milliseconds(),
	}
	return write.NewPoint("batch_progress", tags, fields, at)
}

// Query methods

// GetHashrateHistory retrieves a job's hashrate over duration in 1m windows.
func (c *Client) GetHashrateHistory(ctx context.Context, jobID int64, duration time.Duration) ([]HashratePoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "hashrate")
		|> filter(fn: (r) => r.job_id == "%d")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 1m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), jobID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var points []HashratePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

// GetMergeStats sums merge outcomes over duration.
func (c *Client) GetMergeStats(ctx context.Context, duration time.Duration) (*MergeStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "merges")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["outcome"])
		|> sum()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query merge stats: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	stats := &MergeStats{}
	for result.Next() {
		record := result.Record()
		count, ok := record.Value().(int64)
		if !ok {
			continue
		}
		stats.add(fmt.Sprint(record.ValueByKey("outcome")), count)
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return stats, nil
}

// Data structures

// HashratePoint represents a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// MergeStats represents aggregated merge outcomes
type MergeStats struct {
	Successful      int64 `json:"successful"`
	AlreadyAssigned int64 `json:"already_assigned"`
	Failed          int64 `json:"failed"`
}

func (s *MergeStats) add(outcome string, n int64) {
	switch outcome {
	case "success":
		s.Successful += n
	case "already_done":
		s.AlreadyAssigned += n
	default:
		s.Failed += n
	}
}
