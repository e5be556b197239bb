// Package progress carries live job and batch status to observers. A Sink
// never fails its caller; delivery problems are logged by the sink.
package progress

import (
	"context"
	"strconv"
	"time"

	"github.com/bardlex/scavenger/internal/database"
	"github.com/bardlex/scavenger/internal/messaging"
	"github.com/bardlex/scavenger/pkg/log"
)

// Kinds of progress records.
const (
	KindJob   = "job"
	KindBatch = "batch"
)

// Event is one progress record.
type Event struct {
	Kind            string
	ID              string
	Message         string
	AttemptsDone    int64
	Total           int64
	Hashrate        float64
	ProgressPercent float64
	At              time.Time
}

// JobEvent builds a job progress record.
func JobEvent(jobID int64, message string, done, total int64, hashrate float64) Event {
	var percent float64
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}
	return Event{
		Kind:            KindJob,
		ID:              strconv.FormatInt(jobID, 10),
		Message:         message,
		AttemptsDone:    done,
		Total:           total,
		Hashrate:        hashrate,
		ProgressPercent: percent,
		At:              time.Now().UTC(),
	}
}

// BatchEvent builds a batch session progress record.
func BatchEvent(sessionKey, message string, processed, total int) Event {
	var percent float64
	if total > 0 {
		percent = float64(processed) / float64(total) * 100
	}
	return Event{
		Kind:            KindBatch,
		ID:              sessionKey,
		Message:         message,
		AttemptsDone:    int64(processed),
		Total:           int64(total),
		ProgressPercent: percent,
		At:              time.Now().UTC(),
	}
}

// Sink receives progress records.
type Sink interface {
	Report(ctx context.Context, ev Event)
}

// Multi fans one record out to every sink in order.
type Multi []Sink

// Report implements Sink.
func (m Multi) Report(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Report(ctx, ev)
		}
	}
}

// Nop discards records.
type Nop struct{}

// Report implements Sink.
func (Nop) Report(context.Context, Event) {}

// LogSink writes records to the structured log.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogSink{logger: logger.WithComponent("progress")}
}

// Report implements Sink.
func (s *LogSink) Report(_ context.Context, ev Event) {
	s.logger.WithFields("kind", ev.Kind, "id", ev.ID).
		LogProgress(ev.Message, ev.AttemptsDone, ev.Total, ev.Hashrate, ev.ProgressPercent)
}

// JobRecorder stores job snapshots; *database.Manager satisfies it.
type JobRecorder interface {
	JobProgress(ctx context.Context, jobID int64, snapshot database.JobSnapshot)
}

// StoreSink caches job progress and hashrate samples. Batch records are
// skipped; sessions cache their own snapshot on checkpoint.
type StoreSink struct {
	recorder JobRecorder
}

// NewStoreSink creates a sink backed by recorder.
func NewStoreSink(recorder JobRecorder) *StoreSink {
	return &StoreSink{recorder: recorder}
}

// Report implements Sink.
func (s *StoreSink) Report(ctx context.Context, ev Event) {
	if ev.Kind != KindJob {
		return
	}
	jobID, err := strconv.ParseInt(ev.ID, 10, 64)
	if err != nil {
		return
	}
	s.recorder.JobProgress(ctx, jobID, database.JobSnapshot{
		Message:         ev.Message,
		AttemptsDone:    ev.AttemptsDone,
		MaxAttempts:     ev.Total,
		Hashrate:        ev.Hashrate,
		ProgressPercent: ev.ProgressPercent,
		UpdatedAt:       ev.At,
	})
}

// PublisherSink sends records to a message publisher: Kafka for durable
// history or the ZMQ feed for live dashboards.
type PublisherSink struct {
	publisher messaging.Publisher
	logger    *log.Logger
}

// NewPublisherSink creates a sink publishing through p.
func NewPublisherSink(p messaging.Publisher, logger *log.Logger) *PublisherSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &PublisherSink{publisher: p, logger: logger.WithComponent("progress")}
}

// Report implements Sink.
func (s *PublisherSink) Report(ctx context.Context, ev Event) {
	topic := messaging.TopicJobProgress
	if ev.Kind == KindBatch {
		topic = messaging.TopicBatchProgress
	}
	err := s.publisher.Publish(ctx, topic, ev.ID, messaging.ProgressEvent{
		Kind:            ev.Kind,
		ID:              ev.ID,
		Message:         ev.Message,
		AttemptsDone:    ev.AttemptsDone,
		Total:           ev.Total,
		Hashrate:        ev.Hashrate,
		ProgressPercent: ev.ProgressPercent,
		At:              ev.At,
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to publish progress", "topic", topic)
	}
}
