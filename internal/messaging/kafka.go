// Package messaging publishes scavenger events: solutions, merge outcomes and
// job and batch progress. Kafka carries durable events; a ZMQ PUB socket
// carries the live progress feed.
package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/scavenger/pkg/circuit"
	"github.com/bardlex/scavenger/pkg/errors"
	"github.com/bardlex/scavenger/pkg/log"
	"github.com/bardlex/scavenger/pkg/retry"
)

// Publisher sends an event to a topic. Implementations are best effort from
// the caller's point of view: a publish error is logged, never fatal.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
}

// KafkaClient wraps kafka-go producers with connection pooling
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	writersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

var _ Publisher = (*KafkaClient)(nil)

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("kafka")

	// Configure circuit breaker for Kafka operations
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic (with connection pooling)
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

func (k *KafkaClient) write(ctx context.Context, operation, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, operation,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.write(ctx, "publish_proto", topic, key, data)
}

// PublishJSON publishes a JSON-encoded event to Kafka
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal event").
			WithContext("topic", topic)
	}
	return k.write(ctx, "publish_json", topic, key, data)
}

// Publish implements Publisher. Merge events go out as protobuf Structs for
// consumers that decode the ledger schema-free; everything else is JSON.
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, event any) error {
	if topic == TopicMerges {
		msg, err := ToStruct(event)
		if err != nil {
			return err
		}
		return k.PublishProto(ctx, topic, key, msg)
	}
	return k.PublishJSON(ctx, topic, key, event)
}

// ToStruct converts an event into a protobuf Struct via its JSON form.
func ToStruct(event any) (*structpb.Struct, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "struct_encode", "failed to marshal event")
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "struct_encode", "event is not a JSON object")
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "struct_encode", "failed to build protobuf struct")
	}
	return msg, nil
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	return lastErr
}
