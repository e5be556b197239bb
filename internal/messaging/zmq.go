package messaging

import (
	"context"
	"encoding/json"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/scavenger/pkg/errors"
	"github.com/bardlex/scavenger/pkg/log"
)

// ZMQPublisher serves the live progress feed on a PUB socket. Each message is
// two frames: the topic and the JSON event.
type ZMQPublisher struct {
	mu       sync.Mutex
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

var _ Publisher = (*ZMQPublisher)(nil)

// NewZMQPublisher creates a PUB socket bound to endpoint.
func NewZMQPublisher(endpoint string, logger *log.Logger) (*ZMQPublisher, error) {
	if logger == nil {
		logger = log.Nop()
	}

	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_socket", "failed to create ZMQ socket")
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_socket", "failed to set linger")
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_bind", "failed to bind ZMQ endpoint").
			WithContext("endpoint", endpoint).
			WithRetryable(false)
	}

	logger.Info("ZMQ progress feed bound", "endpoint", endpoint)
	return &ZMQPublisher{socket: socket, endpoint: endpoint, logger: logger.WithComponent("zmq")}, nil
}

// Endpoint returns the bound endpoint.
func (z *ZMQPublisher) Endpoint() string {
	return z.endpoint
}

// Publish implements Publisher. The key is not sent; subscribers filter by topic.
func (z *ZMQPublisher) Publish(_ context.Context, topic, _ string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "zmq_publish", "failed to marshal event")
	}

	// zmq sockets are not safe for concurrent use
	z.mu.Lock()
	defer z.mu.Unlock()

	if _, err := z.socket.SendMessage(topic, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_publish", "failed to send ZMQ message").
			WithContext("topic", topic)
	}
	z.logger.Debug("published progress", "topic", topic, "size", len(data))
	return nil
}

// Close closes the ZMQ socket
func (z *ZMQPublisher) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}
