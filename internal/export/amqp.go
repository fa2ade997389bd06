// Package export publishes a run's ExportStatus (PENDING, RUNNING,
// COMPLETED or FAILED) to an external message queue so downstream
// consumers can react to a run's export outcome, without
// coupling the orchestrator to any particular queue client. Adapted from
// queue/rabbit.go's RabbitMQService, with the AMQPConnection/AMQPChannel/
// AMQPDialer seam kept for injection in tests, but publishing
// ExportNotification instead of the eve package's FlowProcessMessage.
package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/elspeth/elspeth/internal/elspethlog"
	"github.com/elspeth/elspeth/pkg/contracts"
)

// ExportNotification is the wire message published for one export status
// transition. The orchestrator publishes one per run, with RowID and
// SinkNodeID left empty.
type ExportNotification struct {
	RunID      string                 `json:"run_id"`
	RowID      string                 `json:"row_id"`
	SinkNodeID string                 `json:"sink_node_id"`
	Status     contracts.ExportStatus `json:"status"`
	Detail     string                 `json:"detail,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Publisher publishes ExportNotification messages to a durable queue.
type Publisher interface {
	Publish(n ExportNotification) error
	Close() error
}

// AMQPConnection abstracts an amqp.Connection for dependency injection.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel abstracts an amqp.Channel for dependency injection.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPDialer abstracts amqp.Dial for dependency injection.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

type realConnection struct{ conn *amqp.Connection }

func (r *realConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realChannel{ch: ch}, nil
}
func (r *realConnection) Close() error { return r.conn.Close() }

type realChannel struct{ ch *amqp.Channel }

func (r *realChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}
func (r *realChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}
func (r *realChannel) Close() error { return r.ch.Close() }

// RealDialer dials a live AMQP broker.
type RealDialer struct{}

// Dial connects to url using the real amqp library.
func (RealDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}

// AMQPPublisher is the default Publisher, backed by a durable queue.
type AMQPPublisher struct {
	connection AMQPConnection
	channel    AMQPChannel
	queueName  string
	log        *elspethlog.ContextLogger
}

// NewAMQPPublisher dials url with the real broker and declares queueName
// durable.
func NewAMQPPublisher(url, queueName string, logger *elspethlog.ContextLogger) (*AMQPPublisher, error) {
	return NewAMQPPublisherWithDialer(url, queueName, RealDialer{}, logger)
}

// NewAMQPPublisherWithDialer injects a dialer, used by tests to avoid a live
// broker.
func NewAMQPPublisherWithDialer(url, queueName string, dialer AMQPDialer, logger *elspethlog.ContextLogger) (*AMQPPublisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("export: connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("export: open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("export: declare queue %s: %w", queueName, err)
	}
	return &AMQPPublisher{connection: conn, channel: ch, queueName: queueName, log: logger}, nil
}

// Publish serializes n to JSON and publishes it to the configured queue.
func (p *AMQPPublisher) Publish(n ExportNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("export: marshal notification: %w", err)
	}
	err = p.channel.Publish("", p.queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("export: publish notification for row %s: %w", n.RowID, err)
	}
	if p.log != nil {
		p.log.WithField("row_id", n.RowID).WithField("status", string(n.Status)).Debug("export notification published")
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.connection != nil {
		p.connection.Close()
	}
	return nil
}

// NoopPublisher discards notifications. cmd/elspeth does not use it: with no
// AMQP URL configured it installs no publisher at all, and the orchestrator
// then skips the announcement.
type NoopPublisher struct{}

// Publish always succeeds without doing anything.
func (NoopPublisher) Publish(ExportNotification) error { return nil }

// Close is a no-op.
func (NoopPublisher) Close() error { return nil }
