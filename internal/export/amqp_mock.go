package export

import "github.com/streadway/amqp"

// MockConnection is a mock AMQPConnection for testing, adapted from
// queue/amqp_mock.go's MockAMQPConnection.
type MockConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
}

func (m *MockConnection) Channel() (AMQPChannel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}
func (m *MockConnection) Close() error { return nil }

// MockChannel is a mock AMQPChannel for testing.
type MockChannel struct {
	Published       []amqp.Publishing
	QueueDeclareErr error
	PublishErr      error
}

func (m *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	return amqp.Queue{Name: name}, nil
}

func (m *MockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, msg)
	return nil
}
func (m *MockChannel) Close() error { return nil }

// MockDialer is a mock AMQPDialer for testing.
type MockDialer struct {
	Connection AMQPConnection
	DialErr    error
}

func (m *MockDialer) Dial(url string) (AMQPConnection, error) {
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.Connection, nil
}

// NewMockDialer wires up a fully connected mock stack for the happy path.
func NewMockDialer() (*MockDialer, *MockChannel) {
	ch := &MockChannel{}
	conn := &MockConnection{MockChannel: ch}
	return &MockDialer{Connection: conn}, ch
}
