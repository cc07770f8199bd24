package amqpclient

import "github.com/streadway/amqp"

// MockConnection is a hand-rolled test double for Connection.
type MockConnection struct {
	MockChannel Channel
	ChannelErr  error
	CloseErr    error
}

func (m *MockConnection) Channel() (Channel, error) {
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

func (m *MockConnection) Close() error { return m.CloseErr }

// MockChannel is a hand-rolled test double for Channel. It records
// published messages and declared queues so tests can assert on them
// without a broker.
type MockChannel struct {
	Published    []PublishedMessage
	Declared     []string
	QosErr       error
	DeclareErr   error
	BindErr      error
	PublishErr   error
	ConsumeErr   error
	CloseErr     error
	DeliveryChan chan amqp.Delivery

	ConfirmErr error
	Confirmed  bool

	// ConfirmAcks queues the Ack value Publish signals on the registered
	// NotifyPublish channel, one per call; once exhausted, Publish acks.
	// Lets tests simulate a broker-side nack-in-doubt on a specific call.
	ConfirmAcks []bool
	confirmChan chan amqp.Confirmation
}

// PublishedMessage is one recorded call to Publish.
type PublishedMessage struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

func NewMockChannel() *MockChannel {
	return &MockChannel{DeliveryChan: make(chan amqp.Delivery, 16)}
}

func (m *MockChannel) Qos(int, int, bool) error { return m.QosErr }

func (m *MockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.DeclareErr
}

func (m *MockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.DeclareErr != nil {
		return amqp.Queue{}, m.DeclareErr
	}
	m.Declared = append(m.Declared, name)
	return amqp.Queue{Name: name}, nil
}

func (m *MockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.BindErr
}

func (m *MockChannel) Confirm(noWait bool) error {
	if m.ConfirmErr != nil {
		return m.ConfirmErr
	}
	m.Confirmed = true
	return nil
}

func (m *MockChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	m.confirmChan = confirm
	return confirm
}

func (m *MockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, PublishedMessage{Exchange: exchange, Key: key, Msg: msg})

	if m.confirmChan != nil {
		ack := true
		if len(m.ConfirmAcks) > 0 {
			ack = m.ConfirmAcks[0]
			m.ConfirmAcks = m.ConfirmAcks[1:]
		}
		m.confirmChan <- amqp.Confirmation{Ack: ack, DeliveryTag: uint64(len(m.Published))}
	}
	return nil
}

func (m *MockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	return m.DeliveryChan, nil
}

func (m *MockChannel) Close() error { return m.CloseErr }

// MockDialer is a hand-rolled test double for Dialer.
type MockDialer struct {
	MockConnection Connection
	DialErr        error
	LastURL        string
}

func (m *MockDialer) Dial(url string) (Connection, error) {
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// NewMockDialer builds a MockDialer wired to a fresh MockChannel, the
// common case for tests that only care about publish/consume behavior.
func NewMockDialer() (*MockDialer, *MockChannel) {
	ch := NewMockChannel()
	conn := &MockConnection{MockChannel: ch}
	return &MockDialer{MockConnection: conn}, ch
}
