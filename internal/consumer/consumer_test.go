package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/evalgo/conductor/internal/amqpclient"
	"github.com/evalgo/conductor/internal/conductorerr"
	"github.com/evalgo/conductor/internal/model"
	"github.com/evalgo/conductor/internal/router"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records which outcome the Consumer applied to a
// delivery, standing in for the broker-side channel streadway/amqp would
// normally notify.
type fakeAcknowledger struct {
	acked   []uint64
	nacked  []nackCall
	rejects []uint64
}

type nackCall struct {
	tag     uint64
	multiple bool
	requeue  bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = append(f.nacked, nackCall{tag, multiple, requeue})
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.rejects = append(f.rejects, tag)
	return nil
}

type fakeManager struct {
	startErr   error
	advanceErr error
	failErr    error
	panicOnStart bool
}

func (m *fakeManager) StartWorkflow(ctx context.Context, caseID string) error {
	if m.panicOnStart {
		panic("unexpected handler panic")
	}
	return m.startErr
}

func (m *fakeManager) Advance(ctx context.Context, caseID string, expectedKind model.StepKind) error {
	return m.advanceErr
}

func (m *fakeManager) Fail(ctx context.Context, caseID, errorKind, errorMessage string) error {
	return m.failErr
}

func newTestConsumer(t *testing.T, mgr router.Manager) (*Consumer, *amqpclient.MockChannel) {
	t.Helper()
	dialer, ch := amqpclient.NewMockDialer()
	logger, _ := test.NewNullLogger()
	rtr := router.New(mgr, logrus.NewEntry(logger))

	c, err := New(dialer, "amqp://broker", Config{
		InboxQueue:      "conductor_queue",
		DeadLetterQueue: "conductor_queue.dlq",
		PrefetchCount:   8,
		MaxRetryCount:   3,
	}, rtr, logrus.NewEntry(logger))
	require.NoError(t, err)
	return c, ch
}

func envelopeBody(t *testing.T, command string, retryCount int) []byte {
	t.Helper()
	env := model.Envelope{
		Command:       command,
		Payload:       json.RawMessage(`{"case_id":"case-1"}`),
		Timestamp:     time.Now().UTC(),
		CorrelationID: "corr-1",
		RetryCount:    retryCount,
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func TestHandleAcksOnSuccessfulHandling(t *testing.T) {
	c, _ := newTestConsumer(t, &fakeManager{})
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         envelopeBody(t, "new_case_found", 0),
	})

	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Empty(t, ack.nacked)
}

func TestHandleDeadLettersMalformedBody(t *testing.T) {
	c, ch := newTestConsumer(t, &fakeManager{})
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         []byte("not json"),
	})

	assert.Equal(t, []uint64{1}, ack.acked, "malformed body is acked on the original delivery")
	require.Len(t, ch.Published, 1)
	assert.Equal(t, "conductor_queue.dlq", ch.Published[0].Key)
}

func TestHandleDeadLettersConfigurationError(t *testing.T) {
	mgr := &fakeManager{startErr: conductorerr.New(conductorerr.ConfigurationError, "bad workflow", nil)}
	c, ch := newTestConsumer(t, mgr)
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         envelopeBody(t, "new_case_found", 0),
	})

	assert.Equal(t, []uint64{1}, ack.acked)
	require.Len(t, ch.Published, 1)
	assert.Equal(t, "conductor_queue.dlq", ch.Published[0].Key)
}

func TestHandleRequeuesWithIncrementedRetryCount(t *testing.T) {
	mgr := &fakeManager{startErr: conductorerr.New(conductorerr.TransientStoreError, "db busy", nil)}
	c, ch := newTestConsumer(t, mgr)
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         envelopeBody(t, "new_case_found", 0),
	})

	assert.Equal(t, []uint64{1}, ack.acked, "retry is implemented by republish, original delivery is acked")
	require.Len(t, ch.Published, 1)
	assert.Equal(t, "conductor_queue", ch.Published[0].Key)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(ch.Published[0].Msg.Body, &env))
	assert.Equal(t, 1, env.RetryCount)
}

func TestHandleDeadLettersAfterMaxRetries(t *testing.T) {
	mgr := &fakeManager{startErr: conductorerr.New(conductorerr.TransientStoreError, "db busy", nil)}
	c, ch := newTestConsumer(t, mgr)
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         envelopeBody(t, "new_case_found", 3), // == MaxRetryCount configured in newTestConsumer
	})

	assert.Equal(t, []uint64{1}, ack.acked)
	require.Len(t, ch.Published, 1)
	assert.Equal(t, "conductor_queue.dlq", ch.Published[0].Key)
}

func TestHandleRecoversPanicAsPoisonMessageAndRequeues(t *testing.T) {
	mgr := &fakeManager{panicOnStart: true}
	c, ch := newTestConsumer(t, mgr)
	ack := &fakeAcknowledger{}

	c.handle(context.Background(), amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         envelopeBody(t, "new_case_found", 0),
	})

	assert.Equal(t, []uint64{1}, ack.acked)
	require.Len(t, ch.Published, 1)
	assert.Equal(t, "conductor_queue", ch.Published[0].Key, "first occurrence retries rather than dead-lettering immediately")
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	c, _ := newTestConsumer(t, &fakeManager{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
