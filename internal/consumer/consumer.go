// Package consumer implements the Inbox Consumer: pulls one envelope at a
// time off the inbox queue, hands it to the Event Router, and applies the
// returned ack decision. Retry is implemented by republishing an
// incremented copy of the envelope rather than relying on broker-native
// requeue, because retry_count lives in the envelope body and a bare
// Nack(requeue=true) never touches it.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evalgo/conductor/internal/amqpclient"
	"github.com/evalgo/conductor/internal/conductorerr"
	"github.com/evalgo/conductor/internal/model"
	"github.com/evalgo/conductor/internal/router"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Config names the queues and retry policy the Consumer enforces.
type Config struct {
	InboxQueue      string
	DeadLetterQueue string
	PrefetchCount   int
	MaxRetryCount   int
}

// Consumer is the Inbox Consumer.
type Consumer struct {
	conn    amqpclient.Connection
	channel amqpclient.Channel

	inboxQueue      string
	deadLetterQueue string
	maxRetryCount   int

	router *router.Router
	log    *logrus.Entry
}

// New connects to the broker, declares the inbox and dead-letter queues,
// and sets the channel's QoS to the configured prefetch window.
func New(dialer amqpclient.Dialer, brokerURL string, cfg Config, r *router.Router, log *logrus.Entry) (*Consumer, error) {
	conn, err := dialer.Dial(brokerURL)
	if err != nil {
		return nil, conductorerr.New(conductorerr.TransientBrokerError, "dial broker for consumer", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, conductorerr.New(conductorerr.TransientBrokerError, "open consumer channel", err)
	}

	if _, err := ch.QueueDeclare(cfg.InboxQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, conductorerr.New(conductorerr.TransientBrokerError, fmt.Sprintf("declare inbox queue %q", cfg.InboxQueue), err)
	}
	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, conductorerr.New(conductorerr.TransientBrokerError, fmt.Sprintf("declare dead-letter queue %q", cfg.DeadLetterQueue), err)
	}

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, conductorerr.New(conductorerr.TransientBrokerError, "set consumer prefetch", err)
	}

	maxRetry := cfg.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 5
	}

	return &Consumer{
		conn:            conn,
		channel:         ch,
		inboxQueue:      cfg.InboxQueue,
		deadLetterQueue: cfg.DeadLetterQueue,
		maxRetryCount:   maxRetry,
		router:          r,
		log:             log,
	}, nil
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	c.channel.Close()
	return c.conn.Close()
}

// Run pulls deliveries from the inbox queue and handles them one at a time
// until ctx is cancelled. On cancellation it stops accepting new deliveries
// and returns once the in-flight one (if any) finishes; there is no forced
// cancellation of a transaction already in progress.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.inboxQueue, "", false, false, false, false, nil)
	if err != nil {
		return conductorerr.New(conductorerr.TransientBrokerError, "register consumer", err)
	}

	c.log.WithField("queue", c.inboxQueue).Info("inbox consumer started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("shutdown signal received, inbox consumer stopping")
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return conductorerr.New(conductorerr.TransientBrokerError, "delivery channel closed", nil)
			}
			c.handle(ctx, d)
		}
	}
}

// handle processes a single delivery end to end and applies the resulting
// ack/nack/requeue/dead-letter outcome. It never returns an error to Run:
// every outcome, including an unexpected panic from the Router, is resolved
// to a concrete broker action here.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()

	env, err := decodeEnvelope(d.Body)
	if err != nil {
		c.log.WithError(err).Warn("malformed envelope, dead-lettering without retry")
		c.deadLetter(d.Body)
		d.Ack(false)
		return
	}

	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
		c.log.WithFields(logrus.Fields{"command": env.Command, "correlation_id": env.CorrelationID}).
			Info("inbound envelope has no correlation_id, synthesized one")
	}

	log := c.log.WithFields(logrus.Fields{"command": env.Command, "correlation_id": env.CorrelationID})

	decision, routeErr := c.route(ctx, env)
	log = log.WithField("decision", decision)

	switch decision {
	case router.DecisionAck:
		if routeErr != nil {
			log.WithError(routeErr).Debug("handler returned a no-op/expected condition")
		}
		d.Ack(false)

	case router.DecisionNackDeadLetter:
		log.WithError(routeErr).Warn("dead-lettering envelope without retry")
		c.deadLetter(d.Body)
		d.Ack(false)

	case router.DecisionNackRequeue:
		c.requeueOrDeadLetter(env, d, log, routeErr)

	default:
		log.Error("router returned an unrecognized decision, dead-lettering defensively")
		c.deadLetter(d.Body)
		d.Ack(false)
	}

	log.WithField("latency", time.Since(start)).Debug("envelope handled")
}

// route recovers from a panic in the Router/Manager call chain and folds it
// into the PoisonMessage kind, per the design note that only truly
// unexpected exceptions should ever reach the Consumer.
func (c *Consumer) route(ctx context.Context, env model.Envelope) (decision router.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = conductorerr.New(conductorerr.PoisonMessage, fmt.Sprintf("handler panic: %v", r), nil)
			decision = router.DecisionNackRequeue
		}
	}()
	return c.router.Route(ctx, env.Command, env.Payload)
}

// requeueOrDeadLetter implements the retry_count-bounded policy: republish
// an incremented copy of the envelope up to maxRetryCount times, then
// dead-letter. The original delivery is acked once the retry copy is
// published, since the retry lives in the new message; if that republish
// fails, the original is nacked with broker requeue instead.
func (c *Consumer) requeueOrDeadLetter(env model.Envelope, d amqp.Delivery, log *logrus.Entry, cause error) {
	if env.RetryCount >= c.maxRetryCount {
		log.WithError(cause).Warn("retry count exhausted, dead-lettering")
		c.deadLetter(d.Body)
		d.Ack(false)
		return
	}

	env.RetryCount++
	body, err := json.Marshal(env)
	if err != nil {
		log.WithError(err).Error("failed to marshal envelope for retry, dead-lettering")
		c.deadLetter(d.Body)
		d.Ack(false)
		return
	}

	if err := c.channel.Publish("", c.inboxQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}); err != nil {
		log.WithError(err).Error("failed to republish envelope for retry, nacking with broker requeue as fallback")
		d.Nack(false, true)
		return
	}

	log.WithError(cause).WithField("retry_count", env.RetryCount).Info("requeuing envelope for retry")
	d.Ack(false)
}

func (c *Consumer) deadLetter(body []byte) {
	if err := c.channel.Publish("", c.deadLetterQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}); err != nil {
		c.log.WithError(err).Error("failed to publish to dead-letter queue")
	}
}

func decodeEnvelope(body []byte) (model.Envelope, error) {
	var env model.Envelope
	if len(body) == 0 {
		return env, conductorerr.New(conductorerr.MalformedEnvelope, "empty envelope body", nil)
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, conductorerr.New(conductorerr.MalformedEnvelope, "undecodable envelope", err)
	}
	if env.Command == "" {
		return env, conductorerr.New(conductorerr.MalformedEnvelope, "envelope missing command", nil)
	}
	if env.Payload == nil {
		return env, conductorerr.New(conductorerr.MalformedEnvelope, "envelope missing payload", nil)
	}
	return env, nil
}
