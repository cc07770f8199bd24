// Package dispatcher renders a workflow step into a concrete outbound
// command and publishes it to the appropriate outbox queue with
// correlation metadata, following the connect/declare/publish idiom the
// broker layer uses throughout this codebase.
package dispatcher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/evalgo/conductor/internal/amqpclient"
	"github.com/evalgo/conductor/internal/conductorerr"
	"github.com/evalgo/conductor/internal/model"
	"github.com/streadway/amqp"
)

// Dispatcher publishes outbound envelopes to the file-transfer and
// remote-executor queues.
type Dispatcher struct {
	conn     amqpclient.Connection
	channel  amqpclient.Channel
	confirms chan amqp.Confirmation

	fileTransferQueue   string
	remoteExecutorQueue string

	remoteUploadRoot   string
	remoteDownloadRoot string
}

// Config names the outbox queues and remote path roots the Dispatcher
// needs to build payloads.
type Config struct {
	FileTransferQueue   string
	RemoteExecutorQueue string
	RemoteUploadRoot    string
	RemoteDownloadRoot  string
}

// New connects to the broker via dialer and declares both outbox queues.
func New(dialer amqpclient.Dialer, brokerURL string, cfg Config) (*Dispatcher, error) {
	conn, err := dialer.Dial(brokerURL)
	if err != nil {
		return nil, conductorerr.New(conductorerr.TransientBrokerError, "dial broker for dispatcher", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, conductorerr.New(conductorerr.TransientBrokerError, "open dispatcher channel", err)
	}

	for _, q := range []string{cfg.FileTransferQueue, cfg.RemoteExecutorQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, conductorerr.New(conductorerr.TransientBrokerError, fmt.Sprintf("declare queue %q", q), err)
		}
	}

	// Publisher confirms: every publish below blocks for the broker's ack
	// before returning, so a broker-side nack-in-doubt surfaces as a
	// TransientBrokerError the Inbox Consumer can retry, per the delivery
	// guarantee the outbound side is required to give.
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, conductorerr.New(conductorerr.TransientBrokerError, "enable publisher confirms", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &Dispatcher{
		conn:                conn,
		channel:             ch,
		confirms:            confirms,
		fileTransferQueue:   cfg.FileTransferQueue,
		remoteExecutorQueue: cfg.RemoteExecutorQueue,
		remoteUploadRoot:    cfg.RemoteUploadRoot,
		remoteDownloadRoot:  cfg.RemoteDownloadRoot,
	}, nil
}

// Close releases the channel and connection.
func (d *Dispatcher) Close() error {
	d.channel.Close()
	return d.conn.Close()
}

// DispatchUpload publishes upload_case for an upload step.
func (d *Dispatcher) DispatchUpload(caseID, correlationID string) error {
	return d.publish(d.fileTransferQueue, "upload_case", correlationID, map[string]any{
		"case_id":     caseID,
		"local_path":  localPath(caseID),
		"remote_path": fmt.Sprintf("%s/%s", d.remoteUploadRoot, caseID),
	})
}

// DispatchDownload publishes download_results for a download step.
func (d *Dispatcher) DispatchDownload(caseID, correlationID string) error {
	return d.publish(d.fileTransferQueue, "download_results", correlationID, map[string]any{
		"case_id":     caseID,
		"local_path":  localPath(caseID),
		"remote_path": fmt.Sprintf("%s/%s", d.remoteDownloadRoot, caseID),
	})
}

// DispatchExecute publishes execute_command for an execute step.
func (d *Dispatcher) DispatchExecute(caseID, correlationID, command, step string, gpuIndex int) error {
	return d.publish(d.remoteExecutorQueue, "execute_command", correlationID, map[string]any{
		"case_id": caseID,
		"command": command,
		"gpu_id":  gpuIndex,
		"step":    step,
	})
}

func localPath(caseID string) string {
	return fmt.Sprintf("./cases/%s", caseID)
}

func (d *Dispatcher) publish(queue, command, correlationID string, payload map[string]any) error {
	payloadBody, err := json.Marshal(payload)
	if err != nil {
		return conductorerr.New(conductorerr.ConfigurationError, "marshal outbound payload", err)
	}

	env := model.Envelope{
		Command:       command,
		Payload:       payloadBody,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		RetryCount:    0,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return conductorerr.New(conductorerr.ConfigurationError, "marshal outbound envelope", err)
	}

	err = d.channel.Publish("", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return conductorerr.New(conductorerr.TransientBrokerError, fmt.Sprintf("publish to %q", queue), err)
	}

	confirm, ok := <-d.confirms
	if !ok {
		return conductorerr.New(conductorerr.TransientBrokerError, fmt.Sprintf("publisher confirm channel closed for %q", queue), nil)
	}
	if !confirm.Ack {
		return conductorerr.New(conductorerr.TransientBrokerError, fmt.Sprintf("broker nacked publish to %q", queue), nil)
	}
	return nil
}
