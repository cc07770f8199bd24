// Package router implements the Event Router: a closed, table-driven
// dispatch from an envelope's command field to a Workflow Manager handler.
// There is no reflection and no open-ended registration at runtime — adding
// a command means editing the table in this file.
package router

import (
	"context"
	"encoding/json"

	"github.com/evalgo/conductor/internal/conductorerr"
	"github.com/evalgo/conductor/internal/model"
	"github.com/sirupsen/logrus"
)

// Decision is the ack/nack outcome the Inbox Consumer must apply to the
// broker delivery after a handler runs.
type Decision string

const (
	DecisionAck            Decision = "ack"
	DecisionNackRequeue    Decision = "nack_requeue"
	DecisionNackDeadLetter Decision = "nack_dead_letter"
)

// Manager is the subset of the Workflow Manager the Router invokes. Kept
// narrow so router tests can supply a stub instead of a full Manager.
type Manager interface {
	StartWorkflow(ctx context.Context, caseID string) error
	Advance(ctx context.Context, caseID string, expectedKind model.StepKind) error
	Fail(ctx context.Context, caseID, errorKind, errorMessage string) error
}

// Router owns the closed command -> handler table.
type Router struct {
	manager Manager
	log     *logrus.Entry
}

func New(manager Manager, log *logrus.Entry) *Router {
	return &Router{manager: manager, log: log}
}

type caseIDPayload struct {
	CaseID string `json:"case_id"`
}

type failurePayload struct {
	CaseID       string `json:"case_id"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

// Route validates the envelope's payload for its command and invokes the
// matching Manager handler, returning the ack decision the Consumer should
// apply. It never lets a validation or handler error propagate as a Go
// error for expected conditions — those are folded into the Decision; only
// a genuinely unexpected panic/error from the Manager should reach the
// Consumer's poison-message path, and Route does not swallow that (it
// returns it alongside DecisionNackRequeue so the caller can still count
// retries).
func (r *Router) Route(ctx context.Context, command string, payload json.RawMessage) (Decision, error) {
	switch command {
	case "new_case_found":
		var p caseIDPayload
		if err := decodeCaseID(payload, &p); err != nil {
			return DecisionNackDeadLetter, err
		}
		if err := r.manager.StartWorkflow(ctx, p.CaseID); err != nil {
			return decisionForErr(err), err
		}
		return DecisionAck, nil

	case "execution_succeeded", "case_upload_completed", "results_download_completed":
		var p caseIDPayload
		if err := decodeCaseID(payload, &p); err != nil {
			return DecisionNackDeadLetter, err
		}
		if err := r.manager.Advance(ctx, p.CaseID, expectedKindFor(command)); err != nil {
			return decisionForErr(err), err
		}
		return DecisionAck, nil

	case "execution_failed", "file_transfer_failed":
		var p failurePayload
		if len(payload) == 0 {
			return DecisionNackDeadLetter, conductorerr.New(conductorerr.MalformedEnvelope, "empty payload", nil)
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return DecisionNackDeadLetter, conductorerr.New(conductorerr.MalformedEnvelope, "undecodable payload", err)
		}
		if p.CaseID == "" || p.ErrorType == "" {
			return DecisionNackDeadLetter, conductorerr.New(conductorerr.MalformedEnvelope, "failure payload missing case_id or error_type", nil)
		}
		if err := r.manager.Fail(ctx, p.CaseID, p.ErrorType, p.ErrorMessage); err != nil {
			return decisionForErr(err), err
		}
		return DecisionAck, nil

	default:
		r.log.WithField("command", command).Warn("unknown inbound command, acking and dropping")
		return DecisionAck, nil
	}
}

// expectedKindFor maps a success command to the step type it can only
// follow. The payload carries no step name, so this is how Advance tells a
// genuine completion apart from a stale duplicate of an earlier step.
func expectedKindFor(command string) model.StepKind {
	switch command {
	case "case_upload_completed":
		return model.StepUpload
	case "results_download_completed":
		return model.StepDownload
	default:
		return model.StepExecute
	}
}

func decodeCaseID(payload json.RawMessage, v *caseIDPayload) error {
	if len(payload) == 0 {
		return conductorerr.New(conductorerr.MalformedEnvelope, "empty payload", nil)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return conductorerr.New(conductorerr.MalformedEnvelope, "undecodable payload", err)
	}
	if v.CaseID == "" {
		return conductorerr.New(conductorerr.MalformedEnvelope, "payload missing case_id", nil)
	}
	return nil
}

func decisionForErr(err error) Decision {
	switch conductorerr.KindOf(err) {
	case conductorerr.StaleEvent, conductorerr.UnknownCommand:
		return DecisionAck
	case conductorerr.MalformedEnvelope, conductorerr.ConfigurationError:
		return DecisionNackDeadLetter
	case conductorerr.TransientBrokerError, conductorerr.TransientStoreError:
		return DecisionNackRequeue
	default:
		return DecisionNackRequeue
	}
}
