// Package manager implements the Workflow Manager: the core state machine.
// Each exported handler runs one event end to end — load case, decide,
// mutate, publish, and report the outcome (folded into the error's
// conductorerr.Kind when the event is a no-op rather than a success). Each
// store call a handler makes commits as its own transaction; a handler's
// mutations (for example a GPU reservation and the case row update that
// records it) are not committed together as one unit.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/evalgo/conductor/internal/activity"
	"github.com/evalgo/conductor/internal/conductorerr"
	"github.com/evalgo/conductor/internal/model"
	"github.com/evalgo/conductor/internal/resource"
	"github.com/evalgo/conductor/internal/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the subset of the State Store Gateway the Manager drives
// directly (resource reservation goes through the Allocator instead).
type Store interface {
	AdmitCase(ctx context.Context, caseID, correlationID string) (inserted bool, err error)
	LoadCase(ctx context.Context, caseID string) (*model.Case, error)
	AdvanceToStep(ctx context.Context, caseID, newStep string, resourceIndex *int, newProgress int) error
	ParkForResource(ctx context.Context, caseID, intendedStep string) error
	MarkCompleted(ctx context.Context, caseID string) (*int, error)
	MarkFailed(ctx context.Context, caseID, errorKind, errorMessage string) (*int, error)
}

// Dispatcher is the subset of the Dispatcher the Manager calls to publish
// the outbound command for a step.
type Dispatcher interface {
	DispatchUpload(caseID, correlationID string) error
	DispatchDownload(caseID, correlationID string) error
	DispatchExecute(caseID, correlationID, command, step string, gpuIndex int) error
}

// Allocator is the subset of the Resource Allocator the Manager needs.
type Allocator interface {
	TryReserve(ctx context.Context, caseID string) (index int, ok bool, err error)
	ReleaseAndWake(ctx context.Context, index int, wake resource.WakeFunc) error
}

// Manager is the Workflow Manager.
type Manager struct {
	store      Store
	allocator  Allocator
	workflow   *workflow.Definition
	dispatcher Dispatcher
	activity   *activity.Ring
	log        *logrus.Entry
}

func New(store Store, allocator Allocator, wf *workflow.Definition, dispatcher Dispatcher, ring *activity.Ring, log *logrus.Entry) *Manager {
	return &Manager{store: store, allocator: allocator, workflow: wf, dispatcher: dispatcher, activity: ring, log: log}
}

// record appends an activity entry with latency measured from start, the
// moment the handling of the triggering event began.
func (m *Manager) record(caseID, event, decision string, start time.Time) {
	if m.activity == nil {
		return
	}
	m.activity.Record(activity.Entry{
		CaseID:    caseID,
		Event:     event,
		Decision:  decision,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	})
}

// StartWorkflow handles new_case_found.
func (m *Manager) StartWorkflow(ctx context.Context, caseID string) error {
	start := time.Now()
	correlationID := uuid.NewString()

	inserted, err := m.store.AdmitCase(ctx, caseID, correlationID)
	if err != nil {
		return err
	}

	c, err := m.store.LoadCase(ctx, caseID)
	if err != nil {
		return err
	}

	if !inserted && c.Status != model.CaseNew {
		m.record(caseID, "new_case_found", "stale_drop", start)
		return conductorerr.New(conductorerr.StaleEvent, fmt.Sprintf("case %q already started", caseID), nil)
	}

	first, ok := m.workflow.FirstStep()
	if !ok {
		if _, err := m.store.MarkFailed(ctx, caseID, string(conductorerr.ConfigurationError), "workflow has no steps"); err != nil {
			return err
		}
		m.record(caseID, "new_case_found", "failed_empty_workflow", start)
		return nil
	}

	return m.enterStep(ctx, caseID, c.CorrelationID, first, nil, start)
}

// Advance handles execution_succeeded, case_upload_completed, and
// results_download_completed. expectedKind is the step type the event
// implies (execute/upload/download respectively); if the case's current
// step does not match, the event is a stale or out-of-order duplicate and
// is dropped without advancing.
func (m *Manager) Advance(ctx context.Context, caseID string, expectedKind model.StepKind) error {
	start := time.Now()
	c, err := m.store.LoadCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		m.record(caseID, "advance", "stale_drop", start)
		return conductorerr.New(conductorerr.StaleEvent, fmt.Sprintf("case %q is terminal", caseID), nil)
	}

	curStep, ok := m.workflow.StepByName(c.CurrentStep)
	if !ok || curStep.Type != expectedKind {
		m.log.WithFields(logrus.Fields{"case_id": caseID, "current_step": c.CurrentStep, "expected_kind": expectedKind}).
			Info("success event does not match case's current step, dropping as stale")
		m.record(caseID, "advance", "step_mismatch_drop", start)
		return conductorerr.New(conductorerr.StaleEvent, fmt.Sprintf("case %q current step %q does not match event kind %q", caseID, c.CurrentStep, expectedKind), nil)
	}

	next, ok := m.workflow.NextStep(c.CurrentStep)
	if !ok {
		released, err := m.store.MarkCompleted(ctx, caseID)
		if err != nil {
			return err
		}
		if released != nil {
			if err := m.allocator.ReleaseAndWake(ctx, *released, m.wake); err != nil {
				m.log.WithError(err).Warn("failed to wake parked case after completion")
			}
		}
		m.record(caseID, "advance", "completed", start)
		return nil
	}

	return m.enterStep(ctx, caseID, c.CorrelationID, next, c.ResourceIndex, start)
}

// Fail handles execution_failed and file_transfer_failed.
func (m *Manager) Fail(ctx context.Context, caseID, errorKind, errorMessage string) error {
	start := time.Now()
	c, err := m.store.LoadCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		m.record(caseID, "fail", "stale_drop", start)
		return conductorerr.New(conductorerr.StaleEvent, fmt.Sprintf("case %q is terminal", caseID), nil)
	}

	released, err := m.store.MarkFailed(ctx, caseID, errorKind, errorMessage)
	if err != nil {
		return err
	}
	if released != nil {
		if err := m.allocator.ReleaseAndWake(ctx, *released, m.wake); err != nil {
			m.log.WithError(err).Warn("failed to wake parked case after failure")
		}
	}
	m.record(caseID, "fail", "failed", start)
	return nil
}

// wake is the resource.WakeFunc passed to the Allocator; it re-enters the
// Manager with the synthetic retry_parked event, never through the broker.
func (m *Manager) wake(ctx context.Context, caseID, intendedStep string) error {
	return m.retryParked(ctx, caseID)
}

// retryParked handles the internal retry_parked event triggered by the
// Allocator after a release. It is its own top-level event for latency
// purposes: the clock starts here, not at the release call that woke it.
func (m *Manager) retryParked(ctx context.Context, caseID string) error {
	start := time.Now()
	c, err := m.store.LoadCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status != model.CasePendingResource {
		m.record(caseID, "retry_parked", "drift_drop", start)
		return nil
	}

	index, ok, err := m.allocator.TryReserve(ctx, caseID)
	if err != nil {
		return err
	}
	if !ok {
		// Still no GPU free; stay parked with the original timestamp so
		// FIFO order is unaffected by failed wake attempts.
		m.record(caseID, "retry_parked", "re_parked", start)
		return nil
	}

	step, ok := m.workflow.StepByName(c.CurrentStep)
	if !ok {
		if _, err := m.store.MarkFailed(ctx, caseID, string(conductorerr.ConfigurationError), fmt.Sprintf("parked step %q no longer exists", c.CurrentStep)); err != nil {
			return err
		}
		return nil
	}

	idx := index
	return m.enterStep(ctx, caseID, c.CorrelationID, step, &idx, start)
}

// enterStep resolves the resource need for step, advances the case row,
// and dispatches the outbound command. heldResource is the resource (if
// any) the case currently holds before entering this step. start is the
// triggering event's start time, carried through for activity latency.
func (m *Manager) enterStep(ctx context.Context, caseID, correlationID string, step workflow.Step, heldResource *int, start time.Time) error {
	var resourceIndex *int

	switch {
	case step.RequiresGPU() && heldResource != nil:
		resourceIndex = heldResource

	case step.RequiresGPU() && heldResource == nil:
		idx, ok, err := m.allocator.TryReserve(ctx, caseID)
		if err != nil {
			return err
		}
		if !ok {
			if err := m.store.ParkForResource(ctx, caseID, step.Name); err != nil {
				return err
			}
			m.record(caseID, "enter_step", "parked", start)
			return nil
		}
		resourceIndex = &idx

	case !step.RequiresGPU() && heldResource != nil:
		if err := m.allocator.ReleaseAndWake(ctx, *heldResource, m.wake); err != nil {
			m.log.WithError(err).Warn("failed to wake parked case after releasing on step transition")
		}
		resourceIndex = nil

	default:
		resourceIndex = nil
	}

	if err := m.store.AdvanceToStep(ctx, caseID, step.Name, resourceIndex, step.Progress); err != nil {
		return err
	}

	if err := m.dispatch(caseID, correlationID, step, resourceIndex); err != nil {
		return err
	}

	m.record(caseID, "enter_step", "dispatched", start)
	return nil
}

func (m *Manager) dispatch(caseID, correlationID string, step workflow.Step, resourceIndex *int) error {
	switch step.Type {
	case model.StepUpload:
		return m.dispatcher.DispatchUpload(caseID, correlationID)
	case model.StepDownload:
		return m.dispatcher.DispatchDownload(caseID, correlationID)
	case model.StepExecute:
		if resourceIndex == nil {
			return conductorerr.New(conductorerr.ConfigurationError, fmt.Sprintf("execute step %q dispatched without a reserved gpu", step.Name), nil)
		}
		cmd, err := m.workflow.RenderCommand(step, caseID, *resourceIndex)
		if err != nil {
			return err
		}
		return m.dispatcher.DispatchExecute(caseID, correlationID, cmd, step.Name, *resourceIndex)
	default:
		return conductorerr.New(conductorerr.ConfigurationError, fmt.Sprintf("step %q has unknown type %q", step.Name, step.Type), nil)
	}
}
