// Package resource implements the Resource Allocator: a thin layer atop the
// State Store Gateway that encapsulates reservation-on-demand and
// release-and-wake. It holds no GPU state of its own — the Gateway's
// gpu_resources table is the only source of truth — so a crash here never
// leaks or double-books a slot.
package resource

import (
	"context"

	"github.com/evalgo/conductor/internal/model"
	"github.com/sirupsen/logrus"
)

// Store is the subset of the State Store Gateway the Allocator needs.
type Store interface {
	TryReserveGPU(ctx context.Context, caseID string) (index int, ok bool, err error)
	ReleaseGPU(ctx context.Context, index int) (wasReserved bool, err error)
	ListParkedCasesFIFO(ctx context.Context) ([]model.ParkedCase, error)
}

// WakeFunc re-enters the Workflow Manager with the synthetic retry_parked
// event for one previously-parked case. The Allocator never runs workflow
// logic itself; it only knows who to wake next.
type WakeFunc func(ctx context.Context, caseID, intendedStep string) error

// Allocator coordinates GPU reservation and the FIFO wake policy.
type Allocator struct {
	store Store
	log   *logrus.Entry
}

// New builds an Allocator atop the given Gateway.
func New(store Store, log *logrus.Entry) *Allocator {
	return &Allocator{store: store, log: log}
}

// TryReserve asks the Gateway for one free slot for caseID.
func (a *Allocator) TryReserve(ctx context.Context, caseID string) (index int, ok bool, err error) {
	return a.store.TryReserveGPU(ctx, caseID)
}

// ReleaseAndWake releases index and then wakes at most one parked case —
// the oldest by park timestamp, ties broken by case-id — by invoking wake.
// If wake fails or declines to re-reserve (returns an error), no further
// case is woken in this call; the next release will retry the (still)
// oldest parked case.
func (a *Allocator) ReleaseAndWake(ctx context.Context, index int, wake WakeFunc) error {
	wasReserved, err := a.store.ReleaseGPU(ctx, index)
	if err != nil {
		return err
	}
	if !wasReserved {
		a.log.WithField("gpu_index", index).Warn("release of already-free gpu slot")
	}

	parked, err := a.store.ListParkedCasesFIFO(ctx)
	if err != nil {
		return err
	}
	if len(parked) == 0 {
		return nil
	}

	oldest := parked[0]
	return wake(ctx, oldest.CaseID, oldest.IntendedStep)
}
