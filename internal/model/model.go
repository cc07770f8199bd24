// Package model holds the data shapes shared across the Conductor: cases,
// their history, the GPU pool, and the message envelope exchanged with the
// broker. Nothing here talks to a database or a queue; those concerns live
// in internal/store and internal/amqpclient.
package model

import (
	"encoding/json"
	"time"
)

// CaseState is one of the five statuses a Case can occupy. Transitions form
// a DAG: NEW -> PENDING_RESOURCE <-> PROCESSING -> {COMPLETED | FAILED}.
type CaseState string

const (
	CaseNew             CaseState = "NEW"
	CasePendingResource CaseState = "PENDING_RESOURCE"
	CaseProcessing      CaseState = "PROCESSING"
	CaseCompleted       CaseState = "COMPLETED"
	CaseFailed          CaseState = "FAILED"
)

// Terminal reports whether no further transition is permitted from s.
func (s CaseState) Terminal() bool {
	return s == CaseCompleted || s == CaseFailed
}

// StepKind is the type of a workflow step. Only StepExecute steps consume a
// GPU slot.
type StepKind string

const (
	StepUpload   StepKind = "upload"
	StepExecute  StepKind = "execute"
	StepDownload StepKind = "download"
)

// Case is one unit of QA work discovered on a filesystem and tracked to
// completion or failure.
type Case struct {
	CaseID        string
	Status        CaseState
	CurrentStep   string // empty before the first step
	ResourceIndex *int   // nil when no GPU is held
	Progress      int    // [0,100]
	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	TerminalAt    *time.Time
	ErrorKind     string
	ErrorMessage  string
}

// HasResource reports whether the case currently owns a GPU slot.
func (c *Case) HasResource() bool {
	return c.ResourceIndex != nil
}

// HistoryEntry is one append-only row describing a state transition.
type HistoryEntry struct {
	ID         int64
	CaseID     string
	Timestamp  time.Time
	FromStatus CaseState
	ToStatus   CaseState
	Step       string
	Cause      string
}

// GPUState is the mutable status of a resource slot.
type GPUState string

const (
	GPUFree     GPUState = "FREE"
	GPUReserved GPUState = "RESERVED"
)

// GPUResource is one shareable compute slot. Utilization/memory/temperature
// are written by an external metrics updater and are read-only to the
// Conductor; only State and OwnerCaseID are Conductor-owned.
type GPUResource struct {
	Index       int
	GPUID       string
	State       GPUState
	OwnerCaseID *string

	UtilizationPct float64
	MemoryUsedMB   int64
	MemoryTotalMB  int64
	TemperatureC   float64
	UpdatedAt      time.Time
}

// ParkedCase is one row of the FIFO list of cases waiting on a free GPU.
type ParkedCase struct {
	CaseID        string
	IntendedStep  string
	ParkedAt      time.Time
}

// Envelope is the message shape exchanged on every queue: inbox and both
// outboxes.
type Envelope struct {
	Command       string          `json:"command"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	RetryCount    int             `json:"retry_count"`
}
