package model

import (
	"time"

	"github.com/google/uuid"
)

type RunID string

// NewRunID generates a new unique RunID
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// State is a step of one reconciliation cycle
type State string

const (
	StateIdle        State = "IDLE"
	StateEnumerating State = "ENUMERATING"
	StatePlanning    State = "PLANNING"
	StateDeleting    State = "DELETING"
	StateEmbedding   State = "EMBEDDING"
	StateUpserting   State = "UPSERTING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Status tells the scheduler whether to invoke the cycle again
type Status string

const (
	StatusDone     Status = "DONE"
	StatusContinue Status = "CONTINUE"
	StatusFailed   Status = "FAILED"
)

// maxErrorSamples bounds the messages kept per error kind
const maxErrorSamples = 10

// ErrorSummary aggregates isolated per-item and per-batch errors of a cycle
type ErrorSummary struct {
	Counts  map[ErrorKind]int      `json:"counts,omitempty"`
	Samples map[ErrorKind][]string `json:"samples,omitempty"`
}

// Add records err under its kind
func (x *ErrorSummary) Add(err error) {
	if err == nil {
		return
	}
	kind := KindOf(err)
	if x.Counts == nil {
		x.Counts = make(map[ErrorKind]int)
		x.Samples = make(map[ErrorKind][]string)
	}
	x.Counts[kind]++
	if len(x.Samples[kind]) < maxErrorSamples {
		x.Samples[kind] = append(x.Samples[kind], err.Error())
	}
}

// Total returns the number of recorded errors
func (x *ErrorSummary) Total() int {
	n := 0
	for _, c := range x.Counts {
		n += c
	}
	return n
}

// CycleResult is reported at the end of every cycle
type CycleResult struct {
	RunID     RunID     `json:"run_id"`
	Namespace string    `json:"namespace"`
	Status    Status    `json:"status"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`

	SourceItems  int `json:"source_items"`
	Unsupported  int `json:"unsupported"`
	Invalid      int `json:"invalid"`
	IndexedItems int `json:"indexed_items"`

	PlannedDeletes int `json:"planned_deletes"`
	PlannedInserts int `json:"planned_inserts"`
	Upserts        int `json:"upserts"`
	Excluded       int `json:"excluded"`

	Deleted          int `json:"deleted"`
	PendingDeletions int `json:"pending_deletions,omitempty"`
	Processed        int `json:"processed"`
	ChunksWritten    int `json:"chunks_written"`
	Remaining        int `json:"remaining"`

	Error  string       `json:"error,omitempty"`
	Errors ErrorSummary `json:"errors"`
}

// TruncateResult is reported by a namespace truncation
type TruncateResult struct {
	RunID     RunID  `json:"run_id"`
	Namespace string `json:"namespace"`
	Listed    int    `json:"listed"`
	Deleted   int    `json:"deleted"`
	Remaining int    `json:"remaining"`

	Errors ErrorSummary `json:"errors"`
}
