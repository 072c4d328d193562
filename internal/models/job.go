package models

import (
	"time"
)

// JobState enumerates lifecycle states of an in-memory integration job.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateSuccess    = "success"
	StateError      = "error"
)

// Job tracks one submitted integration run. The supervisor replaces the
// whole record on every transition; readers always get a consistent copy.
type Job struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	State     string    `json:"state"`
	Progress  string    `json:"progress"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	return j.State == StateSuccess || j.State == StateError
}
