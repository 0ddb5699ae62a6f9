// Package jobs tracks asynchronous lifecycle operations and their outcomes.
package jobs

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the lifecycle operation a job runs.
type Kind string

const (
	KindCreate Kind = "create"
	KindDelete Kind = "delete"
	KindReboot Kind = "reboot"
	KindStatus Kind = "status"
)

// Status is a job's progress. It only moves from processing to a terminal value.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a snapshot of one asynchronous operation.
type Job struct {
	ID         string     `json:"job_id"`
	OwnerKey   string     `json:"owner_key"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

const idSeparator = "."

// NewJobID returns an id of the form <key>.<uuid>. Resource keys never contain
// '.', so the owner is recoverable from the id alone.
func NewJobID(key string) string {
	return key + idSeparator + uuid.NewString()
}

// OwnedBy reports whether jobID was issued for key.
func OwnedBy(jobID, key string) bool {
	rest, ok := strings.CutPrefix(jobID, key+idSeparator)
	if !ok || len(rest) != 36 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
