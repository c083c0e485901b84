package job

import (
	"time"

	"github.com/cockroachdb/errors"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// transitions lists, per target status, the states a job may move from.
var transitions = map[Status][]Status{
	StatusRunning:   {StatusQueued},
	StatusSucceeded: {StatusRunning},
	StatusFailed:    {StatusQueued, StatusRunning},
	StatusCanceled:  {StatusQueued, StatusRunning},
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// CanTransition reports whether a job in from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Predecessors returns the states from which to is reachable.
func Predecessors(to Status) []Status {
	return transitions[to]
}

type Job struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	SourceID   string         `json:"source_id"`
	Status     Status         `json:"status"`
	Error      string         `json:"error,omitempty"`
	LogPath    string         `json:"log_path,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Update describes one status transition. Empty fields leave the stored
// value unchanged.
type Update struct {
	Status  Status
	Error   string
	LogPath string
	Metrics map[string]any
}
