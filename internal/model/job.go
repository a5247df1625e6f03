package model

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/scania/scanhub/internal/finding"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is an edge of
// pending -> running -> {completed, failed, cancelled}.
// Pending jobs may be cancelled or failed before they start.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Job is one scan request spanning one or more scan kinds against one target.
type Job struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner,omitempty"`
	Target      string          `json:"target"`
	Kinds       []ScanKind      `json:"kinds"`
	Options     map[string]any  `json:"options,omitempty"`
	Status      Status          `json:"status"`
	Progress    float64         `json:"progress"`
	Message     string          `json:"message,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	Error       string          `json:"error,omitempty"`
	Summary     finding.Summary `json:"summary"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// NewJob creates a pending job with a fresh id.
func NewJob(owner string, target Target, kinds []ScanKind, options map[string]any, now time.Time) Job {
	return Job{
		ID:        uuid.NewString(),
		Owner:     owner,
		Target:    target.String(),
		Kinds:     slices.Clone(kinds),
		Options:   maps.Clone(options),
		Status:    StatusPending,
		Message:   "Scan queued",
		CreatedAt: now.UTC(),
	}
}

// Transition moves the job to status to, stamping the timestamps. Terminal
// jobs reject every transition with ErrTerminal.
func (j *Job) Transition(to Status, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, j.ID, j.Status)
	}
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	now = now.UTC()
	j.Status = to
	switch {
	case to == StatusRunning:
		j.StartedAt = &now
	case to.Terminal():
		j.CompletedAt = &now
		if to == StatusCompleted {
			j.Progress = 100
		}
	}
	return nil
}

// Duration returns the run time of a started job; running jobs are measured against now.
func (j Job) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// Clone returns a deep enough copy for the job to be handed to another goroutine.
func (j Job) Clone() Job {
	j.Kinds = slices.Clone(j.Kinds)
	j.Options = maps.Clone(j.Options)
	j.Warnings = slices.Clone(j.Warnings)
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}

// JobRequest is what a caller submits.
type JobRequest struct {
	Target  string         `json:"target"`
	Kinds   []string       `json:"kinds"`
	Options map[string]any `json:"options,omitempty"`
	// Deferred leaves the job pending until it is started explicitly.
	Deferred bool `json:"deferred,omitempty"`
}

// Validate parses the request target and kinds.
func (r JobRequest) Validate() (Target, []ScanKind, error) {
	target, err := ParseTarget(r.Target)
	if err != nil {
		return Target{}, nil, err
	}
	kinds, err := ParseScanKinds(r.Kinds)
	if err != nil {
		return Target{}, nil, err
	}
	return target, kinds, nil
}
