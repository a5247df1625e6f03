// Package store persists jobs and their findings.
package store

import (
	"context"
	"fmt"

	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/model"
)

var (
	ErrNotFound = fmt.Errorf("job: %w", model.ErrNotFound)
	// ErrAlreadyFinished rejects any update of a finished job.
	ErrAlreadyFinished = fmt.Errorf("store: %w", model.ErrTerminal)
	ErrExists          = fmt.Errorf("job: %w: already exists", model.ErrValidation)
)

// Store is safe for concurrent use. Jobs are returned as copies.
type Store interface {
	Create(ctx context.Context, job model.Job) error
	Get(ctx context.Context, id string) (model.Job, error)
	// Update replaces a stored job. A terminal job is read-only.
	Update(ctx context.Context, job model.Job) error
	// SaveFindings replaces the findings of a job.
	SaveFindings(ctx context.Context, jobID string, findings []finding.Finding) error
	// Findings returns the findings of a job, most severe first.
	Findings(ctx context.Context, jobID string) ([]finding.Finding, error)
	// ListByStatus returns the jobs in any of the given states, oldest first.
	ListByStatus(ctx context.Context, statuses ...model.Status) ([]model.Job, error)
	Close() error
}

func checkUpdate(stored model.Job) error {
	if stored.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, stored.ID, stored.Status)
	}
	return nil
}
