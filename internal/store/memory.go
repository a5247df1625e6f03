package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/model"
)

// Memory keeps everything in process memory.
type Memory struct {
	mx       sync.RWMutex
	jobs     map[string]model.Job
	findings map[string][]finding.Finding
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]model.Job),
		findings: make(map[string][]finding.Finding),
	}
}

func (m *Memory) Create(_ context.Context, job model.Job) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrExists
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (model.Job, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) Update(_ context.Context, job model.Job) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	stored, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if err := checkUpdate(stored); err != nil {
		return err
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) SaveFindings(_ context.Context, jobID string, findings []finding.Finding) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return ErrNotFound
	}
	m.findings[jobID] = finding.Merge(findings)
	return nil
}

func (m *Memory) Findings(_ context.Context, jobID string) ([]finding.Finding, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(m.findings[jobID]), nil
}

func (m *Memory) ListByStatus(_ context.Context, statuses ...model.Status) ([]model.Job, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	var out []model.Job
	for _, j := range m.jobs {
		if slices.Contains(statuses, j.Status) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) Close() error { return nil }
