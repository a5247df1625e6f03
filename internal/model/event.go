package model

import (
	"time"

	"github.com/scania/scanhub/internal/finding"
)

type EventType string

const (
	EventProgress     EventType = "progress_update"
	EventStatusChange EventType = "status_change"
	EventFinding      EventType = "vulnerability_found"
	EventCompletion   EventType = "scan_completion"
	EventNotice       EventType = "system_notice"
	EventSubscribed   EventType = "subscription_confirmed"
	EventHeartbeat    EventType = "heartbeat"
	EventPong         EventType = "pong"
	EventError        EventType = "error"
)

// Event is a progress or notification message delivered to live observers.
type Event struct {
	Type            EventType        `json:"type"`
	JobID           string           `json:"jobId,omitempty"`
	OverallProgress float64          `json:"overallProgress"`
	Message         string           `json:"message,omitempty"`
	Status          Status           `json:"status,omitempty"`
	ScannerKind     ScanKind         `json:"scannerKind,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	Summary         *finding.Summary `json:"summary,omitempty"`
	DurationSeconds float64          `json:"durationSeconds,omitempty"`
	Finding         *finding.Finding `json:"finding,omitempty"`
}

// Terminal reports whether the event announces that its job has finished.
func (e Event) Terminal() bool {
	return e.Type == EventCompletion || (e.Type == EventStatusChange && e.Status.Terminal())
}

// Stateful events carry job state and are kept as the job snapshot.
func (e Event) Stateful() bool {
	switch e.Type {
	case EventProgress, EventStatusChange, EventCompletion:
		return true
	}
	return false
}

// JobEvent builds an event of type typ describing the current state of j.
func JobEvent(typ EventType, j Job, now time.Time) Event {
	return Event{
		Type:            typ,
		JobID:           j.ID,
		OverallProgress: j.Progress,
		Message:         j.Message,
		Status:          j.Status,
		Timestamp:       now.UTC(),
	}
}
