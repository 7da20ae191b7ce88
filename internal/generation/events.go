package generation

import (
	"context"
	"time"
)

type EventType string

const (
	EventJobCreated   EventType = "job_created"
	EventJobQueued    EventType = "job_queued"
	EventJobStarted   EventType = "job_started"
	EventJobProgress  EventType = "job_progress"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
)

// Event is a lifecycle notification emitted by the queue. Events flow one
// way: the queue publishes, collaborators (metrics, websocket notifiers)
// consume. The queue never reads them back.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`

	// Progress is set on job_progress events only.
	Progress *Progress `json:"progress,omitempty"`
}

// Publisher delivers lifecycle events to whatever fan-out mechanism the
// deployment uses. Subscription management is the collaborator's problem.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher drops every event. Used when no sink is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
