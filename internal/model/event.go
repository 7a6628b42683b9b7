package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventDeleted EventType = "DELETED"
)

// ChangeEvent is immutable once built: Task is a value copy and TaskID is
// always set. Task is nil for EventDeleted.
type ChangeEvent struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	Task       *Task     `json:"task,omitempty"`
	TaskID     int64     `json:"task_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func TaskCreated(t Task) ChangeEvent {
	return newSnapshotEvent(EventCreated, t)
}

func TaskUpdated(t Task) ChangeEvent {
	return newSnapshotEvent(EventUpdated, t)
}

func TaskDeleted(id int64) ChangeEvent {
	return ChangeEvent{
		ID:         uuid.New(),
		Type:       EventDeleted,
		TaskID:     id,
		OccurredAt: time.Now().UTC(),
	}
}

func newSnapshotEvent(typ EventType, t Task) ChangeEvent {
	return ChangeEvent{
		ID:         uuid.New(),
		Type:       typ,
		Task:       &t,
		TaskID:     t.ID,
		OccurredAt: time.Now().UTC(),
	}
}
