package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent is returned when an event does not carry the fields its type requires.
var ErrInvalidEvent = errors.New("invalid event")

type EventType string

const (
	EventCreated    EventType = "created"
	EventUpdated    EventType = "updated"
	EventDeleted    EventType = "deleted"
	EventDoseTaken  EventType = "dose_taken"
	EventDoseMissed EventType = "dose_missed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventUpdated, EventDeleted, EventDoseTaken, EventDoseMissed:
		return true
	}
	return false
}

func (t EventType) IsDose() bool {
	return t == EventDoseTaken || t == EventDoseMissed
}

type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncDelivered SyncStatus = "delivered"
	SyncFailed    SyncStatus = "failed"
)

type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

type DoseRecord struct {
	MedicationID  string     `json:"medicationId"`
	PatientID     string     `json:"patientId,omitempty"`
	DeviceID      string     `json:"deviceId,omitempty"`
	ScheduledTime string     `json:"scheduledTime,omitempty"`
	RecordedAt    time.Time  `json:"recordedAt"`
	TakenAt       *time.Time `json:"takenAt,omitempty"`
}

// EventPayload is a tagged union keyed by the owning event's EventType.
// Medication events carry Medication (and Changes for updates), dose events
// carry Dose. Extra holds fields the model does not know about yet.
type EventPayload struct {
	Medication *Medication    `json:"medication,omitempty"`
	Changes    []FieldChange  `json:"changes,omitempty"`
	Dose       *DoseRecord    `json:"dose,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// NewEvent is what upstream producers hand to the outbox; the outbox assigns
// the id and timestamp.
type NewEvent struct {
	EventType EventType    `json:"eventType"`
	EntityID  string       `json:"medicationId"`
	Payload   EventPayload `json:"payload"`
}

func (e NewEvent) Validate() error {
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.EventType)
	}
	if e.EntityID == "" {
		return fmt.Errorf("%w: medicationId is required", ErrInvalidEvent)
	}

	p := e.Payload
	switch e.EventType {
	case EventCreated, EventUpdated:
		if p.Medication == nil {
			return fmt.Errorf("%w: %s event requires a medication snapshot", ErrInvalidEvent, e.EventType)
		}
	case EventDoseTaken, EventDoseMissed:
		if p.Dose == nil {
			return fmt.Errorf("%w: %s event requires a dose record", ErrInvalidEvent, e.EventType)
		}
	}
	if len(p.Changes) > 0 && e.EventType != EventUpdated {
		return fmt.Errorf("%w: field changes are only valid on updated events", ErrInvalidEvent)
	}
	return nil
}

type QueuedEvent struct {
	ID         string       `json:"id"`
	EventType  EventType    `json:"eventType"`
	EntityID   string       `json:"medicationId"`
	Payload    EventPayload `json:"payload"`
	Timestamp  time.Time    `json:"timestamp"`
	SyncStatus SyncStatus   `json:"syncStatus"`
	RetryCount int          `json:"retryCount"`
	LastError  string       `json:"lastError,omitempty"`
}

// Document renders the event as the record written to the document store.
// Local delivery bookkeeping is not part of the remote record.
func (e QueuedEvent) Document() (Document, error) {
	remote := struct {
		ID        string       `json:"id"`
		EventType EventType    `json:"eventType"`
		EntityID  string       `json:"medicationId"`
		Payload   EventPayload `json:"payload"`
		Timestamp string       `json:"timestamp"`
	}{
		ID:        e.ID,
		EventType: e.EventType,
		EntityID:  e.EntityID,
		Payload:   e.Payload,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	data, err := json.Marshal(remote)
	if err != nil {
		return Document{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Document{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return Document{ID: e.ID, Data: fields}, nil
}
