package models

import (
	"fmt"
	"time"
)

// DeviceEvent is a value published by a device on its events path.
type DeviceEvent struct {
	Type          string         `json:"type"`
	MedicationID  string         `json:"medicationId"`
	ScheduledTime string         `json:"scheduledTime,omitempty"`
	Timestamp     int64          `json:"timestamp,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// NewEvent converts the device value into an outbox event for the patient.
// Devices use short type names ("taken", "missed") as well as the full ones.
func (d DeviceEvent) NewEvent(deviceID, patientID string, now time.Time) (NewEvent, error) {
	var eventType EventType
	switch d.Type {
	case "taken", string(EventDoseTaken):
		eventType = EventDoseTaken
	case "missed", string(EventDoseMissed):
		eventType = EventDoseMissed
	default:
		return NewEvent{}, fmt.Errorf("%w: unsupported device event type %q", ErrInvalidEvent, d.Type)
	}

	recorded := now
	if d.Timestamp > 0 {
		recorded = time.UnixMilli(d.Timestamp).UTC()
	}

	dose := &DoseRecord{
		MedicationID:  d.MedicationID,
		PatientID:     patientID,
		DeviceID:      deviceID,
		ScheduledTime: d.ScheduledTime,
		RecordedAt:    recorded,
	}
	if eventType == EventDoseTaken {
		dose.TakenAt = &recorded
	}

	ev := NewEvent{
		EventType: eventType,
		EntityID:  d.MedicationID,
		Payload:   EventPayload{Dose: dose, Extra: d.Extra},
	}
	return ev, ev.Validate()
}
