package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Medication struct {
	ID                string     `json:"id"`
	PatientID         string     `json:"patientId"`
	Name              string     `json:"name"`
	Dosage            string     `json:"dosage"`
	DosageUnit        string     `json:"dosageUnit,omitempty"`
	Frequency         string     `json:"frequency,omitempty"`
	ScheduleTimes     []string   `json:"scheduleTimes,omitempty"`
	Instructions      string     `json:"instructions,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	Color             string     `json:"color,omitempty"`
	TrackInventory    bool       `json:"trackInventory"`
	InventoryQuantity int        `json:"inventoryQuantity"`
	PrescribedBy      string     `json:"prescribedBy,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         *time.Time `json:"updatedAt,omitempty"`
}

// DeviceMedication is the shape a dispensing device reads from the realtime store.
type DeviceMedication struct {
	Name           string   `json:"name"`
	Dosage         string   `json:"dosage"`
	Times          []string `json:"times"`
	Frequency      string   `json:"frequency"`
	Icon           string   `json:"icon"`
	TrackInventory bool     `json:"trackInventory"`
	Quantity       int      `json:"quantity"`
	UpdatedAt      int64    `json:"updatedAt"`
}

const defaultDeviceIcon = "💊"

// DeviceProjection drops everything the device does not display.
// now is used when the medication has never been updated.
func (m Medication) DeviceProjection(now time.Time) DeviceMedication {
	updated := now
	if m.UpdatedAt != nil {
		updated = *m.UpdatedAt
	}

	icon := m.Icon
	if icon == "" {
		icon = defaultDeviceIcon
	}

	times := m.ScheduleTimes
	if times == nil {
		times = []string{}
	}

	return DeviceMedication{
		Name:           m.Name,
		Dosage:         strings.TrimSpace(m.Dosage + " " + m.DosageUnit),
		Times:          times,
		Frequency:      m.Frequency,
		Icon:           icon,
		TrackInventory: m.TrackInventory,
		Quantity:       m.InventoryQuantity,
		UpdatedAt:      updated.UnixMilli(),
	}
}

// MedicationFromData decodes a medication from a document body.
func MedicationFromData(id string, data []byte) (*Medication, error) {
	var med Medication
	if err := json.Unmarshal(data, &med); err != nil {
		return nil, fmt.Errorf("failed to unmarshal medication: %w", err)
	}
	if med.ID == "" {
		med.ID = id
	}
	return &med, nil
}

// DeviceMedicationPath is where a device reads a single medication.
func DeviceMedicationPath(deviceID, medicationID string) string {
	return "devices/" + deviceID + "/medications/" + medicationID
}

// DeviceEventsPath is where a device publishes dose events.
func DeviceEventsPath(deviceID string) string {
	return "devices/" + deviceID + "/events"
}
