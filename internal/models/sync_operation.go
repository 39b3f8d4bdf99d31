package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidOperation is returned when a queued operation cannot be delivered as written.
var ErrInvalidOperation = errors.New("invalid sync operation")

// MaxOperationRetries is the number of failed processing passes after which
// an operation is abandoned.
const MaxOperationRetries = 5

type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

type SyncOperation struct {
	ID             string          `json:"id"`
	SourceEntityID string          `json:"sourceEntityId"`
	TargetID       string          `json:"targetId"`
	Kind           OperationKind   `json:"operationKind"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	RetryCount     int             `json:"retryCount"`
}

// OperationKindForChange maps a document change onto the operation that replays it.
func OperationKindForChange(kind ChangeKind) (OperationKind, bool) {
	switch kind {
	case ChangeAdded:
		return OperationCreate, true
	case ChangeModified:
		return OperationUpdate, true
	case ChangeRemoved:
		return OperationDelete, true
	}
	return "", false
}

type QueueStatus string

const (
	QueueIdle    QueueStatus = "idle"
	QueueSyncing QueueStatus = "syncing"
	QueuePending QueueStatus = "pending"
	QueueSynced  QueueStatus = "synced"
	QueueError   QueueStatus = "error"
)

type SyncStatistics struct {
	LastEntitySync        *time.Time  `json:"lastEntitySync,omitempty"`
	LastDeviceEventSync   *time.Time  `json:"lastDeviceEventSync,omitempty"`
	PendingEntityOps      int         `json:"pendingEntityOps"`
	PendingDeviceOps      int         `json:"pendingDeviceOps"`
	EntitySyncStatus      QueueStatus `json:"entitySyncStatus"`
	DeviceEventSyncStatus QueueStatus `json:"deviceEventSyncStatus"`
	LastEntityError       string      `json:"lastEntityError,omitempty"`
	LastDeviceEventError  string      `json:"lastDeviceEventError,omitempty"`
}
