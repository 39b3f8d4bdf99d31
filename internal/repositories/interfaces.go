package repositories

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/prudhvinik1/medsync/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnavailable      = errors.New("backend unavailable")
)

// Unsubscribe tears down a live subscription. Calling it more than once is safe.
type Unsubscribe func()

type ChangeHandler func(kind models.ChangeKind, doc models.Document)

type ValueHandler func(value json.RawMessage)

type ErrorHandler func(err error)

// DocumentStore is the remote document database holding collections of JSON documents.
type DocumentStore interface {
	Insert(ctx context.Context, collection string, doc models.Document) (string, error)
	Update(ctx context.Context, collection, id string, partial map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	GetByID(ctx context.Context, collection, id string) (*models.Document, error)
	Query(ctx context.Context, q models.Query) ([]models.Document, error)
	// Subscribe streams changes made after the call returns.
	Subscribe(ctx context.Context, q models.Query, onChange ChangeHandler, onErr ErrorHandler) (Unsubscribe, error)
}

// RealtimeStore is the remote tree of JSON values addressed by slash paths.
// A nil value deletes the path.
type RealtimeStore interface {
	Set(ctx context.Context, path string, value any) error
	Get(ctx context.Context, path string) (json.RawMessage, error)
	// Subscribe delivers the current value (nil when absent) and every later one.
	Subscribe(ctx context.Context, path string, onValue ValueHandler, onErr ErrorHandler) (Unsubscribe, error)
}

// LocalStorage is durable key/value storage on the client host.
type LocalStorage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// DeadLetterSink receives sync operations that were abandoned.
type DeadLetterSink interface {
	Abandon(ctx context.Context, queue string, op models.SyncOperation, cause error) error
}

// DeadLetterReader lists abandoned operations of one queue, oldest first.
type DeadLetterReader interface {
	ListByQueue(ctx context.Context, queue string) ([]DeadLetter, error)
}

type DeadLetter struct {
	Queue     string               `json:"queue"`
	Operation models.SyncOperation `json:"operation"`
	Cause     string               `json:"cause"`
}
