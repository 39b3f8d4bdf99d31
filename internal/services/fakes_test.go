package services

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

var fastPolicy = RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 1}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// scriptedDocs wraps the in-memory document store with hooks for failures
// and slow reads.
type scriptedDocs struct {
	*repositories.MemoryDocumentStore

	mu        sync.Mutex
	insertErr func(doc models.Document) error
	queryFn   func(ctx context.Context, q models.Query) ([]models.Document, error)
	inserts   map[string]int
}

func newScriptedDocs() *scriptedDocs {
	return &scriptedDocs{
		MemoryDocumentStore: repositories.NewMemoryDocumentStore(),
		inserts:             make(map[string]int),
	}
}

func (s *scriptedDocs) Insert(ctx context.Context, collection string, doc models.Document) (string, error) {
	s.mu.Lock()
	s.inserts[doc.ID]++
	hook := s.insertErr
	s.mu.Unlock()

	if hook != nil {
		if err := hook(doc); err != nil {
			return "", err
		}
	}
	return s.MemoryDocumentStore.Insert(ctx, collection, doc)
}

func (s *scriptedDocs) Query(ctx context.Context, q models.Query) ([]models.Document, error) {
	s.mu.Lock()
	fn := s.queryFn
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, q)
	}
	return s.MemoryDocumentStore.Query(ctx, q)
}

func (s *scriptedDocs) insertAttempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts[id]
}

// scriptedRealtime wraps the in-memory realtime store with a failure hook on Set.
type scriptedRealtime struct {
	*repositories.MemoryRealtimeStore

	mu     sync.Mutex
	setErr func(path string) error
	sets   int
}

func newScriptedRealtime() *scriptedRealtime {
	return &scriptedRealtime{MemoryRealtimeStore: repositories.NewMemoryRealtimeStore()}
}

func (s *scriptedRealtime) Set(ctx context.Context, path string, value any) error {
	s.mu.Lock()
	s.sets++
	hook := s.setErr
	s.mu.Unlock()

	if hook != nil {
		if err := hook(path); err != nil {
			return err
		}
	}
	return s.MemoryRealtimeStore.Set(ctx, path, value)
}

func (s *scriptedRealtime) setCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func createdEvent(medicationID string) models.NewEvent {
	return models.NewEvent{
		EventType: models.EventCreated,
		EntityID:  medicationID,
		Payload: models.EventPayload{
			Medication: &models.Medication{
				ID:        medicationID,
				PatientID: "p1",
				Name:      "Metformin",
				Dosage:    "500",
			},
		},
	}
}
