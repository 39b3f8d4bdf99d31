package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
)

type memorySubscription struct {
	query    models.Query
	onChange ChangeHandler
}

// MemoryDocumentStore is a goroutine-safe in-process DocumentStore.
// Change handlers run synchronously on the writer's goroutine.
type MemoryDocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	order       map[string][]string
	subs        map[int]*memorySubscription
	nextSub     int
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		collections: make(map[string]map[string]map[string]any),
		order:       make(map[string][]string),
		subs:        make(map[int]*memorySubscription),
	}
}

func (s *MemoryDocumentStore) Insert(ctx context.Context, collection string, doc models.Document) (string, error) {
	id := doc.ID
	if id == "" {
		id = uuid.New().String()
	}
	data := cloneData(doc.Data)

	s.mu.Lock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]map[string]any)
		s.collections[collection] = docs
	}
	_, existed := docs[id]
	docs[id] = data
	if !existed {
		s.order[collection] = append(s.order[collection], id)
	}
	s.mu.Unlock()

	kind := models.ChangeAdded
	if existed {
		kind = models.ChangeModified
	}
	s.notify(collection, kind, models.Document{ID: id, Data: data})
	return id, nil
}

func (s *MemoryDocumentStore) Update(ctx context.Context, collection, id string, partial map[string]any) error {
	s.mu.Lock()
	current, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	merged := cloneData(current)
	for k, v := range partial {
		merged[k] = v
	}
	s.collections[collection][id] = merged
	s.mu.Unlock()

	s.notify(collection, models.ChangeModified, models.Document{ID: id, Data: merged})
	return nil
}

func (s *MemoryDocumentStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	current, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.collections[collection], id)
	ids := s.order[collection]
	for i, existing := range ids {
		if existing == id {
			s.order[collection] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.notify(collection, models.ChangeRemoved, models.Document{ID: id, Data: current})
	return nil
}

func (s *MemoryDocumentStore) GetByID(ctx context.Context, collection, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &models.Document{ID: id, Data: cloneData(data)}, nil
}

func (s *MemoryDocumentStore) Query(ctx context.Context, q models.Query) ([]models.Document, error) {
	s.mu.RLock()
	var docs []models.Document
	for _, id := range s.order[q.Collection] {
		doc := models.Document{ID: id, Data: cloneData(s.collections[q.Collection][id])}
		if q.Matches(q.Collection, doc) {
			docs = append(docs, doc)
		}
	}
	s.mu.RUnlock()

	if q.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			return fmt.Sprint(docs[i].Data[q.OrderBy]) < fmt.Sprint(docs[j].Data[q.OrderBy])
		})
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (s *MemoryDocumentStore) Subscribe(ctx context.Context, q models.Query, onChange ChangeHandler, onErr ErrorHandler) (Unsubscribe, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &memorySubscription{query: q, onChange: onChange}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

// SubscriberCount reports how many live subscriptions exist.
func (s *MemoryDocumentStore) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Count reports how many documents a collection holds.
func (s *MemoryDocumentStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

func (s *MemoryDocumentStore) notify(collection string, kind models.ChangeKind, doc models.Document) {
	s.mu.RLock()
	var handlers []ChangeHandler
	for _, sub := range s.subs {
		if sub.query.Matches(collection, doc) {
			handlers = append(handlers, sub.onChange)
		}
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(kind, models.Document{ID: doc.ID, Data: cloneData(doc.Data)})
	}
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// MemoryRealtimeStore is a goroutine-safe in-process RealtimeStore.
type MemoryRealtimeStore struct {
	mu      sync.RWMutex
	values  map[string]json.RawMessage
	subs    map[string]map[int]ValueHandler
	nextSub int
}

func NewMemoryRealtimeStore() *MemoryRealtimeStore {
	return &MemoryRealtimeStore{
		values: make(map[string]json.RawMessage),
		subs:   make(map[string]map[int]ValueHandler),
	}
}

func (s *MemoryRealtimeStore) Set(ctx context.Context, path string, value any) error {
	var raw json.RawMessage
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		raw = data
	}

	s.mu.Lock()
	if raw == nil {
		delete(s.values, path)
	} else {
		s.values[path] = raw
	}
	handlers := make([]ValueHandler, 0, len(s.subs[path]))
	for _, h := range s.subs[path] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(raw)
	}
	return nil
}

func (s *MemoryRealtimeStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[path], nil
}

func (s *MemoryRealtimeStore) Subscribe(ctx context.Context, path string, onValue ValueHandler, onErr ErrorHandler) (Unsubscribe, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[path] == nil {
		s.subs[path] = make(map[int]ValueHandler)
	}
	s.subs[path][id] = onValue
	current := s.values[path]
	s.mu.Unlock()

	onValue(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[path], id)
			s.mu.Unlock()
		})
	}, nil
}

// SubscriberCount reports how many live subscriptions exist for path.
func (s *MemoryRealtimeStore) SubscriberCount(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[path])
}

// MemoryLocalStorage is a goroutine-safe in-process LocalStorage.
type MemoryLocalStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryLocalStorage() *MemoryLocalStorage {
	return &MemoryLocalStorage{values: make(map[string]string)}
}

func (s *MemoryLocalStorage) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryLocalStorage) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryLocalStorage) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// MemoryDeadLetters records abandoned operations in process.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	entries []DeadLetter
}

func (d *MemoryDeadLetters) Abandon(ctx context.Context, queue string, op models.SyncOperation, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := DeadLetter{Queue: queue, Operation: op}
	if cause != nil {
		entry.Cause = cause.Error()
	}
	d.entries = append(d.entries, entry)
	return nil
}

func (d *MemoryDeadLetters) Entries() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetter(nil), d.entries...)
}

func (d *MemoryDeadLetters) ListByQueue(ctx context.Context, queue string) ([]DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DeadLetter
	for _, e := range d.entries {
		if e.Queue == queue {
			out = append(out, e)
		}
	}
	return out, nil
}
