package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

const (
	outboxStorageKey = "outbox:events"

	DefaultFlushInterval    = 5 * time.Minute
	DefaultEventsCollection = "medication_events"
)

type OutboxOptions struct {
	// Collection receives delivered events. Defaults to DefaultEventsCollection.
	Collection     string
	FlushInterval  time.Duration
	DeliveryPolicy *RetryPolicy
	PersistPolicy  *RetryPolicy
	Logger         *log.Logger
	Now            func() time.Time
}

// FlushResult summarises one flush pass.
type FlushResult struct {
	Skipped     bool      `json:"skipped"`
	Attempted   int       `json:"attempted"`
	Delivered   int       `json:"delivered"`
	Failed      int       `json:"failed"`
	Pending     int       `json:"pending"`
	CompletedAt time.Time `json:"completedAt"`
}

// Outbox is a durable FIFO of domain events awaiting delivery to the
// document store. Enqueue persists before returning; delivery happens on the
// background loop started by Start, or on an explicit Flush.
type Outbox struct {
	docs       repositories.DocumentStore
	storage    repositories.LocalStorage
	collection string
	interval   time.Duration
	delivery   RetryPolicy
	persist    RetryPolicy
	logger     *log.Logger
	now        func() time.Time

	mu       sync.Mutex
	events   []models.QueuedEvent
	flushing bool

	complete broadcaster[FlushResult]

	trigger  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

func NewOutbox(docs repositories.DocumentStore, storage repositories.LocalStorage, opts *OutboxOptions) *Outbox {
	if opts == nil {
		opts = &OutboxOptions{}
	}

	o := &Outbox{
		docs:       docs,
		storage:    storage,
		collection: opts.Collection,
		interval:   opts.FlushInterval,
		delivery:   DeliveryPolicy,
		persist:    PersistPolicy,
		logger:     opts.Logger,
		now:        opts.Now,
		trigger:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if o.collection == "" {
		o.collection = DefaultEventsCollection
	}
	if o.interval <= 0 {
		o.interval = DefaultFlushInterval
	}
	if opts.DeliveryPolicy != nil {
		o.delivery = *opts.DeliveryPolicy
	}
	if opts.PersistPolicy != nil {
		o.persist = *opts.PersistPolicy
	}
	if o.logger == nil {
		o.logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Load reads the persisted queue. A missing or unreadable queue is treated as
// empty. Events already held in memory and missing from storage are kept
// after the persisted ones.
func (o *Outbox) Load(ctx context.Context) {
	events := o.readPersisted(ctx)

	o.mu.Lock()
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		seen[ev.ID] = true
	}
	for _, ev := range o.events {
		if !seen[ev.ID] {
			events = append(events, ev)
		}
	}
	o.events = events
	o.mu.Unlock()

	if len(events) > 0 {
		o.logger.Printf("Loaded %d queued event(s)", len(events))
	}
}

func (o *Outbox) readPersisted(ctx context.Context) []models.QueuedEvent {
	raw, ok, err := o.storage.Get(ctx, outboxStorageKey)
	if err != nil {
		o.logger.Printf("WARNING: failed to read queue, starting empty: %v", err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var events []models.QueuedEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		o.logger.Printf("WARNING: queue is corrupt, starting empty: %v", err)
		return nil
	}

	// Events that can never be delivered stay visible for diagnostics but are
	// excluded from flushing.
	for i := range events {
		ev := &events[i]
		valid := models.NewEvent{EventType: ev.EventType, EntityID: ev.EntityID, Payload: ev.Payload}.Validate()
		if valid != nil && ev.SyncStatus != models.SyncFailed {
			ev.SyncStatus = models.SyncFailed
			ev.LastError = valid.Error()
		}
	}
	return events
}

// Start loads the persisted queue and runs the background flush loop until
// Stop is called or ctx is done. Pending events from a previous run are
// flushed right away.
func (o *Outbox) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.Load(ctx)
	go o.run(ctx)
	o.signal()
}

func (o *Outbox) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			o.Flush(ctx)
		case <-o.trigger:
			o.Flush(ctx)
		}
	}
}

// Stop ends the background loop and waits for an in-progress pass to return.
func (o *Outbox) Stop() {
	o.stopOnce.Do(func() {
		close(o.stop)
	})

	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if started {
		<-o.done
	}
}

// Foreground is called when the host process returns to the foreground.
func (o *Outbox) Foreground() {
	o.signal()
}

func (o *Outbox) signal() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Enqueue assigns an id and timestamp to ev, appends it and persists the
// whole queue before returning. A persistence failure is logged, not returned:
// the event stays queued in memory and is written with the next change.
func (o *Outbox) Enqueue(ctx context.Context, ev models.NewEvent) (*models.QueuedEvent, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	queued := models.QueuedEvent{
		ID:         uuid.New().String(),
		EventType:  ev.EventType,
		EntityID:   ev.EntityID,
		Payload:    ev.Payload,
		Timestamp:  o.now().UTC(),
		SyncStatus: models.SyncPending,
	}

	o.mu.Lock()
	o.events = append(o.events, queued)
	o.persistLocked(ctx)
	o.mu.Unlock()

	o.signal()
	return &queued, nil
}

// Flush makes one delivery pass over pending events. If a pass is already
// running the call returns immediately with Skipped set.
func (o *Outbox) Flush(ctx context.Context) FlushResult {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return FlushResult{Skipped: true}
	}
	o.flushing = true

	var pending []models.QueuedEvent
	for _, ev := range o.events {
		if ev.SyncStatus == models.SyncPending {
			pending = append(pending, ev)
		}
	}
	o.mu.Unlock()

	failures := make(map[string]error)
	result := FlushResult{}
	for _, ev := range pending {
		if ctx.Err() != nil {
			break
		}
		result.Attempted++

		err := Do(ctx, o.delivery, RetryContext{Operation: "outbox.deliver", Key: ev.ID}, func(ctx context.Context) error {
			doc, err := ev.Document()
			if err != nil {
				return err
			}
			_, err = o.docs.Insert(ctx, o.collection, doc)
			return err
		})
		if err != nil && ctx.Err() != nil {
			// Interrupted, not failed: the event keeps its retry count.
			result.Attempted--
			break
		}
		if err != nil {
			o.logger.Printf("WARNING: failed to deliver event %s (%s): %v", ev.ID, ev.EventType, err)
			failures[ev.ID] = err
			result.Failed++
			continue
		}
		result.Delivered++
	}

	attempted := make(map[string]bool, result.Attempted)
	for _, ev := range pending[:result.Attempted] {
		attempted[ev.ID] = true
	}

	o.mu.Lock()
	kept := o.events[:0:0]
	for _, ev := range o.events {
		if attempted[ev.ID] {
			err, failed := failures[ev.ID]
			if !failed {
				continue
			}
			ev.RetryCount++
			ev.LastError = err.Error()
		}
		kept = append(kept, ev)
	}
	o.events = kept
	if result.Attempted > 0 {
		o.persistLocked(context.WithoutCancel(ctx))
	}
	result.Pending = o.pendingLocked()
	result.CompletedAt = o.now().UTC()
	o.flushing = false
	o.mu.Unlock()

	if result.Delivered > 0 {
		o.logger.Printf("Delivered %d event(s), %d pending", result.Delivered, result.Pending)
	}
	o.complete.emit(result)
	return result
}

// OnSyncComplete registers cb to be called after every flush pass.
func (o *Outbox) OnSyncComplete(cb func(FlushResult)) (unsubscribe func()) {
	return o.complete.subscribe(cb)
}

func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingLocked()
}

func (o *Outbox) pendingLocked() int {
	n := 0
	for _, ev := range o.events {
		if ev.SyncStatus == models.SyncPending {
			n++
		}
	}
	return n
}

// AllEvents returns a copy of the queue in insertion order.
func (o *Outbox) AllEvents() []models.QueuedEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.QueuedEvent(nil), o.events...)
}

// ClearQueue drops every queued event, delivered or not.
func (o *Outbox) ClearQueue(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.events = nil
	err := Do(ctx, o.persist, RetryContext{Operation: "outbox.clear", Key: outboxStorageKey}, func(ctx context.Context) error {
		return o.storage.Remove(ctx, outboxStorageKey)
	})
	if err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// persistLocked writes the full queue. Callers hold o.mu, which makes this the
// single writer for the storage key.
func (o *Outbox) persistLocked(ctx context.Context) {
	data, err := json.Marshal(o.events)
	if err != nil {
		o.logger.Printf("ERROR: failed to marshal queue: %v", err)
		return
	}

	err = Do(ctx, o.persist, RetryContext{Operation: "outbox.persist", Key: outboxStorageKey}, func(ctx context.Context) error {
		return o.storage.Set(ctx, outboxStorageKey, string(data))
	})
	if err != nil {
		o.logger.Printf("ERROR: failed to persist queue: %v", err)
	}
}
