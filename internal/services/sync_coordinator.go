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
	outboundStorageKey = "sync:outbound"
	inboundStorageKey  = "sync:inbound"

	QueueOutbound = "outbound"
	QueueInbound  = "inbound"

	DefaultSyncInterval          = 10 * time.Second
	DefaultMedicationsCollection = "medications"
	patientField                 = "patientId"
)

// EventEnqueuer accepts events for durable delivery; *Outbox implements it.
type EventEnqueuer interface {
	Enqueue(ctx context.Context, ev models.NewEvent) (*models.QueuedEvent, error)
}

type SyncOptions struct {
	// MedicationsCollection is watched by StartEntitySync.
	MedicationsCollection string
	Interval              time.Duration
	DeliveryPolicy        *RetryPolicy
	PersistPolicy         *RetryPolicy
	// MaxRetries is the number of failed passes before an operation is
	// abandoned. Defaults to models.MaxOperationRetries.
	MaxRetries  int
	DeadLetters repositories.DeadLetterSink
	Logger      *log.Logger
	Now         func() time.Time
}

type opQueue struct {
	name       string
	storageKey string
	deliver    func(ctx context.Context, op models.SyncOperation) error

	mu         sync.Mutex
	ops        []models.SyncOperation
	processing bool
	status     models.QueueStatus
	lastSync   *time.Time
	lastError  string
}

func (q *opQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// SyncCoordinator reconciles medication changes in the document store with
// device state in the realtime store, and routes device events into the
// outbox. Each direction has its own persisted queue.
type SyncCoordinator struct {
	docs       repositories.DocumentStore
	realtime   repositories.RealtimeStore
	storage    repositories.LocalStorage
	outbox     EventEnqueuer
	listeners  *ListenerRegistry
	collection string
	interval   time.Duration
	delivery   RetryPolicy
	persist    RetryPolicy
	maxRetries int
	dead       repositories.DeadLetterSink
	logger     *log.Logger
	now        func() time.Time

	outbound *opQueue
	inbound  *opQueue

	// Newest device event timestamp queued per device.
	seenMu   sync.Mutex
	seenByID map[string]int64

	status broadcaster[models.SyncStatistics]

	lifecycle sync.Mutex
	started   bool
	destroyed bool
	trigger   chan struct{}
	stop      chan struct{}
	done      chan struct{}
}

func NewSyncCoordinator(
	docs repositories.DocumentStore,
	realtime repositories.RealtimeStore,
	storage repositories.LocalStorage,
	outbox EventEnqueuer,
	opts *SyncOptions,
) *SyncCoordinator {
	if opts == nil {
		opts = &SyncOptions{}
	}

	c := &SyncCoordinator{
		docs:       docs,
		realtime:   realtime,
		storage:    storage,
		outbox:     outbox,
		listeners:  NewListenerRegistry(),
		collection: opts.MedicationsCollection,
		interval:   opts.Interval,
		delivery:   DeliveryPolicy,
		persist:    PersistPolicy,
		maxRetries: opts.MaxRetries,
		dead:       opts.DeadLetters,
		logger:     opts.Logger,
		now:        opts.Now,
		seenByID:   make(map[string]int64),
		trigger:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if c.collection == "" {
		c.collection = DefaultMedicationsCollection
	}
	if c.interval <= 0 {
		c.interval = DefaultSyncInterval
	}
	if opts.DeliveryPolicy != nil {
		c.delivery = *opts.DeliveryPolicy
	}
	if opts.PersistPolicy != nil {
		c.persist = *opts.PersistPolicy
	}
	if c.maxRetries <= 0 {
		c.maxRetries = models.MaxOperationRetries
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if c.dead == nil {
		c.dead = loggingDeadLetters{logger: c.logger}
	}
	if c.now == nil {
		c.now = time.Now
	}

	c.outbound = &opQueue{name: QueueOutbound, storageKey: outboundStorageKey, deliver: c.deliverOutbound, status: models.QueueIdle}
	c.inbound = &opQueue{name: QueueInbound, storageKey: inboundStorageKey, deliver: c.deliverInbound, status: models.QueueIdle}
	return c
}

// Start loads both persisted queues and runs the processing loop until
// Destroy is called or ctx is done.
func (c *SyncCoordinator) Start(ctx context.Context) {
	c.lifecycle.Lock()
	if c.started || c.destroyed {
		c.lifecycle.Unlock()
		return
	}
	c.started = true
	c.lifecycle.Unlock()

	c.Load(ctx)
	go c.run(ctx)
	c.signal()
}

// Load merges the persisted queues into memory. Unreadable queues are treated as empty.
func (c *SyncCoordinator) Load(ctx context.Context) {
	for _, q := range []*opQueue{c.outbound, c.inbound} {
		ops := c.readPersisted(ctx, q)

		q.mu.Lock()
		seen := make(map[string]bool, len(ops))
		for _, op := range ops {
			seen[op.ID] = true
		}
		for _, op := range q.ops {
			if !seen[op.ID] {
				ops = append(ops, op)
			}
		}
		q.ops = ops
		if len(ops) > 0 {
			q.status = models.QueuePending
		}
		q.mu.Unlock()
	}
}

func (c *SyncCoordinator) readPersisted(ctx context.Context, q *opQueue) []models.SyncOperation {
	raw, ok, err := c.storage.Get(ctx, q.storageKey)
	if err != nil {
		c.logger.Printf("WARNING: failed to read %s queue, starting empty: %v", q.name, err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var ops []models.SyncOperation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		c.logger.Printf("WARNING: %s queue is corrupt, starting empty: %v", q.name, err)
		return nil
	}
	return ops
}

func (c *SyncCoordinator) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.ProcessPendingOperations(ctx)
		case <-c.trigger:
			c.ProcessPendingOperations(ctx)
		}
	}
}

func (c *SyncCoordinator) signal() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *SyncCoordinator) isDestroyed() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.destroyed
}

func entityListenerKey(entityID string) string { return "entity:" + entityID }

func deviceListenerKey(deviceID string) string { return "device:" + deviceID }

// StartEntitySync watches the medications of entityID (a patient) and queues
// an outbound operation for targetID (a device) on every change. Calling it
// again for the same entity replaces the existing listener.
func (c *SyncCoordinator) StartEntitySync(ctx context.Context, entityID, targetID string) error {
	if c.isDestroyed() {
		return fmt.Errorf("sync coordinator destroyed")
	}

	q := models.Query{Collection: c.collection, Field: patientField, Value: entityID}
	onChange := func(kind models.ChangeKind, doc models.Document) {
		c.handleEntityChange(kind, doc, targetID)
	}
	onErr := func(err error) {
		c.logger.Printf("WARNING: entity listener %s failed: %v", entityID, err)
	}

	err := c.listeners.Start(entityListenerKey(entityID), func() (repositories.Unsubscribe, error) {
		return c.docs.Subscribe(ctx, q, onChange, onErr)
	})
	if err != nil {
		return fmt.Errorf("failed to start entity sync for %s: %w", entityID, err)
	}

	c.logger.Printf("Started entity sync: %s -> %s", entityID, targetID)
	return nil
}

func (c *SyncCoordinator) handleEntityChange(kind models.ChangeKind, doc models.Document, targetID string) {
	if c.isDestroyed() {
		return
	}

	opKind, ok := models.OperationKindForChange(kind)
	if !ok {
		c.logger.Printf("WARNING: ignoring unknown change kind %q for %s", kind, doc.ID)
		return
	}

	op := models.SyncOperation{
		SourceEntityID: doc.ID,
		TargetID:       targetID,
		Kind:           opKind,
	}
	if opKind != models.OperationDelete {
		data, err := json.Marshal(doc.Data)
		if err != nil {
			c.logger.Printf("ERROR: failed to marshal change for %s: %v", doc.ID, err)
			return
		}
		op.Data = data
	}

	c.QueueEntitySync(context.Background(), op)
}

func (c *SyncCoordinator) StopEntitySync(entityID string) {
	c.listeners.Stop(entityListenerKey(entityID))
}

// StartDeviceEventSync watches the events path of deviceID and forwards every
// value to the outbox on behalf of entityID (a patient).
func (c *SyncCoordinator) StartDeviceEventSync(ctx context.Context, deviceID, entityID string) error {
	if c.isDestroyed() {
		return fmt.Errorf("sync coordinator destroyed")
	}

	path := models.DeviceEventsPath(deviceID)
	onValue := func(value json.RawMessage) {
		if c.isDestroyed() || len(value) == 0 || string(value) == "null" {
			return
		}
		// Subscribe delivers the value already at path first, so a restarted
		// listener sees the last event again.
		if !c.markDeviceEvent(deviceID, value) {
			return
		}
		c.QueueDeviceEventSync(context.Background(), models.SyncOperation{
			SourceEntityID: deviceID,
			TargetID:       entityID,
			Kind:           models.OperationCreate,
			Data:           append(json.RawMessage(nil), value...),
		})
	}
	onErr := func(err error) {
		c.logger.Printf("WARNING: device listener %s failed: %v", deviceID, err)
	}

	err := c.listeners.Start(deviceListenerKey(deviceID), func() (repositories.Unsubscribe, error) {
		return c.realtime.Subscribe(ctx, path, onValue, onErr)
	})
	if err != nil {
		return fmt.Errorf("failed to start device event sync for %s: %w", deviceID, err)
	}

	c.logger.Printf("Started device event sync: %s -> %s", deviceID, entityID)
	return nil
}

// markDeviceEvent reports whether value is newer than the last event queued
// for deviceID. Values without a timestamp are always new.
func (c *SyncCoordinator) markDeviceEvent(deviceID string, value json.RawMessage) bool {
	var stamp struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(value, &stamp); err != nil || stamp.Timestamp <= 0 {
		return true
	}

	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if stamp.Timestamp <= c.seenByID[deviceID] {
		return false
	}
	c.seenByID[deviceID] = stamp.Timestamp
	return true
}

func (c *SyncCoordinator) StopDeviceEventSync(deviceID string) {
	c.listeners.Stop(deviceListenerKey(deviceID))
}

// ActiveListeners returns the keys of live subscriptions.
func (c *SyncCoordinator) ActiveListeners() []string {
	return c.listeners.Keys()
}

// QueueEntitySync appends an outbound operation and triggers processing.
func (c *SyncCoordinator) QueueEntitySync(ctx context.Context, op models.SyncOperation) models.SyncOperation {
	return c.enqueue(ctx, c.outbound, op)
}

// QueueDeviceEventSync appends an inbound operation and triggers processing.
func (c *SyncCoordinator) QueueDeviceEventSync(ctx context.Context, op models.SyncOperation) models.SyncOperation {
	return c.enqueue(ctx, c.inbound, op)
}

func (c *SyncCoordinator) enqueue(ctx context.Context, q *opQueue, op models.SyncOperation) models.SyncOperation {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = c.now().UTC()
	}
	op.RetryCount = 0

	q.mu.Lock()
	q.ops = append(q.ops, op)
	if !q.processing {
		q.status = models.QueuePending
	}
	c.persistLocked(ctx, q)
	q.mu.Unlock()

	c.emitStatus()
	c.signal()
	return op
}

// PendingOperations returns a copy of the named queue.
func (c *SyncCoordinator) PendingOperations(queue string) []models.SyncOperation {
	q := c.outbound
	if queue == QueueInbound {
		q = c.inbound
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.SyncOperation(nil), q.ops...)
}

// ProcessPendingOperations makes one delivery pass over each queue. A queue
// that is empty or already being processed is skipped.
func (c *SyncCoordinator) ProcessPendingOperations(ctx context.Context) {
	c.processQueue(ctx, c.outbound)
	c.processQueue(ctx, c.inbound)
}

type abandonedOp struct {
	op    models.SyncOperation
	cause error
}

func (c *SyncCoordinator) processQueue(ctx context.Context, q *opQueue) {
	q.mu.Lock()
	if q.processing || len(q.ops) == 0 {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.status = models.QueueSyncing
	snapshot := append([]models.SyncOperation(nil), q.ops...)
	q.mu.Unlock()
	c.emitStatus()

	results := make(map[string]error, len(snapshot))
	for _, op := range snapshot {
		if ctx.Err() != nil {
			break
		}
		err := Do(ctx, c.delivery, RetryContext{Operation: "sync." + q.name, Key: op.ID}, func(ctx context.Context) error {
			return q.deliver(ctx, op)
		})
		if err != nil && ctx.Err() != nil {
			// Interrupted, not failed: the op keeps its retry count.
			break
		}
		results[op.ID] = err
		if err != nil {
			c.logger.Printf("WARNING: %s operation %s (%s %s) failed: %v", q.name, op.ID, op.Kind, op.SourceEntityID, err)
		}
	}

	var abandoned []abandonedOp
	failed := 0

	q.mu.Lock()
	kept := make([]models.SyncOperation, 0, len(q.ops))
	for _, op := range q.ops {
		err, attempted := results[op.ID]
		if !attempted {
			kept = append(kept, op)
			continue
		}
		if err == nil {
			continue
		}
		failed++
		op.RetryCount++
		q.lastError = err.Error()
		if IsPermanent(err) || op.RetryCount >= c.maxRetries {
			abandoned = append(abandoned, abandonedOp{op: op, cause: err})
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept

	now := c.now().UTC()
	q.lastSync = &now
	switch {
	case len(kept) > 0 && len(results) > 0 && failed == len(results):
		q.status = models.QueueError
	case len(kept) > 0:
		q.status = models.QueuePending
	default:
		q.status = models.QueueSynced
		q.lastError = ""
	}
	c.persistLocked(context.WithoutCancel(ctx), q)
	q.processing = false
	q.mu.Unlock()

	for _, a := range abandoned {
		c.logger.Printf("ERROR: abandoning %s operation %s after %d attempt(s): %v", q.name, a.op.ID, a.op.RetryCount, a.cause)
		if err := c.dead.Abandon(context.WithoutCancel(ctx), q.name, a.op, a.cause); err != nil {
			c.logger.Printf("ERROR: failed to record abandoned operation %s: %v", a.op.ID, err)
		}
	}

	c.emitStatus()
}

// deliverOutbound writes the device projection of a medication, or a null
// tombstone for deletes.
func (c *SyncCoordinator) deliverOutbound(ctx context.Context, op models.SyncOperation) error {
	path := models.DeviceMedicationPath(op.TargetID, op.SourceEntityID)

	switch op.Kind {
	case models.OperationDelete:
		return c.realtime.Set(ctx, path, nil)
	case models.OperationCreate, models.OperationUpdate:
		if len(op.Data) == 0 {
			return fmt.Errorf("%w: %s operation without data", models.ErrInvalidOperation, op.Kind)
		}
		med, err := models.MedicationFromData(op.SourceEntityID, op.Data)
		if err != nil {
			return fmt.Errorf("%w: %w", models.ErrInvalidOperation, err)
		}
		return c.realtime.Set(ctx, path, med.DeviceProjection(c.now()))
	}
	return fmt.Errorf("%w: unknown operation kind %q", models.ErrInvalidOperation, op.Kind)
}

// deliverInbound hands a device event to the outbox.
func (c *SyncCoordinator) deliverInbound(ctx context.Context, op models.SyncOperation) error {
	var de models.DeviceEvent
	if err := json.Unmarshal(op.Data, &de); err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidOperation, err)
	}

	ev, err := de.NewEvent(op.SourceEntityID, op.TargetID, c.now().UTC())
	if err != nil {
		return err
	}
	_, err = c.outbox.Enqueue(ctx, ev)
	return err
}

func (c *SyncCoordinator) persistLocked(ctx context.Context, q *opQueue) {
	data, err := json.Marshal(q.ops)
	if err != nil {
		c.logger.Printf("ERROR: failed to marshal %s queue: %v", q.name, err)
		return
	}

	err = Do(ctx, c.persist, RetryContext{Operation: "sync.persist", Key: q.storageKey}, func(ctx context.Context) error {
		return c.storage.Set(ctx, q.storageKey, string(data))
	})
	if err != nil {
		c.logger.Printf("ERROR: failed to persist %s queue: %v", q.name, err)
	}
}

func (c *SyncCoordinator) SyncStatistics() models.SyncStatistics {
	var stats models.SyncStatistics

	c.outbound.mu.Lock()
	stats.LastEntitySync = c.outbound.lastSync
	stats.PendingEntityOps = len(c.outbound.ops)
	stats.EntitySyncStatus = c.outbound.status
	stats.LastEntityError = c.outbound.lastError
	c.outbound.mu.Unlock()

	c.inbound.mu.Lock()
	stats.LastDeviceEventSync = c.inbound.lastSync
	stats.PendingDeviceOps = len(c.inbound.ops)
	stats.DeviceEventSyncStatus = c.inbound.status
	stats.LastDeviceEventError = c.inbound.lastError
	c.inbound.mu.Unlock()

	return stats
}

// OnSyncStatusChange registers cb for every status transition.
func (c *SyncCoordinator) OnSyncStatusChange(cb func(models.SyncStatistics)) (unsubscribe func()) {
	return c.status.subscribe(cb)
}

func (c *SyncCoordinator) emitStatus() {
	c.status.emit(c.SyncStatistics())
}

// Destroy stops the processing loop and every listener and drops status
// subscribers. It is safe to call more than once.
func (c *SyncCoordinator) Destroy() {
	c.lifecycle.Lock()
	if c.destroyed {
		c.lifecycle.Unlock()
		return
	}
	c.destroyed = true
	started := c.started
	close(c.stop)
	c.lifecycle.Unlock()

	if started {
		<-c.done
	}
	c.listeners.StopAll()
	c.status.clear()
	c.logger.Printf("Sync coordinator destroyed")
}

type loggingDeadLetters struct {
	logger *log.Logger
}

func (d loggingDeadLetters) Abandon(ctx context.Context, queue string, op models.SyncOperation, cause error) error {
	d.logger.Printf("DEAD LETTER: %s %s %s -> %s (retries=%d): %v", queue, op.Kind, op.SourceEntityID, op.TargetID, op.RetryCount, cause)
	return nil
}
