package services

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
)

const cacheKeyPrefix = "cache:"

type Source string

const (
	SourceStatic Source = "static"
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// QueryState is what a consumer renders.
type QueryState struct {
	Data      []models.Document `json:"data"`
	Source    Source            `json:"source"`
	IsLoading bool              `json:"isLoading"`
	Err       error             `json:"-"`
}

type QueryOptions struct {
	CacheKey string
	Query    *models.Query
	// StaticSeed is shown until the cache or the remote read provides data.
	StaticSeed []models.Document
	// DisableRealtime skips the live subscription; the handle then only
	// refreshes on Mutate.
	DisableRealtime bool
	// CacheTTL bounds the age of a cache entry that may be served. Zero
	// serves any cached entry.
	CacheTTL  time.Duration
	OnSuccess func([]models.Document)
	OnError   func(error)
}

type CacheSyncOptions struct {
	PersistPolicy *RetryPolicy
	Logger        *log.Logger
	Now           func() time.Time
}

// CacheSync serves collection queries stale-while-revalidate: a fresh local
// copy first, then the remote result, then live changes.
type CacheSync struct {
	docs      repositories.DocumentStore
	storage   repositories.LocalStorage
	listeners *ListenerRegistry
	persist   RetryPolicy
	logger    *log.Logger
	now       func() time.Time

	writeMu sync.Mutex

	// Handles watching the same cache key share one live subscription.
	liveMu sync.Mutex
	live   map[string]*liveQuery
}

type liveQuery struct {
	query   models.Query
	token   uint64
	members map[*QueryHandle]liveMember
}

type liveMember struct {
	gen  uint64
	opts QueryOptions
}

func NewCacheSync(docs repositories.DocumentStore, storage repositories.LocalStorage, opts *CacheSyncOptions) *CacheSync {
	if opts == nil {
		opts = &CacheSyncOptions{}
	}

	c := &CacheSync{
		docs:      docs,
		storage:   storage,
		listeners: NewListenerRegistry(),
		live:      make(map[string]*liveQuery),
		persist:   PersistPolicy,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if opts.PersistPolicy != nil {
		c.persist = *opts.PersistPolicy
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// ReadCache returns the stored entry for key. A missing or unreadable entry
// is reported as absent.
func (c *CacheSync) ReadCache(ctx context.Context, key string) (*models.CacheEntry, bool) {
	raw, ok, err := c.storage.Get(ctx, cacheKeyPrefix+key)
	if err != nil {
		c.logger.Printf("WARNING: failed to read cache %s: %v", key, err)
		return nil, false
	}
	if !ok || raw == "" {
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Printf("WARNING: cache %s is corrupt, ignoring: %v", key, err)
		return nil, false
	}
	return &entry, true
}

func (c *CacheSync) writeCache(ctx context.Context, key string, data []models.Document, ttl time.Duration) error {
	entry := models.CacheEntry{
		Key:            key,
		Data:           data,
		WriteTimestamp: c.now().UTC(),
		TTLMs:          ttl.Milliseconds(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return Do(ctx, c.persist, RetryContext{Operation: "cache.write", Key: key}, func(ctx context.Context) error {
		return c.storage.Set(ctx, cacheKeyPrefix+key, string(raw))
	})
}

// ActiveListeners returns the cache keys with a live subscription.
func (c *CacheSync) ActiveListeners() []string {
	return c.listeners.Keys()
}

// Close tears down every live subscription.
func (c *CacheSync) Close() {
	c.liveMu.Lock()
	c.live = make(map[string]*liveQuery)
	c.liveMu.Unlock()

	c.listeners.StopAll()
}

// attach adds h to the live subscription of its cache key, starting the
// subscription for the first member or when the query changed.
func (c *CacheSync) attach(h *QueryHandle, gen uint64, opts QueryOptions) {
	key := cacheKeyPrefix + opts.CacheKey
	q := *opts.Query

	c.liveMu.Lock()
	if h.isClosed() {
		c.liveMu.Unlock()
		return
	}
	lq := c.live[key]
	if lq != nil && lq.query == q {
		lq.members[h] = liveMember{gen: gen, opts: opts}
		c.liveMu.Unlock()
		return
	}
	if lq == nil {
		lq = &liveQuery{members: make(map[*QueryHandle]liveMember)}
		c.live[key] = lq
	}
	lq.query = q
	lq.members[h] = liveMember{gen: gen, opts: opts}
	c.liveMu.Unlock()

	token, err := c.listeners.StartOwned(key, func() (repositories.Unsubscribe, error) {
		return c.docs.Subscribe(h.ctx, q,
			func(kind models.ChangeKind, doc models.Document) {
				c.dispatch(key, kind, doc)
			},
			func(err error) {
				c.logger.Printf("WARNING: live query %s failed: %v", opts.CacheKey, err)
			},
		)
	})

	c.liveMu.Lock()
	if err != nil {
		if c.live[key] == lq {
			delete(c.live, key)
		}
		c.liveMu.Unlock()
		c.logger.Printf("WARNING: failed to subscribe %s, serving polled data only: %v", opts.CacheKey, err)
		return
	}
	if c.live[key] != lq {
		// Every member left while the subscription was starting.
		c.liveMu.Unlock()
		c.listeners.StopOwned(key, token)
		return
	}
	// The registry keeps the latest subscription for a key.
	if token > lq.token {
		lq.token = token
	}
	c.liveMu.Unlock()
}

// detach removes h from the live subscription of key and stops the
// subscription once no handle is left.
func (c *CacheSync) detach(h *QueryHandle, key string) {
	c.liveMu.Lock()
	lq := c.live[key]
	if lq == nil {
		c.liveMu.Unlock()
		return
	}
	delete(lq.members, h)
	if len(lq.members) > 0 {
		c.liveMu.Unlock()
		return
	}
	delete(c.live, key)
	token := lq.token
	c.liveMu.Unlock()

	if token != 0 {
		c.listeners.StopOwned(key, token)
	}
}

func (c *CacheSync) dispatch(key string, kind models.ChangeKind, doc models.Document) {
	type delivery struct {
		h *QueryHandle
		liveMember
	}

	c.liveMu.Lock()
	lq := c.live[key]
	if lq == nil {
		c.liveMu.Unlock()
		return
	}
	deliveries := make([]delivery, 0, len(lq.members))
	for h, m := range lq.members {
		if *m.opts.Query == lq.query {
			deliveries = append(deliveries, delivery{h: h, liveMember: m})
		}
	}
	c.liveMu.Unlock()

	for _, d := range deliveries {
		d.h.applyChange(d.gen, d.opts, kind, doc)
	}
}

// Watch activates a query and returns its handle. Fresh cached data is
// already in the handle's snapshot when Watch returns; the remote read and
// the live subscription continue in the background.
func (c *CacheSync) Watch(ctx context.Context, opts QueryOptions) *QueryHandle {
	h := &QueryHandle{cs: c, ctx: ctx, opts: opts}
	h.activate(false)
	return h
}

// QueryHandle is one consumer's view of a query. Every activation bumps a
// generation counter; results from an older generation are dropped.
type QueryHandle struct {
	cs  *CacheSync
	ctx context.Context

	mu          sync.Mutex
	opts        QueryOptions
	state       QueryState
	gen         uint64
	closed      bool
	listenerKey string
	settled     chan struct{}

	changes broadcaster[QueryState]

	// cacheSeq orders cache writes so a slow earlier write never replaces a
	// later snapshot.
	cacheSeq uint64
	writeMu  sync.Mutex
	written  uint64
}

func (h *QueryHandle) activate(keepData bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.gen++
	gen := h.gen
	opts := h.opts
	settled := make(chan struct{})
	h.settled = settled

	if !keepData || h.state.Source == "" {
		h.state = QueryState{Data: cloneDocuments(opts.StaticSeed), Source: SourceStatic}
	}
	h.state.Err = nil

	prevKey := h.listenerKey
	newKey := ""
	ready := opts.CacheKey != "" && opts.Query != nil
	if ready && !opts.DisableRealtime {
		newKey = cacheKeyPrefix + opts.CacheKey
	}
	h.listenerKey = newKey
	h.state.IsLoading = ready
	h.mu.Unlock()

	if prevKey != "" && prevKey != newKey {
		h.cs.detach(h, prevKey)
	}

	if !ready {
		close(settled)
		h.emit()
		return
	}

	if entry, ok := h.cs.ReadCache(h.ctx, opts.CacheKey); ok && entry.Fresh(h.cs.now(), opts.CacheTTL) {
		h.mu.Lock()
		if gen == h.gen && !h.closed {
			h.state.Data = cloneDocuments(entry.Data)
			h.state.Source = SourceCache
			h.state.IsLoading = false
		}
		h.mu.Unlock()
	}
	h.emit()

	go h.fetch(gen, opts, settled)

	if !opts.DisableRealtime {
		h.cs.attach(h, gen, opts)
	}
}

func (h *QueryHandle) fetch(gen uint64, opts QueryOptions, settled chan struct{}) {
	defer close(settled)

	docs, err := h.cs.docs.Query(h.ctx, *opts.Query)

	h.mu.Lock()
	if gen != h.gen || h.closed {
		h.mu.Unlock()
		return
	}
	h.state.IsLoading = false
	if err != nil {
		h.state.Err = err
		h.mu.Unlock()

		h.cs.logger.Printf("WARNING: remote read %s failed: %v", opts.CacheKey, err)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		h.emit()
		return
	}
	h.state.Data = cloneDocuments(docs)
	h.state.Source = SourceRemote
	h.state.Err = nil
	h.cacheSeq++
	seq := h.cacheSeq
	h.mu.Unlock()

	if err := h.storeSnapshot(h.ctx, seq, opts, docs); err != nil {
		h.cs.logger.Printf("WARNING: failed to write cache %s: %v", opts.CacheKey, err)
	}
	if opts.OnSuccess != nil {
		opts.OnSuccess(cloneDocuments(docs))
	}
	h.emit()
}

func (h *QueryHandle) applyChange(gen uint64, opts QueryOptions, kind models.ChangeKind, doc models.Document) {
	h.mu.Lock()
	if gen != h.gen || h.closed {
		h.mu.Unlock()
		return
	}

	data := h.state.Data
	idx := -1
	for i := range data {
		if data[i].ID == doc.ID {
			idx = i
			break
		}
	}
	switch {
	case kind == models.ChangeRemoved && idx >= 0:
		data = append(data[:idx:idx], data[idx+1:]...)
	case kind == models.ChangeRemoved:
	case idx >= 0:
		data = cloneDocuments(data)
		data[idx] = doc
	default:
		data = append(cloneDocuments(data), doc)
	}
	h.state.Data = data
	h.state.Source = SourceRemote
	snapshot := cloneDocuments(data)
	h.cacheSeq++
	seq := h.cacheSeq
	h.mu.Unlock()

	go func() {
		if err := h.storeSnapshot(context.WithoutCancel(h.ctx), seq, opts, snapshot); err != nil {
			h.cs.logger.Printf("WARNING: failed to refresh cache %s: %v", opts.CacheKey, err)
		}
	}()
	h.emit()
}

func (h *QueryHandle) storeSnapshot(ctx context.Context, seq uint64, opts QueryOptions, docs []models.Document) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if seq <= h.written {
		return nil
	}
	h.written = seq
	return h.cs.writeCache(ctx, opts.CacheKey, docs, opts.CacheTTL)
}

// Snapshot returns a copy of the current state.
func (h *QueryHandle) Snapshot() QueryState {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.state
	s.Data = cloneDocuments(s.Data)
	return s
}

// Settled is closed once the remote read of the current activation has
// finished, successfully or not.
func (h *QueryHandle) Settled() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settled
}

// Wait blocks until the current activation settles or ctx is done.
func (h *QueryHandle) Wait(ctx context.Context) error {
	select {
	case <-h.Settled():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mutate re-runs the activation for the current key, keeping the data on
// screen until the new result arrives.
func (h *QueryHandle) Mutate() {
	h.activate(true)
}

func (h *QueryHandle) Refetch() {
	h.Mutate()
}

// Reset switches the handle to another key and query. The previous live
// subscription is torn down and the seed is shown until new data arrives.
func (h *QueryHandle) Reset(cacheKey string, q *models.Query) {
	h.mu.Lock()
	same := h.opts.CacheKey == cacheKey && sameQuery(h.opts.Query, q)
	h.opts.CacheKey = cacheKey
	h.opts.Query = q
	h.mu.Unlock()

	h.activate(same)
}

// OnChange registers cb for every state change.
func (h *QueryHandle) OnChange(cb func(QueryState)) (unsubscribe func()) {
	return h.changes.subscribe(cb)
}

// Close deactivates the handle. Results still in flight are discarded.
func (h *QueryHandle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.gen++
	key := h.listenerKey
	h.listenerKey = ""
	h.mu.Unlock()

	if key != "" {
		h.cs.detach(h, key)
	}
	h.changes.clear()
}

func (h *QueryHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *QueryHandle) emit() {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	h.changes.emit(h.Snapshot())
}

func sameQuery(a, b *models.Query) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneDocuments(docs []models.Document) []models.Document {
	if docs == nil {
		return nil
	}
	return append([]models.Document(nil), docs...)
}
