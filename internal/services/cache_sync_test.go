package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheFixture struct {
	docs    *scriptedDocs
	storage *repositories.MemoryLocalStorage
	clock   *fakeClock
	cache   *CacheSync
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()

	f := &cacheFixture{
		docs:    newScriptedDocs(),
		storage: repositories.NewMemoryLocalStorage(),
		clock:   newFakeClock(),
	}
	f.cache = NewCacheSync(f.docs, f.storage, &CacheSyncOptions{
		PersistPolicy: &fastPolicy,
		Logger:        quietLogger(),
		Now:           f.clock.Now,
	})
	t.Cleanup(f.cache.Close)
	return f
}

func patientQuery(patientID string) *models.Query {
	return &models.Query{Collection: DefaultMedicationsCollection, Field: "patientId", Value: patientID}
}

func waitSettled(t *testing.T, h *QueryHandle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestCacheSync_MissingKeyReturnsSeed(t *testing.T) {
	f := newCacheFixture(t)
	seed := []models.Document{{ID: "placeholder"}}

	h := f.cache.Watch(context.Background(), QueryOptions{Query: patientQuery("p1"), StaticSeed: seed})
	defer h.Close()

	state := h.Snapshot()
	assert.False(t, state.IsLoading)
	assert.Equal(t, SourceStatic, state.Source)
	assert.Equal(t, seed, state.Data)
	assert.Empty(t, f.cache.ActiveListeners())
}

func TestCacheSync_RemoteReadWritesCache(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	_, err := f.docs.Insert(ctx, DefaultMedicationsCollection, models.Document{ID: "m1", Data: medicationData("p1", "Lisinopril")})
	require.NoError(t, err)

	var delivered []models.Document
	h := f.cache.Watch(ctx, QueryOptions{
		CacheKey:        "meds:p1",
		Query:           patientQuery("p1"),
		DisableRealtime: true,
		OnSuccess:       func(docs []models.Document) { delivered = docs },
	})
	defer h.Close()
	waitSettled(t, h)

	// ASSERT: Remote data is exposed and cached
	state := h.Snapshot()
	assert.Equal(t, SourceRemote, state.Source)
	assert.False(t, state.IsLoading)
	require.Len(t, state.Data, 1)
	assert.Equal(t, "m1", state.Data[0].ID)
	assert.Len(t, delivered, 1)

	entry, ok := f.cache.ReadCache(ctx, "meds:p1")
	require.True(t, ok)
	assert.Equal(t, "meds:p1", entry.Key)
	require.Len(t, entry.Data, 1)
	assert.Equal(t, "m1", entry.Data[0].ID)
	assert.True(t, f.clock.Now().Equal(entry.WriteTimestamp))
}

// TestCacheSync_TTL serves a 2s old entry from cache and refetches a 6s old one
func TestCacheSync_TTL(t *testing.T) {
	tests := []struct {
		name      string
		age       time.Duration
		wantCache bool
	}{
		{name: "fresh at 2s", age: 2 * time.Second, wantCache: true},
		{name: "stale at 6s", age: 6 * time.Second, wantCache: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newCacheFixture(t)
			cached := []models.Document{{ID: "cached", Data: map[string]any{"patientId": "p1"}}}
			require.NoError(t, f.cache.writeCache(ctx, "meds:p1", cached, 5*time.Second))
			f.clock.Advance(tt.age)

			// The remote read blocks until released
			release := make(chan struct{})
			f.docs.queryFn = func(ctx context.Context, q models.Query) ([]models.Document, error) {
				<-release
				return []models.Document{{ID: "remote"}}, nil
			}

			// ACT
			h := f.cache.Watch(ctx, QueryOptions{
				CacheKey:        "meds:p1",
				Query:           patientQuery("p1"),
				DisableRealtime: true,
				CacheTTL:        5 * time.Second,
			})
			defer h.Close()

			// ASSERT: Before the remote read completes
			state := h.Snapshot()
			if tt.wantCache {
				assert.Equal(t, SourceCache, state.Source)
				assert.False(t, state.IsLoading)
				require.Len(t, state.Data, 1)
				assert.Equal(t, "cached", state.Data[0].ID)
			} else {
				assert.Equal(t, SourceStatic, state.Source)
				assert.True(t, state.IsLoading)
				assert.Empty(t, state.Data)
			}

			close(release)
			waitSettled(t, h)

			state = h.Snapshot()
			assert.Equal(t, SourceRemote, state.Source)
			assert.Equal(t, "remote", state.Data[0].ID)
		})
	}
}

func TestCacheSync_RemoteErrorKeepsData(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	cached := []models.Document{{ID: "cached"}}
	require.NoError(t, f.cache.writeCache(ctx, "meds:p1", cached, 0))

	f.docs.queryFn = func(ctx context.Context, q models.Query) ([]models.Document, error) {
		return nil, errors.New("offline")
	}
	var reported error

	h := f.cache.Watch(ctx, QueryOptions{
		CacheKey:        "meds:p1",
		Query:           patientQuery("p1"),
		DisableRealtime: true,
		OnError:         func(err error) { reported = err },
	})
	defer h.Close()
	waitSettled(t, h)

	// ASSERT: The error is surfaced and the cached data stays
	state := h.Snapshot()
	require.Error(t, state.Err)
	assert.EqualError(t, reported, "offline")
	assert.Equal(t, SourceCache, state.Source)
	require.Len(t, state.Data, 1)
	assert.Equal(t, "cached", state.Data[0].ID)
	assert.False(t, state.IsLoading)
}

func TestCacheSync_LateResultAfterCloseIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)

	release := make(chan struct{})
	f.docs.queryFn = func(ctx context.Context, q models.Query) ([]models.Document, error) {
		<-release
		return []models.Document{{ID: "late"}}, nil
	}
	successCalls := 0

	h := f.cache.Watch(ctx, QueryOptions{
		CacheKey:        "meds:p1",
		Query:           patientQuery("p1"),
		DisableRealtime: true,
		OnSuccess:       func([]models.Document) { successCalls++ },
	})

	// ACT: Deactivate before the response arrives
	h.Close()
	close(release)
	waitSettled(t, h)

	// ASSERT
	assert.Empty(t, h.Snapshot().Data)
	assert.Equal(t, 0, successCalls)
	_, ok := f.cache.ReadCache(ctx, "meds:p1")
	assert.False(t, ok, "A dropped result must not be cached")
}

func TestCacheSync_RealtimeChangesUpdateData(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	_, err := f.docs.Insert(ctx, DefaultMedicationsCollection, models.Document{ID: "m1", Data: medicationData("p1", "Lisinopril")})
	require.NoError(t, err)

	h := f.cache.Watch(ctx, QueryOptions{CacheKey: "meds:p1", Query: patientQuery("p1")})
	defer h.Close()
	waitSettled(t, h)
	assert.Equal(t, []string{"cache:meds:p1"}, f.cache.ActiveListeners())

	// ACT: A new medication and a removal arrive live
	_, err = f.docs.Insert(ctx, DefaultMedicationsCollection, models.Document{ID: "m2", Data: medicationData("p1", "Aspirin")})
	require.NoError(t, err)
	require.NoError(t, f.docs.Delete(ctx, DefaultMedicationsCollection, "m1"))

	// ASSERT
	state := h.Snapshot()
	assert.Equal(t, SourceRemote, state.Source)
	require.Len(t, state.Data, 1)
	assert.Equal(t, "m2", state.Data[0].ID)

	assert.Eventually(t, func() bool {
		entry, ok := f.cache.ReadCache(ctx, "meds:p1")
		return ok && len(entry.Data) == 1 && entry.Data[0].ID == "m2"
	}, 2*time.Second, 10*time.Millisecond)

	h.Close()
	assert.Equal(t, 0, f.docs.SubscriberCount())
}

func TestCacheSync_MutateRefetches(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)

	h := f.cache.Watch(ctx, QueryOptions{CacheKey: "meds:p1", Query: patientQuery("p1"), DisableRealtime: true})
	defer h.Close()
	waitSettled(t, h)
	assert.Empty(t, h.Snapshot().Data)

	_, err := f.docs.Insert(ctx, DefaultMedicationsCollection, models.Document{ID: "m1", Data: medicationData("p1", "Lisinopril")})
	require.NoError(t, err)

	// ACT
	h.Refetch()
	waitSettled(t, h)

	require.Len(t, h.Snapshot().Data, 1)
}

func TestCacheSync_ResetSwitchesListener(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)
	_, err := f.docs.Insert(ctx, DefaultMedicationsCollection, models.Document{ID: "m1", Data: medicationData("p1", "Lisinopril")})
	require.NoError(t, err)
	_, err = f.docs.Insert(ctx, DefaultMedicationsCollection, models.Document{ID: "m2", Data: medicationData("p2", "Aspirin")})
	require.NoError(t, err)

	h := f.cache.Watch(ctx, QueryOptions{CacheKey: "meds:p1", Query: patientQuery("p1")})
	defer h.Close()
	waitSettled(t, h)

	// ACT
	h.Reset("meds:p2", patientQuery("p2"))
	waitSettled(t, h)

	// ASSERT
	assert.Equal(t, []string{"cache:meds:p2"}, f.cache.ActiveListeners())
	assert.Equal(t, 1, f.docs.SubscriberCount())
	state := h.Snapshot()
	require.Len(t, state.Data, 1)
	assert.Equal(t, "m2", state.Data[0].ID)
}

func TestCacheSync_OnChange(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)

	h := f.cache.Watch(ctx, QueryOptions{CacheKey: "meds:p1", Query: patientQuery("p1")})
	defer h.Close()
	waitSettled(t, h)

	changes := make(chan QueryState, 4)
	unsubscribe := h.OnChange(func(s QueryState) { changes <- s })
	defer unsubscribe()

	_, err := f.docs.Insert(ctx, DefaultMedicationsCollection, models.Document{ID: "m1", Data: medicationData("p1", "Lisinopril")})
	require.NoError(t, err)

	select {
	case s := <-changes:
		require.Len(t, s.Data, 1)
		assert.Equal(t, "m1", s.Data[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("No change delivered")
	}
}

// TestCacheSync_HandlesShareLiveSubscription keeps one handle live after
// another handle on the same key is closed
func TestCacheSync_HandlesShareLiveSubscription(t *testing.T) {
	ctx := context.Background()
	f := newCacheFixture(t)

	a := f.cache.Watch(ctx, QueryOptions{CacheKey: "meds:p1", Query: patientQuery("p1")})
	defer a.Close()
	b := f.cache.Watch(ctx, QueryOptions{CacheKey: "meds:p1", Query: patientQuery("p1")})
	defer b.Close()
	waitSettled(t, a)
	waitSettled(t, b)
	assert.Equal(t, 1, f.docs.SubscriberCount())

	_, err := f.docs.Insert(ctx, DefaultMedicationsCollection, models.Document{ID: "m1", Data: medicationData("p1", "Lisinopril")})
	require.NoError(t, err)
	assert.Len(t, a.Snapshot().Data, 1)
	assert.Len(t, b.Snapshot().Data, 1)

	// ACT
	a.Close()

	// ASSERT: B still receives changes
	assert.Equal(t, 1, f.docs.SubscriberCount())
	assert.Equal(t, []string{"cache:meds:p1"}, f.cache.ActiveListeners())

	_, err = f.docs.Insert(ctx, DefaultMedicationsCollection, models.Document{ID: "m2", Data: medicationData("p1", "Aspirin")})
	require.NoError(t, err)
	require.Len(t, b.Snapshot().Data, 2)
	assert.Len(t, a.Snapshot().Data, 1, "A closed handle does not change")

	b.Close()
	assert.Equal(t, 0, f.docs.SubscriberCount())
	assert.Empty(t, f.cache.ActiveListeners())
}
