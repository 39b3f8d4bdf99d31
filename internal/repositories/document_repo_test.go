package repositories

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPostgresDocumentStore_InsertIsIdempotent tests that redelivering a document upserts it
func TestPostgresDocumentStore_InsertIsIdempotent(t *testing.T) {
	pool := getTestPool(t)
	store := NewPostgresDocumentStore(pool)
	ctx := context.Background()
	collection := "test_events_" + uuid.NewString()[:8]
	defer cleanupCollection(t, pool, collection)

	doc := models.Document{ID: uuid.NewString(), Data: map[string]any{"eventType": "created", "medicationId": "m1"}}

	// ACT: Deliver the same event twice
	id, err := store.Insert(ctx, collection, doc)
	require.NoError(t, err)
	_, err = store.Insert(ctx, collection, doc)
	require.NoError(t, err)

	// ASSERT: One document
	assert.Equal(t, doc.ID, id)
	docs, err := store.Query(ctx, models.Query{Collection: collection})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Equal(t, "created", docs[0].Data["eventType"])
}

func TestPostgresDocumentStore_UpdateGetDelete(t *testing.T) {
	pool := getTestPool(t)
	store := NewPostgresDocumentStore(pool)
	ctx := context.Background()
	collection := "test_meds_" + uuid.NewString()[:8]
	defer cleanupCollection(t, pool, collection)

	id, err := store.Insert(ctx, collection, models.Document{Data: map[string]any{"patientId": "p1", "name": "Aspirin"}})
	require.NoError(t, err)
	require.NotEmpty(t, id, "An id should be generated")

	require.NoError(t, store.Update(ctx, collection, id, map[string]any{"dosage": "81"}))

	doc, err := store.GetByID(ctx, collection, id)
	require.NoError(t, err)
	assert.Equal(t, "Aspirin", doc.Data["name"])
	assert.Equal(t, "81", doc.Data["dosage"])

	require.NoError(t, store.Delete(ctx, collection, id))
	_, err = store.GetByID(ctx, collection, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, collection, id, map[string]any{"a": 1}), ErrNotFound)
}

func TestPostgresDocumentStore_QueryFilter(t *testing.T) {
	pool := getTestPool(t)
	store := NewPostgresDocumentStore(pool)
	ctx := context.Background()
	collection := "test_meds_" + uuid.NewString()[:8]
	defer cleanupCollection(t, pool, collection)

	for _, d := range []models.Document{
		{ID: "m1", Data: map[string]any{"patientId": "p1", "name": "Lisinopril"}},
		{ID: "m2", Data: map[string]any{"patientId": "p1", "name": "Aspirin"}},
		{ID: "m3", Data: map[string]any{"patientId": "p2", "name": "Metformin"}},
	} {
		_, err := store.Insert(ctx, collection, d)
		require.NoError(t, err)
	}

	docs, err := store.Query(ctx, models.Query{Collection: collection, Field: "patientId", Value: "p1", OrderBy: "name"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "m2", docs[0].ID)
	assert.Equal(t, "m1", docs[1].ID)
}

// TestPostgresDocumentStore_Subscribe tests LISTEN/NOTIFY change delivery
func TestPostgresDocumentStore_Subscribe(t *testing.T) {
	pool := getTestPool(t)
	store := NewPostgresDocumentStore(pool)
	ctx := context.Background()
	collection := "test_meds_" + uuid.NewString()[:8]
	defer cleanupCollection(t, pool, collection)

	var (
		mu      sync.Mutex
		changes []recordedChange
	)
	unsubscribe, err := store.Subscribe(ctx, models.Query{Collection: collection, Field: "patientId", Value: "p1"},
		func(kind models.ChangeKind, doc models.Document) {
			mu.Lock()
			changes = append(changes, recordedChange{kind: kind, id: doc.ID})
			mu.Unlock()
		},
		func(err error) { t.Logf("subscription error: %v", err) },
	)
	require.NoError(t, err)
	defer unsubscribe()

	// ACT
	_, err = store.Insert(ctx, collection, models.Document{ID: "m1", Data: map[string]any{"patientId": "p1"}})
	require.NoError(t, err)
	_, err = store.Insert(ctx, collection, models.Document{ID: "m2", Data: map[string]any{"patientId": "p2"}})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, collection, "m1"))

	// ASSERT
	expected := []recordedChange{
		{kind: models.ChangeAdded, id: "m1"},
		{kind: models.ChangeRemoved, id: "m1"},
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == len(expected)
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, expected, changes)
	mu.Unlock()
}

// TestPostgresDocumentStore_SubscribeOversized re-reads documents too large to
// travel in the notification payload
func TestPostgresDocumentStore_SubscribeOversized(t *testing.T) {
	pool := getTestPool(t)
	store := NewPostgresDocumentStore(pool)
	ctx := context.Background()
	collection := "test_meds_" + uuid.NewString()[:8]
	defer cleanupCollection(t, pool, collection)

	received := make(chan models.Document, 1)
	unsubscribe, err := store.Subscribe(ctx, models.Query{Collection: collection, Field: "patientId", Value: "p1"},
		func(kind models.ChangeKind, doc models.Document) {
			if kind == models.ChangeAdded {
				received <- doc
			}
		},
		func(err error) { t.Logf("subscription error: %v", err) },
	)
	require.NoError(t, err)
	defer unsubscribe()

	notes := strings.Repeat("x", 10000)

	// ACT
	_, err = store.Insert(ctx, collection, models.Document{ID: "big", Data: map[string]any{"patientId": "p1", "notes": notes}})
	require.NoError(t, err)

	// ASSERT: The full document arrives
	select {
	case doc := <-received:
		assert.Equal(t, "big", doc.ID)
		assert.Equal(t, notes, doc.Data["notes"])
	case <-time.After(5 * time.Second):
		t.Fatal("No change delivered for oversized document")
	}
}

// TestPostgresDocumentStore_SubscriptionsShareConnection checks that live
// subscriptions hold a single pooled connection between them
func TestPostgresDocumentStore_SubscriptionsShareConnection(t *testing.T) {
	pool := getTestPool(t)
	store := NewPostgresDocumentStore(pool)
	ctx := context.Background()
	collection := "test_meds_" + uuid.NewString()[:8]
	defer cleanupCollection(t, pool, collection)

	baseline := pool.Stat().AcquiredConns()

	// ARRANGE: More subscriptions than the pool has connections
	const patients = 12
	received := make([]chan string, patients)
	var unsubscribes []Unsubscribe
	for i := 0; i < patients; i++ {
		ch := make(chan string, 4)
		received[i] = ch
		unsubscribe, err := store.Subscribe(ctx, models.Query{Collection: collection, Field: "patientId", Value: fmt.Sprintf("p%d", i)},
			func(kind models.ChangeKind, doc models.Document) { ch <- doc.ID },
			func(err error) { t.Logf("subscription error: %v", err) },
		)
		require.NoError(t, err)
		unsubscribes = append(unsubscribes, unsubscribe)
	}

	assert.Equal(t, baseline+1, pool.Stat().AcquiredConns())

	// ACT
	_, err := store.Insert(ctx, collection, models.Document{ID: "m11", Data: map[string]any{"patientId": "p11"}})
	require.NoError(t, err)

	// ASSERT: Only the matching subscription sees the change
	select {
	case id := <-received[11]:
		assert.Equal(t, "m11", id)
	case <-time.After(5 * time.Second):
		t.Fatal("No change delivered")
	}
	assert.Empty(t, received[0])

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	assert.Eventually(t, func() bool {
		return pool.Stat().AcquiredConns() == baseline
	}, 5*time.Second, 20*time.Millisecond, "The listen connection should be released with the last subscription")
}
