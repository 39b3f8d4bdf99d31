package httpapi

import (
	"context"
	"errors"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/services"
	"golang.org/x/sync/singleflight"
)

const DefaultMaxMedicationViews = 256

var errViewsClosed = errors.New("medication views closed")

// MedicationViews keeps live cache-synchronized queries for the most recently
// read patients. Reads are served from memory and kept current by the change
// feed; the least recently read view is closed once maxViews is exceeded.
type MedicationViews struct {
	ctx        context.Context
	cache      *services.CacheSync
	collection string

	views  *lru.Cache[string, *services.QueryHandle]
	group  singleflight.Group
	closed atomic.Bool
}

// NewMedicationViews binds live queries to ctx; they end when it is done or on Close.
func NewMedicationViews(ctx context.Context, cache *services.CacheSync, collection string, maxViews int) *MedicationViews {
	if collection == "" {
		collection = services.DefaultMedicationsCollection
	}
	if maxViews <= 0 {
		maxViews = DefaultMaxMedicationViews
	}

	views, err := lru.NewWithEvict(maxViews, func(_ string, h *services.QueryHandle) {
		h.Close()
	})
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}

	return &MedicationViews{
		ctx:        ctx,
		cache:      cache,
		collection: collection,
		views:      views,
	}
}

func medicationsCacheKey(patientID string) string {
	return "medications:" + patientID
}

// Read returns the current view for patientID. The first read of a patient,
// and any read with refresh set, waits for the remote read unless ctx ends
// first, in which case whatever is available is returned.
func (v *MedicationViews) Read(ctx context.Context, patientID string, refresh bool) services.QueryState {
	h, created, err := v.handle(ctx, patientID)
	if err != nil {
		return services.QueryState{Source: services.SourceStatic, IsLoading: true, Err: err}
	}

	if refresh {
		h.Refetch()
	}
	if created || refresh {
		if state := h.Snapshot(); state.IsLoading {
			_ = h.Wait(ctx)
		}
	}
	return h.Snapshot()
}

// handle returns the live view for patientID, opening it on first use. Only
// readers of the same patient wait for an opening view, and no longer than ctx.
func (v *MedicationViews) handle(ctx context.Context, patientID string) (*services.QueryHandle, bool, error) {
	if h, ok := v.views.Get(patientID); ok {
		return h, false, nil
	}

	ch := v.group.DoChan(patientID, func() (any, error) {
		if h, ok := v.views.Get(patientID); ok {
			return h, nil
		}
		if v.closed.Load() {
			return nil, errViewsClosed
		}

		h := v.cache.Watch(v.ctx, services.QueryOptions{
			CacheKey: medicationsCacheKey(patientID),
			Query: &models.Query{
				Collection: v.collection,
				Field:      "patientId",
				Value:      patientID,
			},
		})
		v.views.Add(patientID, h)
		if v.closed.Load() {
			v.views.Remove(patientID)
			return nil, errViewsClosed
		}
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*services.QueryHandle), true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Len reports how many live views are held.
func (v *MedicationViews) Len() int {
	return v.views.Len()
}

// Close deactivates every live query.
func (v *MedicationViews) Close() {
	v.closed.Store(true)
	v.views.Purge()
}
