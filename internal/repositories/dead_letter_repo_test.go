package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPostgresDeadLetterRepository_Abandon tests recording an abandoned operation once
func TestPostgresDeadLetterRepository_Abandon(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresDeadLetterRepository(pool)
	ctx := context.Background()
	queue := "test-" + uuid.NewString()[:8]
	defer func() {
		if _, err := pool.Exec(ctx, `DELETE FROM sync_dead_letters WHERE queue = $1`, queue); err != nil {
			t.Logf("Warning: failed to cleanup dead letters: %v", err)
		}
	}()

	op := models.SyncOperation{
		ID:             uuid.NewString(),
		SourceEntityID: "m1",
		TargetID:       "d1",
		Kind:           models.OperationUpdate,
		Data:           json.RawMessage(`{"name":"Aspirin"}`),
		Timestamp:      time.Now().UTC().Truncate(time.Microsecond),
		RetryCount:     5,
	}

	// ACT: Abandon twice
	require.NoError(t, repo.Abandon(ctx, queue, op, errors.New("network unreachable")))
	require.NoError(t, repo.Abandon(ctx, queue, op, errors.New("network unreachable")))

	// ASSERT: Recorded once with its cause
	letters, err := repo.ListByQueue(ctx, queue)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, op.ID, letters[0].Operation.ID)
	assert.Equal(t, models.OperationUpdate, letters[0].Operation.Kind)
	assert.Equal(t, 5, letters[0].Operation.RetryCount)
	assert.Equal(t, "network unreachable", letters[0].Cause)
	assert.JSONEq(t, `{"name":"Aspirin"}`, string(letters[0].Operation.Data))
	assert.True(t, op.Timestamp.Equal(letters[0].Operation.Timestamp))
}
