package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/medsync/internal/models"
)

// PostgresDeadLetterRepository keeps abandoned sync operations for later inspection.
type PostgresDeadLetterRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDeadLetterRepository(pool *pgxpool.Pool) *PostgresDeadLetterRepository {
	return &PostgresDeadLetterRepository{pool: pool}
}

func (r *PostgresDeadLetterRepository) Abandon(ctx context.Context, queue string, op models.SyncOperation, cause error) error {
	query := `INSERT INTO sync_dead_letters
	              (operation_id, queue, source_entity_id, target_id, operation_kind, data, retry_count, cause, queued_at)
	          VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
	          ON CONFLICT (operation_id) DO NOTHING`

	var data *string
	if len(op.Data) > 0 {
		s := string(op.Data)
		data = &s
	}
	var reason string
	if cause != nil {
		reason = cause.Error()
	}

	_, err := r.pool.Exec(ctx, query,
		op.ID,
		queue,
		op.SourceEntityID,
		op.TargetID,
		string(op.Kind),
		data,
		op.RetryCount,
		reason,
		op.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", classifyPgError(err))
	}
	return nil
}

// ListByQueue returns abandoned operations for a queue, oldest first.
func (r *PostgresDeadLetterRepository) ListByQueue(ctx context.Context, queue string) ([]DeadLetter, error) {
	query := `SELECT operation_id, source_entity_id, target_id, operation_kind,
	                 COALESCE(data::text, ''), retry_count, cause, queued_at
	          FROM sync_dead_letters
	          WHERE queue = $1
	          ORDER BY abandoned_at ASC`

	rows, err := r.pool.Query(ctx, query, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", classifyPgError(err))
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var (
			letter DeadLetter
			kind   string
			data   string
		)
		letter.Queue = queue
		err := rows.Scan(
			&letter.Operation.ID,
			&letter.Operation.SourceEntityID,
			&letter.Operation.TargetID,
			&kind,
			&data,
			&letter.Operation.RetryCount,
			&letter.Cause,
			&letter.Operation.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letter.Operation.Kind = models.OperationKind(kind)
		if data != "" {
			letter.Operation.Data = []byte(data)
		}
		letters = append(letters, letter)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return letters, nil
}
