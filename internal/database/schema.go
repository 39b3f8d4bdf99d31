package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// documentSchema is idempotent; it is applied on every start.
const documentSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	data       JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, id)
);

CREATE OR REPLACE FUNCTION notify_document_change() RETURNS trigger AS $$
DECLARE
	rec     RECORD;
	payload TEXT;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;
	payload := json_build_object(
		'op', TG_OP,
		'collection', rec.collection,
		'id', rec.id,
		'data', rec.data
	)::text;
	-- pg_notify rejects payloads of 8000 bytes or more.
	IF octet_length(payload) >= 7900 THEN
		payload := json_build_object(
			'op', TG_OP,
			'collection', rec.collection,
			'id', rec.id,
			'truncated', true
		)::text;
	END IF;
	PERFORM pg_notify('document_changes', payload);
	RETURN rec;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS documents_notify ON documents;
CREATE TRIGGER documents_notify
	AFTER INSERT OR UPDATE OR DELETE ON documents
	FOR EACH ROW EXECUTE FUNCTION notify_document_change();

CREATE TABLE IF NOT EXISTS sync_dead_letters (
	operation_id     TEXT PRIMARY KEY,
	queue            TEXT        NOT NULL,
	source_entity_id TEXT        NOT NULL,
	target_id        TEXT        NOT NULL,
	operation_kind   TEXT        NOT NULL,
	data             JSONB,
	retry_count      INTEGER     NOT NULL,
	cause            TEXT        NOT NULL DEFAULT '',
	queued_at        TIMESTAMPTZ NOT NULL,
	abandoned_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, documentSchema); err != nil {
		return fmt.Errorf("error applying document schema: %w", err)
	}
	return nil
}
