package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/medsync/internal/models"
)

// DocumentChangesChannel is the LISTEN/NOTIFY channel fed by the documents trigger.
const DocumentChangesChannel = "document_changes"

// PostgresDocumentStore keeps documents as JSONB rows. All subscriptions of
// one store share a single LISTEN connection.
type PostgresDocumentStore struct {
	pool *pgxpool.Pool

	listenMu sync.Mutex
	listener *documentListener
	subs     map[uint64]*documentSubscriber
	nextSub  uint64
}

func NewPostgresDocumentStore(pool *pgxpool.Pool) *PostgresDocumentStore {
	return &PostgresDocumentStore{
		pool: pool,
		subs: make(map[uint64]*documentSubscriber),
	}
}

// Insert writes doc, replacing any document with the same id so that
// redelivering the same record is harmless.
func (r *PostgresDocumentStore) Insert(ctx context.Context, collection string, doc models.Document) (string, error) {
	id := doc.ID
	if id == "" {
		id = uuid.New().String()
	}

	data, err := json.Marshal(doc.Data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}

	query := `INSERT INTO documents (collection, id, data)
	          VALUES ($1, $2, $3::jsonb)
	          ON CONFLICT (collection, id)
	          DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, collection, id, string(data)); err != nil {
		return "", fmt.Errorf("failed to insert document: %w", classifyPgError(err))
	}
	return id, nil
}

// Update merges partial into the top level of the stored document.
func (r *PostgresDocumentStore) Update(ctx context.Context, collection, id string, partial map[string]any) error {
	data, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	query := `UPDATE documents
	          SET data = data || $3::jsonb,
	              updated_at = NOW()
	          WHERE collection = $1 AND id = $2`

	result, err := r.pool.Exec(ctx, query, collection, id, string(data))
	if err != nil {
		return fmt.Errorf("failed to update document: %w", classifyPgError(err))
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDocumentStore) Delete(ctx context.Context, collection, id string) error {
	query := `DELETE FROM documents WHERE collection = $1 AND id = $2`

	result, err := r.pool.Exec(ctx, query, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", classifyPgError(err))
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDocumentStore) GetByID(ctx context.Context, collection, id string) (*models.Document, error) {
	query := `SELECT id, data FROM documents WHERE collection = $1 AND id = $2`

	var (
		docID string
		raw   []byte
	)
	err := r.pool.QueryRow(ctx, query, collection, id).Scan(&docID, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", classifyPgError(err))
	}

	doc := &models.Document{ID: docID}
	if err := json.Unmarshal(raw, &doc.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return doc, nil
}

func (r *PostgresDocumentStore) Query(ctx context.Context, q models.Query) ([]models.Document, error) {
	query, args := buildDocumentQuery(q)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", classifyPgError(err))
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc := models.Document{ID: id}
		if err := json.Unmarshal(raw, &doc.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

func buildDocumentQuery(q models.Query) (string, []any) {
	var sb strings.Builder
	args := []any{q.Collection}

	sb.WriteString(`SELECT id, data FROM documents WHERE collection = $1`)
	if q.Field != "" {
		args = append(args, q.Field, q.Value)
		sb.WriteString(` AND data->>$2 = $3`)
	}
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		sb.WriteString(` ORDER BY data->>$` + strconv.Itoa(len(args)) + `, created_at ASC`)
	} else {
		sb.WriteString(` ORDER BY created_at ASC`)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(` LIMIT $` + strconv.Itoa(len(args)))
	}
	return sb.String(), args
}

type documentNotification struct {
	Op         string         `json:"op"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data"`
	Truncated  bool           `json:"truncated"`
}

func (n documentNotification) changeKind() (models.ChangeKind, bool) {
	switch n.Op {
	case "INSERT":
		return models.ChangeAdded, true
	case "UPDATE":
		return models.ChangeModified, true
	case "DELETE":
		return models.ChangeRemoved, true
	}
	return "", false
}

type documentSubscriber struct {
	query    models.Query
	onChange ChangeHandler
	onErr    ErrorHandler
}

type documentListener struct {
	cancel context.CancelFunc
}

// Subscribe registers q with the store's shared listener, starting it on the
// first subscription. The listener connection is released when the last
// subscription is torn down. Handlers run on the listener goroutine in
// notification order; a handler may still run once after its teardown returns.
func (r *PostgresDocumentStore) Subscribe(ctx context.Context, q models.Query, onChange ChangeHandler, onErr ErrorHandler) (Unsubscribe, error) {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()

	if r.listener == nil {
		l, err := r.listen(ctx)
		if err != nil {
			return nil, err
		}
		r.listener = l
	}

	r.nextSub++
	id := r.nextSub
	r.subs[id] = &documentSubscriber{query: q, onChange: onChange, onErr: onErr}

	var once sync.Once
	return func() { once.Do(func() { r.unsubscribe(id) }) }, nil
}

func (r *PostgresDocumentStore) unsubscribe(id uint64) {
	r.listenMu.Lock()
	delete(r.subs, id)
	var stop context.CancelFunc
	if len(r.subs) == 0 && r.listener != nil {
		stop = r.listener.cancel
		r.listener = nil
	}
	r.listenMu.Unlock()

	if stop != nil {
		stop()
	}
}

// listen acquires the connection that carries every subscription of the store.
// Callers hold listenMu.
func (r *PostgresDocumentStore) listen(ctx context.Context) (*documentListener, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", classifyPgError(err))
	}

	if _, err := conn.Exec(ctx, "LISTEN "+DocumentChangesChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen for document changes: %w", classifyPgError(err))
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	l := &documentListener{cancel: cancel}
	go r.run(listenCtx, l, conn)
	return l, nil
}

func (r *PostgresDocumentStore) run(ctx context.Context, l *documentListener, conn *pgxpool.Conn) {
	defer func() {
		if !conn.Conn().IsClosed() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		}
		conn.Release()
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.fail(l, fmt.Errorf("failed to wait for document change: %w", classifyPgError(err)))
			}
			return
		}

		var payload documentNotification
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			log.Printf("documents: dropping malformed notification: %v", err)
			continue
		}
		r.dispatch(ctx, payload)
	}
}

// fail ends every subscription of a listener that lost its connection. The
// next Subscribe starts a new listener.
func (r *PostgresDocumentStore) fail(l *documentListener, err error) {
	r.listenMu.Lock()
	if r.listener != l {
		r.listenMu.Unlock()
		return
	}
	r.listener = nil
	subs := r.subs
	r.subs = make(map[uint64]*documentSubscriber)
	r.listenMu.Unlock()

	for _, sub := range subs {
		if sub.onErr != nil {
			sub.onErr(err)
		}
	}
}

func (r *PostgresDocumentStore) dispatch(ctx context.Context, payload documentNotification) {
	kind, ok := payload.changeKind()
	if !ok {
		return
	}

	r.listenMu.Lock()
	ids := make([]uint64, 0, len(r.subs))
	for id, sub := range r.subs {
		if sub.query.Collection == payload.Collection {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]*documentSubscriber, len(ids))
	for i, id := range ids {
		subs[i] = r.subs[id]
	}
	r.listenMu.Unlock()
	if len(subs) == 0 {
		return
	}

	data := payload.Data
	if payload.Truncated && kind != models.ChangeRemoved {
		full, err := r.GetByID(ctx, payload.Collection, payload.ID)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrNotFound) {
				for _, sub := range subs {
					if sub.onErr != nil {
						sub.onErr(err)
					}
				}
			}
			return
		}
		data = full.Data
	}

	for _, sub := range subs {
		doc := models.Document{ID: payload.ID, Data: cloneData(data)}
		if payload.Truncated && kind == models.ChangeRemoved && sub.query.Field != "" {
			// The row is gone, so a filtered subscription cannot tell
			// whether it matched.
			log.Printf("documents: dropping oversized delete of %s/%s", payload.Collection, payload.ID)
			continue
		}
		if !sub.query.Matches(payload.Collection, doc) {
			continue
		}
		sub.onChange(kind, doc)
	}
}

// classifyPgError maps backend failures onto the package sentinels while
// keeping the original error in the chain.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501":
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		case "57P01", "57P03", "53300":
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
