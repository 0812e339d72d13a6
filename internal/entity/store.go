package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/syncrelay/syncrelay/internal/loggy"
)

// Record is one raw entity row from the shared store.
type Record struct {
	Key       string
	Payload   []byte
	UpdatedAt time.Time
}

// Store is the raw key/value surface of the shared store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, payload []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, keyPrefix string) ([]Record, error)
	Begin(ctx context.Context) (StoreTx, error)
}

// StoreTx is an open all-or-nothing write batch on the store.
type StoreTx interface {
	Put(ctx context.Context, key string, payload []byte) error
	Delete(ctx context.Context, key string) error
	Commit() error
	Rollback() error
}

// SQLStore implements Store over the shared SQLite database.
type SQLStore struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
}

// NewSQLStore creates a store over the shared database.
func NewSQLStore(db *sql.DB, logger *loggy.Logger) *SQLStore {
	return &SQLStore{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// Get returns the payload stored under key, or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	query, args, err := s.builder.
		Select("payload").
		From("entities").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	var payload []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning entity %s: %w", key, err)
	}
	return payload, nil
}

// Put writes the payload under key, inserting or replacing.
func (s *SQLStore) Put(ctx context.Context, key string, payload []byte) error {
	query, args, err := putQuery(s.builder, key, payload)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("writing entity %s: %w", key, err)
	}
	return nil
}

// Delete removes the entity under key. Deleting an absent key is a no-op.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query, args, err := s.builder.
		Delete("entities").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting entity %s: %w", key, err)
	}
	return nil
}

// List returns all records whose key starts with keyPrefix, oldest first.
func (s *SQLStore) List(ctx context.Context, keyPrefix string) ([]Record, error) {
	query, args, err := s.builder.
		Select("key", "payload", "updated_at").
		From("entities").
		Where(sq.Like{"key": keyPrefix + "%"}).
		OrderBy("key ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing entities %s: %w", keyPrefix, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var updatedAt string
		if err := rows.Scan(&rec.Key, &rec.Payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning entity row: %w", err)
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return records, nil
}

// Begin opens an all-or-nothing write batch.
func (s *SQLStore) Begin(ctx context.Context) (StoreTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return &sqlStoreTx{tx: tx, builder: s.builder}, nil
}

type sqlStoreTx struct {
	tx      *sql.Tx
	builder sq.StatementBuilderType
}

func (t *sqlStoreTx) Put(ctx context.Context, key string, payload []byte) error {
	query, args, err := putQuery(t.builder, key, payload)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("staging entity %s: %w", key, err)
	}
	return nil
}

func (t *sqlStoreTx) Delete(ctx context.Context, key string) error {
	query, args, err := t.builder.
		Delete("entities").
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("staging delete of %s: %w", key, err)
	}
	return nil
}

func (t *sqlStoreTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlStoreTx) Rollback() error {
	return t.tx.Rollback()
}

func putQuery(builder sq.StatementBuilderType, key string, payload []byte) (string, []interface{}, error) {
	updatedAt := time.Now().UTC().Format(time.RFC3339)
	query, args, err := builder.
		Insert("entities").
		Columns("key", "payload", "updated_at").
		Values(key, string(payload), updatedAt).
		Suffix("ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("building upsert query: %w", err)
	}
	return query, args, nil
}

// Txn is the batching envelope handlers use to make several entity writes
// visible together. Writes are staged in memory and flushed through one
// short-lived store transaction on Commit, so the store transaction never
// spans a lock acquisition or an entity load. On a single-connection SQLite
// pool an open transaction pins the only connection; staging in memory is
// what keeps the lock service reachable while a report is in flight. Every
// lock taken on behalf of the transaction is released only once the batch
// is committed or rolled back. One Txn spans one inbound report (the
// tracking entity plus the session aggregate), keeping lock hold time
// minimal.
type Txn struct {
	store    Store
	writes   []txnWrite
	index    map[string]int
	guards   []Guard
	logger   *loggy.Logger
	finished bool
}

type txnWrite struct {
	key     string
	payload []byte
}

// NewTxn opens a transaction over the store.
func NewTxn(store Store, logger *loggy.Logger) *Txn {
	return &Txn{store: store, index: make(map[string]int), logger: logger}
}

// attachGuard transfers a held lock to the transaction; it will be
// released when the transaction finishes, on either path.
func (t *Txn) attachGuard(g Guard) {
	t.guards = append(t.guards, g)
}

func (t *Txn) stagePut(key string, payload []byte) error {
	if t.finished {
		return ErrTxnFinished
	}
	if i, ok := t.index[key]; ok {
		t.writes[i].payload = payload
		return nil
	}
	t.index[key] = len(t.writes)
	t.writes = append(t.writes, txnWrite{key: key, payload: payload})
	return nil
}

// get reads a key as this transaction would leave it: staged writes
// shadow the store.
func (t *Txn) get(ctx context.Context, key string) ([]byte, error) {
	if t.finished {
		return nil, ErrTxnFinished
	}
	if i, ok := t.index[key]; ok {
		return t.writes[i].payload, nil
	}
	return t.store.Get(ctx, key)
}

// Commit flushes all staged writes atomically and releases the locks.
func (t *Txn) Commit(ctx context.Context) error {
	if t.finished {
		return ErrTxnFinished
	}
	t.finished = true
	defer t.releaseGuards(ctx)

	if len(t.writes) == 0 {
		return nil
	}

	storeTx, err := t.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting commit transaction: %w", err)
	}
	for _, w := range t.writes {
		if err := storeTx.Put(ctx, w.key, w.payload); err != nil {
			if rbErr := storeTx.Rollback(); rbErr != nil {
				t.logger.Warn("Failed to roll back commit transaction", "error", rbErr)
			}
			return fmt.Errorf("flushing staged write %s: %w", w.key, err)
		}
	}
	if err := storeTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback discards all staged writes and releases the locks. Safe to
// defer alongside Commit; rolling back a finished transaction is a no-op.
func (t *Txn) Rollback(ctx context.Context) error {
	if t.finished {
		return nil
	}
	t.finished = true
	t.writes = nil
	t.releaseGuards(ctx)
	return nil
}

func (t *Txn) releaseGuards(ctx context.Context) {
	// Locks release in reverse acquisition order
	for i := len(t.guards) - 1; i >= 0; i-- {
		if err := t.guards[i].Release(ctx); err != nil {
			t.logger.Warn("Failed to release lock after transaction", "error", err)
		}
	}
	t.guards = nil
}
