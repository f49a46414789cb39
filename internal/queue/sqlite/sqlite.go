// Package sqlite keeps the pending operation queue in a local SQLite file so
// queued writes survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"dukapos/internal/domain"
	"dukapos/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_operations (
	id              TEXT PRIMARY KEY,
	entity_type     TEXT NOT NULL,
	kind            TEXT NOT NULL,
	payload         TEXT NOT NULL,
	ts_ns           INTEGER NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	attempts        INTEGER NOT NULL DEFAULT 0,
	synced          INTEGER NOT NULL DEFAULT 0,
	synced_at_ns    INTEGER,
	dead            INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	next_attempt_ns INTEGER NOT NULL,
	source_ids      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_pending_operations_due
	ON pending_operations (synced, dead, next_attempt_ns);
`

const columns = `id, entity_type, kind, payload, ts_ns, priority, attempts, synced, synced_at_ns, dead, last_error, next_attempt_ns, source_ids`

type Store struct {
	db *sqlx.DB
}

type row struct {
	ID            string        `db:"id"`
	EntityType    string        `db:"entity_type"`
	Kind          string        `db:"kind"`
	Payload       string        `db:"payload"`
	TimestampNS   int64         `db:"ts_ns"`
	Priority      int           `db:"priority"`
	Attempts      int           `db:"attempts"`
	Synced        bool          `db:"synced"`
	SyncedAtNS    sql.NullInt64 `db:"synced_at_ns"`
	Dead          bool          `db:"dead"`
	LastError     string        `db:"last_error"`
	NextAttemptNS int64         `db:"next_attempt_ns"`
	SourceIDs     string        `db:"source_ids"`
}

// Open connects to the SQLite file at path and bootstraps the schema.
// ":memory:" works for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure queue database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate queue database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Insert(ctx context.Context, op domain.PendingOperation) error {
	sourceIDs, err := json.Marshal(nonNil(op.SourceIDs))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_operations (`+columns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING
	`, op.ID, string(op.EntityType), string(op.Kind), string(op.Payload), op.Timestamp.UnixNano(),
		op.Priority, op.Attempts, op.Synced, nullableNS(op.SyncedAt), op.Dead, op.LastError,
		op.NextAttemptAt.UnixNano(), string(sourceIDs))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return queue.ErrDuplicateOperation
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.PendingOperation, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT `+columns+` FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNotFound
		}
		return nil, err
	}
	op, err := r.toDomain()
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *Store) List(ctx context.Context, includeSynced bool, limit int) ([]domain.PendingOperation, error) {
	query := `SELECT ` + columns + ` FROM pending_operations`
	if !includeSynced {
		query += ` WHERE synced = 0`
	}
	query += ` ORDER BY priority DESC, ts_ns ASC, id ASC LIMIT ?`
	return s.selectOps(ctx, query, sqlLimit(limit))
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]domain.PendingOperation, error) {
	return s.selectOps(ctx, `
		SELECT `+columns+`
		FROM pending_operations
		WHERE synced = 0 AND dead = 0 AND next_attempt_ns <= ?
		ORDER BY priority DESC, ts_ns ASC, id ASC
		LIMIT ?
	`, now.UnixNano(), sqlLimit(limit))
}

func (s *Store) MarkSynced(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE pending_operations
		SET synced = 1, synced_at_ns = ?, last_error = ''
		WHERE id IN (?)
	`, at.UnixNano(), ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

func (s *Store) UpdateFailure(ctx context.Context, id string, attempts int, reason string, nextAttemptAt time.Time, dead bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET attempts = ?, last_error = ?, next_attempt_ns = ?, dead = ?
		WHERE id = ?
	`, attempts, reason, nextAttemptAt.UnixNano(), dead, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return queue.ErrNotFound
	}
	return nil
}

func (s *Store) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_operations
		WHERE synced = 1 AND synced_at_ns < ?
	`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats := domain.QueueStats{ByEntity: map[string]int{}}

	var counts struct {
		Pending int           `db:"pending"`
		Synced  int           `db:"synced"`
		Dead    int           `db:"dead"`
		Oldest  sql.NullInt64 `db:"oldest"`
	}
	err := s.db.GetContext(ctx, &counts, `
		SELECT
			COALESCE(SUM(CASE WHEN synced = 0 AND dead = 0 THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0) AS synced,
			COALESCE(SUM(CASE WHEN synced = 0 AND dead = 1 THEN 1 ELSE 0 END), 0) AS dead,
			MIN(CASE WHEN synced = 0 AND dead = 0 THEN ts_ns END) AS oldest
		FROM pending_operations
	`)
	if err != nil {
		return stats, err
	}
	stats.Pending = counts.Pending
	stats.Synced = counts.Synced
	stats.Dead = counts.Dead
	if counts.Oldest.Valid {
		oldest := time.Unix(0, counts.Oldest.Int64).UTC()
		stats.Oldest = &oldest
	}

	var byEntity []struct {
		EntityType string `db:"entity_type"`
		Count      int    `db:"n"`
	}
	err = s.db.SelectContext(ctx, &byEntity, `
		SELECT entity_type, COUNT(*) AS n
		FROM pending_operations
		WHERE synced = 0 AND dead = 0
		GROUP BY entity_type
	`)
	if err != nil {
		return stats, err
	}
	for _, e := range byEntity {
		stats.ByEntity[e.EntityType] = e.Count
	}
	return stats, nil
}

func (s *Store) selectOps(ctx context.Context, query string, args ...any) ([]domain.PendingOperation, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.PendingOperation, 0, len(rows))
	for _, r := range rows {
		op, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (r row) toDomain() (domain.PendingOperation, error) {
	op := domain.PendingOperation{
		ID:            r.ID,
		EntityType:    domain.EntityType(r.EntityType),
		Kind:          domain.OperationKind(r.Kind),
		Payload:       json.RawMessage(r.Payload),
		Timestamp:     time.Unix(0, r.TimestampNS).UTC(),
		Priority:      r.Priority,
		Attempts:      r.Attempts,
		Synced:        r.Synced,
		Dead:          r.Dead,
		LastError:     r.LastError,
		NextAttemptAt: time.Unix(0, r.NextAttemptNS).UTC(),
	}
	if r.SyncedAtNS.Valid {
		at := time.Unix(0, r.SyncedAtNS.Int64).UTC()
		op.SyncedAt = &at
	}
	if err := json.Unmarshal([]byte(r.SourceIDs), &op.SourceIDs); err != nil {
		return op, fmt.Errorf("decode source ids of %s: %w", r.ID, err)
	}
	if len(op.SourceIDs) == 0 {
		op.SourceIDs = nil
	}
	return op, nil
}

func nullableNS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
