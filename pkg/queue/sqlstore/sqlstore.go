// Package sqlstore persists the operation queue in an embedded SQLite
// database. It is the alternative to boltstore for deployments that
// want the queue queryable with SQL; the schema carries the indexes the
// replay path needs for efficient pending-only scans.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/reportive/synckit/pkg/api"
	"github.com/reportive/synckit/pkg/queue"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var ErrNotFound = errors.New("sqlstore: operation not found")

type Store struct {
	db *sql.DB
}

// Open creates or opens the queue database at dbPath. Use ":memory:"
// for tests.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: failed to ping database: %w", err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	// churn under concurrent enqueue and replay.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlstore: failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) runMigrations() error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, op *queue.Operation) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_operations
			(op_id, client_id, entity, kind, record_id, payload, timestamp, status, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OpID, op.ClientID, op.Entity, string(op.Kind), op.RecordID,
		[]byte(op.Payload), op.EnqueuedAt.UnixMilli(), string(op.Status), op.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: failed to insert operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlstore: failed to read inserted id: %w", err)
	}
	op.ID = uint64(id)
	return nil
}

func (s *Store) Pending(ctx context.Context) ([]*queue.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op_id, client_id, entity, kind, record_id, payload, timestamp, status, retry_count, synced_at
		FROM sync_operations
		WHERE status = 'queued'
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to query pending operations: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*queue.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: pending scan failed: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*queue.Operation, error) {
	var (
		op       queue.Operation
		kind     string
		status   string
		payload  []byte
		ts       int64
		syncedAt sql.NullInt64
	)
	err := row.Scan(&op.ID, &op.OpID, &op.ClientID, &op.Entity, &kind,
		&op.RecordID, &payload, &ts, &status, &op.RetryCount, &syncedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to scan operation: %w", err)
	}
	op.Kind = api.Kind(kind)
	op.Status = queue.Status(status)
	op.Payload = payload
	op.EnqueuedAt = time.UnixMilli(ts)
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64)
		op.SyncedAt = &t
	}
	return &op, nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_operations WHERE status = 'queued'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: failed to count pending operations: %w", err)
	}
	return count, nil
}

func (s *Store) MarkSynced(ctx context.Context, id uint64, at time.Time) error {
	return s.exec(ctx,
		`UPDATE sync_operations SET status = 'synced', synced_at = ? WHERE id = ?`,
		at.UnixMilli(), id)
}

func (s *Store) MarkConflicted(ctx context.Context, id uint64) error {
	return s.exec(ctx,
		`UPDATE sync_operations SET status = 'conflicted' WHERE id = ?`, id)
}

func (s *Store) UpdateRetryCount(ctx context.Context, id uint64, retryCount int) error {
	return s.exec(ctx,
		`UPDATE sync_operations SET retry_count = ? WHERE id = ?`, retryCount, id)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlstore: update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MoveToFailed(ctx context.Context, id uint64, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO failed_operations
			(operation_id, op_id, client_id, entity, kind, record_id, payload, timestamp, retry_count, reason, failed_at)
		SELECT id, op_id, client_id, entity, kind, record_id, payload, timestamp, retry_count, ?, ?
		FROM sync_operations WHERE id = ?`,
		reason, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("sqlstore: failed to record dead letter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlstore: failed to delete operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: failed to commit: %w", err)
	}
	return nil
}

func (s *Store) Failed(ctx context.Context) ([]*queue.FailedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, op_id, client_id, entity, kind, record_id, payload, timestamp, retry_count, reason, failed_at
		FROM failed_operations
		ORDER BY operation_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to query dead letters: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*queue.FailedOperation
	for rows.Next() {
		var (
			f       queue.FailedOperation
			kind    string
			payload []byte
			ts      int64
			failed  int64
		)
		err := rows.Scan(&f.Operation.ID, &f.Operation.OpID, &f.Operation.ClientID,
			&f.Operation.Entity, &kind, &f.Operation.RecordID, &payload,
			&ts, &f.Operation.RetryCount, &f.Reason, &failed)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: failed to scan dead letter: %w", err)
		}
		f.Operation.Kind = api.Kind(kind)
		f.Operation.Payload = payload
		f.Operation.EnqueuedAt = time.UnixMilli(ts)
		f.FailedAt = time.UnixMilli(failed)
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: dead letter scan failed: %w", err)
	}
	return out, nil
}

func (s *Store) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_operations WHERE status = 'synced' AND synced_at < ?`,
		before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlstore: failed to purge synced operations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: failed to read affected rows: %w", err)
	}
	return int(affected), nil
}
