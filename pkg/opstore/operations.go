package opstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// ErrNotFound is returned when an operation id is not present.
var ErrNotFound = pkgerrors.New("opstore: not found")

// Operation is a pending write awaiting delivery to the central server.
type Operation struct {
	ID         string            `json:"id"`
	TargetURL  string            `json:"targetUrl"`
	Method     string            `json:"method"`
	Body       []byte            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
	Priority   int               `json:"priority"`
	Module     string            `json:"module,omitempty"`

	// CacheKey marks a GET cache-refresh operation: the response body is
	// written to the cache under this key instead of being replayed.
	CacheKey string        `json:"cacheKey,omitempty"`
	CacheTTL time.Duration `json:"cacheTtl,omitempty"`
}

// AbandonedOperation is an operation that exhausted its retry budget.
type AbandonedOperation struct {
	Operation
	AbandonedAt time.Time `json:"abandonedAt"`
	LastError   string    `json:"lastError,omitempty"`
}

const operationSelectColumns = `id, target_url, method, body, headers, enqueued_at, retry_count,
	max_retries, priority, module, cache_key, cache_ttl_ms`

// InsertOperation durably persists op. The row is committed before return.
func (s *Store) InsertOperation(ctx context.Context, op Operation) error {
	if strings.TrimSpace(op.ID) == "" {
		return pkgerrors.New("opstore: operation id is empty")
	}
	headers, err := encodeHeaders(op.Headers)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, target_url, method, body, headers, enqueued_at,
		retry_count, max_retries, priority, module, cache_key, cache_ttl_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, quoteIdent(operationsTable))
	err = s.exec(ctx, stmt,
		op.ID, op.TargetURL, op.Method, op.Body, headers, toMillis(op.EnqueuedAt),
		op.RetryCount, op.MaxRetries, op.Priority, op.Module, op.CacheKey, op.CacheTTL.Milliseconds())
	return pkgerrors.Wrapf(err, "opstore: insert operation %s failed", op.ID)
}

// ListPending returns pending operations ordered by priority, then enqueue
// time, then insertion order. An empty module lists every module.
func (s *Store) ListPending(ctx context.Context, module string) ([]Operation, error) {
	if s == nil || s.db == nil {
		return nil, pkgerrors.New("opstore: store is nil")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, operationSelectColumns, quoteIdent(operationsTable))
	var args []any
	if module = strings.TrimSpace(module); module != "" {
		query += ` WHERE module = ?`
		args = append(args, module)
	}
	query += ` ORDER BY priority ASC, enqueued_at ASC, seq ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "opstore: query pending operations failed")
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "opstore: iterate pending operations failed")
	}
	return out, nil
}

// GetOperation loads a pending operation by id.
func (s *Store) GetOperation(ctx context.Context, id string) (Operation, error) {
	if s == nil || s.db == nil {
		return Operation{}, pkgerrors.New("opstore: store is nil")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, operationSelectColumns, quoteIdent(operationsTable))
	row := s.db.QueryRowContext(ctx, query, id)
	op, err := scanOperation(row)
	if pkgerrors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	}
	return op, err
}

// CountPending returns the number of pending operations.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	return s.count(ctx, operationsTable)
}

// CountAbandoned returns the number of abandoned operations.
func (s *Store) CountAbandoned(ctx context.Context) (int, error) {
	return s.count(ctx, abandonedTable)
}

func (s *Store) count(ctx context.Context, table string) (int, error) {
	if s == nil || s.db == nil {
		return 0, pkgerrors.New("opstore: store is nil")
	}
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table))
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, pkgerrors.Wrapf(err, "opstore: count %s failed", table)
	}
	return n, nil
}

// DeleteOperation removes a delivered operation.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(operationsTable))
	return pkgerrors.Wrapf(s.exec(ctx, stmt, id), "opstore: delete operation %s failed", id)
}

// UpdateRetryCount stores the new retry counter of a pending operation.
func (s *Store) UpdateRetryCount(ctx context.Context, id string, retryCount int) error {
	stmt := fmt.Sprintf(`UPDATE %s SET retry_count = ? WHERE id = ?`, quoteIdent(operationsTable))
	return pkgerrors.Wrapf(s.exec(ctx, stmt, retryCount, id), "opstore: update retry count of %s failed", id)
}

// AbandonOperation moves op from the pending set to the abandoned set in a
// single transaction, so it is never absent from both.
func (s *Store) AbandonOperation(ctx context.Context, op Operation, at time.Time, reason string) error {
	if s == nil || s.db == nil {
		return pkgerrors.New("opstore: store is nil")
	}
	headers, err := encodeHeaders(op.Headers)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "opstore: begin abandon transaction failed")
	}
	defer tx.Rollback()

	deleteStmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(operationsTable))
	if _, err := tx.ExecContext(ctx, deleteStmt, op.ID); err != nil {
		return pkgerrors.Wrapf(err, "opstore: remove abandoned operation %s failed", op.ID)
	}
	insertStmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, target_url, method, body, headers,
		enqueued_at, retry_count, max_retries, priority, module, cache_key, cache_ttl_ms,
		abandoned_at, last_error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, quoteIdent(abandonedTable))
	if _, err := tx.ExecContext(ctx, insertStmt,
		op.ID, op.TargetURL, op.Method, op.Body, headers, toMillis(op.EnqueuedAt),
		op.RetryCount, op.MaxRetries, op.Priority, op.Module, op.CacheKey, op.CacheTTL.Milliseconds(),
		toMillis(at), truncate(reason, 1024)); err != nil {
		return pkgerrors.Wrapf(err, "opstore: record abandoned operation %s failed", op.ID)
	}
	return pkgerrors.Wrap(tx.Commit(), "opstore: commit abandon transaction failed")
}

// ListAbandoned returns abandoned operations, most recent first. limit <= 0
// returns all rows.
func (s *Store) ListAbandoned(ctx context.Context, limit int) ([]AbandonedOperation, error) {
	if s == nil || s.db == nil {
		return nil, pkgerrors.New("opstore: store is nil")
	}
	query := fmt.Sprintf(`SELECT %s, abandoned_at, last_error FROM %s ORDER BY abandoned_at DESC`,
		operationSelectColumns, quoteIdent(abandonedTable))
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "opstore: query abandoned operations failed")
	}
	defer rows.Close()

	var out []AbandonedOperation
	for rows.Next() {
		var (
			rec         AbandonedOperation
			body        []byte
			headers     string
			enqueuedAt  int64
			cacheTTL    int64
			abandonedAt int64
			lastErr     sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.TargetURL, &rec.Method, &body, &headers, &enqueuedAt,
			&rec.RetryCount, &rec.MaxRetries, &rec.Priority, &rec.Module, &rec.CacheKey, &cacheTTL,
			&abandonedAt, &lastErr); err != nil {
			return nil, pkgerrors.Wrap(err, "opstore: scan abandoned operation failed")
		}
		if rec.Headers, err = decodeHeaders(headers); err != nil {
			return nil, err
		}
		rec.Body = body
		rec.EnqueuedAt = fromMillis(enqueuedAt)
		rec.CacheTTL = time.Duration(cacheTTL) * time.Millisecond
		rec.AbandonedAt = fromMillis(abandonedAt)
		rec.LastError = lastErr.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "opstore: iterate abandoned operations failed")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (Operation, error) {
	var (
		op         Operation
		body       []byte
		headers    string
		enqueuedAt int64
		cacheTTL   int64
	)
	if err := row.Scan(&op.ID, &op.TargetURL, &op.Method, &body, &headers, &enqueuedAt,
		&op.RetryCount, &op.MaxRetries, &op.Priority, &op.Module, &op.CacheKey, &cacheTTL); err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return Operation{}, err
		}
		return Operation{}, pkgerrors.Wrap(err, "opstore: scan operation failed")
	}
	decoded, err := decodeHeaders(headers)
	if err != nil {
		return Operation{}, err
	}
	op.Headers = decoded
	op.Body = body
	op.EnqueuedAt = fromMillis(enqueuedAt)
	op.CacheTTL = time.Duration(cacheTTL) * time.Millisecond
	return op, nil
}

func encodeHeaders(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return "", pkgerrors.Wrap(err, "opstore: marshal headers failed")
	}
	return string(b), nil
}

func decodeHeaders(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, pkgerrors.Wrap(err, "opstore: decode headers failed")
	}
	return out, nil
}

func truncate(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	return msg[:max]
}
