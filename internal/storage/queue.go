package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agroeye/field-agent/internal/offline"
)

// --- Sync Queue Operations ---

// LoadQueue returns every queued request in replay order
func (db *DB) LoadQueue(ctx context.Context) ([]*offline.QueuedRequest, error) {
	query := `SELECT id, url, method, headers, body, attempts, last_error, queued_at
		FROM sync_queue ORDER BY seq`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*offline.QueuedRequest
	for rows.Next() {
		q := &offline.QueuedRequest{}
		var headers string
		var lastError sql.NullString
		if err := rows.Scan(&q.ID, &q.URL, &q.Method, &headers, &q.Body, &q.Attempts,
			&lastError, &q.QueuedAt); err != nil {
			return nil, err
		}
		q.LastError = lastError.String
		q.Header = http.Header{}
		if err := json.Unmarshal([]byte(headers), &q.Header); err != nil {
			return nil, fmt.Errorf("queued request %s: bad headers: %w", q.ID, err)
		}
		items = append(items, q)
	}
	return items, rows.Err()
}

// SaveQueued stores q at the tail of the queue, replacing any earlier copy
func (db *DB) SaveQueued(ctx context.Context, q *offline.QueuedRequest) error {
	headers, err := json.Marshal(q.Header)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", q.ID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sync_queue
		(id, url, method, headers, body, attempts, last_error, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.URL, q.Method, string(headers), q.Body, q.Attempts, nullString(q.LastError), q.QueuedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteQueued removes a queued request. Missing rows are not an error.
func (db *DB) DeleteQueued(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id)
	return err
}

var _ offline.QueueStore = (*DB)(nil)
