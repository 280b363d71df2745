package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/agroeye/field-agent/internal/offline"
)

// --- Cache Pool Operations ---

// Open creates the cache pool if it does not exist
func (db *DB) Open(ctx context.Context, pool string) error {
	_, err := db.conn.ExecContext(ctx, "INSERT OR IGNORE INTO cache_pools (name) VALUES (?)", pool)
	return err
}

// Put stores a response snapshot, replacing any entry with the same key
func (db *DB) Put(ctx context.Context, pool string, entry *offline.CachedResponse) error {
	headers, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO cache_pools (name) VALUES (?)", pool); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cache_entries (pool, key, url, status, headers, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pool, key) DO UPDATE SET
			url = excluded.url,
			status = excluded.status,
			headers = excluded.headers,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		pool, entry.Key, entry.URL, entry.StatusCode, string(headers), entry.Body, entry.StoredAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Match looks up a snapshot. A miss returns nil with no error.
func (db *DB) Match(ctx context.Context, pool, key string) (*offline.CachedResponse, error) {
	query := `SELECT key, url, status, headers, body, stored_at
		FROM cache_entries WHERE pool = ? AND key = ?`

	entry := &offline.CachedResponse{}
	var headers string
	err := db.conn.QueryRowContext(ctx, query, pool, key).Scan(&entry.Key, &entry.URL,
		&entry.StatusCode, &headers, &entry.Body, &entry.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry.Header = http.Header{}
	if err := json.Unmarshal([]byte(headers), &entry.Header); err != nil {
		return nil, fmt.Errorf("cache entry %s: bad headers: %w", key, err)
	}
	return entry, nil
}

// Pools lists pool names in name order
func (db *DB) Pools(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT name FROM cache_pools ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeletePool removes a pool and all its entries
func (db *DB) DeletePool(ctx context.Context, pool string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE pool = ?", pool); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_pools WHERE name = ?", pool); err != nil {
		return err
	}
	return tx.Commit()
}

// CachePools describes every pool with its entry count and size
func (db *DB) CachePools(ctx context.Context) ([]*CachePoolInfo, error) {
	query := `SELECT p.name, p.created_at, COUNT(e.key), COALESCE(SUM(LENGTH(e.body)), 0)
		FROM cache_pools p LEFT JOIN cache_entries e ON e.pool = p.name
		GROUP BY p.name ORDER BY p.name`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []*CachePoolInfo
	for rows.Next() {
		p := &CachePoolInfo{}
		if err := rows.Scan(&p.Name, &p.CreatedAt, &p.Entries, &p.Bytes); err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

var _ offline.CacheStorage = (*DB)(nil)
