package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without migrating it, for
// inspection while the agent is running
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// ErrNotSelect is returned by Select for anything but a SELECT statement
var ErrNotSelect = errors.New("only SELECT queries are allowed")

// Table is a query result rendered as text, NULL included
type Table struct {
	Columns []string
	Rows    [][]string
}

// Select runs an ad-hoc SELECT and renders every value as text
func (db *DB) Select(ctx context.Context, query string) (*Table, error) {
	fields := strings.Fields(query)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "SELECT") {
		return nil, ErrNotSelect
	}

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	table := &Table{Columns: cols}

	cells := make([]sql.RawBytes, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range cells {
		dest[i] = &cells[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([]string, len(cells))
		for i, cell := range cells {
			if cell == nil {
				row[i] = "NULL"
			} else {
				row[i] = string(cell)
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, rows.Err()
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Farm plots; geometry is a GeoJSON Polygon
	CREATE TABLE IF NOT EXISTS farm_plots (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		geometry TEXT NOT NULL,
		area_sqm REAL,
		color TEXT NOT NULL DEFAULT '#22c55e',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_farm_plots_user ON farm_plots(user_id);

	-- Map markers; plot_id is a weak reference
	CREATE TABLE IF NOT EXISTS map_markers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		plot_id TEXT,
		label TEXT NOT NULL,
		marker_type TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_map_markers_user ON map_markers(user_id);

	-- Writes waiting to reach the backend, replayed in seq order
	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		url TEXT NOT NULL,
		method TEXT NOT NULL,
		headers TEXT NOT NULL,
		body TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		queued_at DATETIME NOT NULL
	);

	-- Response cache pools
	CREATE TABLE IF NOT EXISTS cache_pools (
		name TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		pool TEXT NOT NULL,
		key TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL,
		headers TEXT NOT NULL,
		body BLOB,
		stored_at DATETIME NOT NULL,
		PRIMARY KEY (pool, key),
		FOREIGN KEY (pool) REFERENCES cache_pools(name)
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Stats returns row counts for the CLI and status endpoint
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	counts := []struct {
		table string
		dest  *int
	}{
		{"farm_plots", &s.Plots},
		{"map_markers", &s.Markers},
		{"sync_queue", &s.Queued},
		{"cache_pools", &s.CachePools},
		{"cache_entries", &s.CacheEntries},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	if err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(SUM(area_sqm), 0) FROM farm_plots").Scan(&s.TotalAreaSqm); err != nil {
		return nil, fmt.Errorf("failed to sum plot area: %w", err)
	}
	return s, nil
}
