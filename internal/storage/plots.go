package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agroeye/field-agent/internal/geo"
	"github.com/agroeye/field-agent/internal/plot"
)

// --- Plot Operations ---

// SavePlot inserts a new plot and returns its ID
func (db *DB) SavePlot(ctx context.Context, p *plot.FarmPlot) (string, error) {
	geometry, err := p.Coordinates.MarshalGeoJSON()
	if err != nil {
		return "", fmt.Errorf("failed to encode geometry: %w", err)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	query := `INSERT INTO farm_plots
		(id, user_id, name, description, geometry, area_sqm, color, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.conn.ExecContext(ctx, query, p.ID, p.UserID, p.Name, nullString(p.Description),
		string(geometry), p.AreaSqm, p.Color, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// UpdatePlot overwrites an existing plot
func (db *DB) UpdatePlot(ctx context.Context, p *plot.FarmPlot) error {
	geometry, err := p.Coordinates.MarshalGeoJSON()
	if err != nil {
		return fmt.Errorf("failed to encode geometry: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()

	query := `UPDATE farm_plots SET name = ?, description = ?, geometry = ?, area_sqm = ?,
		color = ?, updated_at = ? WHERE id = ?`
	result, err := db.conn.ExecContext(ctx, query, p.Name, nullString(p.Description), string(geometry),
		p.AreaSqm, p.Color, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// GetPlot retrieves a plot by ID
func (db *DB) GetPlot(ctx context.Context, id string) (*plot.FarmPlot, error) {
	query := `SELECT id, user_id, name, description, geometry, area_sqm, color, created_at, updated_at
		FROM farm_plots WHERE id = ?`

	p, err := scanPlot(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPlots retrieves a user's plots, oldest first. An empty userID lists all.
func (db *DB) ListPlots(ctx context.Context, userID string) ([]*plot.FarmPlot, error) {
	query := `SELECT id, user_id, name, description, geometry, area_sqm, color, created_at, updated_at
		FROM farm_plots WHERE (? = '' OR user_id = ?) ORDER BY created_at, id`

	rows, err := db.conn.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plots []*plot.FarmPlot
	for rows.Next() {
		p, err := scanPlot(rows)
		if err != nil {
			return nil, err
		}
		plots = append(plots, p)
	}
	return plots, rows.Err()
}

// DeletePlot removes a plot. Markers referencing it are left alone.
func (db *DB) DeletePlot(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM farm_plots WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlot(row scanner) (*plot.FarmPlot, error) {
	p := &plot.FarmPlot{}
	var description sql.NullString
	var area sql.NullFloat64
	var geometry string
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &description, &geometry, &area,
		&p.Color, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Description = description.String
	if area.Valid {
		v := area.Float64
		p.AreaSqm = &v
	}

	ring, err := geo.ParseGeoJSON([]byte(geometry))
	if err != nil {
		return nil, fmt.Errorf("plot %s: %w", p.ID, err)
	}
	p.Coordinates = ring
	return p, nil
}

// --- Marker Operations ---

// SaveMarker inserts a new marker and returns its ID
func (db *DB) SaveMarker(ctx context.Context, m *plot.MapMarker) (string, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO map_markers
		(id, user_id, plot_id, label, marker_type, latitude, longitude, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.ExecContext(ctx, query, m.ID, m.UserID, nullString(m.PlotID), m.Label,
		string(m.MarkerType), m.Latitude, m.Longitude, m.CreatedAt)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// GetMarker retrieves a marker by ID
func (db *DB) GetMarker(ctx context.Context, id string) (*plot.MapMarker, error) {
	query := `SELECT id, user_id, plot_id, label, marker_type, latitude, longitude, created_at
		FROM map_markers WHERE id = ?`

	m, err := scanMarker(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListMarkers retrieves a user's markers, oldest first. An empty userID lists all.
func (db *DB) ListMarkers(ctx context.Context, userID string) ([]*plot.MapMarker, error) {
	query := `SELECT id, user_id, plot_id, label, marker_type, latitude, longitude, created_at
		FROM map_markers WHERE (? = '' OR user_id = ?) ORDER BY created_at, id`

	rows, err := db.conn.QueryContext(ctx, query, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markers []*plot.MapMarker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, err
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

func scanMarker(row scanner) (*plot.MapMarker, error) {
	m := &plot.MapMarker{}
	var plotID sql.NullString
	var markerType string
	if err := row.Scan(&m.ID, &m.UserID, &plotID, &m.Label, &markerType,
		&m.Latitude, &m.Longitude, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.PlotID = plotID.String
	m.MarkerType = plot.MarkerType(markerType)
	return m, nil
}

// DeleteMarker removes a marker
func (db *DB) DeleteMarker(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM map_markers WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ plot.Store = (*DB)(nil)
