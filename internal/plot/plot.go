// Package plot captures farm plots and map markers drawn on the farm map.
package plot

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agroeye/field-agent/internal/geo"
)

// DefaultColor is the plot outline color used when none is chosen.
const DefaultColor = "#22c55e"

// Marker colors as rendered on the map
const (
	SensorMarkerColor  = "#eab308"
	DefaultMarkerColor = "#22c55e"
)

var (
	ErrNameRequired      = errors.New("plot name is required")
	ErrLabelRequired     = errors.New("marker label is required")
	ErrInvalidMarkerType = errors.New("invalid marker type")
	ErrInvalidCoordinate = errors.New("coordinate out of range")
	ErrUserRequired      = errors.New("owning user is required")
	// ErrNotFound hides plots and markers owned by another user.
	ErrNotFound = errors.New("not found")
)

// MarkerType classifies a map marker
type MarkerType string

const (
	MarkerSensor MarkerType = "sensor"
	MarkerCrop   MarkerType = "crop"
	MarkerZone   MarkerType = "zone"
)

// Valid reports whether t is one of the known marker types.
func (t MarkerType) Valid() bool {
	switch t {
	case MarkerSensor, MarkerCrop, MarkerZone:
		return true
	}
	return false
}

// FarmPlot is a named polygon owned by a single user
type FarmPlot struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Coordinates geo.Ring  `json:"coordinates"`
	AreaSqm     *float64  `json:"area_sqm"`
	Color       string    `json:"color"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MapMarker is a labelled point, optionally attached to a plot by ID
type MapMarker struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	PlotID     string     `json:"plot_id,omitempty"`
	Label      string     `json:"label"`
	MarkerType MarkerType `json:"marker_type"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Color returns the map color for the marker.
func (m *MapMarker) Color() string {
	if m.MarkerType == MarkerSensor {
		return SensorMarkerColor
	}
	return DefaultMarkerColor
}

// CaptureOption customizes a captured plot
type CaptureOption func(*FarmPlot)

// WithColor sets the display color. Empty values keep the default.
func WithColor(color string) CaptureOption {
	return func(p *FarmPlot) {
		if color != "" {
			p.Color = color
		}
	}
}

// WithOwner sets the owning user.
func WithOwner(userID string) CaptureOption {
	return func(p *FarmPlot) {
		p.UserID = userID
	}
}

// Capture turns a freshly drawn ring into a FarmPlot. The area is computed
// on the sphere and rounded to whole square meters. Nothing is persisted.
func Capture(ring geo.Ring, name, description string, opts ...CaptureOption) (*FarmPlot, error) {
	if err := ring.Validate(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	coords := make(geo.Ring, len(ring))
	copy(coords, ring)
	area := math.Round(geo.ComputeArea(coords))

	now := time.Now().UTC()
	p := &FarmPlot{
		ID:          uuid.New().String(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Coordinates: coords,
		AreaSqm:     &area,
		Color:       DefaultColor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NewMarker validates and builds a marker placed by a single map tap.
func NewMarker(label string, markerType MarkerType, lat, lng float64, plotID string) (*MapMarker, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, ErrLabelRequired
	}
	if !markerType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMarkerType, markerType)
	}
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return nil, fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, lat)
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		return nil, fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, lng)
	}

	return &MapMarker{
		ID:         uuid.New().String(),
		PlotID:     plotID,
		Label:      label,
		MarkerType: markerType,
		Latitude:   lat,
		Longitude:  lng,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
