package plot

import (
	"context"
	"fmt"
	"strings"

	"github.com/agroeye/field-agent/internal/geo"
)

// Store persists plots and markers. storage.DB implements it.
type Store interface {
	SavePlot(ctx context.Context, p *FarmPlot) (string, error)
	UpdatePlot(ctx context.Context, p *FarmPlot) error
	GetPlot(ctx context.Context, id string) (*FarmPlot, error)
	ListPlots(ctx context.Context, userID string) ([]*FarmPlot, error)
	DeletePlot(ctx context.Context, id string) error

	SaveMarker(ctx context.Context, m *MapMarker) (string, error)
	GetMarker(ctx context.Context, id string) (*MapMarker, error)
	ListMarkers(ctx context.Context, userID string) ([]*MapMarker, error)
	DeleteMarker(ctx context.Context, id string) error
}

// RenderInstruction tells the map how to draw one plot
type RenderInstruction struct {
	PlotID   string   `json:"plot_id"`
	Color    string   `json:"color"`
	Tooltip  string   `json:"tooltip"`
	AreaText string   `json:"area_text"`
	Ring     geo.Ring `json:"ring"`
}

// Service ties plot capture to persistence
type Service struct {
	store Store
}

// NewService creates a plot service backed by store
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CapturePlot computes the plot for a drawn ring and saves it for userID.
func (s *Service) CapturePlot(ctx context.Context, userID string, ring geo.Ring, name, description, color string) (*FarmPlot, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	p, err := Capture(ring, name, description, WithOwner(userID), WithColor(color))
	if err != nil {
		return nil, err
	}

	id, err := s.store.SavePlot(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to save plot: %w", err)
	}
	p.ID = id
	return p, nil
}

// EditPlot applies an explicit edit by the plot's owner. A new ring
// recomputes the area.
func (s *Service) EditPlot(ctx context.Context, userID, id string, name, description, color *string, ring geo.Ring) (*FarmPlot, error) {
	p, err := s.Plot(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if name != nil {
		n := strings.TrimSpace(*name)
		if n == "" {
			return nil, ErrNameRequired
		}
		p.Name = n
	}
	if description != nil {
		p.Description = strings.TrimSpace(*description)
	}
	if color != nil && *color != "" {
		p.Color = *color
	}
	if ring != nil {
		updated, err := Capture(ring, p.Name, p.Description)
		if err != nil {
			return nil, err
		}
		p.Coordinates = updated.Coordinates
		p.AreaSqm = updated.AreaSqm
	}

	if err := s.store.UpdatePlot(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to update plot: %w", err)
	}
	return p, nil
}

// DeletePlot removes one of userID's plots.
func (s *Service) DeletePlot(ctx context.Context, userID, id string) error {
	if _, err := s.Plot(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.DeletePlot(ctx, id); err != nil {
		return fmt.Errorf("failed to delete plot: %w", err)
	}
	return nil
}

// Plot loads one of userID's plots. Another user's plot is ErrNotFound.
func (s *Service) Plot(ctx context.Context, userID, id string) (*FarmPlot, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	p, err := s.store.GetPlot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load plot: %w", err)
	}
	if p.UserID != userID {
		return nil, fmt.Errorf("plot %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// Plots lists a user's plots.
func (s *Service) Plots(ctx context.Context, userID string) ([]*FarmPlot, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	return s.store.ListPlots(ctx, userID)
}

// AddMarker validates and saves a marker for userID.
func (s *Service) AddMarker(ctx context.Context, userID, label string, markerType MarkerType, lat, lng float64, plotID string) (*MapMarker, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	m, err := NewMarker(label, markerType, lat, lng, plotID)
	if err != nil {
		return nil, err
	}
	m.UserID = userID

	id, err := s.store.SaveMarker(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to save marker: %w", err)
	}
	m.ID = id
	return m, nil
}

// Markers lists a user's markers.
func (s *Service) Markers(ctx context.Context, userID string) ([]*MapMarker, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	return s.store.ListMarkers(ctx, userID)
}

// DeleteMarker removes one of userID's markers.
func (s *Service) DeleteMarker(ctx context.Context, userID, id string) error {
	if userID == "" {
		return ErrUserRequired
	}
	m, err := s.store.GetMarker(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load marker: %w", err)
	}
	if m.UserID != userID {
		return fmt.Errorf("marker %s: %w", id, ErrNotFound)
	}
	if err := s.store.DeleteMarker(ctx, id); err != nil {
		return fmt.Errorf("failed to delete marker: %w", err)
	}
	return nil
}

// Render builds the map instructions for plots.
func Render(plots []*FarmPlot) []RenderInstruction {
	out := make([]RenderInstruction, 0, len(plots))
	for _, p := range plots {
		color := p.Color
		if color == "" {
			color = DefaultColor
		}
		areaText := ""
		if p.AreaSqm != nil {
			areaText = geo.FormatHectares(*p.AreaSqm)
		}
		out = append(out, RenderInstruction{
			PlotID:   p.ID,
			Color:    color,
			Tooltip:  p.Name,
			AreaText: areaText,
			Ring:     p.Coordinates,
		})
	}
	return out
}
