package plot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroeye/field-agent/internal/geo"
)

var square = geo.Ring{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.001}, {Lat: 0.001, Lng: 0.001}, {Lat: 0.001, Lng: 0}}

func TestCapture(t *testing.T) {
	p, err := Capture(square, "  North field ", " maize ")
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "North field", p.Name)
	assert.Equal(t, "maize", p.Description)
	assert.Equal(t, DefaultColor, p.Color)
	require.NotNil(t, p.AreaSqm)
	assert.Equal(t, 12364.0, *p.AreaSqm)
	assert.Equal(t, square, p.Coordinates)
}

func TestCapture_Options(t *testing.T) {
	p, err := Capture(square, "A", "", WithColor("#ff0000"), WithOwner("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "#ff0000", p.Color)
	assert.Equal(t, "user-1", p.UserID)

	p, err = Capture(square, "A", "", WithColor(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultColor, p.Color)
}

func TestCapture_CopiesRing(t *testing.T) {
	ring := append(geo.Ring(nil), square...)
	p, err := Capture(ring, "A", "")
	require.NoError(t, err)

	ring[0].Lat = 50
	assert.Equal(t, 0.0, p.Coordinates[0].Lat)
}

func TestCapture_Validation(t *testing.T) {
	_, err := Capture(square[:2], "A", "")
	assert.ErrorIs(t, err, geo.ErrTooFewPoints)

	_, err = Capture(geo.Ring{square[0], square[0], square[0]}, "A", "")
	assert.ErrorIs(t, err, geo.ErrTooFewPoints)

	_, err = Capture(square, "   ", "")
	assert.ErrorIs(t, err, ErrNameRequired)
}

func TestNewMarker(t *testing.T) {
	m, err := NewMarker("Sensor A", MarkerSensor, -0.3, 36.08, "")
	require.NoError(t, err)
	assert.Equal(t, SensorMarkerColor, m.Color())

	m, err = NewMarker("Maize", MarkerCrop, -0.3, 36.08, "plot-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultMarkerColor, m.Color())
	assert.Equal(t, "plot-1", m.PlotID)

	tests := []struct {
		name   string
		label  string
		typ    MarkerType
		lat    float64
		lng    float64
		target error
	}{
		{"empty label", "", MarkerZone, 0, 0, ErrLabelRequired},
		{"bad type", "x", MarkerType("tree"), 0, 0, ErrInvalidMarkerType},
		{"bad lat", "x", MarkerZone, 91, 0, ErrInvalidCoordinate},
		{"bad lng", "x", MarkerZone, 0, -181, ErrInvalidCoordinate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMarker(tt.label, tt.typ, tt.lat, tt.lng, "")
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestRender(t *testing.T) {
	area := 12363.0
	plots := []*FarmPlot{
		{ID: "1", Name: "North", AreaSqm: &area, Color: "#123456", Coordinates: square},
		{ID: "2", Name: "South"},
		{ID: "3", Name: "Fallow", AreaSqm: new(float64)},
	}

	out := Render(plots)
	require.Len(t, out, 3)
	assert.Equal(t, RenderInstruction{PlotID: "1", Color: "#123456", Tooltip: "North", AreaText: "1.24 ha", Ring: square}, out[0])
	assert.Equal(t, DefaultColor, out[1].Color)
	assert.Empty(t, out[1].AreaText)
	assert.Equal(t, "0.00 ha", out[2].AreaText)
}

type memStore struct {
	plots   map[string]*FarmPlot
	markers map[string]*MapMarker
	failErr error
}

func newMemStore() *memStore {
	return &memStore{plots: map[string]*FarmPlot{}, markers: map[string]*MapMarker{}}
}

func (s *memStore) SavePlot(_ context.Context, p *FarmPlot) (string, error) {
	if s.failErr != nil {
		return "", s.failErr
	}
	s.plots[p.ID] = p
	return p.ID, nil
}

func (s *memStore) UpdatePlot(_ context.Context, p *FarmPlot) error {
	s.plots[p.ID] = p
	return nil
}

func (s *memStore) GetPlot(_ context.Context, id string) (*FarmPlot, error) {
	p, ok := s.plots[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPlots(_ context.Context, userID string) ([]*FarmPlot, error) {
	var out []*FarmPlot
	for _, p := range s.plots {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) DeletePlot(_ context.Context, id string) error {
	delete(s.plots, id)
	return nil
}

func (s *memStore) SaveMarker(_ context.Context, m *MapMarker) (string, error) {
	s.markers[m.ID] = m
	return m.ID, nil
}

func (s *memStore) GetMarker(_ context.Context, id string) (*MapMarker, error) {
	m, ok := s.markers[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) ListMarkers(_ context.Context, userID string) ([]*MapMarker, error) {
	var out []*MapMarker
	for _, m := range s.markers {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) DeleteMarker(_ context.Context, id string) error {
	delete(s.markers, id)
	return nil
}

func TestService_CapturePlot(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()

	p, err := svc.CapturePlot(ctx, "user-1", square, "North", "", "")
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)

	plots, err := svc.Plots(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, plots, 1)

	_, err = svc.CapturePlot(ctx, "", square, "North", "", "")
	assert.ErrorIs(t, err, ErrUserRequired)
}

func TestService_CapturePlotStoreError(t *testing.T) {
	store := newMemStore()
	store.failErr = errors.New("connection refused")
	svc := NewService(store)

	_, err := svc.CapturePlot(context.Background(), "user-1", square, "North", "", "")
	assert.ErrorIs(t, err, store.failErr)
}

func TestService_EditPlot(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()

	p, err := svc.CapturePlot(ctx, "user-1", square, "North", "", "")
	require.NoError(t, err)

	name := "North-East"
	bigger := geo.Ring{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.002}, {Lat: 0.002, Lng: 0.002}, {Lat: 0.002, Lng: 0}}
	edited, err := svc.EditPlot(ctx, "user-1", p.ID, &name, nil, nil, bigger)
	require.NoError(t, err)
	assert.Equal(t, "North-East", edited.Name)
	assert.Greater(t, *edited.AreaSqm, *p.AreaSqm)

	blank := " "
	_, err = svc.EditPlot(ctx, "user-1", p.ID, &blank, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNameRequired)
}

func TestService_Markers(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()

	m, err := svc.AddMarker(ctx, "user-1", "Probe 1", MarkerSensor, 1, 2, "")
	require.NoError(t, err)

	markers, err := svc.Markers(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, markers, 1)

	require.NoError(t, svc.DeleteMarker(ctx, "user-1", m.ID))
	markers, err = svc.Markers(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestService_OwnerOnly(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	ctx := context.Background()

	p, err := svc.CapturePlot(ctx, "alice", square, "North", "", "")
	require.NoError(t, err)
	m, err := svc.AddMarker(ctx, "alice", "Probe 1", MarkerSensor, 1, 2, p.ID)
	require.NoError(t, err)

	name := "taken"
	_, err = svc.EditPlot(ctx, "mallory", p.ID, &name, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Plot(ctx, "mallory", p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.DeletePlot(ctx, "mallory", p.ID), ErrNotFound)
	assert.ErrorIs(t, svc.DeleteMarker(ctx, "mallory", m.ID), ErrNotFound)

	_, err = svc.Plots(ctx, "")
	assert.ErrorIs(t, err, ErrUserRequired)
	_, err = svc.Markers(ctx, "")
	assert.ErrorIs(t, err, ErrUserRequired)
	assert.ErrorIs(t, svc.DeletePlot(ctx, "", p.ID), ErrUserRequired)

	got, err := svc.Plot(ctx, "alice", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "North", got.Name)
	assert.Len(t, store.markers, 1)

	require.NoError(t, svc.DeletePlot(ctx, "alice", p.ID))
	assert.Empty(t, store.plots)
}
