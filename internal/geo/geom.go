package geo

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// SRID for WGS84 lon/lat.
const SRID = 4326

// Polygon converts the ring into a closed go-geom polygon (lng, lat axis order).
func (r Ring) Polygon() (*geom.Polygon, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	open := r.Open()
	coords := make([]geom.Coord, 0, len(open)+1)
	for _, p := range open {
		coords = append(coords, geom.Coord{p.Lng, p.Lat})
	}
	coords = append(coords, geom.Coord{open[0].Lng, open[0].Lat})

	poly, err := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{coords})
	if err != nil {
		return nil, fmt.Errorf("failed to build polygon: %w", err)
	}
	return poly.SetSRID(SRID), nil
}

// RingFromPolygon extracts the exterior ring of a polygon, dropping the
// closing point.
func RingFromPolygon(poly *geom.Polygon) (Ring, error) {
	if poly == nil || poly.NumLinearRings() == 0 {
		return nil, fmt.Errorf("polygon has no exterior ring")
	}

	coords := poly.LinearRing(0).Coords()
	ring := make(Ring, 0, len(coords))
	for _, c := range coords {
		ring = append(ring, Point{Lat: c.Y(), Lng: c.X()})
	}
	return ring.Open(), nil
}

// MarshalGeoJSON encodes the ring as a GeoJSON Polygon geometry.
func (r Ring) MarshalGeoJSON() ([]byte, error) {
	poly, err := r.Polygon()
	if err != nil {
		return nil, err
	}
	return geojson.Marshal(poly)
}

// ParseGeoJSON decodes a GeoJSON Polygon geometry or a Feature wrapping one.
func ParseGeoJSON(data []byte) (Ring, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse GeoJSON: %w", err)
	}

	var g geom.T
	if probe.Type == "Feature" {
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse GeoJSON feature: %w", err)
		}
		g = f.Geometry
	} else if err := geojson.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse GeoJSON geometry: %w", err)
	}

	poly, ok := g.(*geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("geometry is not a Polygon")
	}
	return RingFromPolygon(poly)
}

// WKT encodes the ring as an EWKT string, e.g. "SRID=4326;POLYGON((...))".
func (r Ring) WKT() (string, error) {
	poly, err := r.Polygon()
	if err != nil {
		return "", err
	}
	s, err := wkt.Marshal(poly)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to WKT: %w", err)
	}
	return fmt.Sprintf("SRID=%d;%s", SRID, s), nil
}

// ParseWKT decodes a POLYGON in WKT, with or without an SRID prefix.
func ParseWKT(s string) (Ring, error) {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[i+1:]
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WKT: %w", err)
	}
	poly, ok := g.(*geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("geometry is not a Polygon")
	}
	return RingFromPolygon(poly)
}
