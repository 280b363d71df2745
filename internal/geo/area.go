// Package geo provides the geographic primitives used for farm plots:
// coordinate rings, spherical area and conversions to go-geom geometries.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadius is the mean Earth radius in meters used by ComputeArea.
const EarthRadius = 6371000.0

// SquareMetersPerHectare converts m² to hectares.
const SquareMetersPerHectare = 10000.0

// MinRingPoints is the smallest number of points that encloses an area.
const MinRingPoints = 3

// ErrTooFewPoints is returned by Validate for rings that cannot enclose an area.
var ErrTooFewPoints = errors.New("ring needs at least 3 distinct points")

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Ring is an ordered, implicitly closed sequence of points.
// The last point connects back to the first.
type Ring []Point

// Validate reports whether the ring has enough distinct points to be a
// polygon. An explicit closing point does not count.
func (r Ring) Validate() error {
	if n := r.Open().distinct(); n < MinRingPoints {
		return fmt.Errorf("%w: got %d distinct", ErrTooFewPoints, n)
	}
	return nil
}

func (r Ring) distinct() int {
	seen := make(map[Point]struct{}, len(r))
	for _, p := range r {
		seen[p] = struct{}{}
	}
	return len(seen)
}

// Rotate returns a copy of the ring starting at offset k.
// Negative and out-of-range offsets wrap.
func (r Ring) Rotate(k int) Ring {
	n := len(r)
	out := make(Ring, n)
	if n == 0 {
		return out
	}
	k = ((k % n) + n) % n
	copy(out, r[k:])
	copy(out[n-k:], r[:k])
	return out
}

// Open drops an explicit closing point (last == first) if present.
func (r Ring) Open() Ring {
	if len(r) > 1 && r[0] == r[len(r)-1] {
		return r[:len(r)-1]
	}
	return r
}

// Pairs returns the ring as [lat, lng] pairs, the layout stored with plots.
func (r Ring) Pairs() [][]float64 {
	out := make([][]float64, len(r))
	for i, p := range r {
		out[i] = []float64{p.Lat, p.Lng}
	}
	return out
}

// RingFromPairs builds a ring from [lat, lng] pairs.
func RingFromPairs(pairs [][]float64) (Ring, error) {
	ring := make(Ring, 0, len(pairs))
	for i, p := range pairs {
		if len(p) < 2 {
			return nil, fmt.Errorf("coordinate %d: expected [lat, lng], got %d values", i, len(p))
		}
		ring = append(ring, Point{Lat: p[0], Lng: p[1]})
	}
	return ring, nil
}

// ComputeArea returns the enclosed surface area of the ring in square meters
// on a spherical Earth, using the integrated-longitude (spherical excess)
// approximation. Rings with fewer than 3 points yield 0. NaN coordinates
// propagate into the result.
func ComputeArea(ring Ring) float64 {
	n := len(ring)
	if n < MinRingPoints {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		lat1 := toRadians(ring[i].Lat)
		lat2 := toRadians(ring[j].Lat)
		dLng := toRadians(ring[j].Lng - ring[i].Lng)
		sum += dLng * (2 + math.Sin(lat1) + math.Sin(lat2))
	}

	return math.Abs(sum * EarthRadius * EarthRadius / 2)
}

// Hectares converts square meters to hectares.
func Hectares(areaSqm float64) float64 {
	return areaSqm / SquareMetersPerHectare
}

// FormatHectares renders an area for display, e.g. "1.24 ha".
func FormatHectares(areaSqm float64) string {
	return fmt.Sprintf("%.2f ha", Hectares(areaSqm))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
