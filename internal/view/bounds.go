package view

import "fleet-console/internal/fleet"

// Bounds is a lat/lon rectangle. It does not handle the antimeridian.
type Bounds struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// BoundsOf returns the smallest rectangle holding every position.
func BoundsOf(positions []fleet.Position) (Bounds, bool) {
	if len(positions) == 0 {
		return Bounds{}, false
	}
	b := Bounds{South: positions[0].Lat, North: positions[0].Lat, West: positions[0].Lon, East: positions[0].Lon}
	for _, p := range positions[1:] {
		b.South = min(b.South, p.Lat)
		b.North = max(b.North, p.Lat)
		b.West = min(b.West, p.Lon)
		b.East = max(b.East, p.Lon)
	}
	return b, true
}

// Pad grows the rectangle by margin degrees on every side, clamped to WGS84.
func (b Bounds) Pad(margin float64) Bounds {
	return Bounds{
		South: max(b.South-margin, -90),
		West:  max(b.West-margin, -180),
		North: min(b.North+margin, 90),
		East:  min(b.East+margin, 180),
	}
}

// Contains reports whether o lies entirely inside b.
func (b Bounds) Contains(o Bounds) bool {
	return o.South >= b.South && o.North <= b.North && o.West >= b.West && o.East <= b.East
}

// Center is the rectangle's midpoint.
func (b Bounds) Center() fleet.Position {
	return fleet.Position{Lat: (b.South + b.North) / 2, Lon: (b.West + b.East) / 2}
}
