// Package view projects the fleet store onto display surfaces: a marker
// per vehicle, a route overlay per planned mission, the status table and
// a camera that follows the fleet.
package view

import (
	"time"

	"fleet-console/internal/fleet"
)

// Display is a surface the projector draws on. The projector never
// calls a display concurrently.
type Display interface {
	PlaceMarker(id string, pos fleet.Position)
	MoveMarker(id string, pos fleet.Position)
	SetRoute(id string, waypoints []fleet.Waypoint)
	ClearRoute(id string)
	SetViewport(b Bounds)
	SetStatusTable(rows []StatusRow)
	SetConnection(status string)
}

// StatusRow is one line of the fleet status table.
type StatusRow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Status      string    `json:"status"`
	Position    string    `json:"position"`
	Alt         *float64  `json:"alt,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
	Stale       bool      `json:"stale"`
}

// Multi fans every call out to each display in order.
type Multi []Display

func (m Multi) PlaceMarker(id string, pos fleet.Position) {
	for _, d := range m {
		d.PlaceMarker(id, pos)
	}
}

func (m Multi) MoveMarker(id string, pos fleet.Position) {
	for _, d := range m {
		d.MoveMarker(id, pos)
	}
}

func (m Multi) SetRoute(id string, waypoints []fleet.Waypoint) {
	for _, d := range m {
		d.SetRoute(id, waypoints)
	}
}

func (m Multi) ClearRoute(id string) {
	for _, d := range m {
		d.ClearRoute(id)
	}
}

func (m Multi) SetViewport(b Bounds) {
	for _, d := range m {
		d.SetViewport(b)
	}
}

func (m Multi) SetStatusTable(rows []StatusRow) {
	for _, d := range m {
		d.SetStatusTable(rows)
	}
}

func (m Multi) SetConnection(status string) {
	for _, d := range m {
		d.SetConnection(status)
	}
}
