// Package fleet holds the console's observed fleet state. Store is the
// only owner of vehicle states, routes and the base location; everything
// else reads it through Read.
package fleet

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Status is a vehicle's operational state as reported by the backend.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusBusy      Status = "BUSY"
	StatusInMission Status = "IN_MISSION"
	StatusError     Status = "ERROR"
	StatusUnknown   Status = "UNKNOWN"
)

// ParseStatus maps a backend status string onto Status. Anything outside
// the known set (OFFLINE included) is StatusUnknown.
func ParseStatus(s string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusIdle:
		return StatusIdle
	case StatusBusy:
		return StatusBusy
	case StatusInMission:
		return StatusInMission
	case StatusError:
		return StatusError
	default:
		return StatusUnknown
	}
}

// Free reports whether a vehicle in this status can take an order.
func (s Status) Free() bool {
	return s != StatusBusy && s != StatusInMission && s != StatusError
}

// Position is a WGS84 coordinate in degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside WGS84 bounds.
func (p Position) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func (p Position) String() string { return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon) }

// maxUnixSeconds is 9999-12-31T23:59:59Z.
const maxUnixSeconds = 253402300799

// UnixSeconds converts a backend timestamp in fractional seconds since the
// epoch. It reports false for missing, non-positive or out of range values,
// which callers replace with a local time.
func UnixSeconds(ts *float64) (time.Time, bool) {
	if ts == nil || math.IsNaN(*ts) || *ts <= 0 || *ts > maxUnixSeconds {
		return time.Time{}, false
	}
	sec, frac := math.Modf(*ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// Waypoint is one point of a planned route, in flight order.
type Waypoint struct {
	Position
	Alt *float64 `json:"alt,omitempty"`
}

// VehicleState is the last-known state of one vehicle.
type VehicleState struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Position Position `json:"position"`
	HasFix   bool     `json:"hasFix"`
	Altitude *float64 `json:"alt,omitempty"`
	Status   Status   `json:"status"`
	// LastUpdated is the timestamp of the freshest event that contributed.
	LastUpdated time.Time  `json:"lastUpdated"`
	Stale       bool       `json:"stale"`
	StaleSince  *time.Time `json:"staleSince,omitempty"`
	// PositionAt and StatusAt are the event times each group of fields
	// was last accepted at. They are journaled so a restart keeps the
	// recency rule per group.
	PositionAt time.Time `json:"-"`
	StatusAt   time.Time `json:"-"`

	seenAt time.Time
}

// Route is the current planned route of one vehicle.
type Route struct {
	VehicleID string     `json:"vehicleId"`
	Waypoints []Waypoint `json:"waypoints"`
	// Revision increases every time the route is replaced.
	Revision uint64 `json:"revision"`
}

// BaseLocation is the depot the fleet operates from.
type BaseLocation struct {
	Position
}

// VehicleDescriptor is one entry of a pulled fleet snapshot.
type VehicleDescriptor struct {
	ID   string
	Name string
	// Status is empty when the source does not report one.
	Status   Status
	Position *Position
	Altitude *float64
	// At is the descriptor's own timestamp, zero when the backend sent none.
	At time.Time
}

// Snapshot is an authoritative fleet listing. TakenAt is when the pull
// was issued and stands in for descriptors without their own timestamp.
type Snapshot struct {
	Vehicles []VehicleDescriptor
	TakenAt  time.Time
}

// View is a point-in-time copy of the store.
type View struct {
	Vehicles   []VehicleState `json:"vehicles"`
	Routes     []Route        `json:"routes"`
	Base       *BaseLocation  `json:"base,omitempty"`
	Connection string         `json:"connection"`
	Version    uint64         `json:"version"`
}

// Vehicle returns the state for id from the view.
func (v View) Vehicle(id string) (VehicleState, bool) {
	for _, s := range v.Vehicles {
		if s.ID == id {
			return s, true
		}
	}
	return VehicleState{}, false
}

// Route returns the route for id from the view.
func (v View) Route(id string) (Route, bool) {
	for _, r := range v.Routes {
		if r.VehicleID == id {
			return r, true
		}
	}
	return Route{}, false
}

// MergeStats summarizes one MergeSnapshot call.
type MergeStats struct {
	Applied   int
	Discarded int
	Stale     int
}
