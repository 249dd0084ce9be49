package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"fleet-console/internal/fleet"
)

// Mission is one active mission as listed by /api/missions.
type Mission struct {
	ID        string
	VehicleID string
	Status    string
	Waypoints []fleet.Waypoint
}

type missionWaypoint struct {
	point
	Pos *point `json:"pos"`
}

type mission struct {
	ID        string            `json:"id"`
	VehicleID *string           `json:"vehicle_id"`
	Status    string            `json:"status"`
	Waypoints []missionWaypoint `json:"waypoints"`
}

// Missions fetches the backend's active missions. Missions not yet
// assigned to a vehicle are returned with an empty VehicleID.
func (c *Client) Missions(ctx context.Context) ([]Mission, error) {
	body, err := c.get(ctx, "/api/missions")
	if err != nil {
		return nil, err
	}
	return decodeMissions(body)
}

// decodeMissions accepts a bare array or {"missions":[...]}. A mission
// with a waypoint lacking valid coordinates is skipped whole.
func decodeMissions(body []byte) ([]Mission, error) {
	trimmed := bytes.TrimSpace(body)
	var raw []mission
	switch {
	case len(trimmed) == 0:
		return nil, fmt.Errorf("decode missions: empty body")
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("decode missions: %w", err)
		}
	case trimmed[0] == '{':
		var wrapped struct {
			Missions *[]mission `json:"missions"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode missions: %w", err)
		}
		if wrapped.Missions == nil {
			return nil, fmt.Errorf("decode missions: object has no \"missions\" field")
		}
		raw = *wrapped.Missions
	default:
		return nil, fmt.Errorf("decode missions: unexpected body")
	}

	out := make([]Mission, 0, len(raw))
	for _, m := range raw {
		wps, ok := m.waypoints()
		if !ok {
			continue
		}
		out = append(out, Mission{ID: m.ID, Status: m.Status, VehicleID: deref(m.VehicleID), Waypoints: wps})
	}
	return out, nil
}

func (m mission) waypoints() ([]fleet.Waypoint, bool) {
	wps := make([]fleet.Waypoint, 0, len(m.Waypoints))
	for _, w := range m.Waypoints {
		pt := w.point
		if pt.Lat == nil && w.Pos != nil {
			pt = *w.Pos
		}
		if pt.Lat == nil || pt.Lon == nil {
			return nil, false
		}
		pos := fleet.Position{Lat: *pt.Lat, Lon: *pt.Lon}
		if !pos.Valid() {
			return nil, false
		}
		wps = append(wps, fleet.Waypoint{Position: pos, Alt: pt.Alt})
	}
	return wps, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
