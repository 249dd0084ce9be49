// Package classify turns raw push-channel frames into typed fleet events.
package classify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fleet-console/internal/fleet"
)

// Frame types recognized on the push channel.
const (
	TypeTelemetry = "telemetry_update"
	TypeActive    = "drone_active"
	TypeMission   = "mission_planned"
)

// DefaultVehicle is used for frames that carry no vehicle id, as sent by
// single-vehicle telemetry feeds.
const DefaultVehicle = "sim_drone_1"

// Event is one of TelemetryUpdate, VehicleAppeared, MissionPlanned or
// Malformed.
type Event interface {
	event()
}

// TelemetryUpdate is a position report for one vehicle.
type TelemetryUpdate struct {
	VehicleID string
	Position  fleet.Position
	Alt       *float64
	At        time.Time
}

// VehicleAppeared announces a vehicle joining the active fleet.
type VehicleAppeared struct {
	VehicleID string
	Position  fleet.Position
	At        time.Time
}

// MissionPlanned carries the full planned route of a vehicle.
type MissionPlanned struct {
	VehicleID string
	Waypoints []fleet.Waypoint
	At        time.Time
}

// Malformed is a frame that could not be used.
type Malformed struct {
	Type   string
	Reason string
}

func (TelemetryUpdate) event() {}
func (VehicleAppeared) event() {}
func (MissionPlanned) event()  {}
func (Malformed) event()       {}

func (m Malformed) Error() string {
	if m.Type == "" {
		return "malformed frame: " + m.Reason
	}
	return fmt.Sprintf("malformed %s frame: %s", m.Type, m.Reason)
}

type envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type point struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	Alt *float64 `json:"alt"`
}

type telemetryPayload struct {
	point
	TS *float64 `json:"ts"`
}

type activePayload struct {
	point
	ID string   `json:"id"`
	TS *float64 `json:"ts"`
}

type waypointPayload struct {
	point
	Pos *point `json:"pos"`
}

type missionPayload struct {
	VehicleID string            `json:"vehicle_id"`
	Waypoints []waypointPayload `json:"waypoints"`
	TS        *float64          `json:"ts"`
}

// Classifier decodes frames. The zero value uses DefaultVehicle.
type Classifier struct {
	DefaultVehicle string
}

// Classify decodes one frame. It never fails: unusable input comes back
// as Malformed.
func (c Classifier) Classify(data []byte, receivedAt time.Time) Event {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Malformed{Reason: "invalid json: " + err.Error()}
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return Malformed{Type: env.Type, Reason: "missing payload"}
	}

	switch env.Type {
	case TypeTelemetry:
		var p telemetryPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Malformed{Type: env.Type, Reason: err.Error()}
		}
		pos, err := p.position()
		if err != nil {
			return Malformed{Type: env.Type, Reason: err.Error()}
		}
		return TelemetryUpdate{
			VehicleID: c.vehicleID(topicID(env.Topic)),
			Position:  pos,
			Alt:       p.Alt,
			At:        eventTime(p.TS, receivedAt),
		}

	case TypeActive:
		var p activePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Malformed{Type: env.Type, Reason: err.Error()}
		}
		pos, err := p.position()
		if err != nil {
			return Malformed{Type: env.Type, Reason: err.Error()}
		}
		id := p.ID
		if id == "" {
			id = topicID(env.Topic)
		}
		return VehicleAppeared{
			VehicleID: c.vehicleID(id),
			Position:  pos,
			At:        eventTime(p.TS, receivedAt),
		}

	case TypeMission:
		var p missionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Malformed{Type: env.Type, Reason: err.Error()}
		}
		if len(p.Waypoints) == 0 {
			return Malformed{Type: env.Type, Reason: "no waypoints"}
		}
		wps := make([]fleet.Waypoint, 0, len(p.Waypoints))
		for i, w := range p.Waypoints {
			pt := w.point
			if w.Pos != nil {
				pt = *w.Pos
			}
			pos, err := pt.position()
			if err != nil {
				return Malformed{Type: env.Type, Reason: fmt.Sprintf("waypoint %d: %v", i, err)}
			}
			wps = append(wps, fleet.Waypoint{Position: pos, Alt: pt.Alt})
		}
		id := p.VehicleID
		if id == "" {
			id = topicID(env.Topic)
		}
		return MissionPlanned{
			VehicleID: c.vehicleID(id),
			Waypoints: wps,
			At:        eventTime(p.TS, receivedAt),
		}

	case "":
		return Malformed{Reason: "missing type"}
	default:
		return Malformed{Type: env.Type, Reason: "unknown type"}
	}
}

func (c Classifier) vehicleID(id string) string {
	if id != "" {
		return id
	}
	if c.DefaultVehicle != "" {
		return c.DefaultVehicle
	}
	return DefaultVehicle
}

func (p point) position() (fleet.Position, error) {
	if p.Lat == nil {
		return fleet.Position{}, fmt.Errorf("missing lat")
	}
	if p.Lon == nil {
		return fleet.Position{}, fmt.Errorf("missing lon")
	}
	pos := fleet.Position{Lat: *p.Lat, Lon: *p.Lon}
	if !pos.Valid() {
		return fleet.Position{}, fmt.Errorf("position %s out of range", pos)
	}
	return pos, nil
}

// topicID returns the second segment of a <kind>/<id>/... topic.
func topicID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	id := strings.TrimSpace(parts[1])
	if id == "+" || id == "#" {
		return ""
	}
	return id
}

func eventTime(ts *float64, receivedAt time.Time) time.Time {
	if at, ok := fleet.UnixSeconds(ts); ok {
		return at
	}
	return receivedAt
}
