package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	"fleet-console/internal/fleet"
)

type point struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	Alt *float64 `json:"alt"`
}

// descriptor is the union of what /api/drones and /api/fleet send.
type descriptor struct {
	point
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Status *string  `json:"status"`
	Pos    *point   `json:"pos"`
	TS     *float64 `json:"ts"`
	LastTS *float64 `json:"last_ts"`
}

// decodeDescriptors accepts either a bare array or an object holding the
// array under key, and returns the entries in order. Entries without an
// id are skipped; positions outside WGS84 are dropped from the entry.
func decodeDescriptors(body []byte, key string) ([]fleet.VehicleDescriptor, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("decode %s: empty body", key)
	}

	var raw []descriptor
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
	case '{':
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		list, ok := wrapped[key]
		if !ok {
			return nil, fmt.Errorf("decode %s: object has no %q field", key, key)
		}
		if err := json.Unmarshal(list, &raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
	default:
		return nil, fmt.Errorf("decode %s: unexpected body", key)
	}

	out := make([]fleet.VehicleDescriptor, 0, len(raw))
	for _, d := range raw {
		if d.ID == "" {
			continue
		}
		v := fleet.VehicleDescriptor{ID: d.ID, Name: d.Name}
		if d.Status != nil {
			v.Status = fleet.ParseStatus(*d.Status)
		}
		pt := d.point
		if pt.Lat == nil && d.Pos != nil {
			pt = *d.Pos
		}
		if pt.Lat != nil && pt.Lon != nil {
			pos := fleet.Position{Lat: *pt.Lat, Lon: *pt.Lon}
			if pos.Valid() {
				v.Position = &pos
				v.Altitude = pt.Alt
			}
		}
		ts := d.TS
		if ts == nil {
			ts = d.LastTS
		}
		v.At, _ = fleet.UnixSeconds(ts)
		out = append(out, v)
	}
	return out, nil
}
