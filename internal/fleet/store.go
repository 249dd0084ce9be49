package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Store is the canonical fleet state. Position and status are versioned
// separately: each mutation carries an event time and is dropped when it
// is older than what the store already holds for that group of fields.
type Store struct {
	clock      clockwork.Clock
	staleAfter time.Duration

	mu         sync.RWMutex
	vehicles   map[string]*VehicleState
	routes     map[string]*Route
	base       *BaseLocation
	connection string
	version    uint64
	revision   uint64
}

// NewStore returns an empty store. Vehicles missing from snapshots for
// longer than staleAfter are marked stale; zero disables marking.
func NewStore(clk clockwork.Clock, staleAfter time.Duration) *Store {
	return &Store{
		clock:      clk,
		staleAfter: staleAfter,
		vehicles:   make(map[string]*VehicleState),
		routes:     make(map[string]*Route),
		connection: "connecting",
	}
}

// UpsertTelemetry records a position report. It reports whether the
// store changed; replays and reports older than the stored position are
// no-ops.
func (s *Store) UpsertTelemetry(id string, pos Position, alt *float64, at time.Time) bool {
	if id == "" || !pos.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vehicleLocked(id)
	changed := s.applyPosition(v, pos, alt, at)
	if changed {
		s.touch(v)
		s.version++
	}
	return changed
}

// MarkActive records a vehicle announcing itself. A vehicle whose status
// is still unknown becomes IDLE.
func (s *Store) MarkActive(id string, pos Position, at time.Time) bool {
	if id == "" || !pos.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vehicleLocked(id)
	changed := s.applyPosition(v, pos, nil, at)
	if v.Status == StatusUnknown && s.applyStatus(v, StatusIdle, v.Name, at) {
		changed = true
	}
	if changed {
		s.touch(v)
		s.version++
	}
	return changed
}

// SetRoute replaces the route for id. An empty waypoint list clears it.
// It reports whether the store changed; resending the current route is a
// no-op.
func (s *Store) SetRoute(id string, waypoints []Waypoint) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(waypoints) == 0 {
		return s.clearRouteLocked(id)
	}
	if r, ok := s.routes[id]; ok && sameWaypoints(r.Waypoints, waypoints) {
		return false
	}
	s.revision++
	s.routes[id] = &Route{
		VehicleID: id,
		Waypoints: copyWaypoints(waypoints),
		Revision:  s.revision,
	}
	s.version++
	return true
}

// ClearRoute drops the route for id.
func (s *Store) ClearRoute(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearRouteLocked(id)
}

func (s *Store) clearRouteLocked(id string) bool {
	if _, ok := s.routes[id]; !ok {
		return false
	}
	delete(s.routes, id)
	s.version++
	return true
}

// MergeSnapshot applies an authoritative listing. Descriptors go through
// the same recency rule as telemetry; vehicles absent from the listing
// and unseen for longer than the stale period are marked stale.
func (s *Store) MergeSnapshot(snap Snapshot) MergeStats {
	now := s.clock.Now()
	var stats MergeStats

	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]bool, len(snap.Vehicles))
	for _, d := range snap.Vehicles {
		if d.ID == "" {
			continue
		}
		present[d.ID] = true
		at := d.At
		if at.IsZero() {
			at = snap.TakenAt
		}
		v := s.vehicleLocked(d.ID)
		changed, discarded := false, false
		if d.Position != nil && d.Position.Valid() {
			if at.Before(v.PositionAt) {
				discarded = true
			} else if s.applyPosition(v, *d.Position, d.Altitude, at) {
				changed = true
			}
		}
		if d.Status != "" || d.Name != "" {
			status := d.Status
			if status == "" {
				status = v.Status
			}
			if at.Before(v.StatusAt) {
				discarded = true
			} else if s.applyStatus(v, status, d.Name, at) {
				changed = true
			}
		}
		if v.Stale {
			changed = true
		}
		s.touch(v)
		if changed {
			stats.Applied++
			s.version++
		} else if discarded {
			stats.Discarded++
		}
	}

	if s.staleAfter <= 0 {
		return stats
	}
	for id, v := range s.vehicles {
		if present[id] || v.Stale {
			continue
		}
		if now.Sub(v.seenAt) > s.staleAfter {
			since := v.seenAt
			v.Stale = true
			v.StaleSince = &since
			stats.Stale++
			s.version++
		}
	}
	return stats
}

// SetBase replaces the base location.
func (s *Store) SetBase(b BaseLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base != nil && *s.base == b {
		return
	}
	s.base = &b
	s.version++
}

// Base returns the base location once one has been fetched.
func (s *Store) Base() (BaseLocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.base == nil {
		return BaseLocation{}, false
	}
	return *s.base, true
}

// SetConnection records the push channel status shown to the operator.
func (s *Store) SetConnection(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connection != status {
		s.connection = status
		s.version++
	}
}

// Version increases on every change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Read returns a deep copy of the store, vehicles and routes sorted by id.
func (s *Store) Read() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view := View{
		Vehicles:   make([]VehicleState, 0, len(s.vehicles)),
		Routes:     make([]Route, 0, len(s.routes)),
		Connection: s.connection,
		Version:    s.version,
	}
	for _, v := range s.vehicles {
		c := *v
		c.Altitude = copyFloat(v.Altitude)
		if v.StaleSince != nil {
			since := *v.StaleSince
			c.StaleSince = &since
		}
		view.Vehicles = append(view.Vehicles, c)
	}
	for _, r := range s.routes {
		view.Routes = append(view.Routes, Route{
			VehicleID: r.VehicleID,
			Waypoints: copyWaypoints(r.Waypoints),
			Revision:  r.Revision,
		})
	}
	if s.base != nil {
		b := *s.base
		view.Base = &b
	}
	sort.Slice(view.Vehicles, func(i, j int) bool { return view.Vehicles[i].ID < view.Vehicles[j].ID })
	sort.Slice(view.Routes, func(i, j int) bool { return view.Routes[i].VehicleID < view.Routes[j].VehicleID })
	return view
}

// Restore seeds the store from a saved view. Saved entries lose against
// anything newer already in the store.
func (s *Store) Restore(view View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, saved := range view.Vehicles {
		if saved.ID == "" {
			continue
		}
		v := s.vehicleLocked(saved.ID)
		positionAt, statusAt := saved.PositionAt, saved.StatusAt
		if positionAt.IsZero() {
			positionAt = saved.LastUpdated
		}
		if statusAt.IsZero() {
			statusAt = saved.LastUpdated
		}
		if saved.HasFix {
			s.applyPosition(v, saved.Position, saved.Altitude, positionAt)
		}
		s.applyStatus(v, saved.Status, saved.Name, statusAt)
		s.touch(v)
	}
	for _, r := range view.Routes {
		if _, ok := s.routes[r.VehicleID]; ok || len(r.Waypoints) == 0 {
			continue
		}
		s.revision++
		s.routes[r.VehicleID] = &Route{VehicleID: r.VehicleID, Waypoints: copyWaypoints(r.Waypoints), Revision: s.revision}
	}
	if s.base == nil && view.Base != nil {
		b := *view.Base
		s.base = &b
	}
	s.version++
}

func (s *Store) vehicleLocked(id string) *VehicleState {
	v, ok := s.vehicles[id]
	if !ok {
		v = &VehicleState{ID: id, Status: StatusUnknown}
		s.vehicles[id] = v
		s.version++
	}
	return v
}

func (s *Store) applyPosition(v *VehicleState, pos Position, alt *float64, at time.Time) bool {
	if at.Before(v.PositionAt) {
		return false
	}
	if v.HasFix && at.Equal(v.PositionAt) && v.Position == pos && (alt == nil || floatEqual(alt, v.Altitude)) {
		return false
	}
	v.Position = pos
	v.HasFix = true
	if alt != nil {
		v.Altitude = copyFloat(alt)
	}
	v.PositionAt = at
	if at.After(v.LastUpdated) {
		v.LastUpdated = at
	}
	return true
}

func (s *Store) applyStatus(v *VehicleState, status Status, name string, at time.Time) bool {
	if at.Before(v.StatusAt) {
		return false
	}
	if name == "" {
		name = v.Name
	}
	if at.Equal(v.StatusAt) && v.Status == status && v.Name == name {
		return false
	}
	v.Status = status
	v.Name = name
	v.StatusAt = at
	if at.After(v.LastUpdated) {
		v.LastUpdated = at
	}
	return true
}

// touch records that the vehicle was just observed and clears staleness.
func (s *Store) touch(v *VehicleState) {
	v.seenAt = s.clock.Now()
	v.Stale = false
	v.StaleSince = nil
}

func copyWaypoints(in []Waypoint) []Waypoint {
	out := make([]Waypoint, len(in))
	for i, w := range in {
		out[i] = Waypoint{Position: w.Position, Alt: copyFloat(w.Alt)}
	}
	return out
}

func sameWaypoints(a, b []Waypoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Position != b[i].Position || !floatEqual(a[i].Alt, b[i].Alt) {
			return false
		}
	}
	return true
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

func floatEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
