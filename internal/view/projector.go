package view

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"fleet-console/internal/fleet"
	"fleet-console/internal/logging"
	"fleet-console/internal/schedule"
)

const (
	DefaultRefreshInterval = 500 * time.Millisecond
	DefaultCameraInterval  = 5 * time.Second
	DefaultMargin          = 0.005
)

// Options configures a Projector. Zero values fall back to defaults.
type Options struct {
	Store   *fleet.Store
	Display Display
	Clock   clockwork.Clock
	Log     zerolog.Logger

	RefreshInterval time.Duration
	CameraInterval  time.Duration
	// Margin pads the fleet bounds, in degrees.
	Margin float64
}

// Projector diffs store reads against what it last drew, so displays only
// see the changes.
type Projector struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	drawn       bool
	lastVersion uint64
	markers     map[string]fleet.Position
	routes      map[string]uint64
	connection  string
	viewport    *Bounds
}

// NewProjector returns a projector drawing opts.Store onto opts.Display.
func NewProjector(opts Options) *Projector {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.CameraInterval <= 0 {
		opts.CameraInterval = DefaultCameraInterval
	}
	if opts.Margin <= 0 {
		opts.Margin = DefaultMargin
	}
	return &Projector{
		opts:    opts,
		log:     logging.Component(opts.Log, "view"),
		markers: make(map[string]fleet.Position),
		routes:  make(map[string]uint64),
	}
}

// Start registers the refresh and camera ticks in g.
func (p *Projector) Start(g *schedule.Group) {
	g.Every("view-refresh", p.opts.RefreshInterval, func(context.Context) { p.Refresh() })
	g.Every("camera-check", p.opts.CameraInterval, func(context.Context) { p.CameraCheck() })
}

// Refresh draws what changed since the last refresh. It reports whether
// the store had moved on.
func (p *Projector) Refresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.drawn && p.opts.Store.Version() == p.lastVersion {
		return false
	}
	view := p.opts.Store.Read()
	d := p.opts.Display

	for _, v := range view.Vehicles {
		if !v.HasFix {
			continue
		}
		prev, ok := p.markers[v.ID]
		switch {
		case !ok:
			d.PlaceMarker(v.ID, v.Position)
		case prev != v.Position:
			d.MoveMarker(v.ID, v.Position)
		default:
			continue
		}
		p.markers[v.ID] = v.Position
	}

	current := make(map[string]bool, len(view.Routes))
	for _, r := range view.Routes {
		current[r.VehicleID] = true
		if rev, ok := p.routes[r.VehicleID]; ok && rev == r.Revision {
			continue
		}
		d.SetRoute(r.VehicleID, r.Waypoints)
		p.routes[r.VehicleID] = r.Revision
	}
	for id := range p.routes {
		if !current[id] {
			d.ClearRoute(id)
			delete(p.routes, id)
		}
	}

	d.SetStatusTable(StatusRows(view, p.opts.Clock.Now()))
	if !p.drawn || view.Connection != p.connection {
		d.SetConnection(view.Connection)
		p.connection = view.Connection
	}

	p.drawn = true
	p.lastVersion = view.Version
	return true
}

// CameraCheck reframes when a tracked position has left the current
// viewport. The new viewport is the fleet bounds padded by the margin, so
// moves within the margin never reframe. With no positioned vehicle it
// frames the base.
func (p *Projector) CameraCheck() bool {
	view := p.opts.Store.Read()
	positions := make([]fleet.Position, 0, len(view.Vehicles))
	for _, v := range view.Vehicles {
		if v.HasFix {
			positions = append(positions, v.Position)
		}
	}
	if len(positions) == 0 && view.Base != nil {
		positions = append(positions, view.Base.Position)
	}
	b, ok := BoundsOf(positions)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.viewport != nil && p.viewport.Contains(b) {
		return false
	}
	target := b.Pad(p.opts.Margin)
	p.viewport = &target
	p.opts.Display.SetViewport(target)
	p.log.Debug().
		Float64("south", target.South).Float64("west", target.West).
		Float64("north", target.North).Float64("east", target.East).
		Msg("viewport moved")
	return true
}

// Viewport returns the last viewport set, if any.
func (p *Projector) Viewport() (Bounds, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.viewport == nil {
		return Bounds{}, false
	}
	return *p.viewport, true
}

// StatusRows renders the vehicles of view as table rows.
func StatusRows(view fleet.View, now time.Time) []StatusRow {
	rows := make([]StatusRow, 0, len(view.Vehicles))
	for _, v := range view.Vehicles {
		row := StatusRow{
			ID:          v.ID,
			Name:        v.Name,
			Status:      StatusText(v, now),
			Position:    "no fix",
			Alt:         v.Altitude,
			LastUpdated: v.LastUpdated,
			Stale:       v.Stale,
		}
		if v.HasFix {
			row.Position = v.Position.String()
		}
		rows = append(rows, row)
	}
	return rows
}

// StatusText is the status column: the fleet status, or how long the
// vehicle has been missing from the backend's listing.
func StatusText(v fleet.VehicleState, now time.Time) string {
	if v.Stale && v.StaleSince != nil {
		return "stale since " + humanize.RelTime(*v.StaleSince, now, "ago", "from now")
	}
	return string(v.Status)
}
