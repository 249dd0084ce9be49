package view

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"fleet-console/internal/fleet"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder logs display calls as strings.
type recorder struct {
	calls     []string
	rows      []StatusRow
	viewports []Bounds
}

func (r *recorder) PlaceMarker(id string, pos fleet.Position) {
	r.calls = append(r.calls, fmt.Sprintf("place %s %s", id, pos))
}

func (r *recorder) MoveMarker(id string, pos fleet.Position) {
	r.calls = append(r.calls, fmt.Sprintf("move %s %s", id, pos))
}

func (r *recorder) SetRoute(id string, wps []fleet.Waypoint) {
	r.calls = append(r.calls, fmt.Sprintf("route %s %d", id, len(wps)))
}

func (r *recorder) ClearRoute(id string) { r.calls = append(r.calls, "clear "+id) }

func (r *recorder) SetViewport(b Bounds) { r.viewports = append(r.viewports, b) }

func (r *recorder) SetStatusTable(rows []StatusRow) { r.rows = rows }

func (r *recorder) SetConnection(status string) {
	r.calls = append(r.calls, "connection "+status)
}

func (r *recorder) take() []string {
	c := r.calls
	r.calls = nil
	return c
}

func newProjector(t *testing.T) (*Projector, *fleet.Store, *recorder, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(epoch)
	store := fleet.NewStore(clk, 30*time.Second)
	rec := &recorder{}
	p := NewProjector(Options{Store: store, Display: rec, Clock: clk, Log: zerolog.Nop()})
	return p, store, rec, clk
}

func TestRefreshPlacesOnceThenMoves(t *testing.T) {
	p, store, rec, _ := newProjector(t)

	require.True(t, p.Refresh())
	require.Equal(t, []string{"connection connecting"}, rec.take())

	store.UpsertTelemetry("d1", fleet.Position{Lat: 1, Lon: 2}, nil, epoch)
	require.True(t, p.Refresh())
	require.Equal(t, []string{"place d1 1.000000,2.000000"}, rec.take())

	require.False(t, p.Refresh(), "unchanged version is skipped")
	require.Empty(t, rec.take())

	store.UpsertTelemetry("d1", fleet.Position{Lat: 1.5, Lon: 2}, nil, epoch.Add(time.Second))
	store.UpsertTelemetry("d2", fleet.Position{Lat: 3, Lon: 4}, nil, epoch.Add(time.Second))
	p.Refresh()
	require.Equal(t, []string{"move d1 1.500000,2.000000", "place d2 3.000000,4.000000"}, rec.take())
	require.Len(t, rec.rows, 2)
}

func TestRefreshReplacesRoutes(t *testing.T) {
	p, store, rec, _ := newProjector(t)
	wps := func(n int) []fleet.Waypoint {
		out := make([]fleet.Waypoint, n)
		for i := range out {
			out[i] = fleet.Waypoint{Position: fleet.Position{Lat: float64(i), Lon: float64(i)}}
		}
		return out
	}

	store.SetRoute("d1", wps(3))
	p.Refresh()
	rec.take()

	store.SetRoute("d1", wps(2))
	p.Refresh()
	require.Equal(t, []string{"route d1 2"}, rec.take())

	store.SetConnection("open")
	p.Refresh()
	require.Equal(t, []string{"connection open"}, rec.take(), "same revision is not redrawn")

	store.ClearRoute("d1")
	p.Refresh()
	require.Equal(t, []string{"clear d1"}, rec.take())
}

func TestCameraHysteresis(t *testing.T) {
	p, store, rec, _ := newProjector(t)

	require.False(t, p.CameraCheck(), "nothing to frame")

	store.UpsertTelemetry("d1", fleet.Position{Lat: 43.0747, Lon: -89.3842}, nil, epoch)
	require.True(t, p.CameraCheck())
	require.Len(t, rec.viewports, 1)
	first := rec.viewports[0]
	require.InDelta(t, 43.0747-DefaultMargin, first.South, 1e-9)
	require.InDelta(t, -89.3842+DefaultMargin, first.East, 1e-9)

	// A small move inside the margin leaves the camera alone.
	store.UpsertTelemetry("d1", fleet.Position{Lat: 43.0757, Lon: -89.3832}, nil, epoch.Add(time.Second))
	require.False(t, p.CameraCheck())
	require.Len(t, rec.viewports, 1)

	// Leaving the viewport re-frames.
	store.UpsertTelemetry("d1", fleet.Position{Lat: 43.1, Lon: -89.3842}, nil, epoch.Add(2*time.Second))
	require.True(t, p.CameraCheck())
	require.Len(t, rec.viewports, 2)
	vp, ok := p.Viewport()
	require.True(t, ok)
	require.True(t, vp.Contains(Bounds{South: 43.1, North: 43.1, West: -89.3842, East: -89.3842}))
}

func TestCameraFramesBaseWhenEmpty(t *testing.T) {
	p, store, rec, _ := newProjector(t)
	store.SetBase(fleet.BaseLocation{Position: fleet.Position{Lat: 43.0747, Lon: -89.3842}})

	require.True(t, p.CameraCheck())
	require.Len(t, rec.viewports, 1)
	require.InDelta(t, 43.0747, rec.viewports[0].Center().Lat, 1e-9)
	require.False(t, p.CameraCheck())
}

func TestStatusTextStale(t *testing.T) {
	since := epoch.Add(-3 * time.Minute)
	v := fleet.VehicleState{ID: "d1", Status: fleet.StatusIdle, Stale: true, StaleSince: &since}
	require.Equal(t, "stale since 3 minutes ago", StatusText(v, epoch))

	v.Stale = false
	require.Equal(t, "IDLE", StatusText(v, epoch))
}

func TestStatusRows(t *testing.T) {
	view := fleet.View{Vehicles: []fleet.VehicleState{
		{ID: "a", Status: fleet.StatusBusy, HasFix: true, Position: fleet.Position{Lat: 1, Lon: 2}},
		{ID: "b", Status: fleet.StatusUnknown},
	}}
	rows := StatusRows(view, epoch)
	require.Equal(t, "1.000000,2.000000", rows[0].Position)
	require.Equal(t, "BUSY", rows[0].Status)
	require.Equal(t, "no fix", rows[1].Position)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, b}
	m.PlaceMarker("d1", fleet.Position{Lat: 1, Lon: 1})
	m.ClearRoute("d1")
	require.Equal(t, a.calls, b.calls)
	require.Len(t, a.calls, 2)
}
