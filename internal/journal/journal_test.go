package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"fleet-console/internal/fleet"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleView() fleet.View {
	alt := 35.5
	since := epoch.Add(-time.Minute)
	return fleet.View{
		Vehicles: []fleet.VehicleState{
			{ID: "d1", Name: "alpha", HasFix: true, Position: fleet.Position{Lat: 43.0747, Lon: -89.3842}, Altitude: &alt, Status: fleet.StatusBusy, LastUpdated: epoch, PositionAt: epoch.Add(-30 * time.Second), StatusAt: epoch},
			{ID: "d2", Status: fleet.StatusIdle, HasFix: true, Position: fleet.Position{Lat: 43.08, Lon: -89.39}, LastUpdated: epoch.Add(-2 * time.Minute), Stale: true, StaleSince: &since},
		},
		Routes: []fleet.Route{
			{VehicleID: "d1", Revision: 4, Waypoints: []fleet.Waypoint{
				{Position: fleet.Position{Lat: 43.07, Lon: -89.38}},
				{Position: fleet.Position{Lat: 43.08, Lon: -89.40}, Alt: &alt},
			}},
		},
		Base: &fleet.BaseLocation{Position: fleet.Position{Lat: 43.0747, Lon: -89.3842}},
	}
}

func assertRoundTrip(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	want := sampleView()
	require.NoError(t, j.Save(ctx, want))

	got, err := j.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want.Vehicles, got.Vehicles)
	require.Equal(t, want.Routes, got.Routes)
	require.Equal(t, want.Base, got.Base)

	// Cleared routes disappear on the next save.
	want.Routes = nil
	require.NoError(t, j.Save(ctx, want))
	got, err = j.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, got.Routes)
	require.Len(t, got.Vehicles, 2)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongodb", "", zerolog.Nop())
	require.ErrorIs(t, err, ErrUnknownDriver)
}

func TestOpenNone(t *testing.T) {
	j, err := Open(context.Background(), "none", "", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, j.Save(context.Background(), sampleView()))
	view, err := j.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, view.Vehicles)
	require.NoError(t, j.Close())
}

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), "sqlite", path, zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()
	assertRoundTrip(t, j)
}

func TestSQLiteEmptyLoad(t *testing.T) {
	j, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "empty.db"), zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()

	view, err := j.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, view.Vehicles)
	require.Nil(t, view.Base)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := OpenSQLite(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, j.Save(ctx, sampleView()))
	require.NoError(t, j.Close())

	j, err = OpenSQLite(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()
	view, err := j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, view.Vehicles, 2)
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	j, err := OpenPostgres(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()
	_, err = j.pool.Exec(ctx, `TRUNCATE fleet_vehicles, fleet_routes, fleet_base`)
	require.NoError(t, err)
	assertRoundTrip(t, j)
}
