package journal

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"fleet-console/internal/fleet"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Postgres journals to a shared PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// OpenPostgres connects to databaseURL and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string, log zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	log.Info().Msg("journal opened")
	return &Postgres{pool: pool, log: log}, nil
}

func (j *Postgres) Close() error {
	j.pool.Close()
	return nil
}

func (j *Postgres) Save(ctx context.Context, view fleet.View) error {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, v := range view.Vehicles {
		batch.Queue(`
			INSERT INTO fleet_vehicles (id, name, status, has_fix, lat, lon, alt, last_updated, position_at, status_at, stale, stale_since)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				status = EXCLUDED.status,
				has_fix = EXCLUDED.has_fix,
				lat = EXCLUDED.lat,
				lon = EXCLUDED.lon,
				alt = EXCLUDED.alt,
				last_updated = EXCLUDED.last_updated,
				position_at = EXCLUDED.position_at,
				status_at = EXCLUDED.status_at,
				stale = EXCLUDED.stale,
				stale_since = EXCLUDED.stale_since`,
			v.ID, v.Name, string(v.Status), v.HasFix, v.Position.Lat, v.Position.Lon, v.Altitude,
			v.LastUpdated, nullTime(v.PositionAt), nullTime(v.StatusAt), v.Stale, v.StaleSince)
	}
	batch.Queue(`DELETE FROM fleet_routes`)
	for _, r := range view.Routes {
		wps, err := encodeWaypoints(r.Waypoints)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO fleet_routes (vehicle_id, waypoints, revision) VALUES ($1, $2::jsonb, $3)`,
			r.VehicleID, wps, int64(r.Revision))
	}
	if view.Base != nil {
		batch.Queue(`
			INSERT INTO fleet_base (id, lat, lon) VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET lat = EXCLUDED.lat, lon = EXCLUDED.lon`,
			view.Base.Lat, view.Base.Lon)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save view: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	j.log.Debug().Int("vehicles", len(view.Vehicles)).Int("routes", len(view.Routes)).Msg("journal saved")
	return nil
}

func (j *Postgres) Load(ctx context.Context) (fleet.View, error) {
	var view fleet.View

	rows, err := j.pool.Query(ctx, `
		SELECT id, name, status, has_fix, lat, lon, alt, last_updated, position_at, status_at, stale, stale_since
		FROM fleet_vehicles ORDER BY id`)
	if err != nil {
		return view, fmt.Errorf("failed to query vehicles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			v          fleet.VehicleState
			status     string
			positionAt *time.Time
			statusAt   *time.Time
			staleSince *time.Time
		)
		if err := rows.Scan(&v.ID, &v.Name, &status, &v.HasFix, &v.Position.Lat, &v.Position.Lon,
			&v.Altitude, &v.LastUpdated, &positionAt, &statusAt, &v.Stale, &staleSince); err != nil {
			return view, fmt.Errorf("scan vehicle: %w", err)
		}
		v.Status = fleet.ParseStatus(status)
		v.LastUpdated = v.LastUpdated.UTC()
		if positionAt != nil {
			v.PositionAt = positionAt.UTC()
		}
		if statusAt != nil {
			v.StatusAt = statusAt.UTC()
		}
		if staleSince != nil {
			since := staleSince.UTC()
			v.StaleSince = &since
		}
		view.Vehicles = append(view.Vehicles, v)
	}
	if err := rows.Err(); err != nil {
		return view, err
	}

	routes, err := j.pool.Query(ctx, `SELECT vehicle_id, waypoints::text, revision FROM fleet_routes ORDER BY vehicle_id`)
	if err != nil {
		return view, fmt.Errorf("failed to query routes: %w", err)
	}
	defer routes.Close()
	for routes.Next() {
		var (
			r   fleet.Route
			raw string
			rev int64
		)
		if err := routes.Scan(&r.VehicleID, &raw, &rev); err != nil {
			return view, fmt.Errorf("scan route: %w", err)
		}
		if r.Waypoints, err = decodeWaypoints(raw); err != nil {
			return view, err
		}
		r.Revision = uint64(rev)
		view.Routes = append(view.Routes, r)
	}
	if err := routes.Err(); err != nil {
		return view, err
	}

	var base fleet.BaseLocation
	err = j.pool.QueryRow(ctx, `SELECT lat, lon FROM fleet_base WHERE id = 1`).Scan(&base.Lat, &base.Lon)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return view, fmt.Errorf("failed to query base: %w", err)
	default:
		view.Base = &base
	}
	return view, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
