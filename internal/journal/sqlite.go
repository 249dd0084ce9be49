package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"fleet-console/internal/fleet"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite journals to a local database file.
type SQLite struct {
	conn    *sql.DB
	writeMu sync.Mutex
	log     zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, log zerolog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite journal: empty path")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	log.Info().Str("path", path).Msg("journal opened")
	return &SQLite{conn: conn, log: log}, nil
}

func (j *SQLite) Close() error {
	return j.conn.Close()
}

func (j *SQLite) Save(ctx context.Context, view fleet.View) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, v := range view.Vehicles {
		var alt, staleSince any
		if v.Altitude != nil {
			alt = *v.Altitude
		}
		if v.StaleSince != nil {
			staleSince = unixNano(*v.StaleSince)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vehicles (id, name, status, has_fix, lat, lon, alt, last_updated, position_at, status_at, stale, stale_since)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				status = excluded.status,
				has_fix = excluded.has_fix,
				lat = excluded.lat,
				lon = excluded.lon,
				alt = excluded.alt,
				last_updated = excluded.last_updated,
				position_at = excluded.position_at,
				status_at = excluded.status_at,
				stale = excluded.stale,
				stale_since = excluded.stale_since`,
			v.ID, v.Name, string(v.Status), v.HasFix, v.Position.Lat, v.Position.Lon, alt,
			unixNano(v.LastUpdated), unixNano(v.PositionAt), unixNano(v.StatusAt), v.Stale, staleSince)
		if err != nil {
			return fmt.Errorf("save vehicle %s: %w", v.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM routes`); err != nil {
		return fmt.Errorf("clear routes: %w", err)
	}
	for _, r := range view.Routes {
		wps, err := encodeWaypoints(r.Waypoints)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO routes (vehicle_id, waypoints, revision) VALUES (?, ?, ?)`,
			r.VehicleID, wps, int64(r.Revision)); err != nil {
			return fmt.Errorf("save route %s: %w", r.VehicleID, err)
		}
	}

	if view.Base != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO base (id, lat, lon) VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET lat = excluded.lat, lon = excluded.lon`,
			view.Base.Lat, view.Base.Lon); err != nil {
			return fmt.Errorf("save base: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	j.log.Debug().Int("vehicles", len(view.Vehicles)).Int("routes", len(view.Routes)).Msg("journal saved")
	return nil
}

func (j *SQLite) Load(ctx context.Context) (fleet.View, error) {
	var view fleet.View

	rows, err := j.conn.QueryContext(ctx, `
		SELECT id, name, status, has_fix, lat, lon, alt, last_updated, position_at, status_at, stale, stale_since
		FROM vehicles ORDER BY id`)
	if err != nil {
		return view, fmt.Errorf("failed to query vehicles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			v          fleet.VehicleState
			status     string
			alt        sql.NullFloat64
			updated    int64
			positionAt int64
			statusAt   int64
			staleSince sql.NullInt64
		)
		if err := rows.Scan(&v.ID, &v.Name, &status, &v.HasFix, &v.Position.Lat, &v.Position.Lon,
			&alt, &updated, &positionAt, &statusAt, &v.Stale, &staleSince); err != nil {
			return view, fmt.Errorf("scan vehicle: %w", err)
		}
		v.Status = fleet.ParseStatus(status)
		v.LastUpdated = fromUnixNano(updated)
		v.PositionAt = fromUnixNano(positionAt)
		v.StatusAt = fromUnixNano(statusAt)
		if alt.Valid {
			a := alt.Float64
			v.Altitude = &a
		}
		if staleSince.Valid {
			since := fromUnixNano(staleSince.Int64)
			v.StaleSince = &since
		}
		view.Vehicles = append(view.Vehicles, v)
	}
	if err := rows.Err(); err != nil {
		return view, err
	}

	routes, err := j.conn.QueryContext(ctx, `SELECT vehicle_id, waypoints, revision FROM routes ORDER BY vehicle_id`)
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
	err = j.conn.QueryRowContext(ctx, `SELECT lat, lon FROM base WHERE id = 1`).Scan(&base.Lat, &base.Lon)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return view, fmt.Errorf("failed to query base: %w", err)
	default:
		view.Base = &base
	}
	return view, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
