// Package journal persists the last-known fleet view so a restarted
// console starts from it instead of an empty map.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"fleet-console/internal/fleet"
)

// ErrUnknownDriver is returned by Open for drivers it does not know.
var ErrUnknownDriver = errors.New("unknown journal driver")

// Journal saves and loads fleet views.
type Journal interface {
	// Save replaces the journaled view.
	Save(ctx context.Context, view fleet.View) error
	// Load returns the journaled view, empty when nothing was saved.
	Load(ctx context.Context) (fleet.View, error)
	Close() error
}

// Open returns the journal for driver: "sqlite", "postgres" or "none".
func Open(ctx context.Context, driver, dsn string, log zerolog.Logger) (Journal, error) {
	log = log.With().Str("component", "journal").Str("driver", driver).Logger()
	switch strings.ToLower(driver) {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return OpenSQLite(ctx, dsn, log)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// Nop discards saves and loads nothing.
type Nop struct{}

func (Nop) Save(context.Context, fleet.View) error   { return nil }
func (Nop) Load(context.Context) (fleet.View, error) { return fleet.View{}, nil }
func (Nop) Close() error                             { return nil }

func encodeWaypoints(wps []fleet.Waypoint) (string, error) {
	b, err := json.Marshal(wps)
	if err != nil {
		return "", fmt.Errorf("encode waypoints: %w", err)
	}
	return string(b), nil
}

func decodeWaypoints(s string) ([]fleet.Waypoint, error) {
	var wps []fleet.Waypoint
	if err := json.Unmarshal([]byte(s), &wps); err != nil {
		return nil, fmt.Errorf("decode waypoints: %w", err)
	}
	return wps, nil
}
