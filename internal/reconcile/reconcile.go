// Package reconcile keeps the store converged with the backend: it pulls
// the fleet snapshot on a fixed period and shortly after bursts of push
// events, and refreshes the free-vehicle list and base location.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"fleet-console/internal/backend"
	"fleet-console/internal/fleet"
	"fleet-console/internal/logging"
	"fleet-console/internal/schedule"
)

// ErrInFlight is returned by Pull when another pull is running.
var ErrInFlight = errors.New("fleet pull already in flight")

// Directory supplies the order-assignment data refreshed alongside the fleet.
type Directory interface {
	Base(ctx context.Context) (fleet.BaseLocation, error)
	FreeDrones(ctx context.Context) ([]fleet.VehicleDescriptor, error)
	Missions(ctx context.Context) ([]backend.Mission, error)
}

// Options configures a Reconciler. Zero intervals fall back to defaults.
type Options struct {
	Store     *fleet.Store
	Source    backend.FleetSource
	Directory Directory
	Clock     clockwork.Clock
	Log       zerolog.Logger

	FleetInterval  time.Duration
	DronesInterval time.Duration
	Quiet          time.Duration
	// PullTimeout bounds a single request.
	PullTimeout time.Duration
}

const (
	DefaultFleetInterval  = 4 * time.Second
	DefaultDronesInterval = 10 * time.Second
	DefaultQuiet          = 300 * time.Millisecond
	defaultPullTimeout    = 10 * time.Second
)

// Stats counts pulls since start.
type Stats struct {
	Pulls               int
	Failures            int
	ConsecutiveFailures int
	Skipped             int
	Deferred            int
	LastPull            time.Time
	LastErr             error
	LastMerge           fleet.MergeStats
}

// Reconciler schedules fleet pulls. At most one pull runs at a time.
type Reconciler struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	inFlight  bool
	pending   bool
	stats     Stats
	free      []fleet.VehicleDescriptor
	debouncer *schedule.Debouncer
}

// New returns a Reconciler. Call Start to schedule it.
func New(opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.FleetInterval <= 0 {
		opts.FleetInterval = DefaultFleetInterval
	}
	if opts.DronesInterval <= 0 {
		opts.DronesInterval = DefaultDronesInterval
	}
	if opts.Quiet <= 0 {
		opts.Quiet = DefaultQuiet
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = defaultPullTimeout
	}
	return &Reconciler{
		opts: opts,
		log:  logging.Component(opts.Log, "reconcile"),
	}
}

// Start registers the reconciler's tasks in g: the periodic pull, the
// push-event debounce and, with a Directory, the free-vehicle refresh
// plus an initial base and free-vehicle fetch.
func (r *Reconciler) Start(g *schedule.Group) {
	d := g.Debounce("fleet-debounce", r.opts.Quiet, func(ctx context.Context) {
		r.run(ctx, "debounce")
	})
	r.mu.Lock()
	r.debouncer = d
	r.mu.Unlock()

	g.Every("fleet-pull", r.opts.FleetInterval, func(ctx context.Context) {
		r.run(ctx, "periodic")
	})
	if r.opts.Directory != nil {
		g.Go("directory-initial", r.RefreshDirectory)
		g.Every("free-vehicles", r.opts.DronesInterval, r.RefreshDirectory)
	}
}

// Notify reports that a push event arrived. Pulls follow once events
// have been quiet for the configured period.
func (r *Reconciler) Notify() {
	r.mu.Lock()
	d := r.debouncer
	r.mu.Unlock()
	if d != nil {
		d.Trigger()
	}
}

// Pull runs one fleet pull now unless another is in flight.
func (r *Reconciler) Pull(ctx context.Context) error {
	if !r.acquire("manual") {
		return ErrInFlight
	}
	err := r.pullOnce(ctx)
	r.release(ctx)
	return err
}

// run is the scheduled entry point. A debounce fire that finds a pull in
// flight is remembered and replayed once that pull ends; periodic ticks
// are dropped.
func (r *Reconciler) run(ctx context.Context, trigger string) {
	if !r.acquire(trigger) {
		return
	}
	_ = r.pullOnce(ctx)
	r.release(ctx)
}

func (r *Reconciler) acquire(trigger string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight {
		if trigger == "debounce" {
			r.pending = true
			r.stats.Deferred++
		} else {
			r.stats.Skipped++
		}
		r.log.Debug().Str("trigger", trigger).Msg("pull in flight, not starting another")
		return false
	}
	r.inFlight = true
	return true
}

// release clears the in-flight flag, first running the deferred pull if
// one was requested meanwhile.
func (r *Reconciler) release(ctx context.Context) {
	for {
		r.mu.Lock()
		if !r.pending || ctx.Err() != nil {
			r.pending = false
			r.inFlight = false
			r.mu.Unlock()
			return
		}
		r.pending = false
		r.mu.Unlock()
		_ = r.pullOnce(ctx)
	}
}

func (r *Reconciler) pullOnce(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, r.opts.PullTimeout)
	defer cancel()

	snap, err := r.opts.Source.Fleet(cctx)
	now := r.opts.Clock.Now()
	if err != nil {
		r.mu.Lock()
		r.stats.Failures++
		r.stats.ConsecutiveFailures++
		r.stats.LastErr = err
		failures := r.stats.ConsecutiveFailures
		r.mu.Unlock()
		r.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("fleet pull failed")
		return err
	}

	merged := r.opts.Store.MergeSnapshot(snap)
	r.mu.Lock()
	r.stats.Pulls++
	r.stats.ConsecutiveFailures = 0
	r.stats.LastErr = nil
	r.stats.LastPull = now
	r.stats.LastMerge = merged
	r.mu.Unlock()

	ev := r.log.Debug()
	if merged.Applied > 0 || merged.Stale > 0 {
		ev = r.log.Info()
	}
	ev.Int("vehicles", len(snap.Vehicles)).
		Int("applied", merged.Applied).
		Int("discarded", merged.Discarded).
		Int("stale", merged.Stale).
		Msg("fleet pulled")
	return nil
}

// RefreshDirectory fetches the base location, the free-vehicle list and
// the active missions. Each failing leaves the previous value in place.
func (r *Reconciler) RefreshDirectory(ctx context.Context) {
	if r.opts.Directory == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, r.opts.PullTimeout)
	defer cancel()

	if base, err := r.opts.Directory.Base(cctx); err != nil {
		r.log.Warn().Err(err).Msg("base refresh failed")
	} else {
		r.opts.Store.SetBase(base)
	}

	if free, err := r.opts.Directory.FreeDrones(cctx); err != nil {
		r.log.Warn().Err(err).Msg("free vehicle refresh failed")
	} else {
		r.mu.Lock()
		r.free = free
		r.mu.Unlock()
		r.log.Debug().Int("free", len(free)).Msg("free vehicles refreshed")
	}

	missions, err := r.opts.Directory.Missions(cctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("mission refresh failed")
		return
	}
	routes := 0
	for _, m := range missions {
		if m.VehicleID == "" || len(m.Waypoints) == 0 {
			continue
		}
		if r.opts.Store.SetRoute(m.VehicleID, m.Waypoints) {
			routes++
		}
	}
	r.log.Debug().Int("missions", len(missions)).Int("routes_changed", routes).Msg("missions refreshed")
}

// FreeVehicles returns the last fetched list of vehicles that can take an order.
func (r *Reconciler) FreeVehicles() []fleet.VehicleDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fleet.VehicleDescriptor(nil), r.free...)
}

// Stats returns pull counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
