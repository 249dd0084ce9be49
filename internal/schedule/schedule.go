// Package schedule runs the console's named background tasks: periodic
// ticks and debouncers. Every task belongs to a Group and stops with it.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Group owns a set of tasks sharing one lifetime.
type Group struct {
	clock clockwork.Clock
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	names      []string
	debouncers []*Debouncer
	stopped    bool
}

// NewGroup returns a group whose tasks stop when ctx ends or Stop is called.
func NewGroup(ctx context.Context, clk clockwork.Clock, log zerolog.Logger) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{clock: clk, log: log, ctx: ctx, cancel: cancel}
}

// Context is cancelled when the group stops.
func (g *Group) Context() context.Context { return g.ctx }

// Every calls fn once per interval until the group stops. Calls of one
// task never overlap; ticks that arrive while fn runs are dropped.
func (g *Group) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	if !g.register(name) {
		return
	}
	ticker := g.clock.NewTicker(interval)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-g.ctx.Done():
				g.log.Debug().Str("task", name).Msg("task stopped")
				return
			case <-ticker.Chan():
				fn(g.ctx)
			}
		}
	}()
}

// Go runs fn once in the background as part of the group.
func (g *Group) Go(name string, fn func(ctx context.Context)) {
	if !g.register(name) {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
}

// Debounce returns a Debouncer that calls fn once the triggers have been
// quiet for the given period.
func (g *Group) Debounce(name string, quiet time.Duration, fn func(ctx context.Context)) *Debouncer {
	d := &Debouncer{group: g, clock: g.clock, quiet: quiet, fire: func() { fn(g.ctx) }}
	if !g.register(name) {
		d.stopped = true
		return d
	}
	g.mu.Lock()
	g.debouncers = append(g.debouncers, d)
	g.mu.Unlock()
	return d
}

// Tasks lists registered task names in registration order.
func (g *Group) Tasks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.names...)
}

// Stop cancels every task and waits for running ticks and debounced
// fires to return.
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	debouncers := g.debouncers
	g.mu.Unlock()

	g.cancel()
	for _, d := range debouncers {
		d.Stop()
	}
	g.wg.Wait()
	g.log.Debug().Int("tasks", len(g.names)).Msg("schedule stopped")
}

// enter tracks one debounced fire. It reports false once the group has
// stopped.
func (g *Group) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.wg.Add(1)
	return true
}

func (g *Group) register(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.names = append(g.names, name)
	return true
}

// Debouncer collapses bursts of Trigger calls into one call after a
// quiet period.
type Debouncer struct {
	group *Group
	clock clockwork.Clock
	quiet time.Duration
	fire  func()

	mu      sync.Mutex
	timer   clockwork.Timer
	stopped bool
}

// Trigger arms the debouncer, pushing any pending fire back by the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer == nil {
		d.timer = d.clock.AfterFunc(d.quiet, d.run)
		return
	}
	d.timer.Reset(d.quiet)
}

func (d *Debouncer) run() {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped || !d.group.enter() {
		return
	}
	defer d.group.wg.Done()
	d.fire()
}

// Stop cancels a pending fire. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
