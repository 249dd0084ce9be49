// Package session wires one console session: the push channel feeding the
// classifier and store, the reconciler, the view projector and the
// journal, all torn down together when the session ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fleet-console/internal/backend"
	"fleet-console/internal/channel"
	"fleet-console/internal/classify"
	"fleet-console/internal/fleet"
	"fleet-console/internal/journal"
	"fleet-console/internal/logging"
	"fleet-console/internal/reconcile"
	"fleet-console/internal/schedule"
	"fleet-console/internal/view"
)

// Options configures a Session.
type Options struct {
	Clock clockwork.Clock
	Log   zerolog.Logger

	// FeedURL is the backend push channel. Empty runs pull-only.
	FeedURL          string
	FeedHeader       http.Header
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	Reconnect        channel.ReconnectPolicy
	DefaultVehicle   string

	Source    backend.FleetSource
	Directory reconcile.Directory
	Display   view.Display
	Journal   journal.Journal

	StaleAfter      time.Duration
	FleetInterval   time.Duration
	DronesInterval  time.Duration
	Quiet           time.Duration
	RefreshInterval time.Duration
	CameraInterval  time.Duration
	Margin          float64
	FlushInterval   time.Duration
}

// Stats counts frames handled by the session.
type Stats struct {
	Frames    int64
	Malformed int64
}

// Session is one running console.
type Session struct {
	ID string

	opts       Options
	log        zerolog.Logger
	store      *fleet.Store
	classifier classify.Classifier
	reconciler *reconcile.Reconciler
	projector  *view.Projector
	channel    *channel.Manager

	frames    atomic.Int64
	malformed atomic.Int64

	mu        sync.Mutex
	group     *schedule.Group
	savedAt   uint64
	closeOnce sync.Once
}

// New builds a session. Nothing runs until Run.
func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	if opts.Display == nil {
		opts.Display = view.Multi{}
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 15 * time.Second
	}

	id := uuid.NewString()
	log := opts.Log.With().Str("session", id).Logger()
	store := fleet.NewStore(opts.Clock, opts.StaleAfter)

	s := &Session{
		ID:         id,
		opts:       opts,
		log:        log,
		store:      store,
		classifier: classify.Classifier{DefaultVehicle: opts.DefaultVehicle},
	}
	s.reconciler = reconcile.New(reconcile.Options{
		Store:          store,
		Source:         opts.Source,
		Directory:      opts.Directory,
		Clock:          opts.Clock,
		Log:            log,
		FleetInterval:  opts.FleetInterval,
		DronesInterval: opts.DronesInterval,
		Quiet:          opts.Quiet,
	})
	s.projector = view.NewProjector(view.Options{
		Store:           store,
		Display:         opts.Display,
		Clock:           opts.Clock,
		Log:             log,
		RefreshInterval: opts.RefreshInterval,
		CameraInterval:  opts.CameraInterval,
		Margin:          opts.Margin,
	})
	if opts.FeedURL != "" {
		s.channel = channel.New(channel.Options{
			URL:              opts.FeedURL,
			Header:           opts.FeedHeader,
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadTimeout:      opts.ReadTimeout,
			Policy:           opts.Reconnect,
			Clock:            opts.Clock,
			Log:              logging.Component(log, "channel"),
			OnFrame:          s.HandleFrame,
			OnState:          s.handleTransition,
		})
	} else {
		store.SetConnection("pull only")
	}
	return s
}

func (s *Session) Store() *fleet.Store               { return s.store }
func (s *Session) Reconciler() *reconcile.Reconciler { return s.reconciler }
func (s *Session) Projector() *view.Projector        { return s.projector }

// Stats returns frame counters.
func (s *Session) Stats() Stats {
	return Stats{Frames: s.frames.Load(), Malformed: s.malformed.Load()}
}

// Run restores the journal, starts every task and blocks until ctx ends.
// All tasks are stopped and the view journaled before it returns.
func (s *Session) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		s.log.Warn().Err(err).Msg("journal restore failed, starting empty")
	}

	g := schedule.NewGroup(ctx, s.opts.Clock, s.log)
	s.mu.Lock()
	s.group = g
	s.mu.Unlock()

	s.reconciler.Start(g)
	s.projector.Start(g)
	g.Every("journal-flush", s.opts.FlushInterval, func(ctx context.Context) { s.flush(ctx) })
	s.log.Info().Strs("tasks", g.Tasks()).Msg("session started")

	eg, ectx := errgroup.WithContext(g.Context())
	if s.channel != nil {
		eg.Go(func() error {
			s.channel.Run(ectx)
			return nil
		})
	}
	eg.Go(func() error {
		<-ectx.Done()
		if s.channel != nil {
			s.channel.Close()
		}
		return nil
	})
	err := eg.Wait()
	s.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close stops every task and journals the final view. It is safe to call
// more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		g := s.group
		s.mu.Unlock()
		if g != nil {
			g.Stop()
		}
		if s.channel != nil {
			s.channel.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.flush(ctx)
		st := s.Stats()
		s.log.Info().Int64("frames", st.Frames).Int64("malformed", st.Malformed).Msg("session stopped")
	})
}

// HandleFrame classifies one push frame and applies it to the store.
func (s *Session) HandleFrame(f channel.Frame) {
	s.frames.Add(1)
	switch ev := s.classifier.Classify(f.Data, f.ReceivedAt).(type) {
	case classify.TelemetryUpdate:
		s.store.UpsertTelemetry(ev.VehicleID, ev.Position, ev.Alt, ev.At)
	case classify.VehicleAppeared:
		if s.store.MarkActive(ev.VehicleID, ev.Position, ev.At) {
			s.log.Info().Str("vehicle", ev.VehicleID).Msg("vehicle active")
		}
	case classify.MissionPlanned:
		s.store.SetRoute(ev.VehicleID, ev.Waypoints)
		s.log.Info().Str("vehicle", ev.VehicleID).Int("waypoints", len(ev.Waypoints)).Msg("mission planned")
	case classify.Malformed:
		s.malformed.Add(1)
		s.log.Debug().Err(ev).Msg("frame dropped")
		return
	}
	s.reconciler.Notify()
}

func (s *Session) handleTransition(t channel.Transition) {
	switch t.State {
	case channel.Connecting:
		s.store.SetConnection("connecting")
	case channel.Open:
		s.store.SetConnection("connected")
		s.reconciler.Notify()
	case channel.Closed:
		if t.Err != nil {
			s.store.SetConnection(fmt.Sprintf("disconnected: %v", t.Err))
		} else {
			s.store.SetConnection("disconnected")
		}
	}
}

func (s *Session) restore(ctx context.Context) error {
	saved, err := s.opts.Journal.Load(ctx)
	if err != nil {
		return err
	}
	if len(saved.Vehicles) == 0 && len(saved.Routes) == 0 && saved.Base == nil {
		return nil
	}
	s.store.Restore(saved)
	s.log.Info().Int("vehicles", len(saved.Vehicles)).Int("routes", len(saved.Routes)).Msg("restored from journal")
	return nil
}

// flush journals the view when it changed since the last save.
func (s *Session) flush(ctx context.Context) {
	version := s.store.Version()
	s.mu.Lock()
	unchanged := version == s.savedAt
	s.mu.Unlock()
	if unchanged {
		return
	}
	if err := s.opts.Journal.Save(ctx, s.store.Read()); err != nil {
		s.log.Warn().Err(err).Msg("journal save failed")
		return
	}
	s.mu.Lock()
	s.savedAt = version
	s.mu.Unlock()
}
