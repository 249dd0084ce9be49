package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"fleet-console/internal/backend"
	"fleet-console/internal/channel"
	"fleet-console/internal/fleet"
	"fleet-console/internal/journal"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	telemetryT1 = `{"type":"telemetry_update","topic":"telem/d1/pos","payload":{"lat":43.08,"lon":-89.39,"ts":1}}`
	telemetryT2 = `{"type":"telemetry_update","topic":"telem/d1/pos","payload":{"lat":43.081,"lon":-89.391,"ts":2}}`
	mission3    = `{"type":"mission_planned","topic":"mission/d1/planned","payload":{"waypoints":[{"lat":43.08,"lon":-89.39},{"lat":43.09,"lon":-89.40},{"lat":43.10,"lon":-89.41}]}}`
	mission2    = `{"type":"mission_planned","topic":"mission/d1/planned","payload":{"waypoints":[{"pos":{"lat":43.08,"lon":-89.39}},{"pos":{"lat":43.11,"lon":-89.42}}]}}`
)

type staticSource struct {
	calls atomic.Int32
}

func (s *staticSource) Fleet(context.Context) (fleet.Snapshot, error) {
	s.calls.Add(1)
	return fleet.Snapshot{TakenAt: epoch}, nil
}

func frame(data string) channel.Frame {
	return channel.Frame{Data: []byte(data), ReceivedAt: epoch}
}

func TestEndToEndScenario(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	s := New(Options{Clock: clk, Log: zerolog.Nop(), Source: &staticSource{}})
	s.Store().SetBase(fleet.BaseLocation{Position: fleet.Position{Lat: 43.0747, Lon: -89.3842}})

	for _, f := range []string{telemetryT1, telemetryT2, telemetryT1, mission3, mission2} {
		s.HandleFrame(frame(f))
	}

	view := s.Store().Read()
	d1, ok := view.Vehicle("d1")
	require.True(t, ok)
	require.Equal(t, fleet.Position{Lat: 43.081, Lon: -89.391}, d1.Position)
	require.Equal(t, time.Unix(2, 0).UTC(), d1.LastUpdated)

	route, ok := view.Route("d1")
	require.True(t, ok)
	require.Len(t, route.Waypoints, 2)
	require.Equal(t, fleet.Position{Lat: 43.11, Lon: -89.42}, route.Waypoints[1].Position)
	require.Len(t, view.Routes, 1)

	require.Equal(t, 43.0747, view.Base.Lat)
	require.Equal(t, Stats{Frames: 5}, s.Stats())
}

func TestMalformedFramesAreCounted(t *testing.T) {
	s := New(Options{Clock: clockwork.NewFakeClockAt(epoch), Log: zerolog.Nop(), Source: &staticSource{}})
	before := s.Store().Version()

	for _, f := range []string{
		`not json`,
		`{"type":"telemetry_update","topic":"telem/d1/pos","payload":{"lat":"north","lon":1}}`,
		`{"type":"mission_status","topic":"mission/m1/status","payload":{"state":"done"}}`,
		`{"type":"mission_planned","topic":"mission/d1/planned","payload":{"waypoints":[]}}`,
	} {
		s.HandleFrame(frame(f))
	}
	s.HandleFrame(frame(telemetryT1))

	require.Equal(t, Stats{Frames: 5, Malformed: 4}, s.Stats())
	require.Greater(t, s.Store().Version(), before)
	_, ok := s.Store().Read().Vehicle("d1")
	require.True(t, ok, "frames after malformed ones still apply")
}

func TestFramesArmDebounce(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	src := &staticSource{}
	s := New(Options{Clock: clk, Log: zerolog.Nop(), Source: src})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	// fleet-pull, view-refresh, camera-check and journal-flush tickers.
	blockCtx, blockCancel := context.WithTimeout(ctx, time.Second)
	defer blockCancel()
	require.NoError(t, clk.BlockUntilContext(blockCtx, 4))

	for i := 0; i < 10; i++ {
		s.HandleFrame(frame(telemetryT1))
		clk.Advance(5 * time.Millisecond)
	}
	clk.Advance(300 * time.Millisecond)
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.Never(t, func() bool { return src.calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, "pull only", s.Store().Read().Connection)
}

// backendStub serves the pull endpoints and the push channel.
type backendStub struct {
	*httptest.Server
	fleetPulls atomic.Int32
	frames     []string
}

func newBackendStub(t *testing.T, frames ...string) *backendStub {
	t.Helper()
	b := &backendStub{frames: frames}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/base", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"lat":43.0747,"lon":-89.3842}`))
	})
	mux.HandleFunc("/api/drones", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"d1","status":"BUSY"},{"id":"d2","status":"IDLE"}]`))
	})
	mux.HandleFunc("/api/fleet", func(w http.ResponseWriter, r *http.Request) {
		b.fleetPulls.Add(1)
		_, _ = w.Write([]byte(`{"fleet":[{"id":"d1","status":"BUSY","lat":43.081,"lon":-89.391}]}`))
	})
	mux.HandleFunc("/api/missions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"mis_7","vehicle_id":"d2","status":"ASSIGNED","waypoints":[{"pos":{"lat":43.07,"lon":-89.38}},{"pos":{"lat":43.06,"lon":-89.37}}]}]`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range b.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *backendStub) wsURL() string {
	return "ws" + strings.TrimPrefix(b.URL, "http") + "/ws"
}

func TestRunAgainstBackend(t *testing.T) {
	stub := newBackendStub(t, telemetryT1, telemetryT2, mission3, mission2)
	clk := clockwork.NewFakeClockAt(epoch)
	client, err := backend.NewClient(stub.URL, time.Second, clk)
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.OpenSQLite(context.Background(), dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()

	s := New(Options{
		Clock:      clk,
		Log:        zerolog.Nop(),
		FeedURL:    stub.wsURL(),
		Source:     client,
		Directory:  client,
		Journal:    j,
		StaleAfter: 30 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		view := s.Store().Read()
		r, ok := view.Route("d1")
		return ok && len(r.Waypoints) == 2 && view.Connection == "connected"
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := s.Store().Base()
		_, planned := s.Store().Read().Route("d2")
		return ok && planned && len(s.Reconciler().FreeVehicles()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "d2", s.Reconciler().FreeVehicles()[0].ID)

	// Frames armed the debounce; a quiet period brings a pull.
	require.Eventually(t, func() bool {
		clk.Advance(300 * time.Millisecond)
		return s.Reconciler().Stats().Pulls > 0
	}, 2*time.Second, 20*time.Millisecond)
	require.Positive(t, stub.fleetPulls.Load())
	d1, ok := s.Store().Read().Vehicle("d1")
	require.True(t, ok)
	require.Equal(t, fleet.StatusBusy, d1.Status)
	require.Equal(t, fleet.Position{Lat: 43.081, Lon: -89.391}, d1.Position)

	cancel()
	require.NoError(t, <-done)

	saved, err := j.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, saved.Vehicles, 1)
	require.Len(t, saved.Routes, 2)
	require.NotNil(t, saved.Base)

	// A new session starts from the journal.
	next := New(Options{Clock: clk, Log: zerolog.Nop(), Source: &staticSource{}, Journal: j})
	require.NoError(t, next.restore(context.Background()))
	route, ok := next.Store().Read().Route("d1")
	require.True(t, ok)
	require.Len(t, route.Waypoints, 2)
}

func TestChannelCloseShowsDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}))
	defer srv.Close()

	s := New(Options{
		Clock:   clockwork.NewFakeClockAt(epoch),
		Log:     zerolog.Nop(),
		FeedURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Source:  &staticSource{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.Store().Read().Connection == "disconnected: closed by peer"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
