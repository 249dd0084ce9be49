// Package channel maintains the push connection to the telemetry feed.
//
// Each call to Open is one connection attempt with its own state machine:
// CONNECTING, then OPEN after a successful handshake, then CLOSED on error
// or shutdown. CLOSED is final for that attempt; Run starts fresh attempts
// when the ReconnectPolicy allows. Transport errors are reported as the
// reason of the CLOSED transition and never returned to the caller.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of one connection attempt.
type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Frame is one raw inbound message.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

// Transition reports a state change. Err is the close reason, nil for
// an explicit close.
type Transition struct {
	State   State
	Attempt int
	Err     error
	At      time.Time
}

// ErrClosedByPeer is the close reason when the server ends the connection cleanly.
var ErrClosedByPeer = errors.New("closed by peer")

// Options configure a Manager.
type Options struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the silence tolerated before the connection is
	// considered dead. Pings go out at half this period. Zero disables both.
	ReadTimeout time.Duration
	Policy      ReconnectPolicy
	Clock       clockwork.Clock
	Log         zerolog.Logger

	// OnFrame is called for every inbound frame, serially.
	OnFrame func(Frame)
	// OnState is called for every transition.
	OnState func(Transition)
}

// Manager owns the push connection.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	attempt int
}

// New returns a Manager in the CLOSED state; nothing is dialed until Open or Run.
func New(opts Options) *Manager {
	if opts.Policy == nil {
		opts.Policy = NoReconnect
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.OnFrame == nil {
		opts.OnFrame = func(Frame) {}
	}
	if opts.OnState == nil {
		opts.OnState = func(Transition) {}
	}
	return &Manager{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		state: Closed,
	}
}

// State returns the state of the current attempt.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run opens the connection and keeps reopening it while the policy
// allows. It returns when ctx ends or the policy gives up.
func (m *Manager) Run(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		opened, reason := m.open(ctx)
		if ctx.Err() != nil {
			return
		}
		if opened {
			failures = 0
		}
		failures++
		delay, ok := m.opts.Policy.Next(failures, reason)
		if !ok {
			m.opts.Log.Warn().Int("failures", failures).Msg("push channel closed, not reconnecting")
			return
		}
		m.opts.Log.Info().Dur("delay", delay).Int("failures", failures).Msg("push channel reconnect scheduled")
		if !m.wait(ctx, delay) {
			return
		}
	}
}

// Open runs a single connection attempt until it closes.
func (m *Manager) Open(ctx context.Context) {
	m.open(ctx)
}

// Close ends the current attempt, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (m *Manager) open(ctx context.Context) (opened bool, reason error) {
	m.mu.Lock()
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	m.transition(attempt, Connecting, nil)

	conn, resp, err := m.dialer.DialContext(ctx, m.opts.URL, m.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			m.transition(attempt, Closed, nil)
			return false, nil
		}
		reason = fmt.Errorf("dial %s: %w", m.opts.URL, err)
		m.transition(attempt, Closed, reason)
		return false, reason
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.transition(attempt, Open, nil)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.Close()
		case <-done:
		}
	}()
	if m.opts.ReadTimeout > 0 {
		go m.keepalive(conn, done)
	}

	reason = m.readLoop(conn)
	close(done)
	_ = conn.Close()

	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()

	if ctx.Err() != nil {
		reason = nil
	}
	m.transition(attempt, Closed, reason)
	return true, reason
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	if m.opts.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		})
	}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrClosedByPeer
			}
			return fmt.Errorf("read: %w", err)
		}
		if m.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		m.opts.OnFrame(Frame{Data: data, ReceivedAt: m.opts.Clock.Now()})
	}
}

func (m *Manager) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.opts.ReadTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (m *Manager) transition(attempt int, state State, reason error) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	ev := m.opts.Log.Info()
	if reason != nil {
		ev = m.opts.Log.Warn().Err(reason)
	}
	ev.Int("attempt", attempt).Str("state", state.String()).Msg("push channel")

	m.opts.OnState(Transition{State: state, Attempt: attempt, Err: reason, At: m.opts.Clock.Now()})
}

func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	fired := make(chan struct{})
	timer := m.opts.Clock.AfterFunc(d, func() { close(fired) })
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-fired:
		return true
	}
}
