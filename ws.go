package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fleet-console/internal/fleet"
	"fleet-console/internal/logging"
	"fleet-console/internal/view"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hubMessage is one display update sent to browsers. Type selects which
// fields are set; "sync" carries the full state for a new client.
type hubMessage struct {
	Type       string                      `json:"type"`
	ID         string                      `json:"id,omitempty"`
	Position   *fleet.Position             `json:"position,omitempty"`
	Waypoints  []fleet.Waypoint            `json:"waypoints,omitempty"`
	Bounds     *view.Bounds                `json:"bounds,omitempty"`
	Rows       []view.StatusRow            `json:"rows,omitempty"`
	Connection string                      `json:"connection,omitempty"`
	Markers    map[string]fleet.Position   `json:"markers,omitempty"`
	Routes     map[string][]fleet.Waypoint `json:"routes,omitempty"`
}

// wsHub is the browser display. It keeps what it has drawn so clients
// joining late get a full sync.
type wsHub struct {
	log zerolog.Logger

	mu         sync.Mutex
	clients    map[*websocket.Conn]struct{}
	markers    map[string]fleet.Position
	routes     map[string][]fleet.Waypoint
	viewport   *view.Bounds
	rows       []view.StatusRow
	connection string
}

func newHub(log zerolog.Logger) *wsHub {
	return &wsHub{
		log:     logging.Component(log, "hub"),
		clients: make(map[*websocket.Conn]struct{}),
		markers: make(map[string]fleet.Position),
		routes:  make(map[string][]fleet.Waypoint),
	}
}

func (h *wsHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	h.mu.Lock()
	err = writeMessage(conn, h.syncLocked())
	if err == nil {
		h.clients[conn] = struct{}{}
	}
	count := len(h.clients)
	h.mu.Unlock()
	if err != nil {
		_ = conn.Close()
		return
	}
	h.log.Debug().Int("clients", count).Msg("browser joined")
	go h.readPump(conn)
}

func (h *wsHub) syncLocked() hubMessage {
	msg := hubMessage{
		Type:       "sync",
		Markers:    make(map[string]fleet.Position, len(h.markers)),
		Routes:     make(map[string][]fleet.Waypoint, len(h.routes)),
		Bounds:     h.viewport,
		Rows:       h.rows,
		Connection: h.connection,
	}
	for id, p := range h.markers {
		msg.Markers[id] = p
	}
	for id, wps := range h.routes {
		msg.Routes[id] = wps
	}
	return msg
}

func (h *wsHub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// broadcastLocked sends msg to every client, dropping the ones that fail.
func (h *wsHub) broadcastLocked(msg hubMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("encode display message")
		return
	}
	for c := range h.clients {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			c.Close()
			delete(h.clients, c)
		}
	}
}

func (h *wsHub) readPump(c *websocket.Conn) {
	defer func() {
		h.remove(c)
		_ = c.Close()
	}()
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func writeMessage(c *websocket.Conn, msg hubMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteMessage(websocket.TextMessage, data)
}

func (h *wsHub) PlaceMarker(id string, pos fleet.Position) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markers[id] = pos
	h.broadcastLocked(hubMessage{Type: "marker_place", ID: id, Position: &pos})
}

func (h *wsHub) MoveMarker(id string, pos fleet.Position) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markers[id] = pos
	h.broadcastLocked(hubMessage{Type: "marker_move", ID: id, Position: &pos})
}

func (h *wsHub) SetRoute(id string, waypoints []fleet.Waypoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes[id] = waypoints
	h.broadcastLocked(hubMessage{Type: "route_set", ID: id, Waypoints: waypoints})
}

func (h *wsHub) ClearRoute(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.routes, id)
	h.broadcastLocked(hubMessage{Type: "route_clear", ID: id})
}

func (h *wsHub) SetViewport(b view.Bounds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.viewport = &b
	h.broadcastLocked(hubMessage{Type: "viewport", Bounds: &b})
}

func (h *wsHub) SetStatusTable(rows []view.StatusRow) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = rows
	h.broadcastLocked(hubMessage{Type: "status", Rows: rows})
}

func (h *wsHub) SetConnection(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connection = status
	h.broadcastLocked(hubMessage{Type: "connection", Connection: status})
}
