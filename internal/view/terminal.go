package view

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"fleet-console/internal/fleet"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	staleStyle  = cellStyle.Foreground(lipgloss.Color("241"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// Terminal renders the status table to w each time it changes. Map
// primitives only feed the route column.
type Terminal struct {
	mu         sync.Mutex
	w          io.Writer
	rows       []StatusRow
	routes     map[string]int
	connection string
}

func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w, routes: make(map[string]int)}
}

func (t *Terminal) PlaceMarker(string, fleet.Position) {}
func (t *Terminal) MoveMarker(string, fleet.Position)  {}
func (t *Terminal) SetViewport(Bounds)                 {}

func (t *Terminal) SetRoute(id string, waypoints []fleet.Waypoint) {
	t.mu.Lock()
	t.routes[id] = len(waypoints)
	t.mu.Unlock()
}

func (t *Terminal) ClearRoute(id string) {
	t.mu.Lock()
	delete(t.routes, id)
	t.mu.Unlock()
}

func (t *Terminal) SetStatusTable(rows []StatusRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = rows
	t.render()
}

func (t *Terminal) SetConnection(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status == t.connection {
		return
	}
	t.connection = status
	t.render()
}

// Render returns the table as it would be printed.
func (t *Terminal) Render() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.renderString()
}

func (t *Terminal) render() {
	_, _ = fmt.Fprintln(t.w, t.renderString())
}

func (t *Terminal) renderString() string {
	stale := make(map[int]bool, len(t.rows))
	rows := make([][]string, 0, len(t.rows))
	for i, r := range t.rows {
		alt := "-"
		if r.Alt != nil {
			alt = strconv.FormatFloat(*r.Alt, 'f', 1, 64)
		}
		route := "-"
		if n, ok := t.routes[r.ID]; ok {
			route = strconv.Itoa(n) + " wp"
		}
		name := r.Name
		if name == "" {
			name = "-"
		}
		rows = append(rows, []string{r.ID, name, r.Status, r.Position, alt, route})
		stale[i] = r.Stale
	}
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "STATUS", "POSITION", "ALT", "ROUTE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case stale[row]:
				return staleStyle
			default:
				return cellStyle
			}
		})
	title := titleStyle.Render(fmt.Sprintf("fleet: %d vehicles, channel %s", len(t.rows), t.connection))
	return lipgloss.JoinVertical(lipgloss.Left, title, tbl.Render())
}
