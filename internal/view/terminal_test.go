package view

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"fleet-console/internal/fleet"
)

func TestTerminalRendersTable(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf)
	alt := 42.0

	term.SetRoute("d1", []fleet.Waypoint{{}, {}, {}})
	term.SetConnection("open")
	term.SetStatusTable([]StatusRow{
		{ID: "d1", Name: "alpha", Status: "BUSY", Position: "1.000000,2.000000", Alt: &alt},
		{ID: "d2", Status: "stale since 2 minutes ago", Position: "no fix", Stale: true},
	})

	out := term.Render()
	require.Contains(t, out, "channel open")
	require.Contains(t, out, "alpha")
	require.Contains(t, out, "42.0")
	require.Contains(t, out, "3 wp")
	require.Contains(t, out, "stale since 2 minutes ago")
	require.Contains(t, buf.String(), "d2")

	n := buf.Len()
	term.SetConnection("open")
	require.Equal(t, n, buf.Len(), "unchanged connection does not redraw")
}
