package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"nerdhub/internal/geofence"
	"nerdhub/internal/presence"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	nameStyle   = lipgloss.NewStyle().Width(34)
	countStyle  = lipgloss.NewStyle().Width(5).Align(lipgloss.Right).Foreground(lipgloss.Color("86"))
	emptyStyle  = countStyle.Copy().Foreground(lipgloss.Color("241"))
	footerStyle = lipgloss.NewStyle().Faint(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// RenderCounts draws one row per catalog building with its live count.
func RenderCounts(catalog *geofence.Catalog, snap presence.Snapshot) string {
	footer := fmt.Sprintf("%d online · seq %d · %s", len(snap.Entries), snap.Seq, snap.Taken.Format("15:04:05"))
	return RenderBuildingCounts(catalog, snap.Counts(), footer)
}

// RenderBuildingCounts is RenderCounts for a bare count map, as read from a
// mirror.
func RenderBuildingCounts(catalog *geofence.Catalog, counts map[string]int, footer string) string {
	rows := make([]string, 0, catalog.Len()+2)
	rows = append(rows, titleStyle.Render("Who is where"))
	for _, b := range catalog.All() {
		name := b.Name
		if name == "" {
			name = b.ID
		}
		n := counts[b.ID]
		style := countStyle
		if n == 0 {
			style = emptyStyle
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, nameStyle.Render(name), style.Render(fmt.Sprint(n))))
	}
	rows = append(rows, footerStyle.Render(footer))
	return boxStyle.Render(strings.Join(rows, "\n"))
}

// RenderResolution is the one-line summary printed by the resolve command.
func RenderResolution(res geofence.Resolution, policy geofence.JoinPolicy) string {
	verdict := "outside every geofence"
	if res.InsideAnyRadius {
		verdict = "inside a geofence"
	}
	eligible := "no"
	if policy.Eligible(res) {
		eligible = "yes"
	}
	return fmt.Sprintf("%s (%s) at %d m, %s; joinable under %s policy: %s",
		titleStyle.Render(res.Nearest.Name), res.Nearest.ID, res.Distance, verdict, policy, eligible)
}
