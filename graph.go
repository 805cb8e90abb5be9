package main

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const (
	defaultGraphWidth = 80
	// time, reading and padding around the bar
	graphLabelWidth = 22
)

var (
	graphLitStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	graphDarkStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	graphMarkerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// graph renders one bar per reading. The scale grows to the largest reading
// seen so far and the blackpoint is marked with '|'.
type graph struct {
	darkpoint float64
	width     int
	max       float64
}

func newGraph(darkpoint float64, width int) *graph {
	bar := width - graphLabelWidth
	if bar < 10 {
		bar = 10
	}
	return &graph{darkpoint: darkpoint, width: bar, max: math.Max(darkpoint*2, 1)}
}

func (g *graph) Line(ts time.Time, reading float64) string {
	if reading > g.max {
		g.max = reading
	}

	filled := g.cells(reading)
	marker := g.cells(g.darkpoint)
	if marker >= g.width {
		marker = g.width - 1
	}

	style := graphDarkStyle
	if reading < g.darkpoint {
		style = graphLitStyle
	}

	var bar strings.Builder
	for i := 0; i < g.width; i++ {
		switch {
		case i == marker:
			bar.WriteString(graphMarkerStyle.Render("|"))
		case i < filled:
			bar.WriteString(style.Render("█"))
		default:
			bar.WriteString(" ")
		}
	}
	return fmt.Sprintf("%s %8.2f %s", ts.Format(time.TimeOnly), reading, bar.String())
}

func (g *graph) cells(v float64) int {
	if v <= 0 || g.max <= 0 {
		return 0
	}
	n := int(math.Round(v / g.max * float64(g.width)))
	return min(n, g.width)
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return defaultGraphWidth
	}
	return width
}
