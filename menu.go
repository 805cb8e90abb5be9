package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type menuAction string

const (
	actionRun       menuAction = "run"
	actionTest      menuAction = "test"
	actionCalibrate menuAction = "calibrate"
	actionWatch     menuAction = "watch"
	actionGraph     menuAction = "graph"
	actionQuit      menuAction = "quit"
)

type menuItem struct {
	action menuAction
	title  string
}

var menuItems = []menuItem{
	{actionRun, "Run the office status monitor"},
	{actionTest, "Test the sensor"},
	{actionCalibrate, "Calibrate the blackpoint"},
	{actionWatch, "Watch light changes"},
	{actionGraph, "Graph the light level"},
	{actionQuit, "Quit"},
}

var (
	menuTitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	menuCursorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	menuItemStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	menuHelpStyle     = lipgloss.NewStyle().Faint(true)
	menuSimulateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

type menuChoice struct {
	action   menuAction
	simulate bool
}

// menuModel is the startup menu shown on a terminal when no command is given.
type menuModel struct {
	cursor   int
	simulate bool
	chosen   bool
	choice   menuChoice
}

func newMenuModel(simulate bool) menuModel {
	return menuModel{simulate: simulate}
}

func (m menuModel) Init() tea.Cmd { return nil }

func (m menuModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch key.String() {
	case "ctrl+c", "q", "esc":
		m.chosen = true
		m.choice = menuChoice{action: actionQuit, simulate: m.simulate}
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(menuItems)-1 {
			m.cursor++
		}
	case "s":
		m.simulate = !m.simulate
	case "enter", " ":
		m.chosen = true
		m.choice = menuChoice{action: menuItems[m.cursor].action, simulate: m.simulate}
		return m, tea.Quit
	}
	return m, nil
}

func (m menuModel) View() string {
	if m.chosen {
		return ""
	}

	var b strings.Builder
	b.WriteString(menuTitleStyle.Render("Office light status"))
	b.WriteString("\n\n")
	for i, item := range menuItems {
		if i == m.cursor {
			b.WriteString(menuCursorStyle.Render("> " + item.title))
		} else {
			b.WriteString(menuItemStyle.Render("  " + item.title))
		}
		b.WriteString("\n")
	}

	mode := "GPIO sensor"
	if m.simulate {
		mode = "simulated readings"
	}
	b.WriteString("\n")
	b.WriteString(menuSimulateStyle.Render(fmt.Sprintf("source: %s", mode)))
	b.WriteString("\n")
	b.WriteString(menuHelpStyle.Render("↑/↓ move • enter select • s toggle simulation • q quit"))
	b.WriteString("\n")
	return b.String()
}

func runMenu(simulate bool) (menuChoice, error) {
	final, err := tea.NewProgram(newMenuModel(simulate)).Run()
	if err != nil {
		return menuChoice{}, fmt.Errorf("menu: %w", err)
	}
	m := final.(menuModel)
	if !m.chosen {
		return menuChoice{action: actionQuit, simulate: m.simulate}, nil
	}
	return m.choice, nil
}
