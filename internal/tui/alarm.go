// Package tui renders the full-screen alarm surface. While a medicine
// alarm is active the program occupies the whole terminal and refuses to
// quit; the only ways out are confirming the dose, the safety-prompted
// dismissal, or the grace period running down.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpalomar/dosewatch/internal/alarm"
	"github.com/mpalomar/dosewatch/internal/alert"
)

type keyMap struct {
	Confirm key.Binding
	Dismiss key.Binding
	Yes     key.Binding
	No      key.Binding
	Quit    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Confirm: key.NewBinding(key.WithKeys("c", "enter"), key.WithHelp("c/enter", "confirm dose")),
		Dismiss: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "dismiss")),
		Yes:     key.NewBinding(key.WithKeys("y"), key.WithHelp("y", "yes")),
		No:      key.NewBinding(key.WithKeys("n", "esc"), key.WithHelp("n", "no")),
		Quit:    key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

type (
	tickMsg time.Time
	// snapshotMsg carries session state changes pushed from the supervisor.
	snapshotMsg alarm.Snapshot
	// confirmDoneMsg is the result of an async confirm attempt.
	confirmDoneMsg struct {
		points int
		err    error
	}
	dismissDoneMsg struct{ err error }
)

var (
	alarmBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("9")).
			Padding(1, 4).
			Align(lipgloss.Center)

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	medicineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Bold(true)

	countdownStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")).
			Bold(true)
)

// Model is the bubbletea model for the alarm surface.
type Model struct {
	supervisor *alarm.Supervisor
	keys       keyMap
	spinner    spinner.Model

	snap       *alarm.Snapshot
	now        time.Time
	confirming bool
	prompting  bool
	points     int
	finalErr   error

	width  int
	height int
}

// NewModel creates the alarm model bound to a supervisor.
func NewModel(sv *alarm.Supervisor) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	return Model{
		supervisor: sv,
		keys:       defaultKeyMap(),
		spinner:    sp,
		now:        time.Now(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), m.spinner.Tick)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// captive reports whether the surface must swallow quit keys: a medicine
// alarm that has not reached a terminal state holds the screen.
func (m Model) captive() bool {
	if m.snap == nil {
		return false
	}
	if m.snap.Kind != alert.KindMedicine {
		return false
	}
	return !m.snap.State.Terminal()
}

// confirmable reports whether the confirm action is currently legal.
func (m Model) confirmable() bool {
	if m.snap == nil || m.confirming {
		return false
	}
	switch m.snap.Kind {
	case alert.KindMedicine:
		return m.snap.State == alarm.StateGracePeriod
	default:
		return m.snap.State == alarm.StateFired
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case snapshotMsg:
		snap := alarm.Snapshot(msg)
		m.snap = &snap
		if snap.State.Terminal() {
			m.prompting = false
			m.confirming = false
			if snap.State == alarm.StateConfirmed {
				m.points = snap.PointsAwarded
			}
		}
		return m, nil

	case confirmDoneMsg:
		m.confirming = false
		if msg.err != nil {
			m.finalErr = msg.err
			return m, nil
		}
		m.points = msg.points
		m.finalErr = nil
		return m, nil

	case dismissDoneMsg:
		m.prompting = false
		m.finalErr = msg.err
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.prompting {
		switch {
		case key.Matches(msg, m.keys.Yes):
			return m, m.dismissCmd()
		case key.Matches(msg, m.keys.No):
			m.prompting = false
			return m, nil
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Confirm):
		if !m.confirmable() {
			return m, nil
		}
		m.confirming = true
		m.finalErr = nil
		return m, tea.Batch(m.confirmCmd(), m.spinner.Tick)

	case key.Matches(msg, m.keys.Dismiss):
		if m.snap == nil || m.snap.State.Terminal() || m.confirming {
			return m, nil
		}
		if m.snap.Kind == alert.KindMedicine {
			// dismissing an unconfirmed medicine alarm needs the safety prompt
			m.prompting = true
			return m, nil
		}
		return m, m.dismissCmd()

	case key.Matches(msg, m.keys.Quit):
		if m.captive() {
			return m, nil
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) confirmCmd() tea.Cmd {
	sv := m.supervisor
	return func() tea.Msg {
		session := sv.Active()
		if session == nil {
			return confirmDoneMsg{err: fmt.Errorf("no active alarm")}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		points, err := session.Confirm(ctx)
		return confirmDoneMsg{points: points, err: err}
	}
}

func (m Model) dismissCmd() tea.Cmd {
	sv := m.supervisor
	return func() tea.Msg {
		session := sv.Active()
		if session == nil {
			return dismissDoneMsg{}
		}
		return dismissDoneMsg{err: session.Dismiss(true)}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.snap == nil {
		return dimStyle.Render("\n  No active alarm. Press q to close.\n")
	}

	content := m.renderAlarm()
	if m.width > 0 && m.height > 0 {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, content)
	}
	return content
}

func (m Model) renderAlarm() string {
	snap := m.snap
	var lines []string

	switch {
	case snap.State == alarm.StateConfirmed:
		lines = append(lines,
			successStyle.Render("DOSE CONFIRMED"),
			"",
			medicineStyle.Render(snap.ItemName),
			successStyle.Render(fmt.Sprintf("+%d points", m.points)),
			"",
			dimStyle.Render("press q to close"),
		)

	case snap.State == alarm.StateMissed:
		lines = append(lines,
			warnStyle.Render("DOSE MISSED"),
			"",
			medicineStyle.Render(snap.ItemName),
			dimStyle.Render("the confirmation window has passed"),
			"",
			dimStyle.Render("press q to close"),
		)

	case snap.State == alarm.StateDismissed:
		lines = append(lines,
			dimStyle.Render("alarm dismissed"),
			"",
			dimStyle.Render("press q to close"),
		)

	case m.prompting:
		lines = append(lines,
			warnStyle.Render("Dismiss without taking your medicine?"),
			"",
			medicineStyle.Render(snap.ItemName+" "+snap.Dosage),
			warnStyle.Render("No reward points will be awarded."),
			"",
			dimStyle.Render("y: dismiss anyway   n: go back"),
		)

	default:
		title := "TIME FOR YOUR MEDICINE"
		if snap.Kind == alert.KindAppointment {
			title = "APPOINTMENT REMINDER"
		}
		lines = append(lines,
			titleStyle.Render(title),
			"",
			medicineStyle.Render(snap.ItemName+"  "+snap.Dosage),
			dimStyle.Render("scheduled for "+snap.ScheduledAt.Format("15:04")),
			"",
		)

		if snap.Kind == alert.KindMedicine && snap.State == alarm.StateGracePeriod {
			lines = append(lines, countdownStyle.Render(m.countdown()))
		}

		if m.confirming {
			lines = append(lines, m.spinner.View()+" confirming...")
		} else if m.finalErr != nil {
			lines = append(lines,
				warnStyle.Render("confirmation failed, try again"),
				dimStyle.Render(m.finalErr.Error()),
			)
		}

		lines = append(lines, "", dimStyle.Render("c: confirm taken   d: dismiss"))
	}

	return alarmBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Center, lines...))
}

// countdown formats the time left in the grace period as mm:ss.
func (m Model) countdown() string {
	remaining := m.snap.GraceEndsAt.Sub(m.now)
	if remaining < 0 {
		remaining = 0
	}
	remaining = remaining.Round(time.Second)
	mins := int(remaining.Minutes())
	secs := int(remaining.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d to confirm", mins, secs)
}

// Run starts the full-screen program and subscribes it to session state
// changes. Blocks until the program exits.
func Run(sv *alarm.Supervisor, subscribe func(func(alarm.Snapshot))) error {
	m := NewModel(sv)
	if active := sv.Active(); active != nil {
		snap := active.Snapshot()
		m.snap = &snap
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	subscribe(func(snap alarm.Snapshot) {
		p.Send(snapshotMsg(snap))
	})

	_, err := p.Run()
	return err
}
