// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/evsectl/internal/evse"
	"github.com/Thermoquad/evsectl/internal/station"
)

const refreshInterval = 250 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// Messages
type tickMsg time.Time

// dashboard is the status screen of a running controller. It polls the
// station on a timer and maps keys onto the simulated vehicle and sensors.
type dashboard struct {
	st      *station.Station
	car     *station.VirtualPilot
	sensors *station.VirtualSensors
	out     *station.Outputs
	events  *eventLog

	status  station.Status
	outputs station.OutputState
	points  table.Model

	overrideInput textinput.Model
	editing       bool
	notice        string

	width    int
	height   int
	quitting bool
}

func newDashboard(st *station.Station, car *station.VirtualPilot, sensors *station.VirtualSensors, out *station.Outputs, events *eventLog) dashboard {
	columns := []table.Column{
		{Title: "#", Width: 2},
		{Title: "State", Width: 18},
		{Title: "Errors", Width: 18},
		{Title: "Alloc", Width: 6},
		{Title: "Max", Width: 6},
		{Title: "Ph", Width: 2},
		{Title: "Online", Width: 6},
		{Title: "Mode", Width: 6},
	}
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()

	points := table.New(
		table.WithColumns(columns),
		table.WithHeight(evse.MaxPoints+1),
		table.WithFocused(false),
		table.WithStyles(styles),
	)

	ti := textinput.New()
	ti.Placeholder = "amps, 0 clears"
	ti.CharLimit = 5
	ti.Width = 16

	return dashboard{
		st:            st,
		car:           car,
		sensors:       sensors,
		out:           out,
		events:        events,
		points:        points,
		overrideInput: ti,
		width:         100,
		height:        40,
	}
}

func (m dashboard) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.editing {
			return m.updateOverride(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.refresh()
		return m, tickCmd()
	}
	return m, nil
}

func (m *dashboard) refresh() {
	m.status = m.st.Status()
	m.outputs = m.out.State()
	m.points.SetRows(pointRows(m.status))
}

func (m dashboard) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.notice = ""
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "c":
		m.car.Connect()
	case "s":
		m.car.StartCharge()
	case "p":
		m.car.Pause()
	case "u":
		m.car.Unplug()
	case "a":
		m.report(m.st.SetAccess(!m.status.Access))
	case "m":
		next := (m.status.Mode + 1) % (evse.ModeSolar + 1)
		m.report(m.st.SetMode(next))
	case "o":
		m.editing = true
		m.overrideInput.SetValue("")
		return m, m.overrideInput.Focus()
	case "+":
		m.sensors.SetTemperature(m.sensors.Temperature() + 5)
	case "-":
		m.sensors.SetTemperature(m.sensors.Temperature() - 5)
	case "f":
		m.sensors.SetResidualCurrent(!m.sensors.ResidualCurrent())
	case "r":
		m.report(m.st.AcknowledgeResidualCurrent())
	case "h":
		m.sensors.SetHardwareFault(!m.sensors.HardwareFault())
	case "x":
		m.report(m.st.ClearHardwareFault())
	case "g":
		m.sensors.SetGridRelayOpen(!m.sensors.GridRelayOpen())
	}
	m.refresh()
	return m, nil
}

func (m dashboard) updateOverride(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.editing = false
		m.overrideInput.Blur()
		return m, nil
	case tea.KeyEnter:
		m.editing = false
		m.overrideInput.Blur()
		a, err := strconv.ParseFloat(strings.TrimSpace(m.overrideInput.Value()), 64)
		if err != nil || a < 0 {
			m.notice = fmt.Sprintf("invalid current %q", m.overrideInput.Value())
			return m, nil
		}
		m.st.SetOverride(evse.Current(a * 10))
		return m, nil
	}
	var cmd tea.Cmd
	m.overrideInput, cmd = m.overrideInput.Update(msg)
	return m, cmd
}

func (m *dashboard) report(err error) {
	if err != nil {
		m.notice = err.Error()
	}
}

func pointRows(s station.Status) []table.Row {
	var rows []table.Row
	for i, p := range s.Points {
		if i != s.Self && p.Node.Online == 0 && p.State == evse.StateIdle {
			continue
		}
		online := "-"
		if i == s.Self {
			online = "self"
		} else if p.Node.Online > 0 {
			online = strconv.Itoa(p.Node.Online)
		}
		rows = append(rows, table.Row{
			strconv.Itoa(i),
			p.State.String(),
			p.Errors.String(),
			p.Allocated.String(),
			p.Max.String(),
			strconv.Itoa(p.Phases),
			online,
			p.Node.Mode.String(),
		})
	}
	return rows
}

func (m dashboard) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}
	s := m.status

	var b strings.Builder
	b.WriteString(titleStyle.Render("EVSECTL - CHARGE CONTROLLER"))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("Role: %s | Mode: %s | Point %d | Press 'q' to quit",
		s.Role, s.Mode, s.Self)))
	b.WriteString("\n\n")

	left := boxStyle.Render(m.chargerView())
	right := boxStyle.Render(m.metersView())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	b.WriteString("\n")

	if s.Role.Balancing() {
		b.WriteString(labelStyle.Render("Charge Points:"))
		b.WriteString("\n")
		b.WriteString(boxStyle.Render(m.points.View()))
		b.WriteString("\n")
	}

	if m.editing {
		b.WriteString(labelStyle.Render("Override: "))
		b.WriteString(m.overrideInput.View())
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(errorStyle.Render("✗ " + m.notice))
		b.WriteString("\n")
	}

	b.WriteString(labelStyle.Render("Recent Events:"))
	b.WriteString("\n")
	b.WriteString(boxStyle.Width(max(m.width-4, 40)).Render(m.eventsView()))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("c connect  s charge  p pause  u unplug  a access  m mode  o override  +/- temp  f/r RCM  h/x fault  g relay"))
	return b.String()
}

func field(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label), valueStyle.Render(value))
}

func (m dashboard) chargerView() string {
	s, o := m.status, m.outputs
	var c strings.Builder

	c.WriteString(field("State:", s.State.String()))
	c.WriteString(field("Pilot:", s.Level.String()))
	if s.Errors != 0 {
		c.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Errors:"), errorStyle.Render(s.Errors.String())))
	} else {
		c.WriteString(field("Errors:", "none"))
	}
	c.WriteString(field("Allocated:", s.Allocated.String()))
	c.WriteString(field("Offer:", fmt.Sprintf("%s (duty %d/1024)", evse.CurrentForDuty(o.Duty), o.Duty)))
	c.WriteString(field("Contactors:", fmt.Sprintf("C1 %s  C2 %s", onOff(o.Contactor1), onOff(o.Contactor2))))
	c.WriteString(field("Phases:", phaseText(s.Phases)))
	if s.ChargeDelay > 0 {
		c.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Delay:"), warningStyle.Render(fmt.Sprintf("%d s", s.ChargeDelay))))
	}
	c.WriteString(field("Access:", strconv.FormatBool(s.Access)))
	c.WriteString(field("Temp:", fmt.Sprintf("%d°C", s.Temperature)))
	if sess := s.Session; sess != nil {
		c.WriteString(field("Session:", sess.ID.String()[:8]))
		c.WriteString(field("Charging:", formatDuration(sess.Seconds)))
		c.WriteString(field("Peak:", sess.Peak.String()))
	}
	return strings.TrimRight(c.String(), "\n")
}

func (m dashboard) metersView() string {
	s := m.status
	var c strings.Builder

	mains := "no reading"
	if s.MainsTrusted {
		mains = fmt.Sprintf("%s / %s / %s", s.Mains.Irms[0], s.Mains.Irms[1], s.Mains.Irms[2])
	}
	c.WriteString(field("Mains:", mains))
	ev := "no reading"
	if s.EVTrusted {
		ev = fmt.Sprintf("%s / %s / %s  %d W", s.EV.Irms[0], s.EV.Irms[1], s.EV.Irms[2], s.EV.Power)
	}
	c.WriteString(field("EV:", ev))
	c.WriteString(field("Target:", s.Engine.Target.String()))
	if s.Engine.SolarStopTimer > 0 {
		c.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Solar stop:"), warningStyle.Render(fmt.Sprintf("%d s", s.Engine.SolarStopTimer))))
	}
	if s.Engine.MaxSumMainsTimer > 0 {
		c.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Sum limit:"), warningStyle.Render(fmt.Sprintf("%d s", s.Engine.MaxSumMainsTimer))))
	}
	c.WriteString(field("Shortage:", s.Shortage.String()))
	if s.GridRelayOpen {
		c.WriteString(warningStyle.Render("Grid relay open"))
		c.WriteString("\n")
	}

	if s.HasBus {
		st := s.Bus
		c.WriteString(field("Frames:", fmt.Sprintf("%d (%.1f/s)", st.TotalPackets, st.PacketRate)))
		errs := st.CRCErrors + st.FramingErrors + st.DecodeErrors + st.MalformedPackets
		if errs > 0 {
			c.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Bus errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f/s)", errs, st.ErrorRate))))
		}
		if st.Exceptions > 0 {
			c.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Exceptions:"), warningStyle.Render(strconv.FormatUint(st.Exceptions, 10))))
		}
	}
	return strings.TrimRight(c.String(), "\n")
}

func (m dashboard) eventsView() string {
	if m.events == nil {
		return headerStyle.Render("  (no events yet)")
	}
	rows := max(m.height-30, 5)
	entries := m.events.last(rows)
	if len(entries) == 0 {
		return headerStyle.Render("  (no events yet)")
	}

	var c strings.Builder
	for _, e := range entries {
		timestamp := headerStyle.Render(e.timestamp.Format("15:04:05.000"))
		switch {
		case e.level >= slog.LevelError:
			c.WriteString(fmt.Sprintf("%s %s\n", timestamp, errorStyle.Render("✗ "+e.message)))
		case e.level >= slog.LevelWarn:
			c.WriteString(fmt.Sprintf("%s %s\n", timestamp, warningStyle.Render("! "+e.message)))
		default:
			c.WriteString(fmt.Sprintf("%s %s\n", timestamp, "ℹ "+e.message))
		}
	}
	return strings.TrimRight(c.String(), "\n")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func phaseText(n int) string {
	if n == 0 {
		return "unknown"
	}
	return strconv.Itoa(n)
}

// formatDuration formats seconds as h:mm:ss.
func formatDuration(seconds int) string {
	h := seconds / 3600
	mnt := (seconds % 3600) / 60
	sec := seconds % 60
	return fmt.Sprintf("%d:%02d:%02d", h, mnt, sec)
}
