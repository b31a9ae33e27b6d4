// Package tui provides the live Bubble Tea watch view for agentmon.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/theirongolddev/agentmon/internal/cli"
	"github.com/theirongolddev/agentmon/internal/ipc"
	"github.com/theirongolddev/agentmon/internal/model"
	"github.com/theirongolddev/agentmon/internal/tui/theme"
)

const (
	refreshInterval = 2 * time.Second
	maxEventLines   = 10
)

// tickMsg drives the periodic status/session refresh.
type tickMsg time.Time

// dataMsg carries one refresh round-trip's results.
type dataMsg struct {
	status   *ipc.DaemonStatus
	sessions []*model.Session
	err      error
}

// frameMsg carries one live event frame from the subscription stream.
type frameMsg ipc.Frame

// streamClosedMsg is sent when the subscription stream ends.
type streamClosedMsg struct{ err error }

// Watch is the root Bubble Tea model for the live view.
type Watch struct {
	client *ipc.Client
	frames <-chan ipc.Frame

	status   *ipc.DaemonStatus
	sessions []*model.Session
	events   []*model.Event
	dropped  uint64

	width    int
	height   int
	selected int
	paused   bool
	err      error

	sp spinner.Model
	th theme.Theme
}

// NewWatch builds the watch model. The client is used for periodic queries;
// frames delivers live events from a separate subscription connection.
func NewWatch(client *ipc.Client, frames <-chan ipc.Frame, themeName string) Watch {
	th := theme.ByName(themeName)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(th.Accent)
	return Watch{
		client: client,
		frames: frames,
		sp:     sp,
		th:     th,
	}
}

func (w Watch) Init() tea.Cmd {
	return tea.Batch(w.fetch(), w.waitFrame(), w.sp.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// fetch queries the daemon for status and live sessions.
func (w Watch) fetch() tea.Cmd {
	client := w.client
	return func() tea.Msg {
		st, err := client.Status()
		if err != nil {
			return dataMsg{err: err}
		}
		sessions, err := client.ListSessions("", "", 50)
		if err != nil {
			return dataMsg{err: err}
		}
		return dataMsg{status: st, sessions: sessions}
	}
}

// waitFrame blocks on the subscription channel for the next live event.
func (w Watch) waitFrame() tea.Cmd {
	ch := w.frames
	return func() tea.Msg {
		f, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return frameMsg(f)
	}
}

func (w Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		w.width = msg.Width
		w.height = msg.Height
		return w, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return w, tea.Quit
		case "r":
			return w, w.fetch()
		case "p":
			w.paused = !w.paused
			return w, nil
		case "up", "k":
			if w.selected > 0 {
				w.selected--
			}
			return w, nil
		case "down", "j":
			if w.selected < len(w.sessions)-1 {
				w.selected++
			}
			return w, nil
		}
		return w, nil

	case tickMsg:
		return w, tea.Batch(w.fetch(), tick())

	case dataMsg:
		w.err = msg.err
		if msg.err == nil {
			w.status = msg.status
			w.sessions = msg.sessions
			if w.selected >= len(w.sessions) {
				w.selected = max(0, len(w.sessions)-1)
			}
		}
		return w, nil

	case frameMsg:
		if !w.paused && msg.Event != nil {
			w.events = append(w.events, msg.Event)
			if len(w.events) > maxEventLines {
				w.events = w.events[len(w.events)-maxEventLines:]
			}
		}
		w.dropped = msg.Dropped
		return w, w.waitFrame()

	case streamClosedMsg:
		return w, nil

	case spinner.TickMsg:
		if w.status != nil {
			return w, nil
		}
		var cmd tea.Cmd
		w.sp, cmd = w.sp.Update(msg)
		return w, cmd
	}
	return w, nil
}

func (w Watch) View() string {
	if w.status == nil && w.err == nil {
		return "\n  " + w.sp.View() + " connecting to daemon...\n"
	}

	var b strings.Builder
	b.WriteString(w.headerView())
	b.WriteString("\n")
	b.WriteString(w.sessionsView())
	b.WriteString("\n")
	b.WriteString(w.eventsView())
	b.WriteString("\n")
	b.WriteString(w.footerView())
	return b.String()
}

func (w Watch) headerView() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(w.th.Accent).Render(" agentmon")
	if w.err != nil {
		errStyle := lipgloss.NewStyle().Foreground(w.th.Red)
		return title + "  " + errStyle.Render(w.err.Error())
	}
	if w.status == nil {
		return title
	}

	muted := lipgloss.NewStyle().Foreground(w.th.TextMuted)
	uptime := cli.FormatDuration(time.Since(w.status.StartedAt))
	info := fmt.Sprintf("pid %d · up %s · %d live · %s events stored",
		w.status.PID, uptime, w.status.LiveSessions, cli.FormatNumber(w.status.StoredEvents))
	return title + "  " + muted.Render(info)
}

func (w Watch) sessionsView() string {
	border := lipgloss.NewStyle().Foreground(w.th.Border)
	head := lipgloss.NewStyle().Foreground(w.th.TextDim)
	sel := lipgloss.NewStyle().Foreground(w.th.TextPrimary).Bold(true)
	normal := lipgloss.NewStyle().Foreground(w.th.TextMuted)

	var b strings.Builder
	b.WriteString(border.Render(" ── sessions " + strings.Repeat("─", max(0, w.width-14))))
	b.WriteString("\n")
	b.WriteString(head.Render(fmt.Sprintf("  %-10s %-12s %-10s %-28s %10s %9s %12s",
		"ID", "AGENT", "STATUS", "PROJECT", "TOKENS", "COST", "ACTIVITY")))
	b.WriteString("\n")

	if len(w.sessions) == 0 {
		b.WriteString(normal.Render("  no sessions yet"))
		b.WriteString("\n")
		return b.String()
	}

	rows := w.sessionRowBudget()
	for i, s := range w.sessions {
		if i >= rows {
			b.WriteString(normal.Render(fmt.Sprintf("  ... %d more", len(w.sessions)-rows)))
			b.WriteString("\n")
			break
		}
		line := fmt.Sprintf("  %-10s %-12s %-10s %-28s %10s %9s %12s",
			shorten(s.ID, 8),
			s.Agent,
			s.Status,
			shorten(s.ProjectPath, 28),
			cli.FormatTokens(s.TokensInput+s.TokensOutput),
			cli.FormatCost(s.EstimatedCost),
			cli.FormatAgo(s.LastActivityAt))
		if i == w.selected {
			b.WriteString(sel.Render("▸" + line[1:]))
		} else {
			b.WriteString(statusStyle(w.th, s.Status).Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (w Watch) eventsView() string {
	border := lipgloss.NewStyle().Foreground(w.th.Border)
	dim := lipgloss.NewStyle().Foreground(w.th.TextDim)
	normal := lipgloss.NewStyle().Foreground(w.th.TextMuted)

	label := " ── events "
	if w.paused {
		label = " ── events (paused) "
	}
	var b strings.Builder
	b.WriteString(border.Render(label + strings.Repeat("─", max(0, w.width-len(label)-1))))
	b.WriteString("\n")

	if w.dropped > 0 {
		b.WriteString(dim.Render(fmt.Sprintf("  %d events dropped", w.dropped)))
		b.WriteString("\n")
	}
	if len(w.events) == 0 {
		b.WriteString(normal.Render("  waiting for activity..."))
		b.WriteString("\n")
		return b.String()
	}
	for _, ev := range w.events {
		line := fmt.Sprintf("  %s  %-10s %-16s %s",
			ev.Timestamp.Local().Format(time.TimeOnly),
			shorten(ev.SessionID, 8),
			ev.Type,
			eventDetail(ev))
		b.WriteString(normal.Render(shorten(line, max(20, w.width-2))))
		b.WriteString("\n")
	}
	return b.String()
}

func (w Watch) footerView() string {
	dim := lipgloss.NewStyle().Foreground(w.th.TextDim)
	return dim.Render("  q quit · r refresh · p pause stream · j/k select")
}

// sessionRowBudget bounds the table so the events pane stays visible.
func (w Watch) sessionRowBudget() int {
	budget := w.height - maxEventLines - 8
	if budget < 3 {
		budget = 3
	}
	return budget
}

func statusStyle(th theme.Theme, s model.SessionStatus) lipgloss.Style {
	switch s {
	case model.StatusActive:
		return lipgloss.NewStyle().Foreground(th.Green)
	case model.StatusIdle:
		return lipgloss.NewStyle().Foreground(th.Yellow)
	case model.StatusCrashed:
		return lipgloss.NewStyle().Foreground(th.Red)
	case model.StatusStarting:
		return lipgloss.NewStyle().Foreground(th.Blue)
	default:
		return lipgloss.NewStyle().Foreground(th.TextMuted)
	}
}

func eventDetail(ev *model.Event) string {
	switch {
	case ev.Tool != nil:
		return ev.Tool.Name
	case ev.File != nil:
		return ev.File.Operation + " " + ev.File.Path
	case ev.Error != nil:
		return ev.Error.Kind
	case ev.Lifecycle != nil:
		return string(ev.Lifecycle.From) + " -> " + string(ev.Lifecycle.To)
	case ev.Tokens != nil:
		return fmt.Sprintf("%s in / %s out",
			cli.FormatTokens(ev.Tokens.Input), cli.FormatTokens(ev.Tokens.Output))
	}
	return ""
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
