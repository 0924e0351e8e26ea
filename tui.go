package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tomaslejdung/peepcam/pkg/peer"
)

// Messages
type viewerCountMsg int

type tickMsg time.Time

type sessionStateMsg struct {
	id    string
	state peer.SessionState
}

// restartNeededMsg is sent when the broadcaster asks for a fresh stream
type restartNeededMsg struct {
	reason error
}

// broadcastStartedMsg indicates the broadcast (re)started successfully
type broadcastStartedMsg struct{}

// broadcastErrorMsg indicates a start or restart failed
type broadcastErrorMsg struct {
	err error
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	codeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	viewerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	// Keybind styles
	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")) // Cyan for keys

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Dim separator

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("11")).
			Padding(0, 1)
)

// Model
type model struct {
	config Config
	ctx    context.Context
	bc     *broadcast

	// Broadcast state
	broadcasting bool
	starting     bool
	startTime    time.Time
	viewerCount  int
	sessions     []peer.SessionInfo
	lastError    string
	lastRestart  string
	restartTime  time.Time

	// Terminal dimensions
	width  int
	height int
}

func initialModel(ctx context.Context, config Config, bc *broadcast) model {
	return model{
		config:   config,
		ctx:      ctx,
		bc:       bc,
		starting: true,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.startCmd(),
		tickCmd(),
		tea.SetWindowTitle("peepcam - "+m.config.DeviceID),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) startCmd() tea.Cmd {
	bc, ctx := m.bc, m.ctx
	return func() tea.Msg {
		if err := bc.start(ctx); err != nil {
			return broadcastErrorMsg{err: err}
		}
		return broadcastStartedMsg{}
	}
}

func (m model) restartCmd(reason error) tea.Cmd {
	bc, ctx := m.bc, m.ctx
	return func() tea.Msg {
		if err := bc.restart(ctx, reason); err != nil {
			return broadcastErrorMsg{err: err}
		}
		return broadcastStartedMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case viewerCountMsg:
		m.viewerCount = int(msg)
		m.sessions = sortedSessions(m.bc.broadcaster.Sessions())
		return m, nil

	case sessionStateMsg:
		m.sessions = sortedSessions(m.bc.broadcaster.Sessions())
		return m, nil

	case broadcastStartedMsg:
		m.starting = false
		m.broadcasting = true
		m.startTime = time.Now()
		m.lastError = ""
		return m, nil

	case broadcastErrorMsg:
		m.starting = false
		m.broadcasting = false
		m.lastError = msg.err.Error()
		return m, nil

	case restartNeededMsg:
		// A restart is already running
		if m.starting {
			return m, nil
		}
		m.starting = true
		m.lastRestart = msg.reason.Error()
		m.restartTime = time.Now()
		return m, m.restartCmd(msg.reason)

	case tickMsg:
		if m.broadcasting {
			m.sessions = sortedSessions(m.bc.broadcaster.Sessions())
			m.viewerCount = m.bc.broadcaster.ViewerCount()
			if err := m.bc.broadcaster.Err(); err != nil {
				m.lastError = err.Error()
			}
		}
		// Clear the restart notice after a while
		if m.lastRestart != "" && time.Since(m.restartTime) > 10*time.Second {
			m.lastRestart = ""
		}
		return m, tickCmd()
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "r":
		if m.starting {
			return m, nil
		}
		m.starting = true
		m.broadcasting = false
		m.lastRestart = "restart requested"
		m.restartTime = time.Now()
		if m.bc.broadcaster.IsBroadcasting() {
			return m, m.restartCmd(errors.New("restart requested"))
		}
		return m, m.startCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	// Title
	b.WriteString(titleStyle.Render("peepcam"))
	b.WriteString(dimStyle.Render(" - P2P camera feed"))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")

	b.WriteString(boxStyle.Width(44).Render(
		viewerStyle.Render(fmt.Sprintf("Viewers (%d)", m.viewerCount)) + "\n" + m.renderViewerList(),
	))
	b.WriteString("\n")

	if m.lastRestart != "" {
		b.WriteString("\n")
		b.WriteString(statusStyle.Render("Restarted: " + m.lastRestart))
		b.WriteString("\n")
	}

	// Error message
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
		b.WriteString("\n")
	}

	// Help
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return b.String()
}

func (m model) renderStatus() string {
	var b strings.Builder

	switch {
	case m.starting:
		b.WriteString(dimStyle.Render("[STARTING]"))
	case m.broadcasting:
		b.WriteString(selectedStyle.Render("[LIVE]"))
	default:
		b.WriteString(errorStyle.Render("[STOPPED]"))
	}
	b.WriteString("  ")

	b.WriteString(statusStyle.Render("Device: "))
	b.WriteString(codeStyle.Render(m.config.DeviceID))
	b.WriteString("  ")

	if m.broadcasting {
		b.WriteString(statusStyle.Render("Up: "))
		b.WriteString(normalStyle.Render(formatDuration(time.Since(m.startTime))))
	}
	b.WriteString("\n")

	b.WriteString(statusStyle.Render("Mailbox: "))
	b.WriteString(normalStyle.Render(m.config.Mailbox))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render("Offers: "))
	b.WriteString(normalStyle.Render(m.config.Initiator))
	if n := m.bc.restartCount(); n > 0 {
		b.WriteString("  ")
		b.WriteString(statusStyle.Render("Restarts: "))
		b.WriteString(normalStyle.Render(fmt.Sprintf("%d", n)))
	}
	b.WriteString("\n")

	b.WriteString(statusStyle.Render("Sources: "))
	var sources []string
	if m.config.IVF != "" {
		sources = append(sources, m.config.IVF+" ("+m.config.Codec+")")
	}
	if m.config.Ogg != "" {
		sources = append(sources, m.config.Ogg+" (opus)")
	}
	b.WriteString(normalStyle.Render(strings.Join(sources, ", ")))

	return b.String()
}

func (m model) renderViewerList() string {
	var content strings.Builder

	if len(m.sessions) == 0 {
		content.WriteString(dimStyle.Render("Waiting..."))
		return content.String()
	}

	for _, s := range m.sessions {
		id := truncate(s.ID, 12)
		switch s.State {
		case peer.StateConnected:
			line := fmt.Sprintf("%s connected %s", id, formatDuration(time.Since(s.ConnectedAt)))
			content.WriteString(viewerStyle.Render(line))
		case peer.StateDisconnected:
			content.WriteString(errorStyle.Render(fmt.Sprintf("%s reconnecting...", id)))
		default:
			content.WriteString(dimStyle.Render(fmt.Sprintf("%s %s", id, s.State)))
		}
		content.WriteString("\n")
	}

	return strings.TrimSuffix(content.String(), "\n")
}

func (m model) renderHelp() string {
	sep := keySepStyle.Render("  ")

	var actions []string
	if !m.starting {
		actions = append(actions, keyStyle.Render("r")+helpStyle.Render(" restart"))
	}
	actions = append(actions, keyStyle.Render("q")+helpStyle.Render(" quit"))

	return strings.Join(actions, sep)
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// sortedSessions orders sessions with connected viewers first
func sortedSessions(in []peer.SessionInfo) []peer.SessionInfo {
	out := append([]peer.SessionInfo(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		ci := out[i].State == peer.StateConnected
		cj := out[j].State == peer.StateConnected
		return ci && !cj
	})
	return out
}

// RunTUI broadcasts with a status display until the user quits
func RunTUI(ctx context.Context, config Config) error {
	// Write logs to file instead of corrupting TUI display
	var logOut io.Writer = io.Discard
	logFile, err := os.Create("peepcam-debug.log")
	if err == nil {
		defer logFile.Close()
		logOut = logFile
		fmt.Fprintf(logFile, "=== peepcam started at %s ===\n", time.Now().Format(time.RFC3339))
	}
	lf := newLoggerFactory(logOut)

	mb, err := openMailbox(ctx, config, lf)
	if err != nil {
		return err
	}
	defer mb.Close()

	bc, err := newBroadcast(config, mb, lf)
	if err != nil {
		return err
	}

	p := tea.NewProgram(
		initialModel(ctx, config, bc),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	bc.broadcaster.OnViewerCountChange(func(count int) {
		p.Send(viewerCountMsg(count))
	})
	bc.broadcaster.OnSessionStateChange(func(id string, state peer.SessionState) {
		p.Send(sessionStateMsg{id: id, state: state})
	})
	bc.broadcaster.OnRestartNeeded(func(reason error) {
		p.Send(restartNeededMsg{reason: reason})
	})

	_, runErr := p.Run()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bc.stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Stop: %v\n", err)
	}

	if errors.Is(runErr, tea.ErrProgramKilled) {
		return nil
	}
	return runErr
}
