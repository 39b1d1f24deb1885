package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// maxStatusLines caps the status log; a batch of calls adds one line each.
const maxStatusLines = 12

// tickMsg is fired every second to update the countdown timer.
type tickMsg time.Time

// phase is what the session client is busy with.
type phase int

const (
	phaseStarting phase = iota
	phaseRefreshing
	phaseAuthorizing
	phasePolling
	phaseCalling
	phaseDone
	phaseFailed
)

// deviceCode is the sign-in prompt shown during the device flow.
type deviceCode struct {
	userCode          string
	verifyURI         string
	verifyURIComplete string
	expiry            time.Time
	remaining         time.Duration
}

// batch tracks one round of concurrent API calls.
type batch struct {
	total  int
	ok     int
	failed int
}

func (b batch) settled() int { return b.ok + b.failed }

// bar renders the batch as one cell per call.
func (b batch) bar() string {
	var s strings.Builder
	s.WriteString(styleOK.Render(strings.Repeat("■", b.ok)))
	s.WriteString(styleErr.Render(strings.Repeat("■", b.failed)))
	s.WriteString(styleDim.Render(strings.Repeat("□", max(b.total-b.settled(), 0))))
	return s.String()
}

type statusKind int

const (
	statusOK statusKind = iota
	statusWarn
	statusInfo
)

type statusLine struct {
	kind statusKind
	text string
}

// statusLog keeps the most recent status lines.
type statusLog struct {
	lines   []statusLine
	dropped int
}

func (l *statusLog) add(kind statusKind, format string, args ...any) {
	l.lines = append(l.lines, statusLine{kind: kind, text: fmt.Sprintf(format, args...)})
	if over := len(l.lines) - maxStatusLines; over > 0 {
		l.lines = append([]statusLine(nil), l.lines[over:]...)
		l.dropped += over
	}
}

func (l statusLog) view() string {
	if len(l.lines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")
	if l.dropped > 0 {
		b.WriteString(styleDim.Render(fmt.Sprintf("  … %d earlier", l.dropped)))
		b.WriteString("\n")
	}
	for _, line := range l.lines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Model is the BubbleTea model of the session client.
type Model struct {
	phase   phase
	spinner spinner.Model

	// resume is the phase to return to once a refresh cycle settles.
	resume phase

	code    deviceCode
	calls   batch
	summary Summary
	errMsg  string
	log     statusLog
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleCodeBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 2)

	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold  = lipgloss.NewStyle().Bold(true)
	styleLabel = styleBold.Width(14)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	return Model{
		phase: phaseStarting,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
		),
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.code.remaining = max(time.Until(m.code.expiry), 0)
		if m.code.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil
	}

	return m.apply(msg)
}

// apply handles the messages sent by ProgramDisplayer.
func (m Model) apply(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case MsgTokensFound:
		if msg.IdentityID == "" {
			m.log.add(statusOK, "Found existing session")
		} else {
			m.log.add(statusOK, "Found existing session for %s", msg.IdentityID)
		}
	case MsgTokenValid:
		m.log.add(statusOK, "Access token is still valid")
	case MsgTokenExpired:
		m.log.add(statusWarn, "Access token expired, will refresh on first use")
	case MsgTokensNotFound:
		m.log.add(statusInfo, "No existing session, starting device flow")

	// Refresh cycles interrupt whatever was running.
	case MsgRefreshing:
		if m.phase != phaseRefreshing {
			m.resume = m.phase
		}
		m.phase = phaseRefreshing
		m.log.add(statusWarn, "Access token rejected (401), refreshing...")
	case MsgRefreshOK:
		m.phase = m.resume
		m.log.add(statusOK, "Token refreshed, replaying requests")
	case MsgRefreshFailed:
		m.phase = m.resume
		m.log.add(statusWarn, "Refresh failed: %v", msg.Err)
	case MsgSessionExpired:
		m.log.add(statusWarn, "Session ended: %v", msg.Cause)

	case MsgDeviceCodeReady:
		m.code = deviceCode{
			userCode:          msg.UserCode,
			verifyURI:         msg.VerifyURI,
			verifyURIComplete: msg.VerifyURIComplete,
			expiry:            msg.Expiry,
			remaining:         time.Until(msg.Expiry),
		}
		m.phase = phaseAuthorizing
		m.log.add(statusInfo, "Device code ready")
		return m, tickAfterSecond()
	case MsgWaitingForAuth:
		m.phase = phasePolling
	case MsgPollSlowDown:
		m.log.add(statusWarn, "Server requested slower polling (%s)", msg.NewInterval)
	case MsgAuthSuccess:
		m.phase = phaseStarting
		m.log.add(statusOK, "Authorization successful!")
	case MsgTokenSaved:
		m.log.add(statusOK, "Tokens saved to %s", msg.Where)
	case MsgReAuthRequired:
		m.phase = phaseStarting
		m.log.add(statusWarn, "Session expired, re-authenticating...")

	case MsgCallingAPI:
		m.calls = batch{total: msg.Calls}
		m.phase = phaseCalling
		m.log.add(statusInfo, "Sending %d concurrent API calls", msg.Calls)
	case MsgAPICallOK:
		m.calls.ok++
		m.log.add(statusOK, "API call #%d successful", msg.Index+1)
	case MsgAPICallFailed:
		m.calls.failed++
		m.log.add(statusWarn, "API call #%d failed: %v", msg.Index+1, msg.Err)

	case MsgDone:
		m.summary = msg.Summary
		m.phase = phaseDone
	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.phase = phaseFailed
	}

	return m, nil
}

func (m Model) View() tea.View {
	var body string
	switch m.phase {
	case phaseDone:
		body = m.viewSummary()
	case phaseFailed:
		body = "\n" + styleErr.Render("  ✗ Session failed") + "\n\n" + styleDim.Render("  "+m.errMsg) + "\n"
	default:
		body = m.viewProgress()
	}
	return tea.NewView(body + m.log.view())
}

// viewProgress renders the current phase while the client is working.
func (m Model) viewProgress() string {
	var b strings.Builder
	b.WriteString("\n" + styleTitleBox.Render("  AuthGate Session Client  ") + "\n\n")

	switch m.phase {
	case phaseAuthorizing, phasePolling:
		b.WriteString(m.viewDeviceCode())
	case phaseRefreshing:
		fmt.Fprintf(&b, "%s Refreshing access token...\n", m.spinner.View())
	case phaseCalling:
		fmt.Fprintf(&b, "%s Calling API %s %d/%d\n", m.spinner.View(), m.calls.bar(), m.calls.settled(), m.calls.total)
	default:
		fmt.Fprintf(&b, "%s Starting...\n", m.spinner.View())
	}
	return b.String()
}

func (m Model) viewDeviceCode() string {
	var b strings.Builder
	b.WriteString(styleBold.Render("Open this link to authorize:") + "\n")
	b.WriteString(m.code.verifyURIComplete + "\n\n")
	b.WriteString(styleDim.Render("Or visit "+m.code.verifyURI+" and enter:") + "\n\n")
	b.WriteString(styleCodeBox.Render("  "+m.code.userCode+"  ") + "\n\n")

	b.WriteString(m.spinner.View() + " Waiting for authorization...")
	if m.code.remaining > 0 {
		b.WriteString("  " + styleDim.Render(formatDuration(m.code.remaining)+" remaining"))
	}
	b.WriteString("\n")
	return b.String()
}

// viewSummary is shown once the calls completed.
func (m Model) viewSummary() string {
	s := m.summary

	var b strings.Builder
	b.WriteString("\n" + styleOK.Render("  ✓ Session active") + "\n\n")

	field := func(label, value string) {
		b.WriteString(styleLabel.Render(label) + value + "\n")
	}
	field("Access Token:", s.Preview+"...")
	if s.IdentityID != "" {
		field("Identity:", s.IdentityID)
	}
	field("Expires In:", formatDuration(s.ExpiresIn))

	b.WriteString(styleDim.Render(fmt.Sprintf(
		"Requests: %d  Refreshes: %d  Replays: %d  Terminations: %d",
		s.Requests, s.Refreshes, s.Replays, s.Terminations,
	)) + "\n")
	return b.String()
}

func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}
