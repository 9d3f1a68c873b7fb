// Package spectator renders a live contest in the terminal.
package spectator

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lox/coinflip/internal/contest"
)

// StateMsg carries a contest_state snapshot into the program.
type StateMsg contest.View

// RejectedMsg reports a refused request, such as watching an unknown contest.
type RejectedMsg struct {
	Code    string
	Message string
}

// DisconnectedMsg is sent when the server connection drops.
type DisconnectedMsg struct{}

// Model is the spectator screen: a status pane over a scrolling round log.
type Model struct {
	contestID string
	history   int
	now       func() time.Time

	view    contest.View
	hasView bool
	lastLog int
	rounds  []string
	status  string
	err     string

	log      viewport.Model
	width    int
	height   int
	quitting bool
}

// NewModel creates a model watching contestID, keeping at most history
// round lines.
func NewModel(contestID string, history int) *Model {
	vp := viewport.New(10, 5)
	return &Model{
		contestID: contestID,
		history:   history,
		now:       time.Now,
		log:       vp,
		status:    "Connecting...",
	}
}

func (m *Model) Init() tea.Cmd { return nil }

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case StateMsg:
		m.apply(contest.View(msg))

	case RejectedMsg:
		m.err = fmt.Sprintf("%s: %s", msg.Code, msg.Message)

	case DisconnectedMsg:
		m.err = "disconnected from server"
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

// apply takes a snapshot, ignoring any older than the one on screen.
func (m *Model) apply(v contest.View) {
	if m.hasView && v.Version < m.view.Version {
		return
	}
	m.view, m.hasView = v, true
	m.status = describe(v)

	if r := v.LastRound; r != nil && r.Number > m.lastLog {
		m.lastLog = r.Number
		m.rounds = append(m.rounds, FormatRound(*r))
		if m.history > 0 && len(m.rounds) > m.history {
			m.rounds = m.rounds[len(m.rounds)-m.history:]
		}
		m.log.SetContent(strings.Join(m.rounds, "\n"))
		m.log.GotoBottom()
	}
}

func (m *Model) resize() {
	w := max(m.width-2, 1)
	h := max(m.height-lipgloss.Height(m.renderStatus())-4, 1)
	m.log.Width, m.log.Height = w, h
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	m.resize()
	header := HeaderStyle.Width(m.width).Render("coinflip · " + m.contestID)
	status := m.renderStatus()
	logPane := PaneStyle.Width(m.width - 2).Render(m.log.View())
	return lipgloss.JoinVertical(lipgloss.Left, header, status, logPane)
}

func (m *Model) renderStatus() string {
	var b strings.Builder
	b.WriteString(m.status)
	b.WriteString("\n")
	if m.hasView {
		for _, p := range m.view.Participants {
			b.WriteString(m.renderParticipant(p))
			b.WriteString("\n")
		}
		if m.view.TurnDeadline != nil && m.view.Phase == contest.PhaseChoosing {
			left := m.view.TurnDeadline.Sub(m.now()).Round(time.Second)
			b.WriteString(InfoStyle.Render(fmt.Sprintf("turn ends in %s", max(left, 0))))
			b.WriteString("\n")
		}
	}
	if m.err != "" {
		b.WriteString(ErrorStyle.Render(m.err))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) renderParticipant(p contest.ParticipantView) string {
	line := fmt.Sprintf("  %-20s wins %d", p.Address, p.Wins)
	if p.Locked {
		line += "  locked"
	}
	if p.Released {
		line += "  released"
	}
	switch {
	case p.Eliminated:
		return EliminatedStyle.Render(line)
	case m.view.Winner == p.Address:
		return WinnerStyle.Render(line + "  winner")
	case m.view.CurrentTurn == p.Address:
		return TurnStyle.Render(line + "  ◀ choosing")
	default:
		return line
	}
}

// describe is the one-line summary of a snapshot.
func describe(v contest.View) string {
	switch v.Phase {
	case contest.PhaseWaiting:
		return WarningStyle.Render(fmt.Sprintf("%s: waiting for players (%d/%d)", v.Variant, len(v.Participants), v.Capacity))
	case contest.PhaseChoosing:
		return fmt.Sprintf("%s: round %d, %s to choose", v.Variant, v.Round, v.CurrentTurn)
	case contest.PhaseRoundActive:
		if v.ChargeDeadline != nil {
			return TurnStyle.Render(fmt.Sprintf("%s: round %d, charging until %s", v.Variant, v.Round, v.ChargeDeadline.Format("15:04:05")))
		}
		return TurnStyle.Render(fmt.Sprintf("%s: round %d, flipping...", v.Variant, v.Round))
	case contest.PhaseCompleted:
		s := fmt.Sprintf("%s: %s wins", v.Variant, v.Winner)
		switch {
		case v.Settlement == contest.SettlementConfirmed:
			s += fmt.Sprintf(" (settled %s)", v.TxRef)
		case v.PendingSettlement:
			s += fmt.Sprintf(" (settlement %s)", v.Settlement)
		}
		return WinnerStyle.Render(s)
	case contest.PhaseCancelled:
		return ErrorStyle.Render(fmt.Sprintf("%s: cancelled (%s)", v.Variant, v.CancelReason))
	default:
		return string(v.Phase)
	}
}

// FormatRound renders a resolved round as one log line.
func FormatRound(r contest.Round) string {
	var calls []string
	for _, in := range r.Inputs {
		switch {
		case in.Forfeited:
			calls = append(calls, in.Address+" forfeited")
		default:
			calls = append(calls, fmt.Sprintf("%s %s@%d", in.Address, in.Side, in.Power))
		}
	}
	line := fmt.Sprintf("round %d: %s", r.Number, strings.Join(calls, ", "))
	switch {
	case r.Draw:
		line += " → draw, replaying"
	case r.Forfeit:
		line += fmt.Sprintf(" → forfeit, %s advances", strings.Join(r.Winners, ", "))
	default:
		line += fmt.Sprintf(" → %s, %s", r.Outcome, strings.Join(r.Winners, ", "))
	}
	if len(r.Eliminated) > 0 {
		line += fmt.Sprintf(" (out: %s)", strings.Join(r.Eliminated, ", "))
	}
	return line
}
