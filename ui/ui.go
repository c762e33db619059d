package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"healthguard/voice"
)

const WaitingText = "Waiting for audio input..."

var (
	indigo  = lipgloss.Color("#4F46E5")
	emerald = lipgloss.Color("#10B981")
	slate   = lipgloss.Color("#64748B")
	light   = lipgloss.Color("#FFFDF5")

	statusStyle    = lipgloss.NewStyle().Foreground(slate).Italic(true)
	assistantStyle = lipgloss.NewStyle().Bold(true)
	userStyle      = lipgloss.NewStyle().Foreground(slate)
	reasonStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Session is the part of voice.Manager the UI drives.
type Session interface {
	Snapshot() voice.Snapshot
	Updates() <-chan voice.Snapshot
	ToggleListening()
	SubmitText(text string)
	Shutdown()
}

// Keyboard receives typed utterances while the fallback engine listens
// through the keyboard recognizer.
type Keyboard interface {
	Active() bool
	Type(text string) bool
	Submit(text string) bool
}

type snapshotMsg voice.Snapshot

type shutdownMsg struct{}

type Model struct {
	session  Session
	keyboard Keyboard

	snap     voice.Snapshot
	input    textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	ready    bool
	quitting bool
}

// New builds the UI model. keyboard may be nil when speech recognition
// uses the microphone.
func New(session Session, keyboard Keyboard) Model {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.Prompt = "› "
	input.CharLimit = 500
	input.Focus()

	return Model{
		session:  session,
		keyboard: keyboard,
		snap:     session.Snapshot(),
		input:    input,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForSnapshot(m.session.Updates()),
		m.spinner.Tick,
		textinput.Blink,
	)
}

func waitForSnapshot(updates <-chan voice.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return shutdownMsg{}
		}
		return snapshotMsg(snap)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m.quit()
		case "q":
			if m.input.Value() == "" {
				return m.quit()
			}
		case " ":
			if m.input.Value() == "" {
				m.session.ToggleListening()
				return m, nil
			}
		case "enter":
			m.submit()
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		if m.keyboard != nil && m.keyboard.Active() {
			m.keyboard.Type(m.input.Value())
		}
		return m, tea.Batch(cmds...)

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		height := max(1, msg.Height-headerHeight-footerHeight)

		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.input.Width = max(10, msg.Width-4)
		m.viewport.SetContent(m.transcriptView())

	case snapshotMsg:
		m.snap = voice.Snapshot(msg)
		if m.ready {
			m.viewport.SetContent(m.transcriptView())
			m.viewport.GotoBottom()
		}
		if !m.quitting {
			cmds = append(cmds, waitForSnapshot(m.session.Updates()))
		}

	case shutdownMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.quitting {
		return m, nil
	}
	m.quitting = true
	session := m.session
	return m, func() tea.Msg {
		session.Shutdown()
		return shutdownMsg{}
	}
}

func (m *Model) submit() {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return
	}
	m.input.Reset()
	if m.keyboard != nil && m.keyboard.Submit(text) {
		return
	}
	m.session.SubmitText(text)
}

func (m Model) View() string {
	if m.quitting {
		return "\n  Ending session...\n"
	}
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf("%s\n%s\n%s", m.headerView(), m.viewport.View(), m.footerView())
}

// ModeTitle is the header label for a session mode.
func ModeTitle(mode voice.Mode) string {
	switch mode {
	case voice.ModeLive:
		return "Live Multimodal"
	case voice.ModeFallback:
		return "Voice Concierge"
	case voice.ModeClosed:
		return "Session Ended"
	default:
		return "Connecting..."
	}
}

func modeColor(mode voice.Mode) lipgloss.Color {
	switch mode {
	case voice.ModeLive:
		return indigo
	case voice.ModeFallback:
		return emerald
	default:
		return slate
	}
}

func (m Model) headerView() string {
	title := lipgloss.NewStyle().
		Foreground(light).
		Background(modeColor(m.snap.Mode)).
		Padding(0, 1).
		Render("HealthGuard · " + ModeTitle(m.snap.Mode))
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(title)))
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, line)

	status := statusStyle.Render(m.snap.Status)
	if m.snap.FailoverReason != "" {
		status += "  " + reasonStyle.Render("("+m.snap.FailoverReason+")")
	}
	return header + "\n" + status
}

func (m Model) footerView() string {
	var mic string
	if m.snap.Listening {
		mic = lipgloss.NewStyle().Foreground(modeColor(m.snap.Mode)).
			Render(m.spinner.View() + " Listening")
	} else {
		mic = helpStyle.Render("○ Muted")
	}
	help := helpStyle.Render("space: mic · enter: send · q: quit")
	return mic + "  " + help + "\n" + m.input.View()
}

// TranscriptText picks what the transcript pane shows: the assistant's
// words when there are any, otherwise the user's.
func TranscriptText(snap voice.Snapshot) string {
	switch {
	case snap.AssistantTranscript != "":
		return snap.AssistantTranscript
	case snap.UserTranscript != "":
		return snap.UserTranscript
	default:
		return WaitingText
	}
}

func (m Model) transcriptView() string {
	width := max(20, m.viewport.Width-2)
	text := TranscriptText(m.snap)

	var style lipgloss.Style
	switch text {
	case m.snap.AssistantTranscript:
		style = assistantStyle
	case m.snap.UserTranscript:
		style = userStyle
	default:
		style = helpStyle
	}

	var b strings.Builder
	if m.snap.AssistantTranscript != "" && m.snap.UserTranscript != "" {
		b.WriteString(userStyle.Width(width).Render("You: " + m.snap.UserTranscript))
		b.WriteString("\n\n")
	}
	b.WriteString(style.Width(width).Render(text))
	return b.String()
}
