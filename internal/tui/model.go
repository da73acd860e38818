// Package tui is the terminal chat client: a transcript viewport over an input area, driven by a
// session controller.
package tui

import (
	"context"
	"errors"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/session"
	"github.com/MegaGrindStone/streamchat/internal/transcript"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Session is the controller surface the model drives. Its methods may block on the exchange lock, so
// the model only ever calls them from commands.
type Session interface {
	Submit(ctx context.Context, text string) error
	Cancel()
}

// TranscriptMsg carries a transcript snapshot into the program.
type TranscriptMsg []models.Message

// StateMsg reports a controller transition.
type StateMsg struct {
	From, To session.State
}

type submitResultMsg struct {
	err error
}

type quitMsg struct{}

// Model is the root Bubble Tea model of the chat client.
type Model struct {
	ctx     context.Context
	session Session

	viewport viewport.Model
	input    textarea.Model
	renderer *glamour.TermRenderer

	messages []models.Message
	state    session.State
	// busy is set on submit, before the controller reports Sending, so a second Enter is ignored.
	busy     bool
	lastErr  error
	width    int
	height   int
	ready    bool
	quitting bool
}

const (
	inputHeight  = 3
	footerHeight = 2
)

// New creates the model. ctx bounds every exchange started from it.
func New(ctx context.Context, s Session) Model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Prompt = "> "
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(inputHeight)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.Focus()

	return Model{
		ctx:     ctx,
		session: s,
		input:   ta,
	}
}

// Bind forwards store snapshots and controller transitions to p, and returns the function that stops
// forwarding snapshots.
func Bind(p *tea.Program, store *transcript.Store, c *session.Controller) func() {
	c.OnStateChange(func(from, to session.State) {
		p.Send(StateMsg{From: from, To: to})
	})
	return store.Subscribe(func(messages []models.Message) {
		p.Send(TranscriptMsg(messages))
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case TranscriptMsg:
		m.messages = msg
		m.refresh()
		return m, nil

	case StateMsg:
		m.state = msg.To
		if msg.To == session.Idle {
			m.busy = false
		}
		return m, nil

	case submitResultMsg:
		if msg.err != nil {
			if !errors.Is(msg.err, models.ErrStreamAlreadyActive) {
				m.lastErr = msg.err
			}
			m.busy = m.state != session.Idle
		}
		return m, nil

	case quitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		s := m.session
		return m, func() tea.Msg {
			s.Cancel()
			return quitMsg{}
		}

	case tea.KeyEsc:
		if !m.busy {
			return m, nil
		}
		s := m.session
		return m, func() tea.Msg {
			s.Cancel()
			return nil
		}

	case tea.KeyEnter:
		if !m.canSubmit() {
			return m, nil
		}
		text := m.input.Value()
		m.input.Reset()
		m.busy = true
		m.lastErr = nil

		ctx, s := m.ctx, m.session
		return m, func() tea.Msg {
			return submitResultMsg{err: s.Submit(ctx, text)}
		}

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) canSubmit() bool {
	return !m.busy && m.state == session.Idle && !isBlank(m.input.Value())
}

func (m *Model) layout() {
	h := m.height - inputHeight - footerHeight
	if h < 1 {
		h = 1
	}
	if !m.ready {
		m.viewport = viewport.New(m.width, h)
		m.ready = true
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = h
	}
	m.input.SetWidth(m.width)

	if r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(m.width-4, 20)),
	); err == nil {
		m.renderer = r
	}
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderTranscript())
	if atBottom || m.busy {
		m.viewport.GotoBottom()
	}
}
