package tui

import (
	"fmt"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/session"
	"github.com/charmbracelet/lipgloss"
)

var (
	userLabel      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failedMarker   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle    = lipgloss.NewStyle().Faint(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

const streamingCursor = "▍"

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "  Initializing..."
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		m.input.View(),
		m.statusLine(),
	)
}

func (m Model) statusLine() string {
	if m.lastErr != nil {
		return errorStyle.Render("error: " + m.lastErr.Error())
	}
	switch {
	case m.busy && m.state == session.Streaming:
		return statusStyle.Render("streaming... esc to cancel, ctrl+c to quit")
	case m.busy:
		return statusStyle.Render("waiting for reply... esc to cancel, ctrl+c to quit")
	default:
		return statusStyle.Render("enter to send, pgup/pgdn to scroll, ctrl+c to quit")
	}
}

func (m Model) renderTranscript() string {
	var sb strings.Builder
	for i, msg := range m.messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch msg.Role {
		case models.RoleUser:
			sb.WriteString(userLabel.Render("You"))
			sb.WriteString("\n")
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		case models.RoleAssistant:
			sb.WriteString(assistantLabel.Render("Assistant"))
			sb.WriteString("\n")
			sb.WriteString(m.renderAssistant(msg))
		}
	}
	return sb.String()
}

func (m Model) renderAssistant(msg models.Message) string {
	content := msg.Content
	if msg.Status != models.StatusStreaming && m.renderer != nil && content != "" {
		if out, err := m.renderer.Render(content); err == nil {
			content = strings.TrimRight(out, "\n")
		}
	}

	switch msg.Status {
	case models.StatusStreaming:
		return content + streamingCursor + "\n"
	case models.StatusFailed:
		return content + "\n" + failedMarker.Render(failureLabel(msg.Reason)) + "\n"
	default:
		return content + "\n"
	}
}

func failureLabel(reason models.FailureReason) string {
	switch reason {
	case models.ReasonCancelled:
		return "✗ cancelled"
	case "":
		return "✗ failed"
	default:
		return fmt.Sprintf("✗ failed (%s)", reason)
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
