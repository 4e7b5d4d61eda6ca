package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	paneStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

const maxRows = 8

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("tinymem"))
	b.WriteString(dimStyle.Render("  q quit · tab pane · y/n answer · e free-form · d delete · r refresh"))
	b.WriteString("\n\n")

	b.WriteString(m.renderQuestions())
	b.WriteString(m.renderSessions())
	b.WriteString(m.renderChains())
	b.WriteString(m.renderArtifacts())

	if m.inputActive {
		b.WriteString("\n")
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	if m.lastErr != nil {
		b.WriteString("\n")
		b.WriteString(errStyle.Render("error: " + m.lastErr.Error()))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) paneTitle(pane int, label string, n int) string {
	title := fmt.Sprintf("%s (%d)", label, n)
	if m.pane == pane {
		return paneStyle.Render("▸ " + title)
	}
	return dimStyle.Render("  " + title)
}

func (m Model) row(pane, i int, text string) string {
	if m.pane == pane && m.cursor[pane] == i {
		return "  " + selStyle.Render(text) + "\n"
	}
	return "  " + text + "\n"
}

func (m Model) renderQuestions() string {
	var b strings.Builder
	b.WriteString(m.paneTitle(paneQuestions, "pending questions", len(m.snap.questions)))
	b.WriteString("\n")
	if len(m.snap.questions) == 0 {
		b.WriteString(dimStyle.Render("  none — agents are on their own\n"))
	}
	for i, q := range m.snap.questions {
		if i >= maxRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more\n", len(m.snap.questions)-maxRows)))
			break
		}
		age := time.Since(time.UnixMilli(q.CreatedAt)).Truncate(time.Second)
		b.WriteString(m.row(paneQuestions, i, fmt.Sprintf("[%s] %s  %s", shortID(q.SessionID), truncate(q.Question, 80), dimStyle.Render(age.String()))))
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderSessions() string {
	var b strings.Builder
	b.WriteString(m.paneTitle(paneSessions, "active sessions", len(m.snap.sessions)))
	b.WriteString("\n")
	for i, s := range m.snap.sessions {
		if i >= maxRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more\n", len(m.snap.sessions)-maxRows)))
			break
		}
		label := s.Name
		if label == "" {
			label = s.Cwd
		}
		b.WriteString(m.row(paneSessions, i, fmt.Sprintf("%s  %s  %s", shortID(s.ID), s.Agent, truncate(label, 60))))
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderChains() string {
	var b strings.Builder
	b.WriteString(m.paneTitle(paneChains, "chains", len(m.snap.chains)))
	b.WriteString("\n")
	for i, c := range m.snap.chains {
		if i >= maxRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more\n", len(m.snap.chains)-maxRows)))
			break
		}
		b.WriteString(m.row(paneChains, i, fmt.Sprintf("%s  %d links", c.Name, c.LinkCount)))
	}
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderArtifacts() string {
	var b strings.Builder
	b.WriteString(m.paneTitle(paneArtifacts, "artifacts", len(m.snap.artifacts)))
	b.WriteString("\n")
	for i, a := range m.snap.artifacts {
		if i >= maxRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more\n", len(m.snap.artifacts)-maxRows)))
			break
		}
		title := a.Title
		if title == "" {
			title = a.FilePath
		}
		b.WriteString(m.row(paneArtifacts, i, fmt.Sprintf("%s  %s  %s", a.ID, truncate(title, 50), humanSize(a.SizeBytes))))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
