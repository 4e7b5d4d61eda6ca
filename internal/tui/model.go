// Package tui is the terminal UI: the only channel through which humans
// answer agent questions. It keeps a small snapshot of display state and
// re-reads the store on every bus notification, every 2 s tick, and on
// demand — the snapshot is never written back.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/joestump/tinymem/internal/bus"
	"github.com/joestump/tinymem/internal/rendezvous"
	"github.com/joestump/tinymem/internal/store"
)

const (
	refreshInterval = 2 * time.Second
	queryTimeout    = 5 * time.Second
)

// Panes, in tab order.
const (
	paneQuestions = iota
	paneSessions
	paneChains
	paneArtifacts
	paneCount
)

type snapshot struct {
	questions []store.Question
	sessions  []store.Session
	chains    []store.ChainInfo
	artifacts []store.Artifact
}

type snapshotMsg snapshot
type tickMsg struct{}
type busMsg bus.Event
type errMsg struct{ err error }

// Model is the bubbletea model for the tinymem terminal.
type Model struct {
	store *store.Store
	rdv   *rendezvous.Rendezvous
	bus   *bus.Bus
	log   *zap.Logger
	ctx   context.Context

	snap   snapshot
	pane   int
	cursor [paneCount]int

	input       textinput.Model
	inputActive bool

	width  int
	height int
	lastErr error
}

// NewModel builds the initial model. ctx bounds the bus wait; cancel it to
// stop the background subscription when the program exits.
func NewModel(ctx context.Context, st *store.Store, rdv *rendezvous.Rendezvous, b *bus.Bus, log *zap.Logger) Model {
	if log == nil {
		log = zap.NewNop()
	}
	input := textinput.New()
	input.Placeholder = "type an answer, enter to send"
	input.CharLimit = 512
	return Model{
		store: st,
		rdv:   rdv,
		bus:   b,
		log:   log,
		ctx:   ctx,
		input: input,
	}
}

// Run starts the TUI and blocks until the user quits.
func Run(ctx context.Context, st *store.Store, rdv *rendezvous.Rendezvous, b *bus.Bus, log *zap.Logger) error {
	p := tea.NewProgram(NewModel(ctx, st, rdv, b, log), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd(), m.waitBusCmd())
}

// --- Commands ---

func (m Model) refreshCmd() tea.Cmd {
	st := m.store
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()

		var snap snapshot
		var err error
		if snap.questions, err = st.PendingQuestions(ctx); err != nil {
			return errMsg{err}
		}
		if snap.sessions, err = st.ActiveSessions(ctx); err != nil {
			return errMsg{err}
		}
		if snap.chains, err = st.ChainList(ctx); err != nil {
			return errMsg{err}
		}
		if snap.artifacts, err = st.ListArtifacts(ctx); err != nil {
			return errMsg{err}
		}
		return snapshotMsg(snap)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m Model) waitBusCmd() tea.Cmd {
	b, ctx := m.bus, m.ctx
	return func() tea.Msg {
		e, err := b.Next(ctx)
		if err != nil {
			return nil
		}
		return busMsg(e)
	}
}

func (m Model) deliverCmd(qid, answer string) tea.Cmd {
	rdv := m.rdv
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		if _, err := rdv.Deliver(ctx, qid, answer); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m Model) deleteCmd() tea.Cmd {
	st := m.store
	var kind, id string
	switch m.pane {
	case paneChains:
		if m.cursor[paneChains] < len(m.snap.chains) {
			kind, id = "chain", m.snap.chains[m.cursor[paneChains]].Name
		}
	case paneArtifacts:
		if m.cursor[paneArtifacts] < len(m.snap.artifacts) {
			kind, id = "artifact", m.snap.artifacts[m.cursor[paneArtifacts]].ID
		}
	}
	if id == "" {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		var err error
		if kind == "chain" {
			err = st.ChainDelete(ctx, id)
		} else {
			err = st.ArtifactDelete(ctx, id)
		}
		if err != nil {
			return errMsg{err}
		}
		return nil
	}
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case snapshotMsg:
		m.snap = snapshot(msg)
		m.lastErr = nil
		m.clampCursors()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case busMsg:
		// Incremental and resync events get the same treatment: one
		// authoritative re-read.
		return m, tea.Batch(m.refreshCmd(), m.waitBusCmd())

	case errMsg:
		m.lastErr = msg.err
		m.log.Error("tui refresh", zap.Error(msg.err))
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.inputActive {
		switch msg.Type {
		case tea.KeyEnter:
			answer := m.input.Value()
			m.inputActive = false
			m.input.Reset()
			if q, ok := m.selectedQuestion(); ok && answer != "" {
				return m, tea.Batch(m.deliverCmd(q.ID, answer), m.refreshCmd())
			}
			return m, nil
		case tea.KeyEsc:
			m.inputActive = false
			m.input.Reset()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.pane = (m.pane + 1) % paneCount
		return m, nil
	case "up", "k":
		if m.cursor[m.pane] > 0 {
			m.cursor[m.pane]--
		}
		return m, nil
	case "down", "j":
		if m.cursor[m.pane] < m.paneLen(m.pane)-1 {
			m.cursor[m.pane]++
		}
		return m, nil
	case "r":
		return m, m.refreshCmd()
	case "y":
		if q, ok := m.selectedQuestion(); ok {
			return m, tea.Batch(m.deliverCmd(q.ID, "yes"), m.refreshCmd())
		}
		return m, nil
	case "n":
		if q, ok := m.selectedQuestion(); ok {
			return m, tea.Batch(m.deliverCmd(q.ID, "no"), m.refreshCmd())
		}
		return m, nil
	case "e", "enter":
		if _, ok := m.selectedQuestion(); ok {
			m.inputActive = true
			m.input.Focus()
			return m, textinput.Blink
		}
		return m, nil
	case "d":
		if cmd := m.deleteCmd(); cmd != nil {
			return m, tea.Batch(cmd, m.refreshCmd())
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) clampCursors() {
	for pane := 0; pane < paneCount; pane++ {
		if n := m.paneLen(pane); m.cursor[pane] >= n {
			if n == 0 {
				m.cursor[pane] = 0
			} else {
				m.cursor[pane] = n - 1
			}
		}
	}
}

func (m Model) paneLen(pane int) int {
	switch pane {
	case paneQuestions:
		return len(m.snap.questions)
	case paneSessions:
		return len(m.snap.sessions)
	case paneChains:
		return len(m.snap.chains)
	case paneArtifacts:
		return len(m.snap.artifacts)
	}
	return 0
}

// selectedQuestion returns the highlighted pending question. Answer keys
// work from any pane; the questions cursor decides the target.
func (m Model) selectedQuestion() (store.Question, bool) {
	i := m.cursor[paneQuestions]
	if i < 0 || i >= len(m.snap.questions) {
		return store.Question{}, false
	}
	return m.snap.questions[i], true
}
