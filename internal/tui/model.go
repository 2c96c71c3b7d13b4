// Package tui renders a live view of an in-flight pipeline from the event
// bus: one line per stage with its attempt counter and final status, plus a
// run summary when the pipeline finishes.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/storyflowhq/storyflow/internal/events"
)

type stageState struct {
	name    string
	status  string // "", RUNNING, PASS, FAIL, SKIPPED, TIMEOUT
	attempt int
	max     int
	fixing  bool
	errText string
}

// Model is the root Bubble Tea model.
type Model struct {
	storyID  string
	eventSub <-chan events.Event
	spinner  spinner.Model

	order    []string
	stages   map[string]*stageState
	finished bool
	success  bool
	aborted  bool
	quitting bool
}

// New creates a model subscribed to all bus topics.
func New(bus *events.Bus, storyID string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		storyID:  storyID,
		eventSub: bus.SubscribeAll(256),
		spinner:  sp,
		stages:   make(map[string]*stageState),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.eventSub))
}

// waitForEvent bridges the bus channel into the Bubble Tea message loop.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return nil
		}
		return ev
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		if m.finished {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case events.Event:
		m.apply(msg)
		return m, waitForEvent(m.eventSub)
	}

	return m, nil
}

func (m *Model) apply(ev events.Event) {
	switch ev := ev.(type) {
	case events.StageStarted:
		m.stage(ev.Stage).status = "RUNNING"
	case events.StageAttempt:
		st := m.stage(ev.Stage)
		st.attempt = ev.Attempt
		st.max = ev.MaxAttempts
		st.fixing = false
	case events.StageFixSpawned:
		st := m.stage(ev.Stage)
		st.fixing = true
		st.errText = ev.Error
	case events.StageFinished:
		st := m.stage(ev.Stage)
		st.status = ev.Status
		st.fixing = false
		st.errText = ev.Error
	case events.PipelineFinished:
		m.finished = true
		m.success = ev.Success
		m.aborted = ev.Aborted
	}
}

func (m *Model) stage(name string) *stageState {
	st, ok := m.stages[name]
	if !ok {
		st = &stageState{name: name}
		m.stages[name] = st
		m.order = append(m.order, name)
	}
	return st
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(styleTitle.Render("storyflow: "+m.storyID) + "\n\n")

	for _, name := range m.order {
		st := m.stages[name]
		b.WriteString("  " + m.renderStage(st) + "\n")
	}

	b.WriteString("\n")
	switch {
	case m.finished && m.success:
		b.WriteString(stylePassed.Render("pipeline finished") + "\n")
	case m.finished && m.aborted:
		b.WriteString(styleFailed.Render("pipeline aborted") + "\n")
	case m.finished:
		b.WriteString(styleFailed.Render("pipeline failed") + "\n")
	default:
		b.WriteString(m.spinner.View() + " running\n")
	}
	b.WriteString(styleHelp.Render("q: quit"))
	return b.String()
}

func (m Model) renderStage(st *stageState) string {
	label := st.name
	if st.max > 1 && st.attempt > 0 {
		label = fmt.Sprintf("%s (attempt %d/%d)", st.name, st.attempt, st.max)
	}

	switch st.status {
	case "PASS", "SKIPPED":
		return stylePassed.Render("✓ ") + label + stylePending.Render(" "+strings.ToLower(st.status))
	case "FAIL", "TIMEOUT":
		line := styleFailed.Render("✗ ") + label + styleFailed.Render(" "+strings.ToLower(st.status))
		if st.errText != "" {
			line += stylePending.Render(" " + firstLine(st.errText))
		}
		return line
	case "RUNNING":
		if st.fixing {
			return m.spinner.View() + label + styleRunning.Render(" fixing")
		}
		return m.spinner.View() + label
	default:
		return stylePending.Render("· " + label)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
