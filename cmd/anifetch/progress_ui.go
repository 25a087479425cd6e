package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/lucasmonteiro/anifetch/internal/downloader"
	"github.com/lucasmonteiro/anifetch/internal/models"
)

type statesMsg []downloader.ProgressState

type doneMsg struct{ err error }

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// progressUI renders one bar per download task. Rendering is stateless
// (ViewAs), so the model only has to track the latest aggregator
// snapshot.
type progressUI struct {
	bar    progress.Model
	states []downloader.ProgressState
	cancel func()
	done   bool
	err    error
}

func newProgressUI(cancel func()) *progressUI {
	return &progressUI{
		bar:    progress.New(progress.WithDefaultGradient()),
		cancel: cancel,
	}
}

func (m *progressUI) Init() tea.Cmd {
	return tickCmd()
}

func (m *progressUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.cancel()
			return m, nil
		}
	case tickMsg:
		if m.done {
			return m, tea.Quit
		}
		return m, tickCmd()
	case statesMsg:
		m.states = msg
		sort.Slice(m.states, func(i, j int) bool { return m.states[i].TaskKey < m.states[j].TaskKey })
		return m, nil
	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func (m *progressUI) View() string {
	if len(m.states) == 0 {
		return "Preparing downloads...\n\nPress Ctrl+C to cancel\n"
	}

	var b strings.Builder
	for _, st := range m.states {
		b.WriteString(fmt.Sprintf("%s  [%s]\n", st.TaskKey, st.Status))
		b.WriteString(m.bar.ViewAs(st.Percent / 100))
		if st.Status == models.StatusDownloading {
			b.WriteString(fmt.Sprintf("  %s / %s  %s/s",
				humanBytes(st.Downloaded), humanBytes(st.Total), humanBytes(int64(st.Speed))))
		}
		b.WriteString("\n\n")
	}
	if !m.done {
		b.WriteString("Press Ctrl+C to cancel\n")
	}
	return b.String()
}
