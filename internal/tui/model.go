// Package tui renders download progress in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mohaanymo/m3u8keeper/internal/models"
)

// Messages
type (
	progressMsg models.ProgressEvent
	closedMsg   struct{}
	tickMsg     time.Time

	// DoneMsg ends the program with a result.
	DoneMsg struct{ Result *models.Result }
	// ErrorMsg ends the program with an error.
	ErrorMsg struct{ Err error }
)

// Stages shown in the checklist, in pipeline order.
var checklist = []models.Stage{
	models.StageParsing,
	models.StageDownloading,
	models.StageConverting,
	models.StageSaving,
}

// Model is the progress view for a single job.
type Model struct {
	url    string
	name   string
	events <-chan models.ProgressEvent

	width int
	frame int

	stage    models.Stage
	message  string
	current  int
	total    int
	fellBack bool
	reached  map[models.Stage]bool

	startTime time.Time
	result    *models.Result
	err       error
	quitting  bool
}

// NewModel creates a model fed by events. Send DoneMsg or ErrorMsg to finish.
func NewModel(url, name string, events <-chan models.ProgressEvent) *Model {
	return &Model{
		url:       url,
		name:      name,
		events:    events,
		width:     80,
		stage:     models.StageIdle,
		reached:   make(map[models.Stage]bool),
		startTime: time.Now(),
	}
}

// Result returns the finished result, if any.
func (m *Model) Result() *models.Result { return m.result }

// Err returns the job error, if any.
func (m *Model) Err() error { return m.err }

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.listenProgress(), tick())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case progressMsg:
		m.handleProgress(models.ProgressEvent(msg))
		return m, m.listenProgress()

	case closedMsg:
		return m, nil

	case tickMsg:
		m.frame++
		return m, tick()

	case DoneMsg:
		m.result = msg.Result
		m.stage = models.StageCompleted
		return m, tea.Quit

	case ErrorMsg:
		m.err = msg.Err
		m.stage = models.StageFailed
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) handleProgress(ev models.ProgressEvent) {
	if ev.Stage == models.StageDownloading && m.reached[models.StageConverting] {
		m.fellBack = true
	}

	m.stage = ev.Stage
	m.reached[ev.Stage] = true
	if ev.Message != "" {
		m.message = ev.Message
	}
	if ev.Stage == models.StageDownloading {
		m.current, m.total = ev.Current, ev.Total
	}
}

func (m *Model) View() string {
	w := clamp(m.width-4, 60, 100)

	var b strings.Builder
	b.WriteString(m.viewHeader(w))
	b.WriteString("\n\n")
	b.WriteString(m.viewContent(w))
	b.WriteString("\n")
	return b.String()
}

func (m *Model) viewHeader(w int) string {
	title := titleStyle.Render("m3u8keeper")
	name := labelStyle.Render("name:") + " " + textStyle.Render(m.name)
	url := labelStyle.Render("url:") + " " + dimStyle.Render(truncate(m.url, w-12))
	return headerStyle.Width(w).Render(title + "  " + name + "\n" + url)
}

func (m *Model) viewContent(w int) string {
	var b strings.Builder

	for _, st := range checklist {
		b.WriteString(m.renderStage(st))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderProgress(w - 6))
	b.WriteString("\n\n")
	b.WriteString(m.renderStats())
	b.WriteString("\n\n")
	b.WriteString(m.renderStatus())

	if !m.stage.Terminal() {
		b.WriteString("\n")
		b.WriteString(helpStyle.Render(keyHelpStyle.Render("q") + " quit  " + keyHelpStyle.Render("ctrl+c") + " cancel"))
	}

	return contentStyle.Width(w).Render(b.String())
}

func (m *Model) renderStage(st models.Stage) string {
	label := fmt.Sprintf("%-12s", st.String())
	switch {
	case st == m.stage && !m.stage.Terminal():
		return stageCurrent.Render(spinner[m.frame%len(spinner)] + " " + label)
	case m.reached[st]:
		return stageDone.Render("✓ " + label)
	default:
		return stagePending.Render("· " + label)
	}
}

func (m *Model) renderProgress(w int) string {
	pct := 0.0
	if m.total > 0 {
		pct = float64(m.current) / float64(m.total)
	}

	barWidth := clamp(w-24, 20, 80)
	filled := clamp(int(pct*float64(barWidth)), 0, barWidth)

	bar := progressActive.Render(strings.Repeat("█", filled)) +
		progressWait.Render(strings.Repeat("░", barWidth-filled))

	return bar + " " + statValueStyle.Render(fmt.Sprintf("%3.0f%%", pct*100)) +
		dimStyle.Render(fmt.Sprintf(" (%d/%d)", m.current, m.total))
}

func (m *Model) renderStats() string {
	elapsed := time.Since(m.startTime)

	stats := []struct {
		label string
		value string
	}{
		{"Elapsed", formatDuration(elapsed)},
		{"ETA", formatDuration(m.eta(elapsed))},
	}
	if m.result != nil {
		stats = append(stats, struct {
			label string
			value string
		}{"Size", formatBytes(m.result.Size)})
	}

	parts := make([]string, 0, len(stats))
	for _, s := range stats {
		parts = append(parts, statLabelStyle.Render(s.label+": ")+statValueStyle.Render(s.value))
	}
	return strings.Join(parts, "  ")
}

// eta extrapolates from the segment rate of the current pass.
func (m *Model) eta(elapsed time.Duration) time.Duration {
	if m.current == 0 || m.current >= m.total || m.stage != models.StageDownloading {
		return 0
	}
	perSegment := elapsed / time.Duration(m.current)
	return perSegment * time.Duration(m.total-m.current)
}

func (m *Model) renderStatus() string {
	switch {
	case m.err != nil:
		return errorStyle.Render(fmt.Sprintf("✗ error: %v", m.err))
	case m.result != nil:
		badge := mp4Badge.Render("MP4")
		if m.result.Format == models.FormatTS {
			badge = tsBadge.Render("TS")
		}
		line := badge + " " + successStyle.Render("✓ saved "+m.result.Location)
		if m.result.FellBack {
			line += "\n" + warningStyle.Render("conversion failed, kept the MPEG-TS stream")
		}
		return line
	case m.fellBack:
		return spinnerStyle.Render(spinner[m.frame%len(spinner)]) + warningStyle.Render(" "+m.message)
	default:
		return spinnerStyle.Render(spinner[m.frame%len(spinner)]) + dimStyle.Render(" "+strings.ToLower(m.message))
	}
}

func (m *Model) listenProgress() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return closedMsg{}
		}
		return progressMsg(ev)
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Helpers

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	mm := d / time.Minute
	d -= mm * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, mm, s)
	}
	if mm > 0 {
		return fmt.Sprintf("%dm%02ds", mm, s)
	}
	return fmt.Sprintf("%ds", s)
}
