// Package dashboard is an interactive terminal view of a user's saved
// projects: the catalog list, storage use against the quota, and live
// change notifications from the project event feed.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/fyrsmithlabs/scratchsync/internal/catalog"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30

	defaultInterval = 30 * time.Second
	requestTimeout  = 30 * time.Second
)

// Catalog is the project list the dashboard drives. *catalog.Client
// satisfies it.
type Catalog interface {
	List(ctx context.Context) ([]catalog.Entry, error)
	LoadEntry(ctx context.Context, entry catalog.Entry) error
	DeleteEntry(ctx context.Context, entry catalog.Entry) error
}

// Config configures a Model.
type Config struct {
	// User is shown in the header.
	User string
	// QuotaBytes draws a storage bar when positive.
	QuotaBytes int64
	// Interval between automatic refreshes.
	Interval time.Duration
	// Events, when set, triggers a refresh for every project change.
	Events <-chan backend.ProjectEvent
}

// Model is the bubbletea model for the project dashboard.
type Model struct {
	catalog Catalog
	cfg     Config

	entries    []catalog.Entry
	cursor     int
	confirm    bool // delete of the selected entry awaits y/n
	status     string
	lastEvent  *backend.ProjectEvent
	lastUpdate time.Time
	err        error
	quitting   bool

	sizeHistory []float64
	quota       progress.Model
}

// Lipgloss styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("45"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard over c.
func NewModel(c Catalog, cfg Config) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return Model{
		catalog:     c,
		cfg:         cfg,
		sizeHistory: make([]float64, 0, historySize),
		quota: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(40),
		),
	}
}

// Message types
type tickMsg time.Time
type entriesMsg []catalog.Entry
type loadedMsg catalog.Entry
type deletedMsg catalog.Entry
type eventMsg backend.ProjectEvent
type errMsg error

// Init starts the refresh loop and, when configured, the event listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.cfg.Interval),
		fetchEntries(m.catalog),
		waitForEvent(m.cfg.Events),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchEntries(c Catalog) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		entries, err := c.List(ctx)
		if err != nil {
			return errMsg(err)
		}
		return entriesMsg(entries)
	}
}

func loadEntry(c Catalog, entry catalog.Entry) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := c.LoadEntry(ctx, entry); err != nil {
			return errMsg(err)
		}
		return loadedMsg(entry)
	}
}

func deleteEntry(c Catalog, entry catalog.Entry) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := c.DeleteEntry(ctx, entry); err != nil {
			return errMsg(err)
		}
		return deletedMsg(entry)
	}
}

// waitForEvent blocks for the next project change. It returns nil once
// the channel is closed, which ends the listener.
func waitForEvent(ch <-chan backend.ProjectEvent) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		return m, tea.Batch(tick(m.cfg.Interval), fetchEntries(m.catalog))

	case entriesMsg:
		m.entries = []catalog.Entry(msg)
		if m.cursor >= len(m.entries) {
			m.cursor = max(len(m.entries)-1, 0)
		}
		m.sizeHistory = appendToHistory(m.sizeHistory, float64(totalSize(m.entries)))
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case loadedMsg:
		m.status = fmt.Sprintf("Loaded %q", msg.Title)
		m.err = nil
		return m, nil

	case deletedMsg:
		m.status = fmt.Sprintf("Deleted %q", msg.Title)
		m.err = nil
		return m, fetchEntries(m.catalog)

	case eventMsg:
		ev := backend.ProjectEvent(msg)
		m.lastEvent = &ev
		return m, tea.Batch(fetchEntries(m.catalog), waitForEvent(m.cfg.Events))

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if m.confirm {
		m.confirm = false
		if key == "y" {
			if entry, ok := m.selected(); ok {
				m.status = fmt.Sprintf("Deleting %q...", entry.Title)
				return m, deleteEntry(m.catalog, entry)
			}
		}
		m.status = "Delete cancelled"
		return m, nil
	}

	switch key {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "r":
		return m, fetchEntries(m.catalog)
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.entries)-1 {
			m.cursor++
		}
	case "enter":
		if entry, ok := m.selected(); ok {
			m.status = fmt.Sprintf("Loading %q...", entry.Title)
			return m, loadEntry(m.catalog, entry)
		}
	case "d":
		if _, ok := m.selected(); ok {
			m.confirm = true
		}
	}
	return m, nil
}

func (m Model) selected() (catalog.Entry, bool) {
	if m.cursor < 0 || m.cursor >= len(m.entries) {
		return catalog.Entry{}, false
	}
	return m.entries[m.cursor], true
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	header := headerStyle.Render(" scratchsync Projects ")
	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(header + "\n")
	b.WriteString(dimStyle.Render("User: ") + valueStyle.Render(orNone(m.cfg.User)) +
		"   " + dimStyle.Render(lastUpdate) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Storage") + "\n")
	used := totalSize(m.entries)
	b.WriteString(labelStyle.Render("  Used: ") +
		valueStyle.Render(humanize.IBytes(uint64(used))) +
		dimStyle.Render(fmt.Sprintf(" in %d projects", len(m.entries))) +
		"   " + createSparkline(m.sizeHistory) + "\n")
	if m.cfg.QuotaBytes > 0 {
		pct := min(float64(used)/float64(m.cfg.QuotaBytes), 1.0)
		b.WriteString(labelStyle.Render("  Quota: ") +
			m.quota.ViewAs(pct) +
			" " + dimStyle.Render(fmt.Sprintf("%.0f%% of %s", pct*100, humanize.IBytes(uint64(m.cfg.QuotaBytes)))) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Projects") + "\n")
	if len(m.entries) == 0 {
		b.WriteString(dimStyle.Render("  No saved projects") + "\n")
	}
	for i, e := range m.entries {
		line := fmt.Sprintf("%-8d %-28s %10s  %s",
			e.FileID, truncate(e.Title, 28), humanize.IBytes(uint64(e.Size)), humanize.Time(e.CreatedAt))
		if i == m.cursor {
			b.WriteString("  " + selectedStyle.Render(line) + "\n")
		} else {
			b.WriteString("  " + line + "\n")
		}
	}

	if ev := m.lastEvent; ev != nil {
		b.WriteString("\n" + sectionStyle.Render("┃ Last Change") + "\n")
		b.WriteString(labelStyle.Render("  ") + valueStyle.Render(ev.Type) +
			dimStyle.Render(fmt.Sprintf(" project %d %s", ev.FileID, ev.Title)) + "\n")
	}

	b.WriteString("\n")
	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render("✗ "+m.err.Error()) + "\n")
	case m.confirm:
		entry, _ := m.selected()
		b.WriteString(warningStyle.Render(fmt.Sprintf("Delete %q? [y/n]", entry.Title)) + "\n")
	case m.status != "":
		b.WriteString(dimStyle.Render(m.status) + "\n")
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[enter]") + footerStyle.Render(" load  ") +
		footerKeyStyle.Render("[d]") + footerStyle.Render(" delete  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.cfg.Interval))
	b.WriteString(footer)

	return containerStyle.Render(b.String())
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

func totalSize(entries []catalog.Entry) int64 {
	var n int64
	for _, e := range entries {
		n += e.Size
	}
	return n
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orNone(s string) string {
	if s == "" {
		return "not signed in"
	}
	return s
}
