// Package tui renders a live progress view of one import session.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"import-desk/manager"
	"import-desk/session"
)

const (
	DefaultInterval = time.Second
	fetchTimeout    = 5 * time.Second
	maxErrorLines   = 5
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	progressStyle = lipgloss.NewStyle().Padding(0, 1)
	statusStyle   = map[session.Status]lipgloss.Style{
		session.StatusReady:    lipgloss.NewStyle().Foreground(lipgloss.Color("248")),
		session.StatusRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		session.StatusPaused:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		session.StatusStopped:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		session.StatusFinished: lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		session.StatusError:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Fetcher returns the current view of the watched session.
type Fetcher func(ctx context.Context) (manager.StatusView, error)

// ManagerFetcher reads the session from an in-process manager.
func ManagerFetcher(m *manager.Manager, id string) Fetcher {
	return func(context.Context) (manager.StatusView, error) {
		return m.Status(id)
	}
}

// HTTPFetcher polls GET /status/{id} on a running daemon.
func HTTPFetcher(client *http.Client, baseURL, id string) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	target := strings.TrimRight(baseURL, "/") + "/status/" + url.PathEscape(id)
	return func(ctx context.Context) (manager.StatusView, error) {
		var view manager.StatusView
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return view, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return view, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			var body struct {
				Error string `json:"error"`
			}
			if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
				return view, fmt.Errorf("status %s: %s", resp.Status, body.Error)
			}
			return view, fmt.Errorf("status %s", resp.Status)
		}
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return view, fmt.Errorf("failed to decode status: %w", err)
		}
		return view, nil
	}
}

type statusMsg struct {
	view manager.StatusView
	err  error
}

type pollMsg struct{}

// Model is the Bubble Tea model of the watch view. It polls until the
// session reaches a terminal status, then quits.
type Model struct {
	id       string
	fetch    Fetcher
	interval time.Duration

	spinner  spinner.Model
	progress progress.Model
	width    int

	view     manager.StatusView
	seen     bool
	err      error
	done     bool
	quitting bool
}

// New returns a model watching session id.
func New(id string, fetch Fetcher, interval time.Duration) *Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &Model{
		id:       id,
		fetch:    fetch,
		interval: interval,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

// Final returns the last status seen and whether any was.
func (m *Model) Final() (manager.StatusView, bool) {
	return m.view, m.seen
}

// Err returns the last fetch error.
func (m *Model) Err() error {
	return m.err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchCmd())
}

func (m *Model) fetchCmd() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		view, err := fetch(ctx)
		return statusMsg{view: view, err: err}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" || msg.Type == tea.KeyEsc {
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = max(10, msg.Width-20)
	case statusMsg:
		m.err = msg.err
		next := tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
		if msg.err != nil {
			return m, next
		}
		m.view = msg.view
		m.seen = true
		cmd := m.progress.SetPercent(percent(msg.view))
		if msg.view.Status.Terminal() {
			m.done = true
			return m, tea.Sequence(cmd, tea.Quit)
		}
		return m, tea.Batch(cmd, next)
	case pollMsg:
		return m, m.fetchCmd()
	case spinner.TickMsg:
		if !m.done {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	case progress.FrameMsg:
		model, cmd := m.progress.Update(msg)
		if p, ok := model.(progress.Model); ok {
			m.progress = p
		}
		return m, cmd
	}
	return m, nil
}

func percent(v manager.StatusView) float64 {
	if v.Status == session.StatusFinished {
		return 1
	}
	if v.Total == nil || *v.Total <= 0 {
		return 0
	}
	p := float64(v.Progress) / float64(*v.Total)
	if p > 1 {
		p = 1
	}
	return p
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("import-desk session " + m.id))
	b.WriteString("\n\n")

	if !m.seen {
		if m.err != nil {
			b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
			b.WriteString("\n")
		} else {
			fmt.Fprintf(&b, "%s Waiting for status...\n", m.spinner.View())
		}
		return b.String()
	}

	status := m.view.Status
	style, ok := statusStyle[status]
	if !ok {
		style = infoStyle
	}
	indicator := m.spinner.View()
	if m.done {
		indicator = " "
	}
	fmt.Fprintf(&b, "%s Status: %s\n", indicator, style.Render(string(status)))

	b.WriteString(progressStyle.Render(m.progress.ViewAs(percent(m.view))))
	if m.view.Total != nil {
		fmt.Fprintf(&b, " (%d/%d)\n", m.view.Progress, *m.view.Total)
	} else {
		fmt.Fprintf(&b, " (%d processed)\n", m.view.Progress)
	}
	fmt.Fprintf(&b, "%s\n", infoStyle.Render(fmt.Sprintf("%d files ready to download", len(m.view.FilesToDownload))))

	if n := len(m.view.Errors); n > 0 {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(fmt.Sprintf("%d errors", n)))
		b.WriteString("\n")
		start := max(0, n-maxErrorLines)
		for _, e := range m.view.Errors[start:] {
			b.WriteString("  " + e + "\n")
		}
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render("Last poll failed: " + m.err.Error()))
		b.WriteString("\n")
	}
	if !m.done && !m.quitting {
		b.WriteString(infoStyle.Render("\nq: quit"))
		b.WriteString("\n")
	}
	return b.String()
}

// Run shows the view until the session ends, the user quits or ctx is done.
func Run(ctx context.Context, m *Model, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	_, err := tea.NewProgram(m, opts...).Run()
	return err
}
