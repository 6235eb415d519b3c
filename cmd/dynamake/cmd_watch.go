package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"dynamake/internal/engine"
	"dynamake/internal/scheduler"
)

// watchItem adapts one scheduler.InstanceStatus to a bubbles/list.Item,
// following the teacher's kk TUI's listItem/listItemDelegate split between
// "what is this row" and "how is this row rendered".
type watchItem scheduler.InstanceStatus

func (i watchItem) FilterValue() string { return i.StepName }
func (i watchItem) Title() string       { return fmt.Sprintf("%s %v", i.StepName, i.Bindings) }
func (i watchItem) Description() string { return i.State }

type watchItemDelegate struct{}

func (d watchItemDelegate) Height() int                               { return 1 }
func (d watchItemDelegate) Spacing() int                              { return 0 }
func (d watchItemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d watchItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	wi, ok := item.(watchItem)
	if !ok {
		fmt.Fprintf(w, "%v", item)
		return
	}
	style, ok := watchStateStyles[wi.State]
	if !ok {
		style = watchStateStyles["pending"]
	}
	fmt.Fprintf(w, "%s  %s", style.Render(wi.State), wi.Title())
}

var watchStateStyles = map[string]lipgloss.Style{
	"pending":   lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Bold(true).Width(10),
	"running":   lipgloss.NewStyle().Foreground(lipgloss.Color("33")).Bold(true).Width(10),
	"completed": lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true).Width(10),
	"failed":    lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Width(10),
}

type tickMsg time.Time
type buildDoneMsg struct{ err error }

// watchModel is the interactive live view of the running build graph: one
// row per step instance, colored by lifecycle stage, refreshed on a ticker.
type watchModel struct {
	eng      *engine.Engine
	done     <-chan error
	list     list.Model
	finished bool
	buildErr error
}

func newWatchModel(eng *engine.Engine, targets []string) watchModel {
	l := list.New(nil, watchItemDelegate{}, 72, 20)
	l.Title = "dynamake watch"
	return watchModel{
		eng:  eng,
		done: eng.BuildAsync(targets),
		list: l,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(watchTick(), waitForBuild(m.done))
}

func watchTick() tea.Cmd {
	return tea.Tick(150*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForBuild(done <-chan error) tea.Cmd {
	return func() tea.Msg { return buildDoneMsg{err: <-done} }
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case tickMsg:
		m.refresh()
		if m.finished {
			return m, nil
		}
		return m, watchTick()
	case buildDoneMsg:
		m.finished = true
		m.buildErr = msg.err
		m.refresh()
		return m, nil
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *watchModel) refresh() {
	snap := m.eng.Snapshot()
	sort.Slice(snap, func(i, j int) bool { return snap[i].StepName < snap[j].StepName })
	items := make([]list.Item, len(snap))
	for i, s := range snap {
		items[i] = watchItem(s)
	}
	m.list.SetItems(items)
}

func (m watchModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("36"))
	footer := lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	status := "building..."
	if m.finished {
		if m.buildErr != nil {
			status = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Render("failed: " + m.buildErr.Error())
		} else {
			status = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true).Render("build complete")
		}
	}

	return title.Render("DynaMake build graph") + "\n" +
		m.list.View() + "\n" +
		status + "\n" +
		footer.Render("[q] quit")
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [target ...]",
		Short: "Interactively watch the running build graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			// No Sink here: bubbletea owns stdout for the alt-screen render,
			// so action output is surfaced through Snapshot polling instead
			// of interleaved log lines.
			opts := buildOptions()
			eng, err := loadEngine(opts)
			if err != nil {
				return err
			}
			m := newWatchModel(eng, args)
			p := tea.NewProgram(m)
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("dynamake: watch: %w", err)
			}
			return nil
		},
	}
}
