package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/shonenkov/ru-dalle/models"
	"github.com/shonenkov/ru-dalle/transformers"
	"github.com/spf13/cobra"
)

type loadOptions struct {
	pretrained bool
	fp16       bool
	device     string
	token      string
	plain      bool
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(12)
	summaryStyle = lipgloss.NewStyle().Margin(1, 2).Padding(0, 1).
			Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("99"))
)

// loadedMsg is sent when the model finished loading.
type loadedMsg struct {
	module  transformers.Module
	err     error
	elapsed time.Duration
}

// loadUIModel shows a spinner while the model loads.
type loadUIModel struct {
	name    string
	factory *models.Factory
	spinner spinner.Model

	loaded  *loadedMsg
	aborted bool
}

func newLoadUIModel(name string, factory *models.Factory) *loadUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &loadUIModel{name: name, factory: factory, spinner: s}
}

func loadModel(factory *models.Factory) *loadedMsg {
	start := time.Now()
	module, err := factory.Done()
	return &loadedMsg{module: module, err: err, elapsed: time.Since(start)}
}

func (m *loadUIModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, func() tea.Msg { return loadModel(m.factory) })
}

func (m *loadUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyEsc {
			m.aborted = true
			return m, tea.Quit
		}
	case *loadedMsg:
		m.loaded = msg
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *loadUIModel) View() string {
	if m.loaded != nil || m.aborted {
		return ""
	}
	return fmt.Sprintf("%s Loading %s ...\n", m.spinner.View(), m.name)
}

// summary of a loaded model.
func summary(name string, loaded *loadedMsg) string {
	module := loaded.module
	config := module.Config()
	precision := "float32"
	if _, isHalf := module.(*transformers.HalfModel); isHalf {
		precision = "float16"
	}
	rows := [][2]string{
		{"layers", fmt.Sprintf("%d", config.NumLayers)},
		{"hidden", fmt.Sprintf("%d", config.HiddenSize)},
		{"heads", fmt.Sprintf("%d", config.NumAttentionHeads)},
		{"parameters", humanize.Comma(int64(module.NumParameters()))},
		{"precision", precision},
		{"device", module.Device().String()},
		{"training", fmt.Sprintf("%v", module.IsTraining())},
		{"loaded in", loaded.elapsed.Round(time.Millisecond).String()},
	}
	lines := []string{titleStyle.Render(name)}
	for _, row := range rows {
		lines = append(lines, labelStyle.Render(row[0])+row[1])
	}
	return summaryStyle.Render(strings.Join(lines, "\n"))
}

// runLoad loads the model, with a spinner if the terminal UI is enabled, and prints its summary.
func runLoad(cmd *cobra.Command, name string, factory *models.Factory, opts loadOptions) error {
	var loaded *loadedMsg
	if opts.plain {
		loaded = loadModel(factory.ShowProgress(true))
	} else {
		p := tea.NewProgram(newLoadUIModel(name, factory),
			tea.WithContext(cmd.Context()), tea.WithOutput(cmd.ErrOrStderr()))
		final, err := p.Run()
		if err != nil {
			return errors.Wrap(err, "terminal UI failed")
		}
		ui := final.(*loadUIModel)
		if ui.aborted {
			return errors.Errorf("loading of %q interrupted", name)
		}
		loaded = ui.loaded
	}
	if loaded.err != nil {
		return loaded.err
	}
	fmt.Fprintln(cmd.OutOrStdout(), summary(name, loaded))
	return nil
}
