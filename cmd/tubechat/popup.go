package main

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/bus/wsbridge"
	"github.com/go-go-golems/tubechat/pkg/popup"
	"github.com/go-go-golems/tubechat/pkg/settings"
	"github.com/go-go-golems/tubechat/pkg/youtube"
)

var (
	popupFrame = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)
	popupTitle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
	popupKey     = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	popupOn      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	popupOff     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	popupError   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	popupHelp    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).MarginTop(1)
	toggleLabels = []struct{ key, setting, label string }{
		{"d", settings.KeyDarkMode, "Dark mode"},
		{"a", settings.KeyAutoProcess, "Auto-process videos"},
		{"s", settings.KeyShowSources, "Show sources"},
	}
)

// popupResultMsg carries the controller state after an action.
type popupResultMsg struct {
	state popup.State
	err   error
}

type popupModel struct {
	ctx  context.Context
	ctrl *popup.Controller

	state   popup.State
	err     error
	loading bool
}

func newPopupModel(ctx context.Context, ctrl *popup.Controller) popupModel {
	return popupModel{ctx: ctx, ctrl: ctrl, state: ctrl.State(), loading: true}
}

func (m popupModel) run(fn func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		err := fn(m.ctx)
		return popupResultMsg{state: m.ctrl.State(), err: err}
	}
}

func (m popupModel) Init() tea.Cmd {
	return m.run(func(ctx context.Context) error {
		_, err := m.ctrl.Open(ctx)
		return err
	})
}

func (m popupModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case popupResultMsg:
		m.loading = false
		m.state = msg.state
		m.err = msg.err
		return m, nil
	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		if m.loading {
			return m, nil
		}
		for _, t := range toggleLabels {
			if key == t.key {
				setting := t.setting
				m.loading = true
				return m, m.run(func(ctx context.Context) error {
					_, err := m.ctrl.ToggleSetting(ctx, setting)
					return err
				})
			}
		}
		if (key == "p" || key == "t") && !m.state.Connected {
			m.err = popup.ErrDisconnected
			return m, nil
		}
		switch key {
		case "p":
			m.loading = true
			m.state.Status = "Processing video..."
			return m, m.run(func(ctx context.Context) error {
				_, err := m.ctrl.ProcessCurrentVideo(ctx)
				return err
			})
		case "t":
			m.loading = true
			return m, m.run(func(ctx context.Context) error {
				_, err := m.ctrl.TogglePanel(ctx)
				return err
			})
		case "r":
			m.loading = true
			return m, m.run(func(ctx context.Context) error {
				m.ctrl.CheckConnection(ctx)
				return nil
			})
		}
	}
	return m, nil
}

func (m popupModel) View() string {
	var sb strings.Builder
	sb.WriteString(popupTitle.Render("TubeChat"))
	sb.WriteString("\n\n")

	conn := popupOff.Render("● disconnected")
	if m.state.Connected {
		conn = popupOn.Render("● connected")
	}
	sb.WriteString(popupKey.Render("Backend: "))
	sb.WriteString(m.state.Settings.BackendURL + " " + conn)
	sb.WriteString("\n")
	sb.WriteString(popupKey.Render("Language: "))
	sb.WriteString(m.state.Settings.Language)
	sb.WriteString("\n\n")

	values := m.state.Settings.Map()
	for _, t := range toggleLabels {
		mark := popupOff.Render("[ ]")
		if on, _ := values[t.setting].(bool); on {
			mark = popupOn.Render("[x]")
		}
		sb.WriteString(fmt.Sprintf("%s %s %s\n", popupKey.Render(t.key), mark, t.label))
	}

	sb.WriteString("\n")
	status := m.state.Status
	if m.loading && status == "" {
		status = "Working..."
	}
	sb.WriteString(status)
	if m.err != nil {
		sb.WriteString("\n")
		sb.WriteString(popupError.Render(m.err.Error()))
	}
	actions := "p process video • t toggle panel"
	if !m.state.Connected {
		actions = popupOff.Render(actions + " (backend offline)")
	}
	sb.WriteString(popupHelp.Render(actions + " • r recheck • q quit"))
	return popupFrame.Render(sb.String()) + "\n"
}

func newPopupCommand() *cobra.Command {
	var remote, video string
	cmd := &cobra.Command{
		Use:   "popup",
		Short: "Open the extension popup in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			b, closeBus, err := popupBus(ctx, remote, video)
			if err != nil {
				return err
			}
			defer closeBus()

			p := tea.NewProgram(newPopupModel(ctx, popup.NewController(b)), tea.WithContext(ctx))
			_, err = p.Run()
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return errors.Wrap(err, "popup")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", remoteHelp)
	cmd.Flags().StringVar(&video, "video", "", "Video id or URL to open in a tab first (in-process only)")
	return cmd
}

// popupBus joins a running serve as the popup endpoint, or starts an in-process extension with
// an optional video tab for the popup to act on.
func popupBus(ctx context.Context, remote, video string) (bus.Bus, func(), error) {
	if remote != "" {
		if video != "" {
			return nil, nil, errors.New("--video only applies without --remote; use serve --open")
		}
		c, err := wsbridge.Dial(ctx, remote, bus.Popup())
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}
	ext, err := openExtension(ctx)
	if err != nil {
		return nil, nil, err
	}
	if video != "" {
		id := youtube.Normalize(video)
		if id == "" {
			_ = ext.Close()
			return nil, nil, errors.Errorf("--video %q is not a video id or URL", video)
		}
		ext.OpenTab(ctx, youtube.WatchURL(id))
	}
	return ext.Bus(), func() { _ = ext.Close() }, nil
}
