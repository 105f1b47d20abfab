package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wasmsnap/wasmsnap"
	"github.com/wasmsnap/wasmsnap/internal/state"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	frameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	unknownStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func doInspect(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("inspect", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	var interactive bool
	flags.BoolVar(&interactive, "i", false, "browse the frames in a terminal UI")

	_ = flags.Parse(args)

	if help {
		printInspectUsage(stdErr, flags)
		exit(0)
	}

	if flags.NArg() < 1 {
		fmt.Fprintln(stdErr, "missing path to image")
		printInspectUsage(stdErr, flags)
		exit(1)
	}
	path := flags.Arg(0)
	img := readImage(path, stdErr, exit)

	if interactive {
		if !isTerminal(stdOut) {
			fmt.Fprintln(stdErr, "error: -i needs a terminal")
			exit(1)
		}
		p := tea.NewProgram(newInspectModel(path, img), tea.WithAltScreen(), tea.WithOutput(stdOut))
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(stdErr, "error: %v\n", err)
			exit(1)
		}
		exit(0)
	}

	fmt.Fprint(stdOut, renderImage(img, isTerminal(stdOut)))
	exit(0)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// renderImage renders the summary and every frame of img, styled for a terminal when styled is set.
func renderImage(img *wasmsnap.Image, styled bool) string {
	var b strings.Builder
	memory := "none"
	if img.Memory != nil {
		memory = fmt.Sprintf("%d bytes", len(img.Memory))
	}
	fmt.Fprintf(&b, "Memory: %s\n", memory)
	fmt.Fprintf(&b, "Globals: %d\n", len(img.Globals))
	fmt.Fprintf(&b, "Frames: %d\n\n", len(img.ExecutionState.Frames))
	for i := range img.ExecutionState.Frames {
		b.WriteString(renderFrame(i, &img.ExecutionState.Frames[i], styled))
		b.WriteString("\n")
	}
	return b.String()
}

func renderFrame(i int, f *state.WasmFunctionStateDump, styled bool) string {
	render := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}
	values := func(vs []state.DumpValue) string {
		if len(vs) == 0 {
			return "(empty)"
		}
		parts := make([]string, len(vs))
		for j, v := range vs {
			style := valueStyle
			if !v.Known {
				style = unknownStyle
			}
			parts[j] = fmt.Sprintf("[%d] = %s", j, render(style, v.String()))
		}
		return strings.Join(parts, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", render(frameStyle, fmt.Sprintf("Frame %d @ local function %d", i, f.LocalFunctionID)))
	if f.WasmInstOffset == state.HeaderWasmOffset {
		b.WriteString("  Offset: function entry\n")
	} else {
		fmt.Fprintf(&b, "  Offset: %d\n", f.WasmInstOffset)
	}
	fmt.Fprintf(&b, "  Locals: %s\n", values(f.Locals))
	fmt.Fprintf(&b, "  Stack: %s\n", values(f.Stack))
	return b.String()
}

type inspectKeyMap struct {
	up, down, quit key.Binding
}

var inspectKeys = inspectKeyMap{
	up:   key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "previous frame")),
	down: key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "next frame")),
	quit: key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
}

// inspectModel lists the frames of an image and shows the selected one in a viewport.
type inspectModel struct {
	path     string
	img      *wasmsnap.Image
	selected int
	detail   viewport.Model
	ready    bool
}

func newInspectModel(path string, img *wasmsnap.Image) *inspectModel {
	return &inspectModel{path: path, img: img}
}

func (m *inspectModel) Init() tea.Cmd {
	return nil
}

func (m *inspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	frames := m.img.ExecutionState.Frames
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, inspectKeys.quit):
			return m, tea.Quit
		case key.Matches(msg, inspectKeys.up):
			if m.selected > 0 {
				m.selected--
			}
		case key.Matches(msg, inspectKeys.down):
			if m.selected < len(frames)-1 {
				m.selected++
			}
		}

	case tea.WindowSizeMsg:
		// The frame list and the help line take the rest of the screen.
		height := msg.Height - len(frames) - 6
		if height < 3 {
			height = 3
		}
		if !m.ready {
			m.detail = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.detail.Width, m.detail.Height = msg.Width, height
		}
	}

	if m.ready && len(frames) > 0 {
		m.detail.SetContent(renderFrame(m.selected, &frames[m.selected], true))
	}
	var cmd tea.Cmd
	m.detail, cmd = m.detail.Update(msg)
	return m, cmd
}

func (m *inspectModel) View() string {
	if !m.ready {
		return "Loading image..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("wasmsnap"))
	b.WriteString(" ")
	b.WriteString(m.path)
	b.WriteString("\n\n")

	frames := m.img.ExecutionState.Frames
	if len(frames) == 0 {
		b.WriteString("The image has no frames.\n")
	}
	for i := range frames {
		line := fmt.Sprintf("Frame %d @ local function %d", i, frames[i].LocalFunctionID)
		if i == m.selected {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.detail.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(strings.Join([]string{
		inspectKeys.up.Help().Key + " " + inspectKeys.up.Help().Desc,
		inspectKeys.down.Help().Key + " " + inspectKeys.down.Help().Desc,
		inspectKeys.quit.Help().Key + " " + inspectKeys.quit.Help().Desc,
	}, " • ")))
	return b.String()
}

func printInspectUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "wasmsnap CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  wasmsnap inspect <options> <path to image>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}
