package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// palette is the rotating set of step-instance tag colors, grounded in the
// teacher's TUI tools (cmd/kk, cmd/die, cmd/tcpo) that each pick a small
// fixed lipgloss color set for process/line tagging.
var palette = []lipgloss.Color{"39", "208", "76", "213", "220", "81"}

// TaggedSink implements runner.Sink: every action's stdout/stderr line is
// prefixed with its step instance's tag, colored consistently per instance
// when attached to a terminal, and written to Writer. Lines always go to
// Writer, terminal or not; Log is not consulted, so --log-level does not
// filter action output.
type TaggedSink struct {
	Writer io.Writer
	Log    *logrus.Logger

	mu     sync.Mutex
	colors map[string]lipgloss.Style
	isTTY  bool
}

// NewTaggedSink returns a TaggedSink writing to w, using colorized tags only
// if w looks like a terminal.
func NewTaggedSink(w io.Writer, log *logrus.Logger) *TaggedSink {
	tty := false
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		tty = isatty.IsTerminal(f.Fd())
	}
	return &TaggedSink{Writer: w, Log: log, colors: map[string]lipgloss.Style{}, isTTY: tty}
}

func (s *TaggedSink) styleFor(stepInstance string) lipgloss.Style {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.colors[stepInstance]; ok {
		return st
	}
	color := palette[len(s.colors)%len(palette)]
	st := lipgloss.NewStyle().Foreground(color).Bold(true)
	s.colors[stepInstance] = st
	return st
}

// Line implements runner.Sink.
func (s *TaggedSink) Line(stepInstance, stream, text string) {
	tag := stepInstance
	if s.isTTY {
		tag = s.styleFor(stepInstance).Render(tag)
	}
	fmt.Fprintf(s.Writer, "[%s/%s] %s\n", tag, stream, text)
}
