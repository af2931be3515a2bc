// Package vt100 renders a live preview of a session's terminal screen
// for the ops dashboard (cmd/agentbridgectl). It is not part of the
// wire protocol (spec.md §6.1 streams raw bytes to the browser, which
// does its own rendering) — this is purely an operator-facing
// convenience built on top of the same byte stream.
package vt100

import (
	"strings"
	"sync"

	"github.com/vito/vt100"
)

// Screen wraps a vito/vt100 terminal emulator, feeding it a copy of a
// session's pty output to maintain a live screen model.
type Screen struct {
	mu   sync.Mutex
	term *vt100.VT100
	rows int
	cols int
}

// NewScreen creates a screen model with the given dimensions.
func NewScreen(rows, cols int) *Screen {
	return &Screen{
		term: vt100.NewVT100(rows, cols),
		rows: rows,
		cols: cols,
	}
}

// Write feeds raw pty output into the emulator.
func (s *Screen) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.term.Write(p)
}

// Resize changes the emulator's dimensions, matching a session resize.
func (s *Screen) Resize(rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term.Resize(rows, cols)
	s.rows, s.cols = rows, cols
}

// Render returns the current screen contents as plain text lines, for
// display in the dashboard's scrollback preview pane.
func (s *Screen) Render() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, 0, len(s.term.Cells))
	for _, row := range s.term.Cells {
		var b strings.Builder
		for _, cell := range row {
			r := cell.Rune
			if r == 0 {
				r = ' '
			}
			b.WriteRune(r)
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	return lines
}
