package tui

import (
	"slices"
	"strings"
	"unicode"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var cursorStyle = lipgloss.NewStyle().Reverse(true)

// lineEditor is the chat prompt: one line of input with readline-style
// keys and Up/Down recall of submitted lines.
type lineEditor struct {
	buf []rune
	pos int // cursor, 0..len(buf)

	recall []string
	at     int    // index into recall; len(recall) is the live draft
	draft  string // live draft saved while browsing recall
}

func (e *lineEditor) String() string { return string(e.buf) }

func (e *lineEditor) set(s string) {
	e.buf = []rune(s)
	e.pos = len(e.buf)
}

// commit returns the trimmed line, clears the buffer and remembers
// non-empty lines for recall.
func (e *lineEditor) commit() string {
	line := strings.TrimSpace(string(e.buf))
	e.buf, e.pos = nil, 0
	if line != "" {
		e.recall = append(e.recall, line)
	}
	e.at, e.draft = len(e.recall), ""
	return line
}

func (e *lineEditor) insert(rs []rune) {
	e.buf = slices.Insert(e.buf, e.pos, rs...)
	e.pos += len(rs)
}

func (e *lineEditor) backspace() {
	if e.pos == 0 {
		return
	}
	e.buf = slices.Delete(e.buf, e.pos-1, e.pos)
	e.pos--
}

func (e *lineEditor) deleteForward() {
	if e.pos < len(e.buf) {
		e.buf = slices.Delete(e.buf, e.pos, e.pos+1)
	}
}

// killWord deletes back to the start of the previous word, spaces first.
func (e *lineEditor) killWord() {
	start := e.pos
	for start > 0 && unicode.IsSpace(e.buf[start-1]) {
		start--
	}
	for start > 0 && !unicode.IsSpace(e.buf[start-1]) {
		start--
	}
	e.buf = slices.Delete(e.buf, start, e.pos)
	e.pos = start
}

func (e *lineEditor) move(delta int) {
	e.pos = min(max(e.pos+delta, 0), len(e.buf))
}

// older steps back through recall, saving the draft on the first step.
func (e *lineEditor) older() {
	if e.at == 0 {
		return
	}
	if e.at == len(e.recall) {
		e.draft = string(e.buf)
	}
	e.at--
	e.set(e.recall[e.at])
}

// newer steps forward; past the newest entry the draft comes back.
func (e *lineEditor) newer() {
	if e.at >= len(e.recall) {
		return
	}
	e.at++
	if e.at == len(e.recall) {
		e.set(e.draft)
		return
	}
	e.set(e.recall[e.at])
}

// apply handles an editing key and reports whether it was one.
func (e *lineEditor) apply(k tea.KeyMsg) bool {
	switch k.String() {
	case "up", "ctrl+p":
		e.older()
	case "down", "ctrl+n":
		e.newer()
	case "backspace":
		e.backspace()
	case "delete":
		e.deleteForward()
	case " ":
		// Some terminals report space as KeySpace rather than runes.
		e.insert([]rune{' '})
	case "left", "ctrl+b":
		e.move(-1)
	case "right", "ctrl+f":
		e.move(1)
	case "home", "ctrl+a":
		e.pos = 0
	case "end", "ctrl+e":
		e.pos = len(e.buf)
	case "ctrl+k":
		e.buf = e.buf[:e.pos]
	case "ctrl+u":
		e.buf, e.pos = nil, 0
	case "ctrl+w", "alt+backspace":
		e.killWord()
	default:
		if k.Type != tea.KeyRunes {
			return false
		}
		if rs := printable(k.Runes); len(rs) > 0 {
			e.insert(rs)
		}
	}
	return true
}

// render draws the buffer with a block cursor.
func (e *lineEditor) render() string {
	if e.pos >= len(e.buf) {
		return string(e.buf) + "█"
	}
	return string(e.buf[:e.pos]) + cursorStyle.Render(string(e.buf[e.pos])) + string(e.buf[e.pos+1:])
}

// printable drops control characters some terminals deliver as runes,
// notably Enter as '\r'.
func printable(in []rune) []rune {
	return slices.DeleteFunc(slices.Clone(in), func(r rune) bool { return r < 0x20 && r != '\t' })
}
