// Package textwrap fills generated text to the column width used in the
// mailbox, keeping the indentation of simple "* " list items.
package textwrap

import (
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// Width is the column limit for filled lines.
const Width = 72

const bullet = "* "

// Wrap fills every line of text. Each input line yields at least one output
// line ending in a newline.
func Wrap(text string) string {
	if text == "" {
		return ""
	}

	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		sb.WriteString(Line(strings.TrimSuffix(line, "\r")))
	}
	return sb.String()
}

// Line fills a single line. Continuation lines are indented to the line's
// leading whitespace, plus two columns for a bullet item. Words wider than
// Width are never split.
func Line(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return "\n"
	}

	lead := line[:len(line)-len(trimmed)]
	indent := utf8.RuneCountInString(lead)
	if strings.HasPrefix(trimmed, bullet) {
		indent += len(bullet)
	}

	var sb strings.Builder
	sb.WriteString(lead)
	col := utf8.RuneCountInString(lead)
	for i, word := range strings.Fields(trimmed) {
		w := runewidth.StringWidth(word)
		if i > 0 {
			if col+1+w > Width {
				sb.WriteByte('\n')
				sb.WriteString(strings.Repeat(" ", indent))
				col = indent
			} else {
				sb.WriteByte(' ')
				col++
			}
		}
		sb.WriteString(word)
		col += w
	}
	sb.WriteByte('\n')
	return sb.String()
}
