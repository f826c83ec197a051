package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
)

const maxCellWidth = 48

// cell is one table value with an optional color applied after padding.
type cell struct {
	text  string
	paint func(a ...any) string
}

func plain(s string) cell { return cell{text: s} }

// printTable writes an aligned table. Widths are measured in terminal
// columns so wide runes in names line up.
func printTable(w io.Writer, header []string, rows [][]cell) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, c := range row {
			widths[i] = max(widths[i], min(runewidth.StringWidth(c.text), maxCellWidth))
		}
	}

	bold := color.New(color.Bold).SprintFunc()
	parts := make([]string, len(header))
	for i, h := range header {
		parts[i] = bold(runewidth.FillRight(h, widths[i]))
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))

	for _, row := range rows {
		for i, c := range row {
			text := runewidth.FillRight(runewidth.Truncate(c.text, maxCellWidth, "…"), widths[i])
			if c.paint != nil {
				text = c.paint(text)
			}
			parts[i] = text
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
}
