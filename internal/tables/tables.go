// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tables renders the terminal reports (profiling, run summary) as lipgloss tables.
package tables

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	highlightRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"}).
				Bold(true).
				PaddingLeft(1).PaddingRight(1)
)

// Table wraps a lipgloss table, allowing rows to be highlighted.
type Table struct {
	*lgtable.Table
	count       int
	highlighted map[int]bool
}

// New creates a table with the given header and per-column alignments. The last alignment is used for
// the remaining columns; the default is lipgloss.Left.
func New(header []string, alignments ...lipgloss.Position) *Table {
	t := &Table{highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				s = headerRowStyle
			case t.highlighted[row]:
				s = highlightRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	if len(header) > 0 {
		t.Headers(header...)
	}
	return t
}

// Row appends a row.
func (t *Table) Row(row ...string) *Table {
	t.Table.Row(row...)
	t.count++
	return t
}

// HighlightedRow appends a row rendered in bold green.
func (t *Table) HighlightedRow(row ...string) *Table {
	t.highlighted[t.count] = true
	return t.Row(row...)
}

// NumRows returns the number of rows appended so far.
func (t *Table) NumRows() int { return t.count }
