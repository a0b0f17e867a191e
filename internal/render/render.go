// Package render formats query results, histograms and facets for a terminal.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/spf13/pflag"
)

// Format selects how result rows are printed. It implements pflag.Value.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

var _ pflag.Value = (*Format)(nil)

func (f *Format) String() string {
	return string(*f)
}

func (f *Format) Set(s string) error {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatTable:
		*f = FormatTable
	case FormatJSON:
		*f = FormatJSON
	default:
		return fmt.Errorf("invalid format %q: must be table or json", s)
	}
	return nil
}

func (f *Format) Type() string {
	return "format"
}

// maxColumnWidth caps a table column; longer cell lines are wrapped.
const maxColumnWidth = 80

// Render writes rows in the given format.
func Render(w io.Writer, rows []Row, format Format) error {
	switch format {
	case FormatJSON:
		return renderJSON(w, rows)
	case FormatTable, "":
		return renderTable(w, rows)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// RenderRaw decodes raw result rows and renders them.
func RenderRaw(w io.Writer, raw []json.RawMessage, format Format) error {
	rows, err := DecodeRows(raw)
	if err != nil {
		return err
	}
	return Render(w, rows, format)
}

func renderJSON(w io.Writer, rows []Row) error {
	for _, row := range rows {
		data, err := row.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encoding row: %w", err)
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return fmt.Errorf("indenting row: %w", err)
		}
		buf.WriteByte('\n')
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// columns returns the union of all row columns in encounter order.
func columns(rows []Row) []string {
	var cols []string
	seen := make(map[string]bool)
	for _, row := range rows {
		for _, c := range row.Columns() {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

func renderTable(w io.Writer, rows []Row) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No results.")
		return err
	}

	cols := columns(rows)
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[c] = i
	}

	// cells[r][c] holds the wrapped lines of one cell.
	cells := make([][][]string, len(rows))
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = min(utf8.RuneCountInString(c), maxColumnWidth)
	}
	for r, row := range rows {
		cells[r] = make([][]string, len(cols))
		names, vals := row.Columns(), row.Values()
		for i, name := range names {
			c := index[name]
			lines := wrap(prettyValue(vals[i]), maxColumnWidth)
			cells[r][c] = lines
			for _, l := range lines {
				widths[c] = max(widths[c], utf8.RuneCountInString(l))
			}
		}
	}

	var b strings.Builder
	border := separator(widths)
	b.WriteString(border)
	writeLine(&b, widths, cols)
	b.WriteString(border)
	for _, row := range cells {
		height := 1
		for _, cell := range row {
			height = max(height, len(cell))
		}
		for l := 0; l < height; l++ {
			line := make([]string, len(cols))
			for c, cell := range row {
				if l < len(cell) {
					line[c] = cell[l]
				}
			}
			writeLine(&b, widths, line)
		}
		b.WriteString(border)
	}
	fmt.Fprintf(&b, "%d row(s)\n", len(rows))

	_, err := io.WriteString(w, b.String())
	return err
}

func separator(widths []int) string {
	var b strings.Builder
	b.WriteByte('+')
	for _, w := range widths {
		b.WriteString(strings.Repeat("-", w+2))
		b.WriteByte('+')
	}
	b.WriteByte('\n')
	return b.String()
}

func writeLine(b *strings.Builder, widths []int, cells []string) {
	b.WriteByte('|')
	for i, w := range widths {
		text := cells[i]
		pad := w - utf8.RuneCountInString(text)
		if pad < 0 {
			text, pad = string([]rune(text)[:w]), 0
		}
		b.WriteByte(' ')
		b.WriteString(text)
		b.WriteString(strings.Repeat(" ", pad))
		b.WriteString(" |")
	}
	b.WriteByte('\n')
}

// wrap splits s into lines no wider than width runes, on newlines first.
func wrap(s string, width int) []string {
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(s, "\t", "    "), "\n") {
		line = strings.TrimRight(line, "\r")
		for utf8.RuneCountInString(line) > width {
			runes := []rune(line)
			out = append(out, string(runes[:width]))
			line = string(runes[width:])
		}
		out = append(out, line)
	}
	return out
}
