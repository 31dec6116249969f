package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Table is a header row plus data rows.
type Table struct {
	Headers []string
	Rows    [][]string
}

// NewTable creates a table with the given headers.
func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

// AddRow appends a row. Values are formatted with %v.
func (t *Table) AddRow(cells ...any) {
	row := make([]string, len(cells))
	for i, c := range cells {
		row[i] = formatCell(c)
	}
	t.Rows = append(t.Rows, row)
}

// Render writes the table aligned on tab stops.
func (t *Table) Render(w io.Writer, noHeaders bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !noHeaders && len(t.Headers) > 0 {
		fmt.Fprintln(tw, strings.Join(t.Headers, "\t"))
	}
	for _, row := range t.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func formatCell(v any) string {
	switch c := v.(type) {
	case nil:
		return "-"
	case string:
		if c == "" {
			return "-"
		}
		return c
	case bool:
		if c {
			return "yes"
		}
		return "no"
	default:
		return fmt.Sprint(c)
	}
}

// TableFormatter renders Tabler values as a table and falls back to JSON
// for everything else.
type TableFormatter struct {
	NoHeaders bool
}

// Format formats data as a table.
func (f *TableFormatter) Format(w io.Writer, data any) error {
	switch d := data.(type) {
	case nil:
		return nil
	case *Table:
		return d.Render(w, f.NoHeaders)
	case Tabler:
		return d.Table().Render(w, f.NoHeaders)
	default:
		return (&JSONFormatter{}).Format(w, data)
	}
}
