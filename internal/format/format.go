// Package format renders decoded worker results as fixed-width text.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/basket/sqlcat/internal/result"
)

const (
	minColumnWidth = 10
	maxColumnWidth = 50

	maxCellRunes   = 100
	truncatedRunes = 97

	// Long results get the separator repeated every separatorEvery rows once
	// they exceed separatorAfter rows.
	separatorAfter = 30
	separatorEvery = 20

	nullText   = "NULL"
	objectText = "[Object]"
)

// Render turns a result into display lines. The SQL text is accepted for
// context only and does not affect the output. Render never panics on cell
// contents; values that cannot be serialized print as [Object].
func Render(res result.Result, sql string) []string {
	_ = sql
	switch r := res.(type) {
	case result.RowSet:
		return renderRows(r)
	case result.Affected:
		return []string{fmt.Sprintf("Query executed successfully: %d row(s) affected in %s ms",
			r.RowsAffected, Millis(r.ExecutionTimeMs))}
	case result.Opaque:
		return renderOpaque(r)
	case nil:
		return []string{"Result:", "null"}
	default:
		return []string{"Result:", fmt.Sprintf("%v", res)}
	}
}

func renderRows(rs result.RowSet) []string {
	if len(rs.Rows) == 0 {
		return []string{"0 rows"}
	}
	columns := rs.Columns()
	if len(columns) == 0 {
		return []string{"rows with no columns"}
	}

	cells := make([][]string, len(rs.Rows))
	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = max(minColumnWidth, runewidth.StringWidth(col))
	}
	for r, row := range rs.Rows {
		cells[r] = make([]string, len(columns))
		for i, col := range columns {
			v, _ := row.Get(col)
			text := Cell(v)
			cells[r][i] = text
			widths[i] = max(widths[i], runewidth.StringWidth(text))
		}
	}
	for i := range widths {
		widths[i] = min(widths[i], maxColumnWidth)
	}

	separator := separatorLine(widths)
	lines := make([]string, 0, len(rs.Rows)+4+len(rs.Rows)/separatorEvery)
	lines = append(lines, joinCells(columns, widths), separator)

	repeat := len(rs.Rows) > separatorAfter
	for r := range cells {
		lines = append(lines, joinCells(cells[r], widths))
		n := r + 1
		if repeat && n%separatorEvery == 0 && n < len(cells) {
			lines = append(lines, separator)
		}
	}

	lines = append(lines, fmt.Sprintf("%d row(s) returned in %s ms",
		len(rs.Rows), Millis(rs.ExecutionTimeMs)))
	return lines
}

func joinCells(values []string, widths []int) string {
	var b strings.Builder
	b.WriteString("| ")
	for i, v := range values {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(runewidth.FillRight(v, widths[i]))
	}
	b.WriteString(" |")
	return b.String()
}

func separatorLine(widths []int) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("-", w)
	}
	return "|-" + strings.Join(parts, "-|-") + "-|"
}

func renderOpaque(o result.Opaque) []string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, o.Raw, "", "  "); err != nil {
		return []string{"Result:", string(o.Raw)}
	}
	return append([]string{"Result:"}, strings.Split(buf.String(), "\n")...)
}

// Cell formats a single value for table display. Only strings are
// shortened; objects and arrays print as their full compact JSON.
func Cell(v any) (text string) {
	defer func() {
		if recover() != nil {
			text = objectText
		}
	}()

	switch x := v.(type) {
	case nil:
		return nullText
	case string:
		return truncate(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x)
	case json.RawMessage:
		var buf bytes.Buffer
		if err := json.Compact(&buf, x); err != nil {
			return objectText
		}
		return buf.String()
	case []byte:
		return truncate(string(x))
	case fmt.Stringer:
		return truncate(x.String())
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return objectText
		}
		return string(b)
	}
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxCellRunes {
		return s
	}
	return string(runes[:truncatedRunes]) + "..."
}

// Millis prints an execution time in milliseconds without trailing zeros,
// rounded to two decimals.
func Millis(ms float64) string {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return "0"
	}
	return strconv.FormatFloat(math.Round(ms*100)/100, 'f', -1, 64)
}
