// Package result decodes worker execution payloads into a closed set of
// variants so downstream code never re-inspects the raw shape.
package result

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Kind names a result variant.
type Kind string

const (
	KindRows     Kind = "rows"
	KindAffected Kind = "affected"
	KindOpaque   Kind = "opaque"
)

// Result is one of RowSet, Affected or Opaque.
type Result interface {
	Kind() Kind
	isResult()
}

// Cell is one column value of a row. Value is nil, bool, string,
// json.Number, json.RawMessage (objects and arrays) or any other Go value
// supplied by a caller.
type Cell struct {
	Column string
	Value  any
}

// Row keeps cells in the order the worker sent them.
type Row []Cell

// Get returns the value for column and whether the row has it.
func (r Row) Get(column string) (any, bool) {
	for _, c := range r {
		if c.Column == column {
			return c.Value, true
		}
	}
	return nil, false
}

// Columns returns the column names of the row in order.
func (r Row) Columns() []string {
	cols := make([]string, len(r))
	for i, c := range r {
		cols[i] = c.Column
	}
	return cols
}

// RowSet is the outcome of a read query.
type RowSet struct {
	Rows            []Row
	ExecutionTimeMs float64
}

// Columns are the keys of the first row.
func (rs RowSet) Columns() []string {
	if len(rs.Rows) == 0 {
		return nil
	}
	return rs.Rows[0].Columns()
}

// Affected is the outcome of a write or DDL statement.
type Affected struct {
	RowsAffected    int64
	ExecutionTimeMs float64
}

// Opaque is any payload that is neither a row set nor an affected count.
type Opaque struct {
	Raw json.RawMessage
}

func (RowSet) Kind() Kind   { return KindRows }
func (Affected) Kind() Kind { return KindAffected }
func (Opaque) Kind() Kind   { return KindOpaque }

func (RowSet) isResult()   {}
func (Affected) isResult() {}
func (Opaque) isResult()   {}

// Decode resolves a raw worker payload into a variant. It accepts
//
//	{"rows": [...], "executionTimeMs": n}
//	{"rowsAffected": n, "executionTimeMs": n}
//	{"data": {"rows": [...]|null, "affected_rows": n}, "execution_time": n}
//
// and wraps everything else, including invalid JSON, as Opaque.
func Decode(raw json.RawMessage) Result {
	if !gjson.ValidBytes(raw) {
		return Opaque{Raw: raw}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Opaque{Raw: raw}
	}

	elapsed := root.Get("executionTimeMs").Float()
	if rows := root.Get("rows"); rows.IsArray() {
		return RowSet{Rows: decodeRows(rows), ExecutionTimeMs: elapsed}
	}
	if n := root.Get("rowsAffected"); n.Type == gjson.Number {
		return Affected{RowsAffected: n.Int(), ExecutionTimeMs: elapsed}
	}

	// Envelope used by the reference worker.
	data := root.Get("data")
	if data.IsObject() {
		elapsed = root.Get("execution_time").Float()
		if rows := data.Get("rows"); rows.IsArray() {
			return RowSet{Rows: decodeRows(rows), ExecutionTimeMs: elapsed}
		}
		if n := data.Get("affected_rows"); n.Type == gjson.Number {
			return Affected{RowsAffected: n.Int(), ExecutionTimeMs: elapsed}
		}
	}
	return Opaque{Raw: raw}
}

func decodeRows(rows gjson.Result) []Row {
	out := make([]Row, 0, len(rows.Array()))
	rows.ForEach(func(_, row gjson.Result) bool {
		if !row.IsObject() {
			out = append(out, Row{{Column: "value", Value: cellValue(row)}})
			return true
		}
		cells := Row{}
		row.ForEach(func(key, value gjson.Result) bool {
			cells = append(cells, Cell{Column: key.String(), Value: cellValue(value)})
			return true
		})
		out = append(out, cells)
		return true
	})
	return out
}

func cellValue(v gjson.Result) any {
	switch v.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return json.Number(v.Raw)
	case gjson.String:
		return v.String()
	default:
		return json.RawMessage(v.Raw)
	}
}
