package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// Row is a single result row, columns kept in the order reported by the driver.
type Row struct {
	cols []string
	vals []any
}

// NewRow makes a row from columns and values of the same length.
func NewRow(cols []string, vals []any) Row {
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return Row{cols: cols, vals: vals}
}

// Columns returns column names in driver order.
func (r Row) Columns() []string { return slices.Clone(r.cols) }

// Values returns values in column order.
func (r Row) Values() []any { return slices.Clone(r.vals) }

// Len returns number of columns.
func (r Row) Len() int { return len(r.cols) }

// Get returns value of the named column. The first one wins for duplicated names.
func (r Row) Get(col string) (any, bool) {
	if i := slices.Index(r.cols, col); i >= 0 {
		return r.vals[i], true
	}
	return nil, false
}

// Value returns value of the named column, nil if not found.
func (r Row) Value(col string) any {
	v, _ := r.Get(col)
	return v
}

// String returns value of the named column formatted as string, empty for missing or NULL columns.
func (r Row) String(col string) string {
	v, ok := r.Get(col)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Map returns the row as a map, order is lost.
func (r Row) Map() map[string]any {
	res := make(map[string]any, len(r.cols))
	for i := len(r.cols) - 1; i >= 0; i-- {
		res[r.cols[i]] = r.vals[i]
	}
	return res
}

// MarshalJSON encodes the row as a json object with keys in column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.cols {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.vals[i])
		if err != nil {
			return nil, fmt.Errorf("can't marshal column %s: %w", c, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalYAML implements yaml.Marshaler, keeps column order.
func (r Row) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for i, c := range r.cols {
		val := &yaml.Node{}
		if err := val.Encode(r.vals[i]); err != nil {
			return nil, fmt.Errorf("can't encode column %s: %w", c, err)
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: c}, val)
	}
	return node, nil
}
