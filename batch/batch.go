// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package batch contains definitions and utilities for sqlcluster
// result batches. A batch is a rectangular set of typed column
// vectors, described by a schema, with optional per-column null
// masks. Batches are the unit of transfer between workers and the
// coordinator; all of their fields are exported so that they may be
// gob-encoded.
package batch

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/grailbio/sqlcluster/sqltype"
	"github.com/spaolacci/murmur3"
)

// A Column is a single column vector. Exactly one of the value slices
// is populated, according to the column's type. Nulls, when non-nil,
// has the same length as the populated value slice; Nulls[i] is true
// when row i is null, in which case the value slot holds a zero value.
type Column struct {
	Bools   []bool
	Ints    []int64
	Floats  []float64
	Strings []string
	Nulls   []bool
}

// A Batch is a list of column vectors of equal lengths, described by
// its Schema.
type Batch struct {
	Schema  sqltype.Schema
	Columns []Column
	// Rows is the number of rows in the batch.
	Rows int
}

// Make returns a new, empty batch of the provided schema, with
// capacity for n rows in each column.
func Make(schema sqltype.Schema, n int) *Batch {
	b := &Batch{Schema: schema.Copy(), Columns: make([]Column, schema.NumColumn())}
	for i, typ := range schema.Types {
		c := &b.Columns[i]
		switch typ {
		case sqltype.Bool:
			c.Bools = make([]bool, 0, n)
		case sqltype.Int64:
			c.Ints = make([]int64, 0, n)
		case sqltype.Float64:
			c.Floats = make([]float64, 0, n)
		default:
			c.Strings = make([]string, 0, n)
		}
	}
	return b
}

// Empty returns a zero-row batch of the provided schema. Empty
// batches stand in for workers that were assigned no input, so that
// every worker observes a table of the same schema.
func Empty(schema sqltype.Schema) *Batch {
	return Make(schema, 0)
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return b.Rows
}

// NumColumn returns the number of columns in the batch.
func (b *Batch) NumColumn() int { return len(b.Columns) }

// Append appends a row of values to the batch. Values may be nil
// (null), bool, any integer type, float32 or float64, string, or
// []byte. Integers are converted to floats for Float64 columns, and
// every value is formatted for String columns. Append returns an
// error, leaving the batch unmodified, if a value cannot be converted
// to its column type.
func (b *Batch) Append(row ...interface{}) error {
	if len(row) != b.NumColumn() {
		return fmt.Errorf("batch: append %d values to batch with %d columns", len(row), b.NumColumn())
	}
	converted := make([]interface{}, len(row))
	for i, v := range row {
		var err error
		converted[i], err = convert(b.Schema.Types[i], v)
		if err != nil {
			return fmt.Errorf("batch: column %s: %v", b.Schema.Names[i], err)
		}
	}
	for i, v := range converted {
		b.Columns[i].append(b.Schema.Types[i], v, b.Rows)
	}
	b.Rows++
	return nil
}

func (c *Column) append(typ sqltype.Type, v interface{}, n int) {
	null := v == nil
	if null && c.Nulls == nil {
		c.Nulls = make([]bool, n, n+1)
	}
	if c.Nulls != nil {
		c.Nulls = append(c.Nulls, null)
	}
	switch typ {
	case sqltype.Bool:
		x, _ := v.(bool)
		c.Bools = append(c.Bools, x)
	case sqltype.Int64:
		x, _ := v.(int64)
		c.Ints = append(c.Ints, x)
	case sqltype.Float64:
		x, _ := v.(float64)
		c.Floats = append(c.Floats, x)
	default:
		x, _ := v.(string)
		c.Strings = append(c.Strings, x)
	}
}

func convert(typ sqltype.Type, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case sqltype.Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case int:
			return x != 0, nil
		}
	case sqltype.Int64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int16:
			return int64(x), nil
		case int8:
			return int64(x), nil
		case uint32:
			return int64(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case float64:
			if x == math.Trunc(x) {
				return int64(x), nil
			}
		}
	case sqltype.Float64:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int32:
			return float64(x), nil
		}
	case sqltype.String:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		default:
			return format(x), nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, typ)
}

// IsNull tells whether the value at the given column and row is null.
func (b *Batch) IsNull(col, row int) bool {
	nulls := b.Columns[col].Nulls
	return nulls != nil && nulls[row]
}

// Value returns the value at the given column and row as a bool,
// int64, float64, or string; null values are returned as nil.
func (b *Batch) Value(col, row int) interface{} {
	if b.IsNull(col, row) {
		return nil
	}
	c := &b.Columns[col]
	switch b.Schema.Types[col] {
	case sqltype.Bool:
		return c.Bools[row]
	case sqltype.Int64:
		return c.Ints[row]
	case sqltype.Float64:
		return c.Floats[row]
	default:
		return c.Strings[row]
	}
}

// Row returns the values of row i.
func (b *Batch) Row(i int) []interface{} {
	row := make([]interface{}, b.NumColumn())
	for col := range row {
		row[col] = b.Value(col, i)
	}
	return row
}

// Slice returns a batch containing rows [i, j) of b. The returned
// batch shares storage with b.
func (b *Batch) Slice(i, j int) *Batch {
	if i < 0 || j > b.Rows || i > j {
		panic(fmt.Sprintf("batch.Slice: [%d:%d] out of range for %d rows", i, j, b.Rows))
	}
	s := &Batch{Schema: b.Schema, Columns: make([]Column, len(b.Columns)), Rows: j - i}
	for k, c := range b.Columns {
		d := &s.Columns[k]
		switch b.Schema.Types[k] {
		case sqltype.Bool:
			d.Bools = c.Bools[i:j]
		case sqltype.Int64:
			d.Ints = c.Ints[i:j]
		case sqltype.Float64:
			d.Floats = c.Floats[i:j]
		default:
			d.Strings = c.Strings[i:j]
		}
		if c.Nulls != nil {
			d.Nulls = c.Nulls[i:j]
		}
	}
	return s
}

// Convert returns b with its columns converted to the provided
// schema, which must have the same column names. Values are widened
// as by Append; b itself is returned if it already has the schema.
func Convert(b *Batch, schema sqltype.Schema) (*Batch, error) {
	if b.Schema.Equal(schema) {
		return b, nil
	}
	if _, ok := b.Schema.Unify(schema); !ok {
		return nil, fmt.Errorf("batch: cannot convert %s to %s", b.Schema, schema)
	}
	c := Make(schema, b.Rows)
	for i := 0; i < b.Rows; i++ {
		if err := c.Append(b.Row(i)...); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Validate checks that the batch is rectangular and that its columns
// are populated according to its schema. Columns of unknown
// (sqltype.Invalid) type may hold only nulls.
func (b *Batch) Validate() error {
	if len(b.Columns) != b.Schema.NumColumn() {
		return fmt.Errorf("batch: %d columns, schema %s", len(b.Columns), b.Schema)
	}
	for i, c := range b.Columns {
		var n int
		switch b.Schema.Types[i] {
		case sqltype.Bool:
			n = len(c.Bools)
		case sqltype.Int64:
			n = len(c.Ints)
		case sqltype.Float64:
			n = len(c.Floats)
		case sqltype.String, sqltype.Invalid:
			n = len(c.Strings)
		default:
			return fmt.Errorf("batch: column %s has invalid type", b.Schema.Names[i])
		}
		if n != b.Rows || (c.Nulls != nil && len(c.Nulls) != b.Rows) {
			return fmt.Errorf("batch: column %s has %d values, expected %d", b.Schema.Names[i], n, b.Rows)
		}
		if b.Schema.Types[i] != sqltype.Invalid {
			continue
		}
		for row := 0; row < b.Rows; row++ {
			if !b.IsNull(i, row) {
				return fmt.Errorf("batch: column %s of unknown type has a value in row %d", b.Schema.Names[i], row)
			}
		}
	}
	return nil
}

// Count returns the total number of rows in the provided batches.
func Count(batches []*Batch) int {
	var n int
	for _, b := range batches {
		n += b.Len()
	}
	return n
}

// SliceRows returns the rows [beg, end) of the logical concatenation
// of the provided batches. The returned batches share storage with
// the inputs; batches without rows in the range are omitted.
func SliceRows(batches []*Batch, beg, end int) []*Batch {
	var (
		out []*Batch
		off int
	)
	for _, b := range batches {
		n := b.Len()
		lo, hi := beg-off, end-off
		off += n
		if hi <= 0 {
			break
		}
		if lo >= n {
			continue
		}
		if lo < 0 {
			lo = 0
		}
		if hi > n {
			hi = n
		}
		if lo < hi {
			out = append(out, b.Slice(lo, hi))
		}
	}
	return out
}

// Digest returns a 64-bit digest of the batch's schema and contents.
// Batches with equal digests are considered to carry the same
// payload.
func (b *Batch) Digest() uint64 {
	h := murmur3.New64()
	io.WriteString(h, b.Schema.String())
	var buf [8]byte
	for row := 0; row < b.Rows; row++ {
		for col := range b.Columns {
			io.WriteString(h, format(b.Value(col, row)))
			h.Write(buf[:1])
		}
	}
	return h.Sum64()
}

func format(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// WriteTab writes the batch, including a header of column names, to
// w in a tabular format.
func (b *Batch) WriteTab(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(tw, strings.Join(b.Schema.Names, "\t"))
	for row := 0; row < b.Rows; row++ {
		for col := range b.Columns {
			if col > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, format(b.Value(col, row)))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}
