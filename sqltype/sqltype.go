// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sqltype implements the column types and schemas carried by
// sqlcluster tables and result batches. A Schema is an ordered set of
// named, typed columns; two tables are compatible only when their
// schemas are equal.
package sqltype

import (
	"fmt"
	"strings"
)

// A Type is the data type of a single column.
type Type int8

const (
	// Invalid is the zero Type; it is never the type of a valid column.
	Invalid Type = iota
	// Bool is a boolean column.
	Bool
	// Int64 is a 64-bit signed integer column.
	Int64
	// Float64 is a 64-bit floating point column.
	Float64
	// String is a UTF-8 string column.
	String

	maxType
)

var names = [...]string{
	Invalid: "invalid",
	Bool:    "bool",
	Int64:   "int64",
	Float64: "float64",
	String:  "string",
}

// String returns the type's canonical lower-case name.
func (t Type) String() string {
	if t < 0 || t >= maxType {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return names[t]
}

// Valid tells whether t is a valid column type.
func (t Type) Valid() bool {
	return t > Invalid && t < maxType
}

// Decl returns the SQL column declaration for t. Declarations
// round-trip through ParseDecl.
func (t Type) Decl() string {
	switch t {
	case Bool:
		return "BOOLEAN"
	case Int64:
		return "INTEGER"
	case Float64:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Join returns the narrowest type that can represent values of both
// t and u. Invalid, the type of a column whose values are all null,
// joins with any type to that type. Bools widen to Int64 and Int64s to
// Float64; any other disagreement joins to String.
func Join(t, u Type) Type {
	switch {
	case t == u:
		return t
	case t == Invalid:
		return u
	case u == Invalid:
		return t
	}
	if t > u {
		t, u = u, t
	}
	switch {
	case t == Bool && u == Int64:
		return Int64
	case (t == Bool || t == Int64) && u == Float64:
		return Float64
	default:
		return String
	}
}

// ParseDecl maps a SQL column declaration (as reported by a database
// driver) to a column type. Declarations are matched using SQLite's
// type affinity rules, so that "VARCHAR(10)" is a String and "BIGINT"
// is an Int64. Empty declarations, as reported for expressions, map
// to Invalid; callers should then infer the type from values (see
// Join).
func ParseDecl(decl string) Type {
	d := strings.ToUpper(decl)
	switch {
	case d == "":
		return Invalid
	case strings.Contains(d, "BOOL"):
		return Bool
	case strings.Contains(d, "INT"):
		return Int64
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return String
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"),
		strings.Contains(d, "NUMERIC"), strings.Contains(d, "DECIMAL"):
		return Float64
	default:
		return String
	}
}

// A Schema describes the columns of a table or batch. Names and Types
// have the same length.
type Schema struct {
	Names []string
	Types []Type
}

// New returns a schema from the provided column names and types. New
// panics if they are of unequal length.
func New(names []string, types []Type) Schema {
	if len(names) != len(types) {
		panic(fmt.Sprintf("sqltype.New: %d names, %d types", len(names), len(types)))
	}
	return Schema{Names: names, Types: types}
}

// NumColumn returns the number of columns in the schema.
func (s Schema) NumColumn() int { return len(s.Names) }

// IsZero tells whether the schema has no columns.
func (s Schema) IsZero() bool { return len(s.Names) == 0 }

// Index returns the index of the named column, or -1 if the schema
// does not contain it.
func (s Schema) Index(name string) int {
	for i, n := range s.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Equal tells whether s and t have the same column names and types,
// in the same order.
func (s Schema) Equal(t Schema) bool {
	if len(s.Names) != len(t.Names) || len(s.Types) != len(t.Types) {
		return false
	}
	for i := range s.Names {
		if s.Names[i] != t.Names[i] || s.Types[i] != t.Types[i] {
			return false
		}
	}
	return true
}

// Copy returns a deep copy of s.
func (s Schema) Copy() Schema {
	return Schema{
		Names: append([]string(nil), s.Names...),
		Types: append([]Type(nil), s.Types...),
	}
}

// Unify returns the schema whose column types are the joins of s's
// and t's. Unify returns false if s and t differ in their column
// names.
func (s Schema) Unify(t Schema) (Schema, bool) {
	if len(s.Names) != len(t.Names) {
		return Schema{}, false
	}
	u := s.Copy()
	for i := range u.Names {
		if u.Names[i] != t.Names[i] {
			return Schema{}, false
		}
		u.Types[i] = Join(u.Types[i], t.Types[i])
	}
	return u, true
}

// Complete tells whether every column of s has a valid type.
func (s Schema) Complete() bool {
	for _, typ := range s.Types {
		if !typ.Valid() {
			return false
		}
	}
	return true
}

// Resolve returns a copy of s in which columns of unknown type are
// typed String.
func (s Schema) Resolve() Schema {
	r := s.Copy()
	for i, typ := range r.Types {
		if typ == Invalid {
			r.Types[i] = String
		}
	}
	return r
}

// Project returns the schema restricted to the named columns, in the
// provided order, together with the index of each projected column in
// s. A nil or empty list of columns projects every column.
func (s Schema) Project(columns []string) (Schema, []int, error) {
	if len(columns) == 0 {
		index := make([]int, s.NumColumn())
		for i := range index {
			index[i] = i
		}
		return s.Copy(), index, nil
	}
	var (
		p     Schema
		index = make([]int, len(columns))
	)
	for i, name := range columns {
		j := s.Index(name)
		if j < 0 {
			return Schema{}, nil, fmt.Errorf("sqltype: column %q not in schema %s", name, s)
		}
		index[i] = j
		p.Names = append(p.Names, name)
		p.Types = append(p.Types, s.Types[j])
	}
	return p, index, nil
}

// String returns a description of the schema, formatted as
// "(name type, name type, ...)".
func (s Schema) String() string {
	var b strings.Builder
	b.WriteString("(")
	for i := range s.Names {
		if i > 0 {
			b.WriteString(", ")
		}
		typ := Invalid
		if i < len(s.Types) {
			typ = s.Types[i]
		}
		fmt.Fprintf(&b, "%s %s", s.Names[i], typ)
	}
	b.WriteString(")")
	return b.String()
}
