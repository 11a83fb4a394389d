// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package batch

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/sqlcluster/sqltype"
)

var testSchema = sqltype.New(
	[]string{"id", "name", "score", "ok"},
	[]sqltype.Type{sqltype.Int64, sqltype.String, sqltype.Float64, sqltype.Bool},
)

func makeBatch(t *testing.T, n int) *Batch {
	t.Helper()
	b := Make(testSchema, n)
	for i := 0; i < n; i++ {
		var name interface{} = strings.Repeat("x", i)
		if i%3 == 2 {
			name = nil
		}
		if err := b.Append(i, name, float64(i)/2, i%2 == 0); err != nil {
			t.Fatal(err)
		}
	}
	return b
}

func TestAppend(t *testing.T) {
	b := makeBatch(t, 5)
	if err := b.Validate(); err != nil {
		t.Fatal(err)
	}
	if got, want := b.Len(), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := b.Row(1), []interface{}{int64(1), "x", 0.5, false}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !b.IsNull(1, 2) {
		t.Error("expected null")
	}
	if b.IsNull(1, 3) {
		t.Error("unexpected null")
	}
	if err := b.Append("x", "y", 1.0, true); err == nil {
		t.Error("expected conversion error")
	}
	if err := b.Append(1, 2); err == nil {
		t.Error("expected arity error")
	}
	if got, want := b.Len(), 5; got != want {
		t.Errorf("failed append modified batch: got %v, want %v", got, want)
	}
}

func TestEmpty(t *testing.T) {
	b := Empty(testSchema)
	if got, want := b.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !b.Schema.Equal(testSchema) {
		t.Errorf("got %v, want %v", b.Schema, testSchema)
	}
	if err := b.Validate(); err != nil {
		t.Error(err)
	}
}

func TestSliceRows(t *testing.T) {
	batches := []*Batch{makeBatch(t, 3), makeBatch(t, 4), makeBatch(t, 2)}
	if got, want := Count(batches), 9; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, c := range []struct {
		beg, end int
		sizes    []int
	}{
		{0, 9, []int{3, 4, 2}},
		{0, 3, []int{3}},
		{2, 5, []int{1, 2}},
		{3, 7, []int{4}},
		{6, 9, []int{1, 2}},
		{4, 4, nil},
	} {
		out := SliceRows(batches, c.beg, c.end)
		var sizes []int
		for _, b := range out {
			if err := b.Validate(); err != nil {
				t.Fatal(err)
			}
			sizes = append(sizes, b.Len())
		}
		if !reflect.DeepEqual(sizes, c.sizes) {
			t.Errorf("[%d:%d]: got %v, want %v", c.beg, c.end, sizes, c.sizes)
		}
	}
	// Row 2 of the second batch is null in the name column.
	out := SliceRows(batches, 5, 6)
	if !out[0].IsNull(1, 0) {
		t.Error("null mask not sliced")
	}
}

func TestDigest(t *testing.T) {
	a, b := makeBatch(t, 10), makeBatch(t, 10)
	if a.Digest() != b.Digest() {
		t.Error("equal batches have different digests")
	}
	if a.Digest() == makeBatch(t, 9).Digest() {
		t.Error("different batches have equal digests")
	}
	if Empty(testSchema).Digest() == Empty(sqltype.New([]string{"id"}, []sqltype.Type{sqltype.Int64})).Digest() {
		t.Error("different schemas have equal digests")
	}
}

func TestWriteTab(t *testing.T) {
	var buf bytes.Buffer
	if err := makeBatch(t, 3).WriteTab(&buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if got, want := len(lines), 4; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !strings.Contains(lines[3], "NULL") {
		t.Errorf("missing null in %q", lines[3])
	}
}

func TestConvert(t *testing.T) {
	var (
		unknown = sqltype.New([]string{"v"}, []sqltype.Type{sqltype.Invalid})
		ints    = sqltype.New([]string{"v"}, []sqltype.Type{sqltype.Int64})
		floats  = sqltype.New([]string{"v"}, []sqltype.Type{sqltype.Float64})
	)
	nulls := Make(unknown, 2)
	if err := nulls.Append(nil); err != nil {
		t.Fatal(err)
	}
	if err := nulls.Append(nil); err != nil {
		t.Fatal(err)
	}
	if err := nulls.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := nulls.Append(1); err == nil {
		t.Error("expected error")
	}
	b, err := Convert(nulls, ints)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := b.Len(), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !b.IsNull(0, 1) || !b.Schema.Equal(ints) {
		t.Errorf("bad conversion %v", b.Schema)
	}

	b = Make(ints, 1)
	if err := b.Append(3); err != nil {
		t.Fatal(err)
	}
	if c, err := Convert(b, ints); err != nil || c != b {
		t.Errorf("batch not returned as is: %v", err)
	}
	c, err := Convert(b, floats)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.Value(0, 0), 3.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := Convert(b, testSchema); err == nil {
		t.Error("expected error")
	}
}
