// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/sqltype"
)

var testSchema = sqltype.New(
	[]string{"id", "name", "score", "ok"},
	[]sqltype.Type{sqltype.Int64, sqltype.String, sqltype.Float64, sqltype.Bool},
)

func testBatch(t *testing.T) *batch.Batch {
	t.Helper()
	b := batch.Make(testSchema, 4)
	for _, row := range [][]interface{}{
		{1, "a", 0.5, true},
		{2, "b", 1.5, false},
		{3, nil, 2.5, true},
		{4, "d", nil, nil},
	} {
		if err := b.Append(row...); err != nil {
			t.Fatal(err)
		}
	}
	return b
}

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open("test")
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func rows(batches []*batch.Batch) [][]interface{} {
	var rows [][]interface{}
	for _, b := range batches {
		for i := 0; i < b.Len(); i++ {
			rows = append(rows, b.Row(i))
		}
	}
	return rows
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	defer db.Close()
	if err := db.CreateTable(ctx, "t", testSchema, []*batch.Batch{testBatch(t)}); err != nil {
		t.Fatal(err)
	}
	batches, err := db.Query(ctx, "SELECT id, name, score, ok FROM t ORDER BY id", 3)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(batches), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := batches[0].Schema, testSchema; !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	want := [][]interface{}{
		{int64(1), "a", 0.5, true},
		{int64(2), "b", 1.5, false},
		{int64(3), nil, 2.5, true},
		{int64(4), "d", nil, nil},
	}
	if got := rows(batches); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestQueryExpressions(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	defer db.Close()
	if err := db.CreateTable(ctx, "t", testSchema, []*batch.Batch{testBatch(t)}); err != nil {
		t.Fatal(err)
	}
	batches, err := db.Query(ctx, "SELECT count(*) AS n, sum(score) AS total FROM t", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := sqltype.New([]string{"n", "total"}, []sqltype.Type{sqltype.Int64, sqltype.Float64})
	if got := batches[0].Schema; !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := rows(batches), [][]interface{}{{int64(4), 4.5}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestQueryMixedExpressions(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	defer db.Close()
	if err := db.CreateTable(ctx, "t", testSchema, []*batch.Batch{testBatch(t)}); err != nil {
		t.Fatal(err)
	}
	batches, err := db.Query(ctx, "SELECT CASE WHEN id = 1 THEN 1 ELSE 1.5 END AS v, NULL AS u FROM t ORDER BY id", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := sqltype.New([]string{"v", "u"}, []sqltype.Type{sqltype.Float64, sqltype.Invalid})
	if got := batches[0].Schema; !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	wantRows := [][]interface{}{{1.0, nil}, {1.5, nil}, {1.5, nil}, {1.5, nil}}
	if got := rows(batches); !reflect.DeepEqual(got, wantRows) {
		t.Errorf("got %v, want %v", got, wantRows)
	}
	for _, b := range batches {
		if err := b.Validate(); err != nil {
			t.Error(err)
		}
	}

	// Aggregates over no rows are null, and so of unknown type.
	batches, err = db.Query(ctx, "SELECT sum(id) AS s FROM t WHERE id > 10", 0)
	if err != nil {
		t.Fatal(err)
	}
	want = sqltype.New([]string{"s"}, []sqltype.Type{sqltype.Invalid})
	if got := batches[0].Schema; !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResultSchema(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	defer db.Close()
	if err := db.CreateTable(ctx, "t", testSchema, nil); err != nil {
		t.Fatal(err)
	}
	schema, err := db.ResultSchema(ctx, "SELECT name, sum(id) AS s FROM t GROUP BY name")
	if err != nil {
		t.Fatal(err)
	}
	want := sqltype.New([]string{"name", "s"}, []sqltype.Type{sqltype.String, sqltype.Invalid})
	if !schema.Equal(want) {
		t.Errorf("got %v, want %v", schema, want)
	}
	// The query is not run.
	schema, err = db.ResultSchema(ctx, "WITH RECURSIVE r(i) AS (SELECT 1 UNION ALL SELECT i+1 FROM r) SELECT i FROM r")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := schema.NumColumn(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := db.ResultSchema(ctx, "SELECT * FROM missing"); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestQueryEmpty(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	defer db.Close()
	if err := db.CreateTable(ctx, "t", testSchema, nil); err != nil {
		t.Fatal(err)
	}
	batches, err := db.Query(ctx, "SELECT name, id FROM t", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(batches), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := batches[0].Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	want := sqltype.New([]string{"name", "id"}, []sqltype.Type{sqltype.String, sqltype.Int64})
	if got := batches[0].Schema; !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	defer db.Close()
	if err := db.CreateTable(ctx, "t", testSchema, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateTable(ctx, "t", testSchema, nil); !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists error, got %v", err)
	}
	other := sqltype.New([]string{"id"}, []sqltype.Type{sqltype.String})
	err := db.CreateTable(ctx, "u", other, []*batch.Batch{testBatch(t)})
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
	if _, ok := db.Schema("u"); ok {
		t.Error("table u was created")
	}
	if err := db.DropTable(ctx, "u"); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	if _, err := db.Query(ctx, "SELEKT * FROM t", 0); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if _, err := db.Query(ctx, "SELECT * FROM missing", 0); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestDropTable(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	defer db.Close()
	for _, name := range []string{"b", "a", "weird \"name\""} {
		if err := db.CreateTable(ctx, name, testSchema, []*batch.Batch{testBatch(t)}); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := db.Tables(), []string{"a", "b", "weird \"name\""}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := db.DropTable(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if got, want := db.Tables(), []string{"b", "weird \"name\""}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// A dropped name may be reused.
	if err := db.CreateTable(ctx, "a", testSchema, nil); err != nil {
		t.Fatal(err)
	}
}

func TestIsolation(t *testing.T) {
	ctx := context.Background()
	db1, db2 := openTest(t), openTest(t)
	defer db1.Close()
	defer db2.Close()
	if db1.Name() == db2.Name() {
		t.Fatalf("databases share name %s", db1.Name())
	}
	if err := db1.CreateTable(ctx, "t", testSchema, []*batch.Batch{testBatch(t)}); err != nil {
		t.Fatal(err)
	}
	if err := db2.CreateTable(ctx, "t", testSchema, nil); err != nil {
		t.Fatal(err)
	}
	batches, err := db2.Query(ctx, "SELECT * FROM t", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := batch.Count(batches), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestExplain(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	defer db.Close()
	if err := db.CreateTable(ctx, "t", testSchema, nil); err != nil {
		t.Fatal(err)
	}
	var planner Planner = db
	plan, err := planner.Explain(ctx, "SELECT * FROM t WHERE id > 1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan, "t") || plan == "" {
		t.Errorf("unexpected plan %q", plan)
	}
	program, err := planner.Explain(ctx, "SELECT * FROM t", true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(program, "Halt") {
		t.Errorf("unexpected program %q", program)
	}
	if _, err := planner.Explain(ctx, "SELECT * FROM missing", false); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}
