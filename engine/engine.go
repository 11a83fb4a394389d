// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package engine implements the query engine run by each sqlcluster
// worker: a private, in-memory SQLite database into which the
// worker's partition of each table is loaded. The engine also serves
// as the coordinator's catalog, where it holds zero-row copies of
// every registered table so that queries can be planned without
// consulting workers.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/sqltype"

	// Registers the sqlite3 database/sql driver.
	_ "github.com/mattn/go-sqlite3"
)

// DefaultBatchSize is the maximum number of rows in each batch
// returned by Query.
const DefaultBatchSize = 4096

// A Planner explains queries. The returned plan is free-form text;
// its format is specific to the planner implementation.
type Planner interface {
	Explain(ctx context.Context, query string, detail bool) (string, error)
}

var nextDB int64

// A DB is an in-memory SQL database holding a set of tables. DBs are
// safe for concurrent use; statements are executed one at a time.
type DB struct {
	name string
	db   *sql.DB

	mu     sync.Mutex
	tables map[string]sqltype.Schema
}

// Open returns a new, empty in-memory database. The name is used for
// diagnostics; each call to Open returns a distinct database.
func Open(name string) (*DB, error) {
	name = fmt.Sprintf("%s-%d", name, atomic.AddInt64(&nextDB, 1))
	// A named, shared-cache memory database survives for as long as
	// at least one connection is open. We keep exactly one.
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("open database %s", name), err)
	}
	return &DB{name: name, db: db, tables: make(map[string]sqltype.Schema)}, nil
}

// Name returns the database's unique name.
func (d *DB) Name() string { return d.name }

// Close releases the database and all of its tables.
func (d *DB) Close() error {
	return d.db.Close()
}

func quote(name string) string {
	return `"` + strings.Replace(name, `"`, `""`, -1) + `"`
}

// CreateTable creates a table with the provided schema and loads the
// provided batches into it. CreateTable returns an errors.Exists error
// if the table already exists, and an errors.Integrity error if any
// batch's schema differs from the table's.
func (d *DB) CreateTable(ctx context.Context, name string, schema sqltype.Schema, batches []*batch.Batch) error {
	if schema.IsZero() {
		return errors.E(errors.Invalid, fmt.Sprintf("create table %s: empty schema", name))
	}
	for _, b := range batches {
		if !b.Schema.Equal(schema) {
			return errors.E(errors.Integrity, fmt.Sprintf("create table %s: batch schema %s does not match table schema %s", name, b.Schema, schema))
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[name]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("create table %s", name))
	}
	cols := make([]string, schema.NumColumn())
	params := make([]string, schema.NumColumn())
	for i := range cols {
		cols[i] = quote(schema.Names[i]) + " " + schema.Types[i].Decl()
		params[i] = "?"
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(errors.Unavailable, fmt.Sprintf("create table %s", name), err)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quote(name), strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		tx.Rollback()
		return errors.E(errors.Invalid, fmt.Sprintf("create table %s", name), err)
	}
	if batch.Count(batches) > 0 {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quote(name), strings.Join(params, ", ")))
		if err != nil {
			tx.Rollback()
			return errors.E(errors.Invalid, fmt.Sprintf("create table %s", name), err)
		}
		for _, b := range batches {
			for i := 0; i < b.Len(); i++ {
				if _, err := stmt.ExecContext(ctx, b.Row(i)...); err != nil {
					stmt.Close()
					tx.Rollback()
					return errors.E(errors.Invalid, fmt.Sprintf("load table %s", name), err)
				}
			}
		}
		stmt.Close()
	}
	if err := tx.Commit(); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("create table %s", name), err)
	}
	d.tables[name] = schema.Copy()
	log.Debug.Printf("%s: created table %s%s with %d rows", d.name, name, schema, batch.Count(batches))
	return nil
}

// DropTable drops the named table. DropTable returns an
// errors.NotExist error if the table does not exist.
func (d *DB) DropTable(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[name]; !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("drop table %s", name))
	}
	if _, err := d.db.ExecContext(ctx, "DROP TABLE "+quote(name)); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("drop table %s", name), err)
	}
	delete(d.tables, name)
	return nil
}

// Schema returns the schema of the named table.
func (d *DB) Schema(name string) (sqltype.Schema, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.tables[name]
	return s, ok
}

// Tables returns the names of the database's tables, sorted.
func (d *DB) Tables() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.tables))
	for name := range d.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Query executes the provided query and returns its result as a set
// of batches of at most batchSize rows; a non-positive batchSize uses
// DefaultBatchSize. A query that produces no rows returns a single,
// empty batch carrying the result schema. Query errors are reported
// as errors.Invalid.
//
// The types of expression columns depend on the result's values: see
// ResultSchema.
func (d *DB) Query(ctx context.Context, query string, batchSize int) ([]*batch.Batch, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, queryError(ctx, query, err)
	}
	defer rows.Close()
	columns, err := rows.ColumnTypes()
	if err != nil {
		return nil, queryError(ctx, query, err)
	}
	schema := sqltype.Schema{
		Names: make([]string, len(columns)),
		Types: make([]sqltype.Type, len(columns)),
	}
	for i, col := range columns {
		schema.Names[i] = col.Name()
		schema.Types[i] = sqltype.ParseDecl(col.DatabaseTypeName())
	}
	var values [][]interface{}
	for rows.Next() {
		row := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, queryError(ctx, query, err)
		}
		values = append(values, row)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(ctx, query, err)
	}
	// Expression columns carry no declared type: their type is the
	// join of their values' types, and remains unknown (Invalid) if
	// every value is null.
	for i, typ := range schema.Types {
		if typ != sqltype.Invalid {
			continue
		}
		for _, row := range values {
			if row[i] != nil {
				typ = sqltype.Join(typ, valueType(row[i]))
			}
		}
		schema.Types[i] = typ
	}
	var (
		batches []*batch.Batch
		cur     *batch.Batch
	)
	for _, row := range values {
		if cur == nil || cur.Len() == batchSize {
			cur = batch.Make(schema, batchSize)
			batches = append(batches, cur)
		}
		if err := cur.Append(row...); err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("query %q", query), err)
		}
	}
	if len(batches) == 0 {
		batches = append(batches, batch.Empty(schema))
	}
	return batches, nil
}

// ResultSchema returns the schema of the provided query's result
// without running it. Columns computed by expressions have no
// declared type; they are reported as sqltype.Invalid.
func (d *DB) ResultSchema(ctx context.Context, query string) (sqltype.Schema, error) {
	// The statement is prepared but never stepped.
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return sqltype.Schema{}, queryError(ctx, query, err)
	}
	defer rows.Close()
	columns, err := rows.ColumnTypes()
	if err != nil {
		return sqltype.Schema{}, queryError(ctx, query, err)
	}
	schema := sqltype.Schema{
		Names: make([]string, len(columns)),
		Types: make([]sqltype.Type, len(columns)),
	}
	for i, col := range columns {
		schema.Names[i] = col.Name()
		schema.Types[i] = sqltype.ParseDecl(col.DatabaseTypeName())
	}
	return schema, nil
}

func valueType(v interface{}) sqltype.Type {
	switch v.(type) {
	case bool:
		return sqltype.Bool
	case int64:
		return sqltype.Int64
	case float64:
		return sqltype.Float64
	default:
		return sqltype.String
	}
}

func queryError(ctx context.Context, query string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.E(errors.Invalid, fmt.Sprintf("query %q", query), err)
}

// Explain returns the query plan for the provided query. A summary
// plan (one line per plan node, indented by depth) is returned unless
// detail is set, in which case the full program listing is returned.
func (d *DB) Explain(ctx context.Context, query string, detail bool) (string, error) {
	if detail {
		return d.explainProgram(ctx, query)
	}
	rows, err := d.db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		return "", queryError(ctx, query, err)
	}
	defer rows.Close()
	var (
		b     strings.Builder
		depth = make(map[int64]int)
	)
	for rows.Next() {
		var (
			id, parent, notused int64
			text                string
		)
		if err := rows.Scan(&id, &parent, &notused, &text); err != nil {
			return "", queryError(ctx, query, err)
		}
		depth[id] = depth[parent] + 1
		fmt.Fprintf(&b, "%s%s\n", strings.Repeat("  ", depth[id]-1), text)
	}
	if err := rows.Err(); err != nil {
		return "", queryError(ctx, query, err)
	}
	return b.String(), nil
}

func (d *DB) explainProgram(ctx context.Context, query string) (string, error) {
	rows, err := d.db.QueryContext(ctx, "EXPLAIN "+query)
	if err != nil {
		return "", queryError(ctx, query, err)
	}
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return "", queryError(ctx, query, err)
	}
	var b strings.Builder
	for rows.Next() {
		row := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", queryError(ctx, query, err)
		}
		for i, v := range row {
			if i > 0 {
				b.WriteByte('\t')
			}
			switch v := v.(type) {
			case nil:
			case []byte:
				b.Write(v)
			default:
				fmt.Fprint(&b, v)
			}
		}
		b.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		return "", queryError(ctx, query, err)
	}
	return b.String(), nil
}
