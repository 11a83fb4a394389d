// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package source reads tabular source files into batches. Files are
// opened through github.com/grailbio/base/file, so any path supported
// by a registered implementation (local paths, s3://...) may be read.
//
// Schemas are inferred once, over the full set of source files, by
// ParseSchema; Read then decodes a single file into batches of that
// schema. Workers that read disjoint subsets of the same source thus
// agree on the table schema, regardless of which values they happen
// to observe.
package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/sqltype"
)

// DefaultBatchSize is the default number of rows in each batch
// produced by Read.
const DefaultBatchSize = 4096

// A FileType is the format of a source file.
type FileType int

const (
	// Auto detects the file type from the file's extension.
	Auto FileType = iota
	// CSV is a delimited text file, with a header row by default.
	CSV
	// Parquet is an Apache Parquet file.
	Parquet
	// ORC is an Apache ORC file. ORC files are recognized but not
	// supported.
	ORC
)

var fileTypes = [...]string{
	Auto:    "auto",
	CSV:     "csv",
	Parquet: "parquet",
	ORC:     "orc",
}

// String returns the file type's name.
func (t FileType) String() string {
	if t < 0 || int(t) >= len(fileTypes) {
		return fmt.Sprintf("filetype(%d)", int(t))
	}
	return fileTypes[t]
}

// ParseFileType returns the file type with the provided name.
func ParseFileType(name string) (FileType, error) {
	for t, n := range fileTypes {
		if n == strings.ToLower(name) {
			return FileType(t), nil
		}
	}
	return Auto, errors.E(errors.Invalid, fmt.Sprintf("unknown file type %q", name))
}

// Detect returns the file type of path, as determined by its
// extension, ignoring any compression extension. Detect returns Auto
// if the type cannot be determined.
func Detect(path string) FileType {
	path = strings.ToLower(path)
	for _, suffix := range []string{".gz", ".zst", ".bz2"} {
		path = strings.TrimSuffix(path, suffix)
	}
	switch {
	case strings.HasSuffix(path, ".csv"), strings.HasSuffix(path, ".tsv"), strings.HasSuffix(path, ".txt"):
		return CSV
	case strings.HasSuffix(path, ".parquet"), strings.HasSuffix(path, ".parq"):
		return Parquet
	case strings.HasSuffix(path, ".orc"):
		return ORC
	}
	return Auto
}

// Options configures how source files are read.
type Options struct {
	// Columns, if non-empty, projects the source onto the named
	// columns, in the given order.
	Columns []string
	// SkipRows is the number of leading data rows skipped in each file.
	SkipRows int
	// NumRows, if positive, limits the number of rows read from each
	// file (after skipping).
	NumRows int
	// Delimiter is the CSV field delimiter. It defaults to ','.
	Delimiter rune
	// NoHeader indicates that CSV files do not carry a header row.
	// Columns are then named "c0", "c1", and so on.
	NoHeader bool
	// BatchSize is the maximum number of rows in each batch returned
	// by Read. It defaults to DefaultBatchSize.
	BatchSize int
}

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

func resolve(path string, typ FileType) (FileType, error) {
	if typ == Auto {
		typ = Detect(path)
	}
	switch typ {
	case CSV, Parquet:
		return typ, nil
	case Auto:
		return Auto, errors.E(errors.Invalid, fmt.Sprintf("cannot determine file type of %s", path))
	default:
		return typ, errors.E(errors.NotSupported, fmt.Sprintf("read %s: %s files are not supported", path, typ))
	}
}

// ParseSchema infers the schema of the table formed by the
// concatenation of the provided source files. Every file must carry
// the same column names; column types are unified across files, so
// that a column with integers in one file and floats in another is a
// Float64 column. ParseSchema returns an errors.Integrity error if the
// files' column names disagree.
func ParseSchema(ctx context.Context, paths []string, typ FileType, opts Options) (sqltype.Schema, error) {
	if len(paths) == 0 {
		return sqltype.Schema{}, errors.E(errors.Invalid, "parse schema: no source files")
	}
	var (
		schema sqltype.Schema
		first  string
	)
	for _, path := range paths {
		ft, err := resolve(path, typ)
		if err != nil {
			return sqltype.Schema{}, err
		}
		var s sqltype.Schema
		switch ft {
		case CSV:
			s, err = inferCSV(ctx, path, opts)
		case Parquet:
			s, err = parquetSchema(ctx, path)
		}
		if err != nil {
			return sqltype.Schema{}, err
		}
		if first == "" {
			schema, first = s, path
			continue
		}
		if schema, err = unify(schema, s); err != nil {
			return sqltype.Schema{}, errors.E(errors.Integrity,
				fmt.Sprintf("parse schema: %s and %s", first, path), err)
		}
	}
	for i, typ := range schema.Types {
		if typ == sqltype.Invalid {
			schema.Types[i] = sqltype.String
		}
	}
	projected, _, err := schema.Project(opts.Columns)
	if err != nil {
		return sqltype.Schema{}, errors.E(errors.Invalid, err)
	}
	return projected, nil
}

// Unify returns the schema that can represent values of both s and t.
func unify(s, t sqltype.Schema) (sqltype.Schema, error) {
	if s.NumColumn() != t.NumColumn() {
		return sqltype.Schema{}, fmt.Errorf("column sets differ: %s, %s", s, t)
	}
	u := s.Copy()
	for i := range s.Names {
		if s.Names[i] != t.Names[i] {
			return sqltype.Schema{}, fmt.Errorf("column sets differ: %s, %s", s, t)
		}
		u.Types[i] = unifyType(s.Types[i], t.Types[i])
	}
	return u, nil
}

func unifyType(a, b sqltype.Type) sqltype.Type {
	switch {
	case a == b:
		return a
	case a == sqltype.Invalid:
		return b
	case b == sqltype.Invalid:
		return a
	case (a == sqltype.Int64 && b == sqltype.Float64) || (a == sqltype.Float64 && b == sqltype.Int64):
		return sqltype.Float64
	default:
		return sqltype.String
	}
}

// Read reads the source file at path into batches of the provided
// schema, which is usually computed by ParseSchema over the full
// source. Read returns an errors.Integrity error if the file's columns
// do not contain the schema's, or if a value cannot be represented in
// its column's type.
func Read(ctx context.Context, path string, typ FileType, schema sqltype.Schema, opts Options) ([]*batch.Batch, error) {
	ft, err := resolve(path, typ)
	if err != nil {
		return nil, err
	}
	var batches []*batch.Batch
	switch ft {
	case CSV:
		batches, err = readCSV(ctx, path, schema, opts)
	case Parquet:
		batches, err = readParquet(ctx, path, schema, opts)
	}
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		batches = []*batch.Batch{batch.Empty(schema)}
	}
	return batches, nil
}

// rowLimiter applies the SkipRows and NumRows options to a stream of
// rows.
type rowLimiter struct {
	skip, remaining int
}

func newRowLimiter(opts Options) *rowLimiter {
	l := &rowLimiter{skip: opts.SkipRows, remaining: -1}
	if opts.NumRows > 0 {
		l.remaining = opts.NumRows
	}
	return l
}

// Next tells whether the next row should be kept. Done reports
// whether no more rows will be kept.
func (l *rowLimiter) Next() bool {
	if l.skip > 0 {
		l.skip--
		return false
	}
	if l.remaining > 0 {
		l.remaining--
	}
	return true
}

func (l *rowLimiter) Done() bool { return l.remaining == 0 }

// batcher accumulates rows into batches of bounded size.
type batcher struct {
	schema  sqltype.Schema
	size    int
	cur     *batch.Batch
	batches []*batch.Batch
}

func (b *batcher) Append(row []interface{}) error {
	if b.cur == nil {
		b.cur = batch.Make(b.schema, b.size)
	}
	if err := b.cur.Append(row...); err != nil {
		return err
	}
	if b.cur.Len() == b.size {
		b.batches = append(b.batches, b.cur)
		b.cur = nil
	}
	return nil
}

func (b *batcher) Batches() []*batch.Batch {
	if b.cur != nil && b.cur.Len() > 0 {
		b.batches = append(b.batches, b.cur)
		b.cur = nil
	}
	return b.batches
}

// OpenReader opens the file at path for reading. Files compressed with
// gzip, zstd, or bzip2, as indicated by their extension, are
// decompressed.
func openReader(ctx context.Context, path string) (io.Reader, func(), error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	r, _ := compress.NewReaderPath(f.Reader(ctx), path)
	return r, func() {
		if err := r.Close(); err != nil {
			log.Error.Printf("close %s: %v", path, err)
		}
		if err := f.Close(ctx); err != nil {
			log.Error.Printf("close %s: %v", path, err)
		}
	}, nil
}
