// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/sqltype"
)

// csvFile scans the data rows of a CSV file, applying the row
// options.
type csvFile struct {
	path    string
	header  []string
	reader  *csv.Reader
	limiter *rowLimiter
	close   func()
}

func openCSV(ctx context.Context, path string, opts Options) (*csvFile, error) {
	r, closer, err := openReader(ctx, path)
	if err != nil {
		return nil, err
	}
	c := &csvFile{path: path, reader: csv.NewReader(r), limiter: newRowLimiter(opts), close: closer}
	if opts.Delimiter != 0 {
		c.reader.Comma = opts.Delimiter
	}
	c.reader.ReuseRecord = true
	first, err := c.reader.Read()
	if err == io.EOF {
		// An empty file has no columns.
		return c, nil
	}
	if err != nil {
		closer()
		return nil, errors.E(errors.Invalid, fmt.Sprintf("read %s", path), err)
	}
	if opts.NoHeader {
		c.header = make([]string, len(first))
		for i := range c.header {
			c.header[i] = fmt.Sprintf("c%d", i)
		}
		// The first record is data; rewind by re-opening.
		closer()
		r, c.close, err = openReader(ctx, path)
		if err != nil {
			return nil, err
		}
		c.reader = csv.NewReader(r)
		if opts.Delimiter != 0 {
			c.reader.Comma = opts.Delimiter
		}
		c.reader.ReuseRecord = true
	} else {
		c.header = append([]string(nil), first...)
	}
	return c, nil
}

// Scan calls fn for each kept data row. The record passed to fn is
// reused between calls.
func (c *csvFile) Scan(fn func(record []string) error) error {
	if c.header == nil {
		return nil
	}
	for !c.limiter.Done() {
		record, err := c.reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("read %s", c.path), err)
		}
		if !c.limiter.Next() {
			continue
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

func (c *csvFile) Close() { c.close() }

// InferCSV infers the schema of a CSV file by examining every kept
// row. A column's type is the narrowest of Bool, Int64, Float64, and
// String that can represent all of its non-empty values; columns with
// only empty values are left Invalid so that they may be unified with
// other files.
func inferCSV(ctx context.Context, path string, opts Options) (sqltype.Schema, error) {
	c, err := openCSV(ctx, path, opts)
	if err != nil {
		return sqltype.Schema{}, err
	}
	defer c.Close()
	types := make([]sqltype.Type, len(c.header))
	err = c.Scan(func(record []string) error {
		if len(record) != len(types) {
			return errors.E(errors.Integrity, fmt.Sprintf("read %s: record has %d fields, header %d", path, len(record), len(types)))
		}
		for i, field := range record {
			if field == "" {
				continue
			}
			types[i] = unifyType(types[i], inferField(field))
		}
		return nil
	})
	if err != nil {
		return sqltype.Schema{}, err
	}
	return sqltype.New(c.header, types), nil
}

func inferField(field string) sqltype.Type {
	if _, err := strconv.ParseInt(field, 10, 64); err == nil {
		return sqltype.Int64
	}
	if _, err := strconv.ParseFloat(field, 64); err == nil {
		return sqltype.Float64
	}
	if field == "true" || field == "false" {
		return sqltype.Bool
	}
	return sqltype.String
}

func readCSV(ctx context.Context, path string, schema sqltype.Schema, opts Options) ([]*batch.Batch, error) {
	c, err := openCSV(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if c.header == nil {
		return nil, nil
	}
	index := make([]int, schema.NumColumn())
	for i, name := range schema.Names {
		index[i] = -1
		for j, h := range c.header {
			if h == name {
				index[i] = j
				break
			}
		}
		if index[i] < 0 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("read %s: column %s not in file", path, name))
		}
	}
	var (
		b   = &batcher{schema: schema, size: opts.batchSize()}
		row = make([]interface{}, schema.NumColumn())
	)
	err = c.Scan(func(record []string) error {
		if len(record) != len(c.header) {
			return errors.E(errors.Integrity, fmt.Sprintf("read %s: record has %d fields, header %d", path, len(record), len(c.header)))
		}
		for i, j := range index {
			v, err := parseField(schema.Types[i], record[j])
			if err != nil {
				return errors.E(errors.Integrity, fmt.Sprintf("read %s: column %s", path, schema.Names[i]), err)
			}
			row[i] = v
		}
		return b.Append(row)
	})
	if err != nil {
		return nil, err
	}
	return b.Batches(), nil
}

func parseField(typ sqltype.Type, field string) (interface{}, error) {
	if field == "" {
		return nil, nil
	}
	switch typ {
	case sqltype.Bool:
		return strconv.ParseBool(field)
	case sqltype.Int64:
		return strconv.ParseInt(field, 10, 64)
	case sqltype.Float64:
		return strconv.ParseFloat(field, 64)
	default:
		return field, nil
	}
}
