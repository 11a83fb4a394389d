// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"math/big"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/sqltype"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"
)

// ParquetBatch is the number of rows read from a row group at a time.
const parquetBatch = 256

func openParquet(ctx context.Context, path string) (*parquet.File, error) {
	r, closer, err := openReader(ctx, path)
	if err != nil {
		return nil, err
	}
	defer closer()
	p, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("read %s", path), err)
	}
	f, err := parquet.OpenFile(bytes.NewReader(p), int64(len(p)))
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("open parquet %s", path), err)
	}
	return f, nil
}

// A parquetColumn maps a parquet leaf column to a column type and
// converts its values.
type parquetColumn struct {
	typ     sqltype.Type
	convert func(v parquet.Value) interface{}
}

// parquetTimeLayout formats dates and times so that they sort
// lexically.
const parquetTimeLayout = "2006-01-02 15:04:05.000000000"

// columnOf returns the column mapping of the provided parquet type.
// Common logical types are mapped: dates and timestamps to strings,
// decimals to floats. Other logical and physical types that have no
// faithful representation are rejected.
func columnOf(typ parquet.Type) (parquetColumn, error) {
	if lt := typ.LogicalType(); lt != nil {
		switch {
		case lt.UTF8 != nil, lt.Enum != nil, lt.Json != nil:
			return parquetColumn{sqltype.String, func(v parquet.Value) interface{} { return string(v.ByteArray()) }}, nil
		case lt.UUID != nil:
			return parquetColumn{sqltype.String, func(v parquet.Value) interface{} {
				b := v.ByteArray()
				if len(b) != 16 {
					return fmt.Sprintf("%x", b)
				}
				return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
			}}, nil
		case lt.Integer != nil:
			return parquetColumn{sqltype.Int64, physicalValue}, nil
		case lt.Date != nil:
			return parquetColumn{sqltype.String, func(v parquet.Value) interface{} {
				return time.Unix(int64(v.Int32())*24*60*60, 0).UTC().Format("2006-01-02")
			}}, nil
		case lt.Timestamp != nil:
			unit, err := timeUnit(lt.Timestamp.Unit)
			if err != nil {
				return parquetColumn{}, err
			}
			return parquetColumn{sqltype.String, func(v parquet.Value) interface{} {
				return time.Unix(0, v.Int64()*int64(unit)).UTC().Format(parquetTimeLayout)
			}}, nil
		case lt.Time != nil:
			unit, err := timeUnit(lt.Time.Unit)
			if err != nil {
				return parquetColumn{}, err
			}
			return parquetColumn{sqltype.String, func(v parquet.Value) interface{} {
				var d int64
				if v.Kind() == parquet.Int32 {
					d = int64(v.Int32())
				} else {
					d = v.Int64()
				}
				return time.Unix(0, d*int64(unit)).UTC().Format("15:04:05.000000000")
			}}, nil
		case lt.Decimal != nil:
			scale := int(lt.Decimal.Scale)
			return parquetColumn{sqltype.Float64, func(v parquet.Value) interface{} {
				switch v.Kind() {
				case parquet.Int32:
					return decimal(big.NewInt(int64(v.Int32())), scale)
				case parquet.Int64:
					return decimal(big.NewInt(v.Int64()), scale)
				default:
					return decimal(twosComplement(v.ByteArray()), scale)
				}
			}}, nil
		case lt.Unknown != nil:
			return parquetColumn{sqltype.Invalid, func(parquet.Value) interface{} { return nil }}, nil
		default:
			return parquetColumn{}, fmt.Errorf("logical type %s", lt)
		}
	}
	switch typ.Kind() {
	case parquet.Boolean:
		return parquetColumn{sqltype.Bool, physicalValue}, nil
	case parquet.Int32, parquet.Int64:
		return parquetColumn{sqltype.Int64, physicalValue}, nil
	case parquet.Float, parquet.Double:
		return parquetColumn{sqltype.Float64, physicalValue}, nil
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return parquetColumn{sqltype.String, physicalValue}, nil
	default:
		return parquetColumn{}, fmt.Errorf("physical type %s", typ.Kind())
	}
}

func timeUnit(u format.TimeUnit) (time.Duration, error) {
	switch {
	case u.Millis != nil:
		return time.Millisecond, nil
	case u.Micros != nil:
		return time.Microsecond, nil
	case u.Nanos != nil:
		return time.Nanosecond, nil
	}
	return 0, fmt.Errorf("time unit %s", &u)
}

// decimal returns the value unscaled*10^-scale as the nearest float64.
func decimal(unscaled *big.Int, scale int) float64 {
	r := new(big.Rat).SetInt(unscaled)
	r.Quo(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)))
	f, _ := r.Float64()
	return f
}

// twosComplement returns the integer encoded in b as a big-endian
// two's complement number.
func twosComplement(b []byte) *big.Int {
	x := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), uint(len(b))*8))
	}
	return x
}

// fileSchema returns the flat schema of a parquet file, together with
// the mapping of each of its columns. Nested (group) columns are not
// supported.
func fileSchema(path string, f *parquet.File) (sqltype.Schema, []parquetColumn, error) {
	var (
		s       sqltype.Schema
		columns []parquetColumn
	)
	for _, field := range f.Schema().Fields() {
		if !field.Leaf() {
			return sqltype.Schema{}, nil, errors.E(errors.NotSupported,
				fmt.Sprintf("read %s: nested column %s", path, field.Name()))
		}
		col, err := columnOf(field.Type())
		if err != nil {
			return sqltype.Schema{}, nil, errors.E(errors.NotSupported,
				fmt.Sprintf("read %s: column %s", path, field.Name()), err)
		}
		// Columns of the null logical type are strings, as are CSV
		// columns with no values.
		typ := col.typ
		if typ == sqltype.Invalid {
			typ = sqltype.String
		}
		s.Names = append(s.Names, field.Name())
		s.Types = append(s.Types, typ)
		columns = append(columns, col)
	}
	return s, columns, nil
}

func parquetSchema(ctx context.Context, path string) (sqltype.Schema, error) {
	f, err := openParquet(ctx, path)
	if err != nil {
		return sqltype.Schema{}, err
	}
	schema, _, err := fileSchema(path, f)
	return schema, err
}

// PhysicalValue returns the value of a column without a logical type.
func physicalValue(v parquet.Value) interface{} {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return string(v.ByteArray())
	}
}

func readParquet(ctx context.Context, path string, schema sqltype.Schema, opts Options) ([]*batch.Batch, error) {
	f, err := openParquet(ctx, path)
	if err != nil {
		return nil, err
	}
	fs, columns, err := fileSchema(path, f)
	if err != nil {
		return nil, err
	}
	index := make([]int, schema.NumColumn())
	for i, name := range schema.Names {
		if index[i] = fs.Index(name); index[i] < 0 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("read %s: column %s not in file", path, name))
		}
	}
	var (
		b       = &batcher{schema: schema, size: opts.batchSize()}
		limiter = newRowLimiter(opts)
		values  = make([]interface{}, fs.NumColumn())
		row     = make([]interface{}, schema.NumColumn())
		buf     = make([]parquet.Row, parquetBatch)
	)
	for _, rg := range f.RowGroups() {
		if limiter.Done() {
			break
		}
		rows := rg.Rows()
		for !limiter.Done() {
			n, err := rows.ReadRows(buf)
			for i := 0; i < n && !limiter.Done(); i++ {
				if !limiter.Next() {
					continue
				}
				for j := range values {
					values[j] = nil
				}
				for _, v := range buf[i] {
					if c := v.Column(); c >= 0 && c < len(values) && !v.IsNull() {
						values[c] = columns[c].convert(v)
					}
				}
				for k, j := range index {
					row[k] = values[j]
				}
				if err := b.Append(row); err != nil {
					rows.Close()
					return nil, errors.E(errors.Integrity, fmt.Sprintf("read %s", path), err)
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				return nil, errors.E(fmt.Sprintf("read %s", path), err)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	return b.Batches(), nil
}
