// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package batchio provides streams of result batches and their wire
// encoding.
package batchio

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/sqlcluster/batch"
)

// EOF is the error returned by Reader.Read when no more batches are
// available. EOF is a sentinel: it signals the graceful end of a
// stream. Streams that terminate unexpectedly return other errors.
var EOF = errors.New("EOF")

// A Reader is a stateful stream of batches. Read should not be called
// concurrently.
type Reader interface {
	// Read returns the next batch in the stream, or EOF when the
	// stream is exhausted.
	Read(ctx context.Context) (*batch.Batch, error)
}

// A ReadCloser is a Reader that must be closed to release its
// resources.
type ReadCloser interface {
	Reader
	Close() error
}

// ReadAll reads every batch from r until EOF. Batches read before an
// error are returned together with the error.
func ReadAll(ctx context.Context, r Reader) ([]*batch.Batch, error) {
	var batches []*batch.Batch
	for {
		b, err := r.Read(ctx)
		if err == EOF {
			return batches, nil
		}
		if err != nil {
			return batches, err
		}
		batches = append(batches, b)
	}
}
