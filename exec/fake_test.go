// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/batchio"
	"github.com/grailbio/sqlcluster/sqltype"
)

// fakeWorker is a worker whose query results are canned. It counts
// the queries it is asked to run.
type fakeWorker struct {
	*lifecycle
	// Delay is the time taken by each query.
	delay time.Duration
	// Block makes queries run until canceled or killed.
	block   bool
	batches []*batch.Batch
	err     error

	store   *memoryStore
	queries int32
	puts    int32
}

func newFakeWorker(id int, delay time.Duration, batches ...*batch.Batch) *fakeWorker {
	return &fakeWorker{
		lifecycle: newLifecycle(id),
		delay:     delay,
		batches:   batches,
		store:     newMemoryStore(),
	}
}

// testWorkers configures a cluster with the provided workers.
func testWorkers(workers ...Worker) Option {
	return func(c *Cluster) {
		c.workers = workers
	}
}

func (f *fakeWorker) ID() int { return f.id }

func (f *fakeWorker) CreateContext(ctx context.Context, config ContextConfig) error {
	f.Ready()
	return nil
}

func (f *fakeWorker) SQL(ctx context.Context, query string, token Token) ([]*batch.Batch, error) {
	atomic.AddInt32(&f.queries, 1)
	err := f.Do(ctx, "sql", func(ctx context.Context) error {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if f.block {
			<-ctx.Done()
			return ctx.Err()
		}
		return f.err
	})
	if err != nil {
		return nil, err
	}
	return f.batches, nil
}

func (f *fakeWorker) CreateTable(ctx context.Context, name string, src TableSource) error {
	return f.Do(ctx, "create table", func(ctx context.Context) error {
		if src.Ref == nil {
			return nil
		}
		_, err := f.Pull(ctx, *src.Ref)
		return err
	})
}

func (f *fakeWorker) DropTable(ctx context.Context, name string) error {
	return f.Do(ctx, "drop table", func(context.Context) error { return nil })
}

func (f *fakeWorker) Explain(ctx context.Context, query string, detail bool) (string, error) {
	return "", nil
}

func (f *fakeWorker) Put(ctx context.Context, ref Reference, batches []*batch.Batch) error {
	atomic.AddInt32(&f.puts, 1)
	return f.Do(ctx, "put", func(ctx context.Context) error {
		p, err := batchio.Marshal(batches)
		if err != nil {
			return err
		}
		return f.store.Put(ctx, ref, p)
	})
}

func (f *fakeWorker) Pull(ctx context.Context, ref Reference) ([]*batch.Batch, error) {
	p, err := f.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return batchio.Unmarshal(p)
}

func (f *fakeWorker) Release(ctx context.Context, token Token) error {
	return f.store.Release(ctx, token)
}

func (f *fakeWorker) Kill() { f.lifecycle.Kill() }

type fakePlanner string

func (p fakePlanner) Explain(ctx context.Context, query string, detail bool) (string, error) {
	return string(p), nil
}

var markSchema = sqltype.New([]string{"worker"}, []sqltype.Type{sqltype.Int64})

// markBatch returns a one-row batch carrying the value id.
func markBatch(id int) *batch.Batch {
	b := batch.Make(markSchema, 1)
	if err := b.Append(id); err != nil {
		panic(err)
	}
	return b
}
