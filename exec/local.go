// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/batchio"
)

// LocalWorker is a worker that runs in-process, in separate
// goroutines. Local workers of a cluster share a single channel
// store, so that payloads broadcast to them are registered only once.
type localWorker struct {
	*lifecycle
	w *worker
}

func newLocalWorker(id int, shared store) *localWorker {
	return &localWorker{lifecycle: newLifecycle(id), w: newWorker(shared)}
}

func (l *localWorker) ID() int { return l.id }

// SharedStore returns the store shared by the cluster's local
// workers.
func (l *localWorker) sharedStore() store { return l.w.getStore() }

func (l *localWorker) CreateContext(ctx context.Context, config ContextConfig) error {
	err := l.Do(ctx, "create context", func(ctx context.Context) error {
		return l.w.createContext(ctx, config)
	})
	if err == nil {
		l.Ready()
	}
	return err
}

func (l *localWorker) SQL(ctx context.Context, query string, token Token) ([]*batch.Batch, error) {
	var batches []*batch.Batch
	err := l.Do(ctx, "sql", func(ctx context.Context) error {
		var err error
		batches, err = l.w.sql(ctx, query, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (l *localWorker) CreateTable(ctx context.Context, name string, src TableSource) error {
	return l.Do(ctx, "create table", func(ctx context.Context) error {
		return l.w.createTable(ctx, name, src)
	})
}

func (l *localWorker) DropTable(ctx context.Context, name string) error {
	return l.Do(ctx, "drop table", func(ctx context.Context) error {
		return l.w.dropTable(ctx, name)
	})
}

func (l *localWorker) Explain(ctx context.Context, query string, detail bool) (string, error) {
	var plan string
	err := l.Do(ctx, "explain", func(ctx context.Context) error {
		var err error
		plan, err = l.w.explain(ctx, query, detail)
		return err
	})
	if err != nil {
		return "", err
	}
	return plan, nil
}

func (l *localWorker) Put(ctx context.Context, ref Reference, batches []*batch.Batch) error {
	return l.Do(ctx, "put", func(ctx context.Context) error {
		p, err := batchio.Marshal(batches)
		if err != nil {
			return err
		}
		return l.w.put(ctx, ref, p)
	})
}

func (l *localWorker) Pull(ctx context.Context, ref Reference) ([]*batch.Batch, error) {
	var batches []*batch.Batch
	err := l.Do(ctx, "pull", func(ctx context.Context) error {
		var err error
		batches, err = l.w.pull(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (l *localWorker) Release(ctx context.Context, token Token) error {
	return l.Do(ctx, "release", func(ctx context.Context) error {
		return l.w.release(ctx, token)
	})
}

// Kill terminates the worker and closes its engine. The shared store
// is owned by the cluster and is left intact.
func (l *localWorker) Kill() {
	if l.lifecycle.Kill() {
		l.w.close()
	}
}
