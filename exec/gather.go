// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/batchio"
	"github.com/grailbio/sqlcluster/sqltype"
)

// A pending result is the eventual output of one worker's part of a
// streaming operation. It is resolved exactly once.
type pending struct {
	worker  int
	batches []*batch.Batch
	err     error
}

// A Gather merges the results of a query dispatched to every worker
// of a cluster. Each worker's batches are returned as soon as the
// worker completes, in order of completion, so that a slow worker
// does not hold back results from faster ones.
//
// Every batch returned by a Gather has the gather's schema. Workers
// infer the types of expression columns from their own values, so
// that their schemas may differ: a worker with no values for a column
// cannot type it, and a worker may see only integers where another
// sees floats. The gather unifies worker schemas (see sqltype.Join)
// and converts batches to the unified schema. When the result's
// schema is not known at dispatch, batches are held until every
// worker has completed, so that no batch is returned before its
// schema is final.
//
// If a worker fails, Read returns its error once the batches of
// workers that completed before it have been returned; those batches
// are not retracted. A Gather is thus advisory about completeness on
// error. Gathers are not safe for concurrent use.
type Gather struct {
	token   Token
	cancel  func()
	resultc chan pending
	npend   int
	task    *status.Task
	hold    bool

	schema sqltype.Schema
	held   []*batch.Batch
	queue  []*batch.Batch
	err    error
}

// Dispatch starts fn on every worker and returns a Gather over the
// results. The workers' contexts are derived from ctx; they are
// canceled when the gather fails or is closed. If hold is set, results
// are returned only once every worker has completed.
func dispatch(ctx context.Context, token Token, workers []Worker, task *status.Task, hold bool, fn func(ctx context.Context, w Worker) ([]*batch.Batch, error)) *Gather {
	ctx, cancel := context.WithCancel(ctx)
	g := &Gather{
		token:   token,
		cancel:  cancel,
		resultc: make(chan pending, len(workers)),
		npend:   len(workers),
		task:    task,
		hold:    hold,
	}
	for _, w := range workers {
		w := w
		go func() {
			batches, err := fn(ctx, w)
			g.resultc <- pending{w.ID(), batches, err}
		}()
	}
	g.printf("dispatched to %d workers", len(workers))
	return g
}

// emptyGather returns a completed Gather with no results.
func emptyGather(token Token, task *status.Task) *Gather {
	g := &Gather{token: token, cancel: func() {}, task: task}
	g.printf("statically empty")
	g.done()
	return g
}

// Token returns the token of the gathered operation.
func (g *Gather) Token() Token { return g.token }

// Schema returns the unified schema of the worker results received
// so far, or the zero schema if no worker has completed.
func (g *Gather) Schema() sqltype.Schema { return g.schema }

// Read returns the next result batch. Read returns batchio.EOF when
// every worker's results have been returned. Zero-row batches are not
// returned, though their schemas are recorded.
func (g *Gather) Read(ctx context.Context) (*batch.Batch, error) {
	for {
		if len(g.queue) > 0 {
			b := g.queue[0]
			g.queue = g.queue[1:]
			return b, nil
		}
		if g.err != nil {
			return nil, g.err
		}
		if g.npend == 0 {
			return nil, batchio.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case p := <-g.resultc:
			g.npend--
			if p.err == nil {
				p.err = g.add(p.batches)
			}
			if p.err != nil {
				g.err = errors.E(fmt.Sprintf("%s: worker %d", g.token, p.worker), p.err)
				g.cancel()
				g.printf("failed: %v", p.err)
				g.done()
				if err := g.flush(); err != nil {
					log.Error.Printf("%s: %v", g.token, err)
				}
				continue
			}
			if g.npend == 0 {
				if err := g.flush(); err != nil {
					g.err = err
				}
				g.printf("complete")
				g.done()
			} else {
				g.printf("draining: %d workers pending", g.npend)
			}
		}
	}
}

// Add unifies the schemas of a worker's batches with the gather's,
// and queues (or holds) those with rows.
func (g *Gather) add(batches []*batch.Batch) error {
	for _, b := range batches {
		if g.schema.IsZero() {
			g.schema = b.Schema.Copy()
		} else {
			schema, ok := g.schema.Unify(b.Schema)
			if !ok {
				return errors.E(errors.Integrity, fmt.Sprintf("result schema %s differs from %s", b.Schema, g.schema))
			}
			g.schema = schema
		}
		if b.Len() == 0 {
			continue
		}
		if g.hold {
			g.held = append(g.held, b)
			continue
		}
		g.schema = g.schema.Resolve()
		b, err := batch.Convert(b, g.schema)
		if err != nil {
			return errors.E(errors.Integrity, err)
		}
		g.queue = append(g.queue, b)
	}
	return nil
}

// Flush queues the held batches, converted to the gather's schema.
func (g *Gather) flush() error {
	if !g.schema.IsZero() {
		g.schema = g.schema.Resolve()
	}
	held := g.held
	g.held = nil
	for _, b := range held {
		b, err := batch.Convert(b, g.schema)
		if err != nil {
			return errors.E(errors.Integrity, g.token.String(), err)
		}
		g.queue = append(g.queue, b)
	}
	return nil
}

// Close abandons the remaining results and cancels outstanding
// worker operations.
func (g *Gather) Close() error {
	g.cancel()
	if g.err == nil && g.npend > 0 {
		g.err = errors.E(errors.Canceled, fmt.Sprintf("%s: gather closed", g.token))
		g.done()
	}
	return nil
}

func (g *Gather) printf(format string, args ...interface{}) {
	if g.task != nil {
		g.task.Printf(format, args...)
	}
}

func (g *Gather) done() {
	if g.task != nil {
		g.task.Done()
		g.task = nil
	}
}

// ReadAll reads every remaining batch from g and closes it. Batches
// read before an error are returned together with the error.
func (g *Gather) ReadAll(ctx context.Context) ([]*batch.Batch, error) {
	defer g.Close()
	return batchio.ReadAll(ctx, g)
}

// gatherAll runs fn on every worker and waits for all of them to
// complete. It returns the first error, in worker order, if any
// worker failed. Workers that succeeded are not rolled back.
func gatherAll(ctx context.Context, op string, workers []Worker, fn func(ctx context.Context, w Worker) error) error {
	var (
		wg   sync.WaitGroup
		errs = make([]error, len(workers))
	)
	for i, w := range workers {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(ctx, w)
		}()
	}
	wg.Wait()
	var (
		first error
		nfail int
	)
	for i, err := range errs {
		if err == nil {
			continue
		}
		nfail++
		if first == nil {
			first = errors.E(fmt.Sprintf("%s: worker %d", op, workers[i].ID()), err)
		}
	}
	if nfail > 1 {
		return errors.E(fmt.Sprintf("%d of %d workers failed", nfail, len(workers)), first)
	}
	return first
}
