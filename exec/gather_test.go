// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/batchio"
	"github.com/grailbio/sqlcluster/sqltype"
)

func startFake(t *testing.T, workers ...Worker) *Cluster {
	t.Helper()
	c, err := Start(context.Background(), testWorkers(workers...))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func marks(t *testing.T, g *Gather) ([]int64, error) {
	t.Helper()
	var ids []int64
	for {
		b, err := g.Read(context.Background())
		if err == batchio.EOF {
			return ids, nil
		}
		if err != nil {
			return ids, err
		}
		for i := 0; i < b.Len(); i++ {
			ids = append(ids, b.Value(0, i).(int64))
		}
	}
}

func TestGatherArrivalOrder(t *testing.T) {
	var (
		slow = newFakeWorker(0, 500*time.Millisecond, markBatch(0))
		fast = newFakeWorker(1, 10*time.Millisecond, markBatch(1))
	)
	c := startFake(t, slow, fast)
	defer c.Shutdown()
	g, err := c.SQL(context.Background(), "SELECT worker FROM marks")
	if err != nil {
		t.Fatal(err)
	}
	ids, err := marks(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids, []int64{1, 0}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.Schema(), markSchema; !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGatherPartialError(t *testing.T) {
	var (
		ok     = newFakeWorker(0, 0, markBatch(0))
		failed = newFakeWorker(1, 200*time.Millisecond)
	)
	failed.err = errors.E(errors.Invalid, "no such column")
	c := startFake(t, ok, failed)
	defer c.Shutdown()
	g, err := c.SQL(context.Background(), "SELECT nope FROM marks")
	if err != nil {
		t.Fatal(err)
	}
	ids, err := marks(t, g)
	if !IsExecution(err) {
		t.Fatalf("expected execution error, got %v", err)
	}
	// Batches returned before the failure remain observable.
	if got, want := ids, []int64{0}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// The error is sticky.
	if _, err := g.Read(context.Background()); !IsExecution(err) {
		t.Errorf("expected execution error, got %v", err)
	}
}

func TestGatherEmptyBatches(t *testing.T) {
	c := startFake(t,
		newFakeWorker(0, 0, batch.Empty(markSchema)),
		newFakeWorker(1, 0, markBatch(1), batch.Empty(markSchema)),
	)
	defer c.Shutdown()
	g, err := c.SQL(context.Background(), "SELECT worker FROM marks")
	if err != nil {
		t.Fatal(err)
	}
	batches, err := g.ReadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(batches), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := g.Schema(), markSchema; !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func valueBatch(typ sqltype.Type, values ...interface{}) *batch.Batch {
	b := batch.Make(sqltype.New([]string{"v"}, []sqltype.Type{typ}), len(values))
	for _, v := range values {
		if err := b.Append(v); err != nil {
			panic(err)
		}
	}
	return b
}

func TestGatherUnify(t *testing.T) {
	c := startFake(t,
		newFakeWorker(0, 10*time.Millisecond, valueBatch(sqltype.Int64, 1)),
		newFakeWorker(1, 200*time.Millisecond, valueBatch(sqltype.Float64, 1.5)),
		newFakeWorker(2, 0, valueBatch(sqltype.Invalid, nil)),
	)
	defer c.Shutdown()
	g, err := c.SQL(context.Background(), "SELECT 1 AS v")
	if err != nil {
		t.Fatal(err)
	}
	batches, err := g.ReadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := sqltype.New([]string{"v"}, []sqltype.Type{sqltype.Float64})
	if got := g.Schema(); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	var values []interface{}
	for _, b := range batches {
		if !b.Schema.Equal(want) {
			t.Errorf("batch schema %v, want %v", b.Schema, want)
		}
		for i := 0; i < b.Len(); i++ {
			values = append(values, b.Value(0, i))
		}
	}
	// Batches are still returned in order of completion.
	if got, want := values, []interface{}{nil, 1.0, 1.5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGatherSchemaMismatch(t *testing.T) {
	c := startFake(t,
		newFakeWorker(0, 0, markBatch(0)),
		newFakeWorker(1, 100*time.Millisecond, valueBatch(sqltype.Int64, 1)),
	)
	defer c.Shutdown()
	g, err := c.SQL(context.Background(), "SELECT worker FROM marks")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.ReadAll(context.Background()); !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestStaticallyEmpty(t *testing.T) {
	workers := []*fakeWorker{
		newFakeWorker(0, 0, markBatch(0)),
		newFakeWorker(1, 0, markBatch(1)),
	}
	c, err := Start(context.Background(),
		testWorkers(workers[0], workers[1]),
		Planner(fakePlanner("LogicalProject(worker=[$0])\n  LogicalValues(tuples=[[]])\n")),
		EmptyPlan(`LogicalValues\(tuples=\[\[\]\]\)`),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()
	g, err := c.SQL(context.Background(), "SELECT worker FROM marks WHERE 1 = 0")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Read(context.Background()); err != batchio.EOF {
		t.Fatalf("got %v, want EOF", err)
	}
	for _, w := range workers {
		if got, want := atomic.LoadInt32(&w.queries), int32(0); got != want {
			t.Errorf("worker %d: got %v, want %v", w.ID(), got, want)
		}
	}

	// Other plans are dispatched.
	c.planner = fakePlanner("LogicalProject(worker=[$0])\n  LogicalTableScan(table=[[marks]])\n")
	g, err = c.SQL(context.Background(), "SELECT worker FROM marks")
	if err != nil {
		t.Fatal(err)
	}
	ids, err := marks(t, g)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(ids), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, w := range workers {
		if got, want := atomic.LoadInt32(&w.queries), int32(1); got != want {
			t.Errorf("worker %d: got %v, want %v", w.ID(), got, want)
		}
	}
}

// Empty plan detection is disabled by default.
func TestEmptyPlanDisabled(t *testing.T) {
	w := newFakeWorker(0, 0, markBatch(0))
	c, err := Start(context.Background(),
		testWorkers(w),
		Planner(fakePlanner("LogicalValues(tuples=[[]])")),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()
	g, err := c.SQL(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.ReadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, want := atomic.LoadInt32(&w.queries), int32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestKillPending(t *testing.T) {
	var (
		done    = newFakeWorker(0, 0, markBatch(0))
		pending = newFakeWorker(1, 0, markBatch(1))
	)
	pending.block = true
	c := startFake(t, done, pending)
	defer c.Shutdown()
	g, err := c.SQL(context.Background(), "SELECT worker FROM marks")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := g.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := b.Value(0, 0), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	time.AfterFunc(50*time.Millisecond, func() { c.Kill(1) })
	_, err = g.Read(ctx)
	if !IsWorkerUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if got, want := pending.State(), WorkerTerminated; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Subsequent operations fail immediately.
	if _, err := pending.SQL(ctx, "SELECT 1", 0); !IsWorkerUnavailable(err) {
		t.Errorf("expected unavailable error, got %v", err)
	}
}

func TestGatherClose(t *testing.T) {
	w := newFakeWorker(0, 0)
	w.block = true
	c := startFake(t, w)
	defer c.Shutdown()
	g, err := c.SQL(context.Background(), "SELECT 1")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Read(context.Background()); !errors.Is(errors.Canceled, err) {
		t.Errorf("expected canceled error, got %v", err)
	}
}

func TestGatherAll(t *testing.T) {
	workers := []Worker{newFakeWorker(0, 0), newFakeWorker(1, 0), newFakeWorker(2, 0)}
	var calls int32
	err := gatherAll(context.Background(), "op", workers, func(ctx context.Context, w Worker) error {
		atomic.AddInt32(&calls, 1)
		if w.ID() == 1 {
			return errors.E(errors.NotExist, "missing")
		}
		return nil
	})
	if !IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
	// Every worker is run, regardless of failures.
	if got, want := calls, int32(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
