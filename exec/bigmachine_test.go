// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
)

func startTestSystem(t *testing.T, nworker int) (*testsystem.System, *Cluster) {
	t.Helper()
	system := testsystem.New()
	system.Machineprocs = 1
	// Customize timeouts so that tests run faster.
	system.KeepalivePeriod = time.Second
	system.KeepaliveTimeout = 5 * time.Second
	system.KeepaliveRpcTimeout = time.Second
	c, err := Start(context.Background(), Bigmachine(system), Workers(nworker))
	if err != nil {
		t.Fatal(err)
	}
	return system, c
}

func TestBigmachineCluster(t *testing.T) {
	system, c := startTestSystem(t, 3)
	defer c.Shutdown()
	if got, want := system.N(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, w := range c.Workers() {
		if got, want := w.State(), WorkerReady; got != want {
			t.Errorf("worker %d: got %v, want %v", w.ID(), got, want)
		}
	}
	ctx := context.Background()
	if err := c.CreateTable(ctx, "numbers", Batches(numbers(7))); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateTable(ctx, "everything", Replicated(numbers(4))); err != nil {
		t.Fatal(err)
	}
	if got, want := ints(t, c, "SELECT n FROM numbers"), []int64{0, 1, 2, 3, 4, 5, 6}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ints(t, c, "SELECT count(*) FROM numbers"), []int64{2, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ints(t, c, "SELECT count(*) FROM everything"), []int64{4, 4, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	w, _ := c.Worker(0)
	plan, err := w.Explain(ctx, "SELECT n FROM numbers", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(plan, "SCAN") {
		t.Errorf("unexpected plan %q", plan)
	}

	g, err := c.SQL(ctx, "SELECT nope FROM numbers")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.ReadAll(ctx); !IsExecution(err) {
		t.Errorf("expected execution error, got %v", err)
	}
	if err := c.DropTable(ctx, "numbers"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.SQL(ctx, "SELECT n FROM numbers", 0); !IsExecution(err) {
		t.Errorf("expected execution error, got %v", err)
	}
}

func TestBigmachineKill(t *testing.T) {
	system, c := startTestSystem(t, 2)
	defer c.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.CreateTable(ctx, "numbers", Batches(numbers(4))); err != nil {
		t.Fatal(err)
	}

	// Machines lost underneath the cluster eventually render their
	// workers unavailable.
	lost := c.workers[1].(*machineWorker)
	if !system.Kill(lost.machine) {
		t.Fatal("machine not killed")
	}
	<-lost.machine.Wait(bigmachine.Stopped)
	for lost.State() != WorkerTerminated {
		select {
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	g, err := c.SQL(ctx, "SELECT n FROM numbers")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.ReadAll(ctx); !IsWorkerUnavailable(err) {
		t.Errorf("expected unavailable error, got %v", err)
	}

	// Killing a worker through the cluster cancels its machine.
	if err := c.Kill(0); err != nil {
		t.Fatal(err)
	}
	w, _ := c.Worker(0)
	if _, err := w.SQL(ctx, "SELECT n FROM numbers", 0); !IsWorkerUnavailable(err) {
		t.Errorf("expected unavailable error, got %v", err)
	}
}
