// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/grailbio/sqlcluster/batch"
)

func checkPull(t *testing.T, w Worker, ref Reference, want ...int) {
	t.Helper()
	batches, err := w.Pull(context.Background(), ref)
	if err != nil {
		t.Fatalf("worker %d: pull %s: %v", w.ID(), ref, err)
	}
	if got, want := batch.Count(batches), len(want); got != want {
		t.Fatalf("worker %d: got %v rows, want %v", w.ID(), got, want)
	}
	var i int
	for _, b := range batches {
		for j := 0; j < b.Len(); j++ {
			if got, want := b.Value(0, j), int64(want[i]); got != want {
				t.Errorf("worker %d: row %d: got %v, want %v", w.ID(), i, got, want)
			}
			i++
		}
	}
}

func TestBroadcastShared(t *testing.T) {
	shared := newMemoryStore()
	workers := []Worker{
		newLocalWorker(0, shared),
		newLocalWorker(1, shared),
		newLocalWorker(2, shared),
	}
	ch := newChannel(workers)
	ctx := context.Background()
	refs, err := ch.Broadcast(ctx, 1, []*batch.Batch{markBatch(7), markBatch(8)})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(refs), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	// The payload is registered once, under the key shared by every
	// reference.
	if got, want := len(shared.payloads[1]), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i, w := range workers {
		checkPull(t, w, refs[i], 7, 8)
	}
	// Successive broadcasts are distinct.
	again, err := ch.Broadcast(ctx, 1, []*batch.Batch{markBatch(9)})
	if err != nil {
		t.Fatal(err)
	}
	if again[0] == refs[0] {
		t.Errorf("reference %s reused", refs[0])
	}
	checkPull(t, workers[2], again[2], 9)
}

func TestBroadcastPut(t *testing.T) {
	workers := []*fakeWorker{newFakeWorker(0, 0), newFakeWorker(1, 0)}
	ch := newChannel([]Worker{workers[0], workers[1]})
	refs, err := ch.Broadcast(context.Background(), 3, []*batch.Batch{markBatch(1)})
	if err != nil {
		t.Fatal(err)
	}
	for i, w := range workers {
		if got, want := atomic.LoadInt32(&w.puts), int32(1); got != want {
			t.Errorf("worker %d: got %v, want %v", i, got, want)
		}
		checkPull(t, w, refs[i], 1)
	}
}

func TestBroadcastDedupe(t *testing.T) {
	workers := []*fakeWorker{newFakeWorker(0, 0), newFakeWorker(1, 0)}
	ch := newChannel([]Worker{workers[0], workers[1]})
	ctx := context.Background()
	refs, err := ch.Broadcast(ctx, 3, []*batch.Batch{markBatch(1), markBatch(2)})
	if err != nil {
		t.Fatal(err)
	}
	again, err := ch.Broadcast(ctx, 3, []*batch.Batch{markBatch(1), markBatch(2)})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(again, refs) {
		t.Errorf("got %v, want %v", again, refs)
	}
	for i, w := range workers {
		if got, want := atomic.LoadInt32(&w.puts), int32(1); got != want {
			t.Errorf("worker %d: got %v, want %v", i, got, want)
		}
	}
	// Different contents, or a different token, are transferred.
	other, err := ch.Broadcast(ctx, 3, []*batch.Batch{markBatch(2), markBatch(1)})
	if err != nil {
		t.Fatal(err)
	}
	if other[0] == refs[0] {
		t.Errorf("reference %s reused", refs[0])
	}
	if _, err := ch.Broadcast(ctx, 4, []*batch.Batch{markBatch(1), markBatch(2)}); err != nil {
		t.Fatal(err)
	}
	if got, want := atomic.LoadInt32(&workers[0].puts), int32(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Released payloads are transferred anew.
	if err := ch.Release(ctx, 3); err != nil {
		t.Fatal(err)
	}
	refs, err = ch.Broadcast(ctx, 3, []*batch.Batch{markBatch(1), markBatch(2)})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := atomic.LoadInt32(&workers[1].puts), int32(4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	checkPull(t, workers[1], refs[1], 1, 2)
}

func TestSend(t *testing.T) {
	workers := []*fakeWorker{newFakeWorker(0, 0), newFakeWorker(1, 0)}
	ch := newChannel([]Worker{workers[0], workers[1]})
	ctx := context.Background()
	ref, err := ch.Send(ctx, 1, 5, "t/1", []*batch.Batch{markBatch(1)})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ref.String(), "t5/t/1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	checkPull(t, workers[1], ref, 1)
	// Only the target receives the payload.
	if _, err := workers[0].Pull(ctx, ref); !IsReferenceNotFound(err) {
		t.Errorf("expected reference not found error, got %v", err)
	}
	if _, err := ch.Send(ctx, 2, 5, "t/2", nil); !IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestRelease(t *testing.T) {
	var (
		shared  = newMemoryStore()
		local   = newLocalWorker(0, shared)
		fake    = newFakeWorker(1, 0)
		killed  = newFakeWorker(2, 0)
		workers = []Worker{local, fake, killed}
		ch      = newChannel(workers)
		ctx     = context.Background()
	)
	refs, err := ch.Broadcast(ctx, 4, []*batch.Batch{markBatch(1)})
	if err != nil {
		t.Fatal(err)
	}
	kept, err := ch.Send(ctx, 1, 6, "kept", []*batch.Batch{markBatch(2)})
	if err != nil {
		t.Fatal(err)
	}
	killed.Kill()
	if err := ch.Release(ctx, 4); err != nil {
		t.Fatal(err)
	}
	for i, w := range workers[:2] {
		if _, err := w.Pull(ctx, refs[i]); !IsReferenceNotFound(err) {
			t.Errorf("worker %d: expected reference not found error, got %v", i, err)
		}
	}
	checkPull(t, fake, kept, 2)
}
