// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/sqlcluster/internal/trace"
)

// A tracer records the per-worker spans of cluster operations. Events
// are kept in the Chrome tracing format, and can be visualized with
// its built-in tool (chrome://tracing). Each worker is represented as
// a Chrome "process"; the coordinator is process 0.
//
// Concurrent operations on a worker are assigned virtual "thread IDs"
// so that they are shown on their own rows. Begin and end events are
// coalesced into "complete events" (X) when the trace is rendered.
type tracer struct {
	mu sync.Mutex

	events []trace.Event
	spans  map[spanKey][]trace.Event
	tids   map[int]tidPool

	// first is the time of the first event, so that offsets in the
	// trace are meaningful.
	first time.Time
}

// A span is one operation on one worker.
type spanKey struct {
	worker int
	token  Token
	op     string
}

// tidPool is a pool of (virtual) thread IDs. The indexes of the slice
// are the tids that we allocate, their corresponding value indicating
// whether it is available for allocation.
type tidPool []bool

func newTracer() *tracer {
	return &tracer{
		spans: make(map[spanKey][]trace.Event),
		tids:  make(map[int]tidPool),
	}
}

// Event logs an event of type ph ("B" or "E") for operation op with
// the provided token on the given worker. A worker of -1 denotes the
// coordinator. Args is a list of interleaved key-value pairs attached
// as event metadata; it must be of even length.
func (t *tracer) Event(worker int, token Token, op, ph string, args ...interface{}) {
	if t == nil {
		return
	}
	if len(args)%2 != 0 {
		panic("tracer.Event: invalid arguments")
	}
	event := trace.Event{
		Pid:  worker + 1,
		Ph:   ph,
		Name: fmt.Sprintf("%s %s", op, token),
		Cat:  op,
		Args: make(map[string]interface{}, len(args)/2),
	}
	for i := 0; i < len(args); i += 2 {
		event.Args[fmt.Sprint(args[i])] = args[i+1]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.first.IsZero() {
		t.first = time.Now()
	} else {
		event.Ts = time.Since(t.first).Nanoseconds() / 1e3
	}
	if _, ok := t.tids[worker]; !ok {
		name := "coordinator"
		if worker >= 0 {
			name = fmt.Sprintf("worker %d", worker)
		}
		t.tids[worker] = nil
		t.events = append(t.events, trace.Event{
			Pid:  event.Pid,
			Ts:   event.Ts,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{"name": name},
		})
	}
	key := spanKey{worker, token, op}
	pool := t.tids[worker]
	switch ph {
	case "B":
		event.Tid = pool.Acquire()
		t.tids[worker] = pool
	case "E":
		if span := t.spans[key]; len(span) > 0 && span[len(span)-1].Ph == "B" {
			event.Tid = span[len(span)-1].Tid
			pool.Release(event.Tid)
		}
	}
	t.spans[key] = append(t.spans[key], event)
}

// Wrap returns a function that runs fn within a traced span of the
// worker it is called with.
func (t *tracer) wrap(token Token, op string, fn func(ctx context.Context, w Worker) error) func(ctx context.Context, w Worker) error {
	return func(ctx context.Context, w Worker) error {
		t.Event(w.ID(), token, op, "B")
		err := fn(ctx, w)
		if err != nil {
			t.Event(w.ID(), token, op, "E", "error", err.Error())
		} else {
			t.Event(w.ID(), token, op, "E")
		}
		return err
	}
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	tr := trace.T{Events: append([]trace.Event(nil), t.events...)}
	for _, span := range t.spans {
		tr.Events = appendCoalesce(tr.Events, span)
	}
	t.mu.Unlock()
	return tr.Encode(w)
}

// WriteFile writes the trace to the file at path.
func (t *tracer) WriteFile(ctx context.Context, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return t.Marshal(f.Writer(ctx))
}

// appendCoalesce appends a span's events to list, matching each "B"
// event with the following "E" event into a single "X" event.
// Unmatched events are dropped.
func appendCoalesce(list []trace.Event, events []trace.Event) []trace.Event {
	var beg = -1
	for _, event := range events {
		switch {
		case event.Ph == "B" && beg < 0:
			beg = len(list)
			list = append(list, event)
		case event.Ph == "E" && beg >= 0:
			list[beg].Ph = "X"
			list[beg].Dur = event.Ts - list[beg].Ts
			if list[beg].Dur == 0 {
				list[beg].Dur = 1
			}
			for k, v := range event.Args {
				if _, ok := list[beg].Args[k]; !ok {
					list[beg].Args[k] = v
				}
			}
			beg = -1
		}
	}
	if beg >= 0 {
		list = append(list[:beg], list[beg+1:]...)
	}
	return list
}

// Acquire acquires an available thread ID from pool p. Thread IDs are
// 1-indexed, preserving 0 for events without meaningful thread IDs.
func (p *tidPool) Acquire() int {
	for tid, available := range *p {
		if available {
			(*p)[tid] = false
			return tid + 1
		}
	}
	*p = append(*p, false)
	return len(*p)
}

// Release makes tid available to a future call to Acquire.
func (p tidPool) Release(tid int) {
	if tid < 1 || tid > len(p) || p[tid-1] {
		log.Error.Printf("tracer: releasing unallocated tid %d", tid)
		return
	}
	p[tid-1] = true
}
