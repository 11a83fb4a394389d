// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/batchio"
)

func init() {
	gob.Register(&worker{})
}

// RetryPolicy is the retry policy used for best-effort cleanup calls.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

const maxReleaseRetries = 3

// Init implements bigmachine's service initialization. The worker's
// engine is created later, by CreateContext.
func (w *worker) Init(b *bigmachine.B) error {
	log.Debug.Printf("sqlcluster worker initialized on %s", b.System().Name())
	return nil
}

// CreateContext creates the worker's engine. It is idempotent.
func (w *worker) CreateContext(ctx context.Context, config ContextConfig, _ *struct{}) error {
	return w.createContext(ctx, config)
}

type sqlRequest struct {
	Query string
	Token Token
}

// SQL runs a query and streams its result batches, encoded by a
// batchio.Encoder, to the caller.
func (w *worker) SQL(ctx context.Context, req sqlRequest, rc *io.ReadCloser) error {
	batches, err := w.sql(ctx, req.Query, req.Token)
	if err != nil {
		return err
	}
	r, wr := io.Pipe()
	go func() {
		wr.CloseWithError(batchio.NewEncoder(wr).EncodeAll(batches))
	}()
	*rc = r
	return nil
}

type createTableRequest struct {
	Name   string
	Source TableSource
}

// CreateTable creates a table from the worker's partition of its
// source.
func (w *worker) CreateTable(ctx context.Context, req createTableRequest, _ *struct{}) error {
	return w.createTable(ctx, req.Name, req.Source)
}

// DropTable drops a table.
func (w *worker) DropTable(ctx context.Context, name string, _ *struct{}) error {
	return w.dropTable(ctx, name)
}

type explainRequest struct {
	Query  string
	Detail bool
}

// Explain returns the engine's plan for a query.
func (w *worker) Explain(ctx context.Context, req explainRequest, plan *string) (err error) {
	*plan, err = w.explain(ctx, req.Query, req.Detail)
	return
}

type putRequest struct {
	Ref     Reference
	Payload []byte
}

// Put registers an encoded payload in the worker's store.
func (w *worker) Put(ctx context.Context, req putRequest, _ *struct{}) error {
	return w.put(ctx, req.Ref, req.Payload)
}

// Pull returns a registered payload, still encoded.
func (w *worker) Pull(ctx context.Context, ref Reference, payload *[]byte) (err error) {
	*payload, err = w.getStore().Get(ctx, ref)
	return
}

// Release expires a token's references.
func (w *worker) Release(ctx context.Context, token Token, _ *struct{}) error {
	return w.release(ctx, token)
}

// MachineWorker is a worker that runs as a bigmachine service on a
// dedicated machine. Operations are RPCs to the machine's "Worker"
// service. The worker is terminated when its machine stops.
type machineWorker struct {
	*lifecycle
	machine *bigmachine.Machine
	status  *status.Task
}

func newMachineWorker(id int, m *bigmachine.Machine, task *status.Task) *machineWorker {
	w := &machineWorker{lifecycle: newLifecycle(id), machine: m, status: task}
	go func() {
		select {
		case <-m.Wait(bigmachine.Stopped):
			if w.lifecycle.Kill() {
				log.Error.Printf("worker %d: machine %s stopped: %v", id, m.Addr, m.Err())
				w.printf("lost: %v", m.Err())
			}
		case <-w.Killed():
		}
	}()
	return w
}

func (w *machineWorker) ID() int { return w.id }

func (w *machineWorker) printf(format string, args ...interface{}) {
	if w.status != nil {
		w.status.Printf(format, args...)
	}
}

// Call invokes the named service method on the worker's machine
// within the worker's lifecycle. Errors observed after the machine
// has stopped are reported as unavailable.
func (w *machineWorker) call(ctx context.Context, op, method string, arg, reply interface{}, retriable bool) error {
	return w.Do(ctx, op, func(ctx context.Context) error {
		var err error
		if retriable {
			err = w.machine.RetryCall(ctx, "Worker."+method, arg, reply)
		} else {
			err = w.machine.Call(ctx, "Worker."+method, arg, reply)
		}
		return w.lost(op, err)
	})
}

// Lost reports errors that indicate the loss of the worker's machine
// as unavailable.
func (w *machineWorker) lost(op string, err error) error {
	if err == nil {
		return nil
	}
	if w.machine.State() == bigmachine.Stopped || errors.Is(errors.Net, err) {
		return errors.E(errors.Unavailable, fmt.Sprintf("worker %d: %s", w.id, op), err)
	}
	return err
}

func (w *machineWorker) CreateContext(ctx context.Context, config ContextConfig) error {
	if err := w.call(ctx, "create context", "CreateContext", config, nil, true); err != nil {
		return err
	}
	w.Ready()
	w.printf("ready")
	return nil
}

func (w *machineWorker) SQL(ctx context.Context, query string, token Token) ([]*batch.Batch, error) {
	var batches []*batch.Batch
	err := w.Do(ctx, "sql", func(ctx context.Context) error {
		var rc io.ReadCloser
		if err := w.machine.Call(ctx, "Worker.SQL", sqlRequest{query, token}, &rc); err != nil {
			return w.lost("sql", err)
		}
		r := batchio.NewDecodingReadCloser(rc)
		defer r.Close()
		var err error
		batches, err = batchio.ReadAll(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func (w *machineWorker) CreateTable(ctx context.Context, name string, src TableSource) error {
	return w.call(ctx, "create table", "CreateTable", createTableRequest{name, src}, nil, false)
}

func (w *machineWorker) DropTable(ctx context.Context, name string) error {
	return w.call(ctx, "drop table", "DropTable", name, nil, false)
}

func (w *machineWorker) Explain(ctx context.Context, query string, detail bool) (string, error) {
	var plan string
	if err := w.call(ctx, "explain", "Explain", explainRequest{query, detail}, &plan, true); err != nil {
		return "", err
	}
	return plan, nil
}

func (w *machineWorker) Put(ctx context.Context, ref Reference, batches []*batch.Batch) error {
	p, err := batchio.Marshal(batches)
	if err != nil {
		return err
	}
	err = w.call(ctx, "put", "Put", putRequest{ref, p}, nil, true)
	if err != nil && errors.Is(errors.Exists, err) {
		// A retried put may find its own earlier registration.
		return nil
	}
	return err
}

func (w *machineWorker) Pull(ctx context.Context, ref Reference) ([]*batch.Batch, error) {
	var p []byte
	if err := w.call(ctx, "pull", "Pull", ref, &p, false); err != nil {
		return nil, err
	}
	return batchio.Unmarshal(p)
}

// Release expires a token's references on the worker. Release is a
// cleanup operation; transient failures are retried a few times.
func (w *machineWorker) Release(ctx context.Context, token Token) error {
	for retries := 0; ; retries++ {
		err := w.call(ctx, "release", "Release", token, nil, false)
		if err == nil || retries == maxReleaseRetries || !IsWorkerUnavailable(err) || w.machine.State() != bigmachine.Running {
			return err
		}
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			return err
		}
	}
}

// Kill terminates the worker and cancels its machine.
func (w *machineWorker) Kill() {
	if w.lifecycle.Kill() {
		w.machine.Cancel()
		w.printf("killed")
	}
}

// startMachineWorkers starts n machines running the worker service
// and waits for them to boot. If any machine fails to start, every
// started machine is canceled and an error is returned.
func startMachineWorkers(ctx context.Context, b *bigmachine.B, group *status.Group, n int, params ...bigmachine.Param) ([]Worker, error) {
	params = append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, params...)
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "start machines", err)
	}
	var (
		wg      sync.WaitGroup
		workers = make([]Worker, len(machines))
		errs    = make([]error, len(machines))
	)
	for i := range machines {
		i, m := i, machines[i]
		var task *status.Task
		if group != nil {
			task = group.Startf("worker %d", i)
			task.Print("waiting for machine to boot")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				if task != nil {
					task.Printf("failed to start: %v", err)
					task.Done()
				}
				errs[i] = errors.E(errors.Unavailable, fmt.Sprintf("machine %s", m.Addr), err)
				return
			}
			if task != nil {
				task.Title(m.Addr)
				task.Print("booted")
			}
			log.Printf("machine %v is ready", m.Addr)
			workers[i] = newMachineWorker(i, m, task)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			for _, m := range machines {
				m.Cancel()
			}
			return nil, err
		}
	}
	return workers, nil
}
