// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/batchio"
	"github.com/grailbio/sqlcluster/engine"
	"github.com/grailbio/sqlcluster/source"
	"github.com/grailbio/sqlcluster/sqltype"
	"golang.org/x/sync/errgroup"
)

// A Worker is a handle to a single execution unit of a cluster. Each
// worker owns a query engine holding its partition of every table.
// Workers are created and owned by a Cluster; they are either local
// (in-process) or run on bigmachine machines.
//
// Once a worker has been killed, every operation fails with an error
// satisfying IsWorkerUnavailable; operations in flight at the time of
// the kill fail the same way.
type Worker interface {
	// ID returns the worker's index in its cluster.
	ID() int
	// State returns the worker's current lifecycle state.
	State() WorkerState

	// CreateContext prepares the worker's query engine. It is
	// idempotent.
	CreateContext(ctx context.Context, config ContextConfig) error
	// SQL runs a query against the worker's partition. The token
	// scopes the operation. Queries that fail to execute return
	// errors satisfying IsExecution.
	SQL(ctx context.Context, query string, token Token) ([]*batch.Batch, error)
	// CreateTable creates the named table from the provided source.
	CreateTable(ctx context.Context, name string, src TableSource) error
	// DropTable drops the named table.
	DropTable(ctx context.Context, name string) error
	// Explain returns the worker engine's plan for the query.
	Explain(ctx context.Context, query string, detail bool) (string, error)

	// Put registers a payload with the worker under ref; Pull returns
	// it; Release expires all of a token's references.
	Put(ctx context.Context, ref Reference, batches []*batch.Batch) error
	Pull(ctx context.Context, ref Reference) ([]*batch.Batch, error)
	Release(ctx context.Context, token Token) error

	// Kill terminates the worker. Kill is idempotent and never fails.
	Kill()
}

// WorkerState is the lifecycle state of a worker.
type WorkerState int32

const (
	// WorkerStarting is the state of a worker whose context has not
	// yet been created.
	WorkerStarting WorkerState = iota
	// WorkerReady is the state of a worker that can serve operations.
	WorkerReady
	// WorkerTerminated is the state of a worker that was killed or
	// lost.
	WorkerTerminated
)

var workerStates = [...]string{
	WorkerStarting:   "starting",
	WorkerReady:      "ready",
	WorkerTerminated: "terminated",
}

func (s WorkerState) String() string {
	if s < 0 || int(s) >= len(workerStates) {
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
	return workerStates[s]
}

// ContextConfig is the per-worker configuration passed to
// Worker.CreateContext. It is derived from the cluster's Config.
type ContextConfig struct {
	// Name names the worker's engine.
	Name string
	// Worker is the worker's index.
	Worker int
	// Interface and Port describe the worker's network endpoint.
	Interface string
	Port      int
	// Device is the device assigned to the worker.
	Device int
	// Alloc is the cluster's allocation policy.
	Alloc AllocPolicy
	// Parallelism bounds the number of operations that execute
	// concurrently on the worker's engine.
	Parallelism int
	// BatchSize is the maximum number of rows in each result batch.
	BatchSize int
	// SpillDir, if set, is the prefix under which the worker's
	// channel payloads are stored.
	SpillDir string
}

// A TableSource describes the worker's partition of a table. Exactly
// one of Paths and Ref is used: if Ref is non-nil, the table is
// created from the channel payload it names; otherwise the table is
// read from Paths, which may be empty.
type TableSource struct {
	// Schema is the table's schema, computed over the full source.
	Schema sqltype.Schema

	Paths   []string
	Type    source.FileType
	Options source.Options

	Ref *Reference
}

// Lifecycle tracks the state of a worker handle and implements kill
// semantics: operations run through do fail with an unavailable error
// once the worker is killed, including operations that are in flight
// at the time of the kill.
type lifecycle struct {
	id    int
	mu    sync.Mutex
	state WorkerState
	killc chan struct{}
}

func newLifecycle(id int) *lifecycle {
	return &lifecycle{id: id, killc: make(chan struct{})}
}

func (l *lifecycle) State() WorkerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Ready transitions a starting worker to WorkerReady.
func (l *lifecycle) Ready() {
	l.mu.Lock()
	if l.state == WorkerStarting {
		l.state = WorkerReady
	}
	l.mu.Unlock()
}

// Kill terminates the lifecycle. It returns true for the call that
// performed the transition.
func (l *lifecycle) Kill() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == WorkerTerminated {
		return false
	}
	l.state = WorkerTerminated
	close(l.killc)
	return true
}

// Killed returns a channel that is closed when the worker is killed.
func (l *lifecycle) Killed() <-chan struct{} { return l.killc }

// Do runs fn on behalf of operation op. Do returns an unavailable
// error without running fn if the worker has been killed, and returns
// one as soon as the worker is killed while fn is running, in which
// case fn's context is canceled and its result discarded.
func (l *lifecycle) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	select {
	case <-l.killc:
		return unavailable(l.id, op)
	default:
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-l.killc:
		return unavailable(l.id, op)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type contextKey struct{}

// Worker is the worker runtime shared by both worker variants: local
// workers call it directly, and it is the bigmachine service (named
// "Worker") on remote machines. It owns the worker's engine and its
// channel store.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	contexts once.Map

	mu      sync.Mutex
	config  ContextConfig
	db      *engine.DB
	store   store
	limiter *limiter.Limiter
}

func newWorker(store store) *worker {
	return &worker{store: store}
}

func (w *worker) createContext(ctx context.Context, config ContextConfig) error {
	return w.contexts.Do(contextKey{}, func() error {
		db, err := engine.Open(config.Name)
		if err != nil {
			return err
		}
		p := config.Parallelism
		if p <= 0 {
			p = 1
		}
		l := limiter.New()
		l.Release(p)
		w.mu.Lock()
		defer w.mu.Unlock()
		w.config = config
		w.db = db
		w.limiter = l
		if w.store == nil {
			if config.SpillDir != "" {
				w.store = newFileStore(file.Join(config.SpillDir, fmt.Sprintf("w%03d", config.Worker)))
			} else {
				w.store = newMemoryStore()
			}
		}
		log.Debug.Printf("worker %d: context %s created (device %d, port %d, parallelism %d)",
			config.Worker, db.Name(), config.Device, config.Port, p)
		return nil
	})
}

// Engine returns the worker's engine, acquiring a unit of the
// worker's parallelism. The returned function must be called to
// release it.
func (w *worker) engine(ctx context.Context) (*engine.DB, func(), error) {
	w.mu.Lock()
	db, l := w.db, w.limiter
	w.mu.Unlock()
	if db == nil {
		return nil, nil, errors.E("worker context not created")
	}
	if err := l.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	return db, func() { l.Release(1) }, nil
}

func (w *worker) getStore() store {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.store == nil {
		w.store = newMemoryStore()
	}
	return w.store
}

// Recover turns a panic in worker code into an errors.Fatal error.
func recoverFatal(op string, err *error) {
	if e := recover(); e != nil {
		*err = errors.E(errors.Fatal, fmt.Sprintf("panic during %s: %v\n%s", op, e, debug.Stack()))
	}
}

func (w *worker) sql(ctx context.Context, query string, token Token) (batches []*batch.Batch, err error) {
	defer recoverFatal("sql", &err)
	db, done, err := w.engine(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	log.Debug.Printf("%s: %s: %s", db.Name(), token, query)
	return db.Query(ctx, query, w.config.BatchSize)
}

func (w *worker) createTable(ctx context.Context, name string, src TableSource) (err error) {
	defer recoverFatal("create table", &err)
	db, done, err := w.engine(ctx)
	if err != nil {
		return err
	}
	defer done()
	var batches []*batch.Batch
	if src.Ref != nil {
		batches, err = w.pull(ctx, *src.Ref)
		if err != nil {
			return err
		}
	} else {
		read := make([][]*batch.Batch, len(src.Paths))
		g, gctx := errgroup.WithContext(ctx)
		for i := range src.Paths {
			i := i
			g.Go(func() error {
				var err error
				read[i], err = source.Read(gctx, src.Paths[i], src.Type, src.Schema, src.Options)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, bs := range read {
			batches = append(batches, bs...)
		}
	}
	return db.CreateTable(ctx, name, src.Schema, batches)
}

func (w *worker) dropTable(ctx context.Context, name string) error {
	db, done, err := w.engine(ctx)
	if err != nil {
		return err
	}
	defer done()
	return db.DropTable(ctx, name)
}

func (w *worker) explain(ctx context.Context, query string, detail bool) (string, error) {
	db, done, err := w.engine(ctx)
	if err != nil {
		return "", err
	}
	defer done()
	return db.Explain(ctx, query, detail)
}

func (w *worker) put(ctx context.Context, ref Reference, p []byte) error {
	return w.getStore().Put(ctx, ref, p)
}

func (w *worker) pull(ctx context.Context, ref Reference) ([]*batch.Batch, error) {
	p, err := w.getStore().Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return batchio.Unmarshal(p)
}

func (w *worker) release(ctx context.Context, token Token) error {
	return w.getStore().Release(ctx, token)
}

func (w *worker) close() {
	w.mu.Lock()
	db := w.db
	w.mu.Unlock()
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		log.Error.Printf("close %s: %v", db.Name(), err)
	}
}
