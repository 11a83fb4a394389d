// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/engine"
	"github.com/grailbio/sqlcluster/source"
	"github.com/grailbio/sqlcluster/sqltype"
	"github.com/grailbio/sqlcluster/stats"
)

// A Cluster coordinates a set of workers that together hold the
// partitions of a set of tables. Operations issued to the cluster
// are fanned out to every worker concurrently: table creation and
// removal wait for all workers, while queries are gathered as a
// stream of batches in worker completion order.
//
// A cluster is started by Start (or Do), and owns its workers until
// Shutdown. Its topology, reported by Config, does not change during
// its lifetime.
type Cluster struct {
	config  Config
	system  bigmachine.System
	params  []bigmachine.Param
	status  *status.Status
	tokens  TokenAllocator
	planner engine.Planner

	tracePath string
	tracer    *tracer
	stats     stats.Map

	b       *bigmachine.B
	group   *status.Group
	workers []Worker
	channel *Channel
	catalog *engine.DB

	// Mu serializes catalog changes so that concurrent creations of
	// the same table are rejected at the coordinator.
	mu       sync.Mutex
	creating map[string]bool
	// Partial holds the names of tables that are not in the catalog
	// but may remain on some workers, after a failed creation or drop.
	partial map[string]bool

	shutdownOnce sync.Once
}

// Start starts a new cluster, configured by the provided options.
// If no worker variant is configured, the cluster runs local workers.
// Start creates every worker's context before returning; if any
// worker fails to start, all workers are killed and an error is
// returned.
func Start(ctx context.Context, options ...Option) (*Cluster, error) {
	c := &Cluster{
		config:   defaultConfig(),
		creating: make(map[string]bool),
		partial:  make(map[string]bool),
	}
	for _, opt := range options {
		opt(c)
	}
	c.config = c.config.Copy()
	if c.tokens == nil {
		c.tokens = NewTokenCounter()
	}
	c.tracer = newTracer()
	var err error
	if c.catalog, err = engine.Open("catalog"); err != nil {
		return nil, err
	}
	if c.planner == nil {
		c.planner = c.catalog
	}
	if c.status != nil {
		c.group = c.status.Groupf("sqlcluster (%d workers)", c.config.Workers)
	}
	if err := c.start(ctx); err != nil {
		c.Shutdown()
		return nil, err
	}
	log.Printf("sqlcluster: started %d workers", len(c.workers))
	return c, nil
}

func (c *Cluster) start(ctx context.Context) error {
	switch {
	case c.workers != nil:
		c.config.Workers = len(c.workers)
	case c.system == nil:
		var shared store = newMemoryStore()
		if c.config.SpillDir != "" {
			shared = newFileStore(file.Join(c.config.SpillDir, "local"))
		}
		c.workers = make([]Worker, c.config.Workers)
		for i := range c.workers {
			c.workers[i] = newLocalWorker(i, shared)
		}
	default:
		c.b = bigmachine.Start(c.system)
		workers, err := startMachineWorkers(ctx, c.b, c.group, c.config.Workers, c.params...)
		if err != nil {
			return err
		}
		c.workers = workers
	}
	c.channel = newChannel(c.workers)
	c.channel.stats = &c.stats
	return gatherAll(ctx, "create context", c.workers, c.tracer.wrap(0, "create context", func(ctx context.Context, w Worker) error {
		return w.CreateContext(ctx, c.config.contextConfig(w.ID()))
	}))
}

// Do starts a cluster with the provided options, calls fn with it,
// and shuts the cluster down when fn returns, however it returns.
func Do(ctx context.Context, fn func(c *Cluster) error, options ...Option) error {
	c, err := Start(ctx, options...)
	if err != nil {
		return err
	}
	defer c.Shutdown()
	return fn(c)
}

// Shutdown kills every worker of the cluster and releases its
// resources. Shutdown is idempotent.
func (c *Cluster) Shutdown() {
	c.shutdownOnce.Do(func() {
		for _, w := range c.workers {
			w.Kill()
		}
		if c.catalog != nil {
			if err := c.catalog.Close(); err != nil {
				log.Error.Printf("sqlcluster: close catalog: %v", err)
			}
		}
		if c.b != nil {
			c.b.Shutdown()
		}
		if c.tracePath != "" {
			if err := c.tracer.WriteFile(context.Background(), c.tracePath); err != nil {
				log.Error.Printf("sqlcluster: write trace %s: %v", c.tracePath, err)
			}
		}
	})
}

// Config returns the cluster's configuration.
func (c *Cluster) Config() Config { return c.config.Copy() }

// Workers returns the cluster's workers, indexed by ID.
func (c *Cluster) Workers() []Worker {
	return append([]Worker(nil), c.workers...)
}

// Worker returns the worker with the provided ID.
func (c *Cluster) Worker(id int) (Worker, bool) {
	if id < 0 || id >= len(c.workers) {
		return nil, false
	}
	return c.workers[id], true
}

// Kill kills the worker with the provided ID. Subsequent operations
// that involve the worker fail with an error satisfying
// IsWorkerUnavailable.
func (c *Cluster) Kill(id int) error {
	w, ok := c.Worker(id)
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("kill: no worker %d", id))
	}
	log.Printf("sqlcluster: killing worker %d", id)
	w.Kill()
	return nil
}

// Tables returns the names of the cluster's tables, sorted.
func (c *Cluster) Tables() []string { return c.catalog.Tables() }

// Schema returns the schema of the named table.
func (c *Cluster) Schema(name string) (sqltype.Schema, error) {
	schema, ok := c.catalog.Schema(name)
	if !ok {
		return sqltype.Schema{}, errors.E(errors.NotExist, fmt.Sprintf("table %s", name))
	}
	return schema, nil
}

// Status returns the status object to which the cluster reports, or
// nil if none was configured.
func (c *Cluster) Status() *status.Status { return c.status }

// Stats returns a snapshot of the cluster's operation counters.
func (c *Cluster) Stats() stats.Values { return c.stats.Snapshot() }

// HandleDebug adds the cluster's debug handlers to the provided mux:
// its operation trace and, for bigmachine workers, bigmachine's.
func (c *Cluster) HandleDebug(mux *http.ServeMux) {
	if c.b != nil {
		c.b.HandleDebug(mux)
	}
	mux.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "application/json; charset=utf-8")
		if err := c.tracer.Marshal(w); err != nil {
			log.Error.Printf("sqlcluster: /debug/trace: marshal: %v", err)
		}
	})
}

// Channel returns the channel over which the cluster transfers
// batches to its workers.
func (c *Cluster) Channel() *Channel { return c.channel }

func (c *Cluster) startTask(format string, args ...interface{}) *status.Task {
	if c.group == nil {
		return nil
	}
	return c.group.Startf(format, args...)
}

// A Source is the source of a table's data.
type Source interface {
	isSource()
}

// Files is a Source comprising a set of source files. Files are
// partitioned among workers; each worker reads only its own files.
type Files struct {
	Paths   []string
	Type    source.FileType
	Options source.Options
}

// Batches is a Source of in-memory batches. Their rows are
// partitioned among workers.
type Batches []*batch.Batch

// Replicated is a Source of in-memory batches that are copied in full
// to every worker.
type Replicated []*batch.Batch

func (Files) isSource()      {}
func (Batches) isSource()    {}
func (Replicated) isSource() {}

func batchSchema(batches []*batch.Batch) (sqltype.Schema, error) {
	if len(batches) == 0 {
		return sqltype.Schema{}, errors.E(errors.Invalid, "no batches")
	}
	schema := batches[0].Schema
	for _, b := range batches[1:] {
		if !b.Schema.Equal(schema) {
			return sqltype.Schema{}, errors.E(errors.Integrity, fmt.Sprintf("batch schema %s differs from %s", b.Schema, schema))
		}
	}
	return schema, nil
}

// CreateTable creates a table with the provided name on every
// worker. CreateTable waits for every worker to complete, and fails
// if any worker failed; workers that succeeded keep their partition
// of the table until it is dropped, or until the creation is
// re-issued, which first drops it. A table name may be registered
// only once.
//
// Workers that are assigned no part of the source are sent a zero-row
// table of the source's schema, so that every worker holds a table of
// identical schema.
func (c *Cluster) CreateTable(ctx context.Context, name string, src Source) (err error) {
	c.mu.Lock()
	if _, ok := c.catalog.Schema(name); ok || c.creating[name] {
		c.mu.Unlock()
		return errors.E(errors.Exists, fmt.Sprintf("create table %s", name))
	}
	c.creating[name] = true
	partial := c.partial[name]
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.creating, name)
		c.mu.Unlock()
	}()

	token := c.tokens.Next()
	task := c.startTask("create table %s [%s]", name, token)
	defer func() {
		if task != nil {
			if err != nil {
				task.Printf("failed: %v", err)
			} else {
				task.Print("complete")
			}
			task.Done()
		}
	}()
	defer func() {
		if rerr := c.channel.Release(ctx, token); rerr != nil {
			log.Error.Printf("create table %s: release %s: %v", name, token, rerr)
		}
	}()

	if partial {
		if err := c.dropPartitions(ctx, token, name); err != nil {
			return errors.E(fmt.Sprintf("create table %s: drop partial table", name), err)
		}
		c.mu.Lock()
		delete(c.partial, name)
		c.mu.Unlock()
	}
	schema, sources, err := c.plan(ctx, name, token, src)
	if err != nil {
		return errors.E(fmt.Sprintf("create table %s", name), err)
	}
	if task != nil {
		task.Printf("dispatched to %d workers", len(c.workers))
	}
	err = gatherAll(ctx, "create table "+name, c.workers, c.tracer.wrap(token, "create table", func(ctx context.Context, w Worker) error {
		return w.CreateTable(ctx, name, sources[w.ID()])
	}))
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.partial[name] = true
		return err
	}
	if err := c.catalog.CreateTable(ctx, name, schema, nil); err != nil {
		return err
	}
	c.stats.Add("tables.created", 1)
	return nil
}

// Plan computes the table's schema and each worker's table source,
// transferring in-memory data to the workers as required.
func (c *Cluster) plan(ctx context.Context, name string, token Token, src Source) (sqltype.Schema, []TableSource, error) {
	n := len(c.workers)
	sources := make([]TableSource, n)
	switch src := src.(type) {
	case Files:
		schema, err := source.ParseSchema(ctx, src.Paths, src.Type, src.Options)
		if err != nil {
			return sqltype.Schema{}, nil, err
		}
		var empty []int
		for i, paths := range PartitionPaths(src.Paths, n) {
			if len(paths) == 0 {
				empty = append(empty, i)
				continue
			}
			sources[i] = TableSource{Schema: schema, Paths: paths, Type: src.Type, Options: src.Options}
		}
		for _, i := range empty {
			ref, err := c.channel.Send(ctx, i, token, fmt.Sprintf("%s/empty/%d", name, i), []*batch.Batch{batch.Empty(schema)})
			if err != nil {
				return sqltype.Schema{}, nil, err
			}
			sources[i] = TableSource{Schema: schema, Ref: &ref}
		}
		return schema, sources, nil
	case Batches:
		schema, err := batchSchema(src)
		if err != nil {
			return sqltype.Schema{}, nil, err
		}
		for i, batches := range PartitionRows(src, n) {
			if len(batches) == 0 {
				batches = []*batch.Batch{batch.Empty(schema)}
			}
			ref, err := c.channel.Send(ctx, i, token, fmt.Sprintf("%s/%d", name, i), batches)
			if err != nil {
				return sqltype.Schema{}, nil, err
			}
			sources[i] = TableSource{Schema: schema, Ref: &ref}
		}
		return schema, sources, nil
	case Replicated:
		schema, err := batchSchema(src)
		if err != nil {
			return sqltype.Schema{}, nil, err
		}
		refs, err := c.channel.Broadcast(ctx, token, src)
		if err != nil {
			return sqltype.Schema{}, nil, err
		}
		for i := range sources {
			sources[i] = TableSource{Schema: schema, Ref: &refs[i]}
		}
		return schema, sources, nil
	default:
		return sqltype.Schema{}, nil, errors.E(errors.Invalid, fmt.Sprintf("unsupported source %T", src))
	}
}

// DropTable drops the named table from every worker. Like
// CreateTable, DropTable waits for every worker and does not restore
// the table on workers that succeeded if another failed. The table is
// removed from the cluster's catalog regardless; a failed drop may be
// re-issued. Tables left on some workers by a failed creation may also
// be dropped.
func (c *Cluster) DropTable(ctx context.Context, name string) error {
	c.mu.Lock()
	_, ok := c.catalog.Schema(name)
	if !ok && !c.partial[name] {
		c.mu.Unlock()
		return errors.E(errors.NotExist, fmt.Sprintf("drop table %s", name))
	}
	if ok {
		if err := c.catalog.DropTable(ctx, name); err != nil {
			c.mu.Unlock()
			return err
		}
		c.stats.Add("tables.dropped", 1)
	}
	c.partial[name] = true
	c.mu.Unlock()

	token := c.tokens.Next()
	err := c.dropPartitions(ctx, token, name)
	if err == nil {
		c.mu.Lock()
		delete(c.partial, name)
		c.mu.Unlock()
	}
	return err
}

// DropPartitions drops the named table from every worker that holds
// it.
func (c *Cluster) dropPartitions(ctx context.Context, token Token, name string) error {
	return gatherAll(ctx, "drop table "+name, c.workers, c.tracer.wrap(token, "drop table", func(ctx context.Context, w Worker) error {
		err := w.DropTable(ctx, name)
		if IsNotFound(err) {
			return nil
		}
		return err
	}))
}

// SQL runs the provided query on every worker, and returns a Gather
// from which the results are read as workers complete. The query is
// first planned on the coordinator: if its plan matches the cluster's
// empty-plan pattern, the query completes immediately without being
// dispatched. Workers' operations are canceled when ctx is done.
//
// Queries whose result columns are all declared by the catalog stream
// their results as workers complete. Otherwise the column types are
// inferred from the results, which are returned once every worker has
// completed.
func (c *Cluster) SQL(ctx context.Context, query string) (*Gather, error) {
	token := c.tokens.Next()
	task := c.startTask("sql [%s] %s", token, query)
	c.stats.Add("sql", 1)
	if re := c.config.EmptyPlan; re != nil {
		plan, err := c.planner.Explain(ctx, query, false)
		switch {
		case err != nil:
			// The workers report the error, if it is one.
			log.Debug.Printf("sql %s: explain: %v", token, err)
		case re.MatchString(plan):
			log.Debug.Printf("sql %s: statically empty plan", token)
			c.stats.Add("sql.empty", 1)
			return emptyGather(token, task), nil
		}
	}
	// Results are held until every worker completes when their column
	// types depend on the data.
	var hold bool
	if schema, err := c.catalog.ResultSchema(ctx, query); err != nil {
		log.Debug.Printf("sql %s: result schema: %v", token, err)
	} else {
		hold = !schema.Complete()
	}
	return dispatch(ctx, token, c.workers, task, hold, func(ctx context.Context, w Worker) ([]*batch.Batch, error) {
		c.tracer.Event(w.ID(), token, "sql", "B")
		batches, err := w.SQL(ctx, query, token)
		if err != nil {
			c.tracer.Event(w.ID(), token, "sql", "E", "error", err.Error())
			return nil, err
		}
		n := batch.Count(batches)
		c.stats.Add("sql.rows", int64(n))
		c.tracer.Event(w.ID(), token, "sql", "E", "rows", n)
		return batches, nil
	}), nil
}

// Explain returns the coordinator's plan for the provided query.
func (c *Cluster) Explain(ctx context.Context, query string, detail bool) (string, error) {
	return c.planner.Explain(ctx, query, detail)
}
