// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"regexp"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/sqlcluster/engine"
)

// DefaultEmptyPlan is the default pattern matched against query
// plans to detect queries that statically produce no rows. SQLite's
// query plans carry no such marker, so detection is disabled unless a
// pattern is configured for the planner in use.
const DefaultEmptyPlan = ""

// AllocPolicy determines how workers allocate memory for their
// tables and results.
type AllocPolicy int

const (
	// AllocPool allocates from a per-worker pool reserved up front.
	AllocPool AllocPolicy = iota
	// AllocManaged allocates on demand.
	AllocManaged
)

func (p AllocPolicy) String() string {
	switch p {
	case AllocPool:
		return "pool"
	case AllocManaged:
		return "managed"
	default:
		return fmt.Sprintf("AllocPolicy(%d)", int(p))
	}
}

// Config is the immutable topology of a cluster. It is computed
// once, from the options passed to Start.
type Config struct {
	// Workers is the number of workers in the cluster.
	Workers int
	// Interface is the network interface on which workers listen.
	Interface string
	// PortBase is the port of the first worker; worker i listens on
	// PortBase+i.
	PortBase int
	// Alloc is the workers' allocation policy.
	Alloc AllocPolicy
	// Devices assigns devices to workers: worker i uses
	// Devices[i%len(Devices)]. If empty, worker i uses device i.
	Devices []int
	// EmptyPlan, if non-nil, is matched against the plan of each query;
	// queries whose plans match complete immediately with no results.
	EmptyPlan *regexp.Regexp
	// Parallelism is the number of operations that may execute
	// concurrently on each worker.
	Parallelism int
	// BatchSize is the maximum number of rows in each result batch.
	BatchSize int
	// SpillDir, if set, is the prefix under which channel payloads are
	// stored instead of memory.
	SpillDir string
}

func defaultConfig() Config {
	return Config{
		Workers:     1,
		Interface:   "lo",
		PortBase:    8000,
		Alloc:       AllocManaged,
		Parallelism: 1,
		BatchSize:   engine.DefaultBatchSize,
	}
}

// Copy returns a copy of c that shares no mutable state with it.
func (c Config) Copy() Config {
	c.Devices = append([]int(nil), c.Devices...)
	return c
}

// device returns the device assigned to worker i.
func (c Config) device(i int) int {
	if len(c.Devices) == 0 {
		return i
	}
	return c.Devices[i%len(c.Devices)]
}

// contextConfig returns the context configuration of worker i.
func (c Config) contextConfig(i int) ContextConfig {
	return ContextConfig{
		Name:        fmt.Sprintf("worker%03d", i),
		Worker:      i,
		Interface:   c.Interface,
		Port:        c.PortBase + i,
		Device:      c.device(i),
		Alloc:       c.Alloc,
		Parallelism: c.Parallelism,
		BatchSize:   c.BatchSize,
		SpillDir:    c.SpillDir,
	}
}

// An Option represents a cluster configuration parameter value.
type Option func(c *Cluster)

// Local configures a cluster with in-process workers.
var Local Option = func(c *Cluster) {
	c.system = nil
}

// Bigmachine configures a cluster whose workers each run on a
// dedicated machine started from the provided bigmachine system. If
// any params are provided, they are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(c *Cluster) {
		c.system = system
		c.params = params
	}
}

// Workers configures the number of workers in the cluster.
func Workers(n int) Option {
	if n <= 0 {
		panic("exec.Workers: n <= 0")
	}
	return func(c *Cluster) {
		c.config.Workers = n
	}
}

// Interface configures the network interface of the cluster's
// workers.
func Interface(name string) Option {
	return func(c *Cluster) {
		c.config.Interface = name
	}
}

// PortBase configures the port of the cluster's first worker.
func PortBase(port int) Option {
	return func(c *Cluster) {
		c.config.PortBase = port
	}
}

// Alloc configures the workers' allocation policy.
func Alloc(policy AllocPolicy) Option {
	return func(c *Cluster) {
		c.config.Alloc = policy
	}
}

// Devices configures the devices assigned to workers.
func Devices(devices ...int) Option {
	devices = append([]int(nil), devices...)
	return func(c *Cluster) {
		c.config.Devices = devices
	}
}

// EmptyPlan configures the pattern used to detect statically empty
// queries. An empty pattern disables detection. EmptyPlan panics if
// the pattern does not compile.
func EmptyPlan(pattern string) Option {
	var re *regexp.Regexp
	if pattern != "" {
		re = regexp.MustCompile(pattern)
	}
	return func(c *Cluster) {
		c.config.EmptyPlan = re
	}
}

// Parallelism configures the number of operations that may run
// concurrently on each worker.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(c *Cluster) {
		c.config.Parallelism = p
	}
}

// BatchSize configures the maximum number of rows in each result
// batch.
func BatchSize(n int) Option {
	if n <= 0 {
		panic("exec.BatchSize: n <= 0")
	}
	return func(c *Cluster) {
		c.config.BatchSize = n
	}
}

// SpillDir configures the cluster to store channel payloads under
// the provided prefix, which may be any path supported by
// github.com/grailbio/base/file.
func SpillDir(prefix string) Option {
	return func(c *Cluster) {
		c.config.SpillDir = prefix
	}
}

// Trace configures the cluster to write a trace of its operations, in
// Chrome's event tracing format, to the provided path on shutdown.
func Trace(path string) Option {
	return func(c *Cluster) {
		c.tracePath = path
	}
}

// Status configures the cluster with a status object to which worker
// and operation statuses are reported.
func Status(status *status.Status) Option {
	return func(c *Cluster) {
		c.status = status
	}
}

// Tokens configures the allocator from which the cluster draws
// operation tokens.
func Tokens(alloc TokenAllocator) Option {
	return func(c *Cluster) {
		c.tokens = alloc
	}
}

// Planner configures the planner consulted to detect statically
// empty queries. By default, the cluster's catalog plans queries.
func Planner(p engine.Planner) Option {
	return func(c *Cluster) {
		c.planner = p
	}
}

func init() {
	config.Register("sqlcluster", func(inst *config.Constructor) {
		var (
			workers     int
			parallelism int
			spillDir    string
			emptyPlan   string
			system      bigmachine.System
		)
		inst.IntVar(&workers, "workers", 4, "number of workers in the cluster")
		inst.IntVar(&parallelism, "parallelism", 1, "number of concurrent operations per worker")
		inst.StringVar(&spillDir, "spill-dir", "", "prefix under which channel payloads are stored")
		inst.StringVar(&emptyPlan, "empty-plan", DefaultEmptyPlan, "pattern matching plans of statically empty queries")
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which workers run; local workers if empty")
		inst.Doc = "sqlcluster configures a scatter-gather SQL cluster"
		inst.New = func() (interface{}, error) {
			opts := []Option{
				Workers(workers),
				Parallelism(parallelism),
				SpillDir(spillDir),
				EmptyPlan(emptyPlan),
			}
			if system != nil {
				opts = append(opts, Bigmachine(system))
			} else {
				opts = append(opts, Local)
			}
			return Start(context.Background(), opts...)
		}
	})
}
