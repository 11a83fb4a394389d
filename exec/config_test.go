// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"strings"
	"testing"

	"github.com/grailbio/base/config"
)

func TestConfigProfile(t *testing.T) {
	profile := config.New()
	err := profile.Parse(strings.NewReader(`
param sqlcluster (
	workers = 2
	parallelism = 3
	empty-plan = ""
)
`))
	if err != nil {
		t.Fatal(err)
	}
	var c *Cluster
	if err := profile.Instance("sqlcluster", &c); err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown()
	config := c.Config()
	if got, want := config.Workers, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := config.Parallelism, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if config.EmptyPlan != nil {
		t.Errorf("unexpected empty plan pattern %v", config.EmptyPlan)
	}
	for _, w := range c.Workers() {
		if _, ok := w.(*localWorker); !ok {
			t.Errorf("worker %d: unexpected type %T", w.ID(), w)
		}
	}
}

func TestOptions(t *testing.T) {
	c := Config{}
	if got, want := c.device(3), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	c.Devices = []int{1, 2}
	if got, want := c.device(3), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, opt := range []func(int) Option{Workers, Parallelism, BatchSize} {
		func() {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			opt(0)
		}()
	}
	if got, want := AllocPool.String(), "pool"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
