// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sqlconfig provides a mechanism to start a sqlcluster from a
// shared configuration. Sqlconfig uses the configuration mechanism in
// package github.com/grailbio/base/config, and reads a default profile
// from $HOME/.sqlcluster/config.
package sqlconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/sqlcluster/exec"
)

// Path determines the location of the sqlcluster profile read
// by Parse.
var Path = os.ExpandEnv("$HOME/.sqlcluster/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// sqlcluster configuration from Path defined in this package. Parse
// returns the cluster as configured by the configuration and any
// flags provided, and a function that shuts it down. Parse panics if
// the cluster cannot be started.
func Parse() (c *exec.Cluster, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("sqlcluster", &c)
	return c, c.Shutdown
}
