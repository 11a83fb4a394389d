// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sqlcmd provides utilities for implementing
// sqlcluster-based command line tools. The main entry point,
// sqlcmd.Main, configures a cluster according to a common set of
// flags, and then invokes the user's driver code.
//
// A sqlcmd tool follows this form:
//
//	func main() {
//		var (
//			applicationFlag1 = flag.Int(...)
//			applicationFlag2 = ...
//		)
//		sqlcmd.Main(func(c *exec.Cluster, args []string) error) {
//			ctx := context.Background()
//			if err := c.CreateTable(ctx, "t", exec.Files{...}); err != nil {
//				return err
//			}
//			// Run queries...
//			return nil
//		}
//	}
package sqlcmd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/sqlcluster/exec"
	"github.com/grailbio/sqlcluster/sqlflags"
)

// Main is a convenient entry point for a sqlcmd. Main does not return;
// it should be called after other initialization is performed. Main
// parses (global) flags, and starts a cluster accordingly. Main then
// invokes the provided func with the cluster. Main also passes the
// unparsed arguments.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers as well as
// bigmachine's aggregated pprof handlers.
//
// Main shuts the cluster down and terminates the program after the
// user func returns. If it returns with an error, it is reported and
// the process exits with code 1, otherwise it exits successfully.
//
// Integration with other command line processing is best achieved using
// the sqlflags package and Init and DisplayStatus functions.
func Main(main func(c *exec.Cluster, args []string) error) {
	var fl sqlflags.Flags
	sqlflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	c, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(c, flag.Args())
	c.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a cluster according to the supplied flags.
func Init(bf sqlflags.Flags) (*exec.Cluster, error) {
	if bf.SystemHelp {
		fmt.Fprint(bf.Output(), sqlflags.SystemHelp)
		os.Exit(0)
	}
	options, err := bf.ExecOptions()
	if err != nil {
		return nil, err
	}
	c, err := exec.Start(context.Background(), options...)
	if err != nil {
		return nil, err
	}
	DisplayStatus(bf, c)
	return c, nil
}

// DisplayStatus arranges for the cluster's status to be displayed on
// the console and/or a web page depending on the flags specified on
// the command line. The web page is hosted /debug/status and
// http.DefaultServeMux.
func DisplayStatus(bf sqlflags.Flags, c *exec.Cluster) {
	if c.Status() == nil {
		return
	}
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, c.Status())
	}
	if len(bf.HTTPAddress.Address) > 0 {
		c.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(c.Status()))
		go func() {
			log.Printf("HTTP Status at: %v\n", bf.HTTPAddress)
			err := http.ListenAndServe(bf.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", bf.HTTPAddress, err)
			}
		}()
	}
}
