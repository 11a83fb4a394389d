// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sqlflags provides flag support for use by sqlcluster command
// line applications.
package sqlflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/sqlcluster/exec"
)

// SystemHelp describes the values accepted by SystemFlag.
const SystemHelp = `A worker system is given as <system>[:key=value,...]. The systems are:

internal: in-process workers, the default.
local: one process per worker on the local machine.
ec2: one AWS EC2 instance per worker. The options are:
	instance=<type> - the instance type, e.g. m5.xlarge
	dataspace=<GiB> - size of the data volume
	rootsize=<GiB> - size of the root volume
	ondemand=<bool> - use on-demand rather than spot instances
	profile=<arn> - the instance profile
`

// SystemFlag is a flag.Value that selects the system on which a
// cluster's workers run.
type SystemFlag struct {
	// Name is one of "internal", "local", or "ec2".
	Name string
	// EC2 is the ec2 system, configured from the flag's options. It is
	// nil for other systems.
	EC2 *ec2system.System
	// Specified is set when the flag is set from the command line.
	Specified bool

	options []string
}

// String implements flag.Value.
func (sys *SystemFlag) String() string {
	if len(sys.options) == 0 {
		return sys.Name
	}
	return sys.Name + ":" + strings.Join(sys.options, ",")
}

// Set implements flag.Value.
func (sys *SystemFlag) Set(v string) error {
	name, opts := v, ""
	if i := strings.Index(v, ":"); i >= 0 {
		name, opts = v[:i], v[i+1:]
	}
	var (
		options []string
		ec2     *ec2system.System
	)
	if opts != "" {
		options = strings.Split(opts, ",")
	}
	switch name {
	case "internal", "local":
		if len(options) > 0 {
			return fmt.Errorf("system %s takes no options", name)
		}
	case "ec2":
		ec2 = new(ec2system.System)
		for _, opt := range options {
			if err := setEC2(ec2, opt); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown system %q", name)
	}
	sys.Name, sys.EC2, sys.options, sys.Specified = name, ec2, options, true
	return nil
}

func setEC2(sys *ec2system.System, opt string) error {
	parts := strings.SplitN(opt, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("ec2 option %q: not in key=value form", opt)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "instance":
		sys.InstanceType = val
	case "profile":
		sys.InstanceProfile = val
	case "dataspace", "rootsize":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("ec2 option %s: %v", key, err)
		}
		if key == "dataspace" {
			sys.Dataspace = uint(n)
		} else {
			sys.Diskspace = uint(n)
		}
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("ec2 option %s: %v", key, err)
		}
		sys.OnDemand = b
	default:
		return fmt.Errorf("unknown ec2 option %q", key)
	}
	return nil
}

// execOption returns the cluster option for the system, together with
// its default number of workers.
func (sys *SystemFlag) execOption() (exec.Option, int, error) {
	switch sys.Name {
	case "internal":
		return exec.Local, runtime.GOMAXPROCS(0), nil
	case "local":
		return exec.Bigmachine(bigmachine.Local), 2, nil
	case "ec2":
		if sys.EC2.Username == "" {
			sys.EC2.Username = "unknown"
			if u, err := user.Current(); err == nil {
				sys.EC2.Username = u.Username
			} else {
				log.Printf("ec2: get current user: %v", err)
			}
		}
		return exec.Bigmachine(sys.EC2), 4, nil
	case "":
		return nil, 0, fmt.Errorf("no worker system specified")
	default:
		return nil, 0, fmt.Errorf("unknown system %q", sys.Name)
	}
}

// Flags represents all of the flags that can be used to configure
// a sqlcluster command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Workers       int
	Parallelism   int
	BatchSize     int
	SpillDir      string
	EmptyPlan     string
	fs            *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// RegisterFlags registers the sqlcluster command line flags with the
// supplied flag set. The flag names will be prefixed with the supplied
// prefix.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		System:      "internal",
		HTTPAddress: ":3333",
		Parallelism: 1,
		EmptyPlan:   exec.DefaultEmptyPlan,
	})
}

// ExecOptions parses the flag values and returns a slice of
// exec.Options that represent the cluster configuration specified by
// those flags.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	system, workers, err := bf.System.execOption()
	if err != nil {
		return nil, err
	}
	if bf.Workers > 0 {
		workers = bf.Workers
	}
	var clusterStatus status.Status
	options := []exec.Option{
		exec.Status(&clusterStatus),
		system,
		exec.Workers(workers),
		exec.EmptyPlan(bf.EmptyPlan),
	}
	if bf.Parallelism > 0 {
		options = append(options, exec.Parallelism(bf.Parallelism))
	}
	if bf.BatchSize > 0 {
		options = append(options, exec.BatchSize(bf.BatchSize))
	}
	if bf.SpillDir != "" {
		options = append(options, exec.SpillDir(bf.SpillDir))
	}
	return options, nil
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Workers       int
	Parallelism   int
	BatchSize     int
	SpillDir      string
	EmptyPlan     string
}

// RegisterFlagsWithDefaults registers the sqlcluster command line
// flags with the supplied flag set and defaults. The flag names will
// be prefixed with the supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", fmt.Sprintf("worker system, one of internal, local, ec2[:key=value,...]; see -%ssystem-help", prefix))
	bf.System.Set(defaults.System)
	bf.System.Specified = false
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&bf.Workers, prefix+"workers", defaults.Workers, "number of workers, 0 requests an appropriate default for the system")
	fs.IntVar(&bf.Parallelism, prefix+"parallelism", defaults.Parallelism, "maximum number of concurrent operations on each worker")
	fs.IntVar(&bf.BatchSize, prefix+"batch-size", defaults.BatchSize, "maximum number of rows in each result batch, 0 for the default")
	fs.StringVar(&bf.SpillDir, prefix+"spill-dir", defaults.SpillDir, "prefix under which transferred batches are stored, in memory if empty")
	fs.StringVar(&bf.EmptyPlan, prefix+"empty-plan", defaults.EmptyPlan, "pattern matching the plans of statically empty queries, disabled if empty")
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "describe the worker systems and their options")
	bf.fs = fs
}
