// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Sqlcluster loads a set of tables into a cluster of workers and runs
// the queries given as arguments on every worker, printing each
// worker's results as they arrive.
//
// Tables are specified with the -table flag, one per table:
//
//	sqlcluster -system=local -workers=4 \
//		-table 'events=s3://bucket/events/0.parquet,s3://bucket/events/1.parquet' \
//		'SELECT kind, count(*) FROM events GROUP BY kind'
//
// The command "sqlcluster setup-ec2" configures an AWS account for
// EC2 workers; see its -help.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/sqlcluster/batchio"
	"github.com/grailbio/sqlcluster/exec"
	"github.com/grailbio/sqlcluster/source"
	"github.com/grailbio/sqlcluster/sqlcmd"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

type table struct {
	name  string
	paths []string
}

// TablesFlag accumulates tables given as name=path[,path...].
type tablesFlag []table

func (f *tablesFlag) String() string {
	var specs []string
	for _, t := range *f {
		specs = append(specs, t.name+"="+strings.Join(t.paths, ","))
	}
	return strings.Join(specs, " ")
}

func (f *tablesFlag) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("table %q not in name=path[,path...] format", v)
	}
	*f = append(*f, table{parts[0], strings.Split(parts[1], ",")})
	return nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "setup-ec2" {
		setupEc2Cmd(os.Args[2:])
		return
	}
	var (
		tables    tablesFlag
		typ       = flag.String("type", "auto", "type of the table files: auto, csv, parquet")
		delimiter = flag.String("delimiter", ",", "field delimiter of CSV files")
		noHeader  = flag.Bool("noheader", false, "CSV files have no header row")
		explain   = flag.Bool("explain", false, "print the coordinator's plan for each query instead of running it")
	)
	flag.Var(&tables, "table", "a table to load, as name=path[,path...]; may be repeated")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: sqlcluster [flags] query...\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	sqlcmd.Main(func(c *exec.Cluster, args []string) error {
		if len(args) == 0 {
			flag.Usage()
		}
		ctx := context.Background()
		fileType, err := source.ParseFileType(*typ)
		if err != nil {
			return err
		}
		opts := source.Options{NoHeader: *noHeader}
		if r := []rune(*delimiter); len(r) == 1 {
			opts.Delimiter = r[0]
		} else {
			return fmt.Errorf("invalid delimiter %q", *delimiter)
		}
		for _, t := range tables {
			if err := c.CreateTable(ctx, t.name, exec.Files{Paths: t.paths, Type: fileType, Options: opts}); err != nil {
				return err
			}
			schema, err := c.Schema(t.name)
			if err != nil {
				return err
			}
			log.Printf("table %s: %s", t.name, schema)
		}
		for _, query := range args {
			if *explain {
				plan, err := c.Explain(ctx, query, false)
				if err != nil {
					return err
				}
				fmt.Println(plan)
				continue
			}
			if err := run(ctx, c, query); err != nil {
				return err
			}
		}
		return nil
	})
}

func run(ctx context.Context, c *exec.Cluster, query string) error {
	g, err := c.SQL(ctx, query)
	if err != nil {
		return err
	}
	defer g.Close()
	var nrow int
	for {
		b, err := g.Read(ctx)
		if err == batchio.EOF {
			break
		}
		if err != nil {
			return err
		}
		nrow += b.Len()
		if err := b.WriteTab(os.Stdout); err != nil {
			return err
		}
	}
	log.Printf("%s: %d rows", g.Token(), nrow)
	return nil
}
