// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/sqlcluster/batch"
)

// Partition splits nitems work items among nworkers workers. It
// returns one half-open index range [beg, end) per worker. Workers
// are visited in order; each takes ceil(remaining items / remaining
// workers) items from the front of the remaining sequence. Range
// sizes are thus non-increasing and every item is assigned exactly
// once. When nitems < nworkers, trailing workers receive empty ranges.
func Partition(nitems, nworkers int) [][2]int {
	if nworkers < 1 {
		panic(fmt.Sprintf("exec.Partition: %d workers", nworkers))
	}
	if nitems < 0 {
		panic(fmt.Sprintf("exec.Partition: %d items", nitems))
	}
	ranges := make([][2]int, nworkers)
	var beg int
	for i := range ranges {
		remaining, workers := nitems-beg, nworkers-i
		n := (remaining + workers - 1) / workers
		ranges[i] = [2]int{beg, beg + n}
		beg += n
	}
	return ranges
}

// PartitionPaths assigns source paths to nworkers workers. Workers
// may be assigned no paths.
func PartitionPaths(paths []string, nworkers int) [][]string {
	ranges := Partition(len(paths), nworkers)
	assigned := make([][]string, nworkers)
	for i, r := range ranges {
		if r[0] < r[1] {
			assigned[i] = paths[r[0]:r[1]]
		}
	}
	return assigned
}

// PartitionRows assigns the rows of the concatenation of the provided
// batches to nworkers workers. The returned batches share storage
// with the inputs. Workers may be assigned no batches.
func PartitionRows(batches []*batch.Batch, nworkers int) [][]*batch.Batch {
	ranges := Partition(batch.Count(batches), nworkers)
	assigned := make([][]*batch.Batch, nworkers)
	for i, r := range ranges {
		if r[0] < r[1] {
			assigned[i] = batch.SliceRows(batches, r[0], r[1])
		}
	}
	return assigned
}
