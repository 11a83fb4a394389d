// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Cluster errors are github.com/grailbio/base/errors values. Their
// kinds survive transmission across bigmachine RPCs, so that errors
// raised on remote workers may be classified by the coordinator with
// the predicates below.

// IsWorkerUnavailable tells whether err reports a worker that has
// been killed or is unreachable.
func IsWorkerUnavailable(err error) bool { return is(errors.Unavailable, err) }

// IsDuplicateTable tells whether err reports the creation of a table
// whose name is already registered.
func IsDuplicateTable(err error) bool { return is(errors.Exists, err) }

// IsNotFound tells whether err reports a missing table.
func IsNotFound(err error) bool { return is(errors.NotExist, err) }

// IsSchemaMismatch tells whether err reports source data whose column
// names or types disagree with a table's schema.
func IsSchemaMismatch(err error) bool { return is(errors.Integrity, err) }

// IsReferenceNotFound tells whether err reports a channel pull of an
// unregistered or released reference.
func IsReferenceNotFound(err error) bool { return is(errors.Precondition, err) }

// IsExecution tells whether err reports a query that failed to
// execute on a worker.
func IsExecution(err error) bool { return is(errors.Invalid, err) }

func is(kind errors.Kind, err error) bool {
	return err != nil && errors.Is(kind, err)
}

func unavailable(id int, op string) error {
	return errors.E(errors.Unavailable, fmt.Sprintf("worker %d: %s: worker unavailable", id, op))
}

func referenceNotFound(ref Reference) error {
	return errors.E(errors.Precondition, fmt.Sprintf("pull %s: reference not found", ref))
}
