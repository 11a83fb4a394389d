// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"sync/atomic"
)

// A Token scopes a single cluster operation: the channel transfers
// and worker calls that belong to one operation carry the same
// token, and no two concurrently live operations of a cluster share
// one.
type Token uint64

func (t Token) String() string { return fmt.Sprintf("t%d", uint64(t)) }

// A TokenAllocator hands out tokens. Next must return strictly
// increasing values and be safe to call concurrently.
type TokenAllocator interface {
	Next() Token
}

type tokenCounter struct{ n uint64 }

// NewTokenCounter returns a TokenAllocator backed by an atomic
// counter. Its first token is 1.
func NewTokenCounter() TokenAllocator {
	return new(tokenCounter)
}

func (c *tokenCounter) Next() Token {
	return Token(atomic.AddUint64(&c.n, 1))
}
