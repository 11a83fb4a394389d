// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/sqlcluster/batch"
	"github.com/grailbio/sqlcluster/batchio"
	"github.com/grailbio/sqlcluster/stats"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// A Reference names a payload registered with a worker through a
// Channel. References are scoped by the token of the operation that
// registered them; they are valid until the token is released.
type Reference struct {
	Token Token
	Key   string
}

func (r Reference) String() string { return fmt.Sprintf("%s/%s", r.Token, r.Key) }

// SharedStorer is implemented by workers whose payloads live in a
// store shared with other workers of the same cluster. The channel
// registers a payload in each distinct shared store only once.
type sharedStorer interface {
	sharedStore() store
}

// A Channel transfers batches from the coordinator to a cluster's
// workers. Transfers return only after every target worker has
// registered its payload, so that the coordinator may then instruct
// workers to pull them.
type Channel struct {
	workers []Worker
	seq     uint64
	stats   *stats.Map

	mu sync.Mutex
	// Sent indexes the references of broadcast payloads by token and
	// payload digest.
	sent map[Token]map[uint64][]Reference
}

func newChannel(workers []Worker) *Channel {
	return &Channel{workers: workers, sent: make(map[Token]map[uint64][]Reference)}
}

// digest returns a digest of the schema and contents of a sequence of
// batches.
func digest(batches []*batch.Batch) uint64 {
	h := murmur3.New64()
	var buf [8]byte
	for _, b := range batches {
		binary.LittleEndian.PutUint64(buf[:], b.Digest())
		h.Write(buf[:])
	}
	return h.Sum64()
}

// Broadcast registers the provided batches with every worker under
// the given token, and returns one reference per worker, indexed by
// worker. Workers that share a store receive a single registration.
// A payload identical to one already broadcast under the same token is
// not transferred again: the earlier references are returned.
func (c *Channel) Broadcast(ctx context.Context, token Token, batches []*batch.Batch) ([]Reference, error) {
	d := digest(batches)
	c.mu.Lock()
	if refs, ok := c.sent[token][d]; ok {
		c.mu.Unlock()
		c.stats.Add("channel.dedup", 1)
		return append([]Reference(nil), refs...), nil
	}
	c.mu.Unlock()
	key := fmt.Sprintf("broadcast-%d", atomic.AddUint64(&c.seq, 1))
	ref := Reference{Token: token, Key: key}
	refs := make([]Reference, len(c.workers))
	for i := range refs {
		refs[i] = ref
	}
	var (
		stores  = make(map[store]bool)
		payload []byte
		n       int64
		g, gctx = errgroup.WithContext(ctx)
	)
	for _, w := range c.workers {
		if sw, ok := w.(sharedStorer); ok {
			s := sw.sharedStore()
			if stores[s] {
				continue
			}
			stores[s] = true
			if payload == nil {
				var err error
				if payload, err = batchio.Marshal(batches); err != nil {
					return nil, err
				}
			}
			n++
			g.Go(func() error { return s.Put(gctx, ref, payload) })
			continue
		}
		w := w
		n++
		g.Go(func() error { return w.Put(gctx, ref, batches) })
	}
	if err := g.Wait(); err != nil {
		return nil, errors.E(fmt.Sprintf("broadcast %s", ref), err)
	}
	c.stats.Add("channel.payloads", n)
	c.mu.Lock()
	if c.sent[token] == nil {
		c.sent[token] = make(map[uint64][]Reference)
	}
	c.sent[token][d] = refs
	c.mu.Unlock()
	return append([]Reference(nil), refs...), nil
}

// Send registers the provided batches with the target worker under
// the given token and message ID, which becomes the reference's key.
func (c *Channel) Send(ctx context.Context, target int, token Token, messageID string, batches []*batch.Batch) (Reference, error) {
	ref := Reference{Token: token, Key: messageID}
	if target < 0 || target >= len(c.workers) {
		return Reference{}, errors.E(errors.NotExist, fmt.Sprintf("send %s: no worker %d", ref, target))
	}
	w := c.workers[target]
	if sw, ok := w.(sharedStorer); ok {
		p, err := batchio.Marshal(batches)
		if err != nil {
			return Reference{}, err
		}
		if err := sw.sharedStore().Put(ctx, ref, p); err != nil {
			return Reference{}, err
		}
	} else if err := w.Put(ctx, ref, batches); err != nil {
		return Reference{}, err
	}
	c.stats.Add("channel.payloads", 1)
	return ref, nil
}

// Release expires every reference carrying the provided token, on
// every worker. Workers that are no longer available have nothing to
// release and are skipped.
func (c *Channel) Release(ctx context.Context, token Token) error {
	c.mu.Lock()
	delete(c.sent, token)
	c.mu.Unlock()
	var (
		stores = make(map[store]bool)
		g      errgroup.Group
	)
	for _, w := range c.workers {
		if sw, ok := w.(sharedStorer); ok {
			s := sw.sharedStore()
			if stores[s] {
				continue
			}
			stores[s] = true
			g.Go(func() error { return s.Release(ctx, token) })
			continue
		}
		w := w
		g.Go(func() error {
			err := w.Release(ctx, token)
			if IsWorkerUnavailable(err) {
				log.Debug.Printf("release %s: worker %d: %v", token, w.ID(), err)
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
