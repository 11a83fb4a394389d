// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io/ioutil"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/spaolacci/murmur3"
)

// Store holds the payloads registered with a channel, keyed by
// reference. Payloads are encoded batch streams (see batchio.Marshal).
type store interface {
	// Put registers the payload p under ref. Put returns an error of
	// kind errors.Exists if ref is already registered.
	Put(ctx context.Context, ref Reference, p []byte) error

	// Get returns the payload registered under ref. If ref is not
	// registered, or has been released, Get returns an error that
	// satisfies IsReferenceNotFound.
	Get(ctx context.Context, ref Reference) ([]byte, error)

	// Release expires every reference carrying the provided token.
	Release(ctx context.Context, token Token) error
}

// MemoryStore is a store implementation that keeps payloads in
// memory.
type memoryStore struct {
	mu       sync.Mutex
	payloads map[Token]map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{payloads: make(map[Token]map[string][]byte)}
}

func (m *memoryStore) Put(ctx context.Context, ref Reference, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.payloads[ref.Token]
	if keys == nil {
		keys = make(map[string][]byte)
		m.payloads[ref.Token] = keys
	}
	if _, ok := keys[ref.Key]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("put %s", ref))
	}
	if p == nil {
		p = []byte{}
	}
	keys[ref.Key] = p
	return nil
}

func (m *memoryStore) Get(ctx context.Context, ref Reference) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payloads[ref.Token][ref.Key]
	if !ok {
		return nil, referenceNotFound(ref)
	}
	return p, nil
}

func (m *memoryStore) Release(ctx context.Context, token Token) error {
	m.mu.Lock()
	delete(m.payloads, token)
	m.mu.Unlock()
	return nil
}

// FileStore is a store implementation that writes payloads to files
// under a prefix, so that payloads may be spilled to any location
// supported by github.com/grailbio/base/file (e.g., S3). Payloads are
// stored at "{Prefix}/{token}/{digest}", where digest is a murmur3
// hash of the reference key.
type fileStore struct {
	Prefix string

	mu    sync.Mutex
	paths map[Token]map[string]string
}

func newFileStore(prefix string) *fileStore {
	return &fileStore{Prefix: prefix, paths: make(map[Token]map[string]string)}
}

func (s *fileStore) path(ref Reference) string {
	return file.Join(s.Prefix, ref.Token.String(), fmt.Sprintf("%016x", murmur3.Sum64([]byte(ref.Key))))
}

func (s *fileStore) Put(ctx context.Context, ref Reference, p []byte) error {
	s.mu.Lock()
	if _, ok := s.paths[ref.Token][ref.Key]; ok {
		s.mu.Unlock()
		return errors.E(errors.Exists, fmt.Sprintf("put %s", ref))
	}
	s.mu.Unlock()
	path := s.path(ref)
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := f.Writer(ctx).Write(p); err != nil {
		f.Close(ctx)
		return errors.E(fmt.Sprintf("put %s", ref), err)
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(fmt.Sprintf("put %s", ref), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.paths[ref.Token]
	if keys == nil {
		keys = make(map[string]string)
		s.paths[ref.Token] = keys
	}
	keys[ref.Key] = path
	return nil
}

func (s *fileStore) Get(ctx context.Context, ref Reference) ([]byte, error) {
	s.mu.Lock()
	path, ok := s.paths[ref.Token][ref.Key]
	s.mu.Unlock()
	if !ok {
		return nil, referenceNotFound(ref)
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return nil, referenceNotFound(ref)
		}
		return nil, err
	}
	defer closeFile(ctx, f)
	return ioutil.ReadAll(f.Reader(ctx))
}

func (s *fileStore) Release(ctx context.Context, token Token) error {
	s.mu.Lock()
	keys := s.paths[token]
	delete(s.paths, token)
	s.mu.Unlock()
	var err error
	for _, path := range keys {
		if e := file.Remove(ctx, path); e != nil {
			log.Error.Printf("release %s: remove %s: %v", token, path, e)
			if err == nil {
				err = e
			}
		}
	}
	return err
}

type closeNoSyncer interface {
	CloseNoSync(context.Context) error
}

// CloseFile closes the provided file. It avoids syncing if the implementation
// supports it.
func closeFile(ctx context.Context, f file.File) error {
	if closer, ok := f.(closeNoSyncer); ok {
		return closer.CloseNoSync(ctx)
	}
	return f.Close(ctx)
}
